// Package dedup suppresses replays and resends (spec.md §4.5). It owns
// DedupState exclusively under its own lock, independent of the log and
// of any peer.
//
// Grounded on original_source/src/replication/deduplication.py for the
// tracking-structure shape (processed-id set, hash→ids map, duplicate
// counters, per-id timestamps, periodic cleanup) and on spec.md §4.5 for
// the normative content-hash formula and TTL eviction contract.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/syncpay/cluster/internal/model"
)

// Filter is the dedup component. Every method is safe for concurrent use.
type Filter struct {
	mu sync.Mutex

	hashToIDs         map[string][]string
	idToHash          map[string]string
	processedIDs      map[string]struct{}
	duplicateAttempts map[string]int
	insertedAt        map[string]time.Time

	// prefilter is a bounded LRU of content hashes checked before the
	// definitive hashToIDs map — the "probabilistic pre-filter" of
	// spec.md §4.5 (SPEC_FULL.md §6.2: an LRU stands in for a Bloom
	// filter, the concrete type spec.md explicitly leaves open).
	prefilter *lru.Cache[string, struct{}]

	retention time.Duration
	cleanup   time.Duration

	log zerolog.Logger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Config bundles the tunables New needs.
type Config struct {
	Retention       time.Duration
	CleanupInterval time.Duration
	PrefilterCap    int
}

func New(cfg Config, log zerolog.Logger) (*Filter, error) {
	cache, err := lru.New[string, struct{}](maxInt(cfg.PrefilterCap, 1))
	if err != nil {
		return nil, err
	}
	return &Filter{
		hashToIDs:         make(map[string][]string),
		idToHash:          make(map[string]string),
		processedIDs:      make(map[string]struct{}),
		duplicateAttempts: make(map[string]int),
		insertedAt:        make(map[string]time.Time),
		prefilter:         cache,
		retention:         cfg.Retention,
		cleanup:           cfg.CleanupInterval,
		log:               log.With().Str("component", "dedup").Logger(),
		done:              make(chan struct{}),
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ContentHash is SHA-256 of "{amount:.2f}:{lower(sender).strip()}:{lower(receiver).strip()}:{origin_node}",
// the normative formula of spec.md §4.5.
func ContentHash(rec model.PaymentRecord) string {
	content := fmt.Sprintf("%.2f:%s:%s:%s",
		rec.Amount,
		strings.ToLower(strings.TrimSpace(rec.Sender)),
		strings.ToLower(strings.TrimSpace(rec.Receiver)),
		rec.OriginNode,
	)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether rec's id or content hash is already known,
// and the id of the original record if so. Either match returns duplicate
// (spec.md §4.5).
func (f *Filter) IsDuplicate(rec model.PaymentRecord) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.processedIDs[rec.ID]; ok {
		f.duplicateAttempts[rec.ID]++
		return true, rec.ID
	}

	hash := ContentHash(rec)
	if _, maybe := f.prefilter.Get(hash); maybe {
		for _, existingID := range f.hashToIDs[hash] {
			if existingID != rec.ID {
				f.duplicateAttempts[existingID]++
				return true, existingID
			}
		}
	}
	return false, ""
}

// Register records rec as seen: by id, by content hash, and with an
// insertion timestamp used for TTL eviction.
func (f *Filter) Register(rec model.PaymentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	hash := ContentHash(rec)
	f.idToHash[rec.ID] = hash
	f.hashToIDs[hash] = append(f.hashToIDs[hash], rec.ID)
	f.processedIDs[rec.ID] = struct{}{}
	f.insertedAt[rec.ID] = time.Now()
	f.prefilter.Add(hash, struct{}{})
}

// Stats mirrors deduplication.py's get_deduplication_stats, exposed by
// SPEC_FULL.md §6.3 as an additive field of GET /status.
type Stats struct {
	TotalProcessed         int            `json:"total_transactions_processed"`
	TotalDuplicateAttempts int            `json:"total_duplicate_attempts"`
	UniqueWithDuplicates   int            `json:"unique_transactions_with_duplicates"`
	PrefilterSize          int            `json:"bloom_filter_size"`
	HashTableSize          int            `json:"hash_table_size"`
	TopDuplicated          []TopDuplicate `json:"top_duplicated_transactions"`
}

type TopDuplicate struct {
	RecordID          string `json:"transaction_id"`
	DuplicateAttempts int    `json:"duplicate_attempts"`
}

func (f *Filter) Stats(topN int) Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, n := range f.duplicateAttempts {
		total += n
	}

	top := make([]TopDuplicate, 0, len(f.duplicateAttempts))
	for id, n := range f.duplicateAttempts {
		top = append(top, TopDuplicate{RecordID: id, DuplicateAttempts: n})
	}
	sortTopDuplicates(top)
	if len(top) > topN {
		top = top[:topN]
	}

	return Stats{
		TotalProcessed:         len(f.processedIDs),
		TotalDuplicateAttempts: total,
		UniqueWithDuplicates:   len(f.duplicateAttempts),
		PrefilterSize:          f.prefilter.Len(),
		HashTableSize:          len(f.idToHash),
		TopDuplicated:          top,
	}
}

func sortTopDuplicates(d []TopDuplicate) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j].DuplicateAttempts > d[j-1].DuplicateAttempts; j-- {
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

// StartCleanup launches the background eviction loop (spec.md §4.5:
// evicts entries older than retention at cleanup interval).
func (f *Filter) StartCleanup(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.cleanup)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case <-ticker.C:
				f.evictExpired()
			}
		}
	}()
}

// Stop halts the cleanup loop and waits for it to exit. The wait itself
// is not bounded; the host applies its own grace period around Stop.
func (f *Filter) Stop() {
	f.stopOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}

// ForceCleanup runs eviction synchronously, mirroring force_cleanup in the
// reference (kept per SPEC_FULL.md §6.3 for operational/test use).
func (f *Filter) ForceCleanup() {
	f.evictExpired()
}

func (f *Filter) evictExpired() {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-f.retention)
	var expired []string
	for id, ts := range f.insertedAt {
		if ts.Before(cutoff) {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		hash, ok := f.idToHash[id]
		if ok {
			remaining := f.hashToIDs[hash][:0]
			for _, existing := range f.hashToIDs[hash] {
				if existing != id {
					remaining = append(remaining, existing)
				}
			}
			if len(remaining) == 0 {
				delete(f.hashToIDs, hash)
				f.prefilter.Remove(hash)
			} else {
				f.hashToIDs[hash] = remaining
			}
			delete(f.idToHash, id)
		}
		delete(f.processedIDs, id)
		delete(f.duplicateAttempts, id)
		delete(f.insertedAt, id)
	}

	if len(expired) > 0 {
		f.log.Info().Int("count", len(expired)).Msg("evicted expired dedup records")
	}
}

// Reset clears all dedup state (reference: reset_deduplication_data).
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashToIDs = make(map[string][]string)
	f.idToHash = make(map[string]string)
	f.processedIDs = make(map[string]struct{})
	f.duplicateAttempts = make(map[string]int)
	f.insertedAt = make(map[string]time.Time)
	f.prefilter.Purge()
}
