// Package replication disseminates committed records to peers
// at-least-once and reconciles diverged peers on recovery (spec.md §4.2).
//
// Grounded on original_source/src/replication/replicator.py: per-peer
// pending queues, a fixed worker pool pulling from any non-empty queue,
// per-request retry with a backoff of retry delay times attempt number, and the
// sync_with_recovered_peer batch-resync path are all carried over. Worker
// dispatch additionally throttles per peer with golang.org/x/time/rate
// (SPEC_FULL.md §6.2) so a flapping peer's retries cannot starve another
// peer's queue, refining but not replacing the reference's policy.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/syncpay/cluster/internal/dedup"
	"github.com/syncpay/cluster/internal/model"
	"github.com/syncpay/cluster/internal/store"
	"github.com/syncpay/cluster/internal/transport"
)

// Config bundles Replicator's tunables (spec.md §4.2 defaults).
type Config struct {
	Timeout      time.Duration
	BatchTimeout time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	BatchSize    int
	WorkerCount  int
}

type peerStatus struct {
	connected                 bool
	pendingCount              int
	lastSuccessfulReplication time.Time
	lastAttempt               time.Time
	consecutiveFailures       int
	totalReplications         int
	successfulReplications    int
}

// Replicator is the PaymentReplicator component.
type Replicator struct {
	mu      sync.Mutex
	peers   []string
	pending map[string][]model.PaymentRecord
	status  map[string]*peerStatus
	limiter map[string]*rate.Limiter

	cfg Config

	store  store.RecordStore
	dedup  *dedup.Filter
	client *transport.Client
	nodeID string
	logger zerolog.Logger

	statsMu     sync.Mutex
	totalSent   int64
	totalOK     int64
	totalFailed int64
	avgRespTime time.Duration
	lastReplAt  time.Time

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(nodeID string, peers []string, cfg Config, recordStore store.RecordStore, dd *dedup.Filter, client *transport.Client, logger zerolog.Logger) *Replicator {
	r := &Replicator{
		peers:   peers,
		pending: make(map[string][]model.PaymentRecord),
		status:  make(map[string]*peerStatus),
		limiter: make(map[string]*rate.Limiter),
		cfg:     cfg,
		store:   recordStore,
		dedup:   dd,
		client:  client,
		nodeID:  nodeID,
		logger:  logger.With().Str("component", "replication").Logger(),
		done:    make(chan struct{}),
	}
	now := time.Now()
	for _, p := range peers {
		r.status[p] = &peerStatus{connected: true, lastSuccessfulReplication: now}
		r.limiter[p] = rate.NewLimiter(rate.Limit(20), 5)
	}
	return r
}

// Start launches the fixed worker pool.
func (r *Replicator) Start(ctx context.Context) {
	workers := r.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
}

// Stop halts all workers.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Replicator) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		peer, rec, ok := r.popNextPending()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		r.replicateToPeer(ctx, peer, rec)
	}
}

func (r *Replicator) popNextPending() (string, model.PaymentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, peer := range r.peers {
		queue := r.pending[peer]
		if len(queue) == 0 {
			continue
		}
		rec := queue[0]
		r.pending[peer] = queue[1:]
		if st, ok := r.status[peer]; ok {
			st.pendingCount--
		}
		return peer, rec, true
	}
	return "", model.PaymentRecord{}, false
}

// Replicate enqueues rec for fan-out to every peer (spec.md §4.2).
// Returns immediately.
func (r *Replicator) Replicate(rec model.PaymentRecord) {
	r.mu.Lock()
	for _, peer := range r.peers {
		r.pending[peer] = append(r.pending[peer], rec)
		if st, ok := r.status[peer]; ok {
			st.pendingCount++
		}
	}
	peerCount := len(r.peers)
	r.mu.Unlock()

	r.statsMu.Lock()
	r.totalSent += int64(peerCount)
	r.lastReplAt = time.Now()
	r.statsMu.Unlock()
}

func (r *Replicator) replicateToPeer(ctx context.Context, peer string, rec model.PaymentRecord) {
	if lim, ok := r.limiter[peer]; ok {
		_ = lim.Wait(ctx)
	}

	start := time.Now()
	success := r.sendReplicationRequest(ctx, peer, rec)
	respTime := time.Since(start)

	r.mu.Lock()
	st, ok := r.status[peer]
	if ok {
		st.lastAttempt = time.Now()
		st.totalReplications++
		if success {
			st.lastSuccessfulReplication = time.Now()
			st.consecutiveFailures = 0
			st.successfulReplications++
		} else {
			st.consecutiveFailures++
		}
	}
	r.mu.Unlock()

	r.statsMu.Lock()
	if success {
		r.totalOK++
	} else {
		r.totalFailed++
	}
	const alpha = 0.1
	r.avgRespTime = time.Duration(alpha*float64(respTime) + (1-alpha)*float64(r.avgRespTime))
	r.statsMu.Unlock()
}

// replicateWireRequest/Response mirror spec.md §6's POST /replicate body
// and response family.
type replicateWireRequest struct {
	Transaction model.PaymentRecord `json:"transaction"`
	SourceNode  string              `json:"source_node"`
	Timestamp   float64             `json:"timestamp"`
}

// ReplicateResponse is the {status, transaction_id[, original_transaction_id]}
// family of spec.md §6.
type ReplicateResponse struct {
	Status                string `json:"status"`
	TransactionID         string `json:"transaction_id,omitempty"`
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`
	Error                 string `json:"error,omitempty"`
}

func (r *Replicator) sendReplicationRequest(ctx context.Context, peer string, rec model.PaymentRecord) bool {
	payload := replicateWireRequest{
		Transaction: rec,
		SourceNode:  r.nodeID,
		Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
	}

	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		var resp ReplicateResponse
		status, err := r.client.PostJSON(reqCtx, peer, "/replicate", payload, &resp)
		cancel()

		if err == nil && status == 200 {
			switch resp.Status {
			case "success", "duplicate", "already_exists":
				return true
			default:
				r.logger.Warn().Str("peer", peer).Str("error", resp.Error).Msg("replication rejected")
				return false
			}
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("peer", peer).Int("attempt", attempt+1).Msg("replication request failed")
		}

		if attempt < r.cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(r.cfg.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return false
}

// HandleReplication answers an incoming POST /replicate: checks Dedup,
// stores the record under the host's id-uniqueness guarantee, and
// registers it. Duplicate and already-exists are both success families
// from the sender's perspective (spec.md §4.2).
func (r *Replicator) HandleReplication(rec model.PaymentRecord) ReplicateResponse {
	if dup, originalID := r.dedup.IsDuplicate(rec); dup {
		return ReplicateResponse{Status: "duplicate", TransactionID: rec.ID, OriginalTransactionID: originalID}
	}

	if r.store.InsertIfAbsent(rec) {
		r.dedup.Register(rec)
		return ReplicateResponse{Status: "success", TransactionID: rec.ID}
	}
	return ReplicateResponse{Status: "already_exists", TransactionID: rec.ID}
}

// BatchResult is the {status, successful_count, failed_count, total_count,
// errors} response of spec.md §6's POST /replicate/batch.
type BatchResult struct {
	Status          string   `json:"status"`
	SuccessfulCount int      `json:"successful_count"`
	FailedCount     int      `json:"failed_count"`
	TotalCount      int      `json:"total_count"`
	Errors          []string `json:"errors"`
}

// HandleBatch answers an incoming POST /replicate/batch. When isSync,
// duplicates are stored-through (still counted successful) to force
// convergence; otherwise duplicates are skipped without failing the batch.
func (r *Replicator) HandleBatch(records []model.PaymentRecord, isSync bool) BatchResult {
	result := BatchResult{Status: "completed", TotalCount: len(records), Errors: []string{}}

	for _, rec := range records {
		dup, _ := r.dedup.IsDuplicate(rec)
		if dup && !isSync {
			continue
		}

		if r.store.InsertIfAbsent(rec) {
			r.dedup.Register(rec)
		}
		result.SuccessfulCount++
	}
	return result
}

// SyncWithRecoveredPeer sends the entire local record store to peer,
// sorted by timestamp, in bounded batches. Stops at the first batch that
// does not fully succeed (spec.md §4.2).
func (r *Replicator) SyncWithRecoveredPeer(ctx context.Context, peer string) {
	records := r.store.ListSortedByTimestamp()
	if len(records) == 0 {
		r.logger.Info().Str("peer", peer).Msg("no records to sync")
		return
	}

	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(records)
	}

	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[i:end]
		if !r.syncBatchWithPeer(ctx, peer, batch) {
			r.logger.Error().Str("peer", peer).Msg("batch sync failed, stopping sync")
			return
		}
	}
	r.logger.Info().Str("peer", peer).Msg("completed sync with recovered peer")
}

type batchWireRequest struct {
	Transactions []model.PaymentRecord `json:"transactions"`
	SourceNode   string                `json:"source_node"`
	Timestamp    float64               `json:"timestamp"`
	IsSync       bool                  `json:"is_sync"`
}

func (r *Replicator) syncBatchWithPeer(ctx context.Context, peer string, batch []model.PaymentRecord) bool {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
	defer cancel()

	payload := batchWireRequest{
		Transactions: batch,
		SourceNode:   r.nodeID,
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
		IsSync:       true,
	}

	var resp BatchResult
	status, err := r.client.PostJSON(reqCtx, peer, "/replicate/batch", payload, &resp)
	if err != nil || status != 200 {
		r.logger.Warn().Err(err).Str("peer", peer).Msg("batch sync request failed")
		return false
	}
	return resp.SuccessfulCount == len(batch)
}

// OnPeerFailure implements health.PeerNotifiee: marks peer disconnected
// and drops its pending queue (the record remains on other replicas and
// will be replayed by SyncWithRecoveredPeer).
func (r *Replicator) OnPeerFailure(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.status[peer]
	if !ok {
		return
	}
	st.connected = false
	dropped := len(r.pending[peer])
	if dropped > 0 {
		r.pending[peer] = nil
		st.pendingCount = 0
		r.logger.Info().Str("peer", peer).Int("dropped", dropped).Msg("cleared pending replications for failed peer")
	}
}

// OnPeerRecovery implements health.PeerNotifiee: marks peer connected and
// resets its failure counter. The caller (host wiring) is responsible for
// then invoking SyncWithRecoveredPeer.
func (r *Replicator) OnPeerRecovery(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.status[peer]
	if !ok {
		return
	}
	st.connected = true
	st.consecutiveFailures = 0
}

// PeerStatusView is the exported, copy-safe view of one peer's
// replication status.
type PeerStatusView struct {
	Peer                      string  `json:"peer"`
	Connected                 bool    `json:"connected"`
	PendingCount              int     `json:"pending_count"`
	LastSuccessfulReplication float64 `json:"last_successful_replication"`
	ConsecutiveFailures       int     `json:"consecutive_failures"`
	SuccessRate               float64 `json:"success_rate"`
}

func (r *Replicator) Status() []PeerStatusView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerStatusView, 0, len(r.status))
	for _, peer := range r.peers {
		st := r.status[peer]
		if st == nil {
			continue
		}
		total := st.totalReplications
		if total == 0 {
			total = 1
		}
		out = append(out, PeerStatusView{
			Peer:                      peer,
			Connected:                 st.connected,
			PendingCount:              st.pendingCount,
			LastSuccessfulReplication: float64(st.lastSuccessfulReplication.Unix()),
			ConsecutiveFailures:       st.consecutiveFailures,
			SuccessRate:               float64(st.successfulReplications) / float64(total),
		})
	}
	return out
}

// Metrics mirrors get_replication_metrics.
type Metrics struct {
	TotalSent                int64            `json:"total_sent"`
	TotalSuccessful          int64            `json:"total_successful"`
	TotalFailed              int64            `json:"total_failed"`
	SuccessRate              float64          `json:"success_rate"`
	AvgResponseTimeMs        float64          `json:"avg_response_time_ms"`
	LastReplicationTime      float64          `json:"last_replication_time"`
	TimeSinceLastReplication float64          `json:"time_since_last_replication"`
	PeerStatus               []PeerStatusView `json:"peer_status"`
	TotalPending             int              `json:"total_pending"`
}

func (r *Replicator) GetMetrics() Metrics {
	r.statsMu.Lock()
	totalSent, totalOK, totalFailed := r.totalSent, r.totalOK, r.totalFailed
	avgRespTime := r.avgRespTime
	lastReplAt := r.lastReplAt
	r.statsMu.Unlock()

	denom := totalSent
	if denom == 0 {
		denom = 1
	}

	r.mu.Lock()
	totalPending := 0
	for _, q := range r.pending {
		totalPending += len(q)
	}
	r.mu.Unlock()

	var lastReplUnix, since float64
	if !lastReplAt.IsZero() {
		lastReplUnix = float64(lastReplAt.Unix())
		since = time.Since(lastReplAt).Seconds()
	}

	return Metrics{
		TotalSent:                totalSent,
		TotalSuccessful:          totalOK,
		TotalFailed:              totalFailed,
		SuccessRate:              float64(totalOK) / float64(denom),
		AvgResponseTimeMs:        float64(avgRespTime) / float64(time.Millisecond),
		LastReplicationTime:      lastReplUnix,
		TimeSinceLastReplication: since,
		PeerStatus:               r.Status(),
		TotalPending:             totalPending,
	}
}

// ForceSyncAllPeers resyncs the full local store with every peer
// (reference: force_sync_all_peers; kept per SPEC_FULL.md §6.3).
func (r *Replicator) ForceSyncAllPeers(ctx context.Context) {
	records := r.store.ListSortedByTimestamp()
	if len(records) == 0 {
		return
	}
	for _, peer := range r.peers {
		r.SyncWithRecoveredPeer(ctx, peer)
	}
}
