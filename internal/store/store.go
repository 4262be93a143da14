// Package store is the host's in-memory record store — one of the
// external collaborators spec.md §1 specifies only through the interface
// the core requires (get/insert_if_absent/list_sorted_by_timestamp).
// Grounded on the teacher's internal/store: same RWMutex-guarded map
// shape, adapted to PaymentRecord and without the WAL (persistent log
// storage is a spec.md Non-goal, and this store is rebuilt from replay on
// restart the same way the reference's in-memory dict is).
package store

import (
	"sync"

	"github.com/syncpay/cluster/internal/model"
)

// RecordStore is the host-to-core contract Consensus and Replicator
// depend on (spec.md §6): get/insert-if-absent/list-sorted-by-timestamp.
// *Store satisfies it.
type RecordStore interface {
	Get(id string) (model.PaymentRecord, bool)
	InsertIfAbsent(model.PaymentRecord) bool
	ListSortedByTimestamp() []model.PaymentRecord
}

// Store is a thread-safe map[id]PaymentRecord.
type Store struct {
	mu   sync.RWMutex
	data map[string]model.PaymentRecord
}

func New() *Store {
	return &Store{data: make(map[string]model.PaymentRecord)}
}

// Get returns the record for id, if present.
func (s *Store) Get(id string) (model.PaymentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[id]
	return r, ok
}

// InsertIfAbsent stores rec under rec.ID unless it is already present.
// Reports whether it was inserted, giving callers the host-store id check
// spec.md's replication invariants rely on (a record is stored at most
// once, enforced under this single lock).
func (s *Store) InsertIfAbsent(rec model.PaymentRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[rec.ID]; exists {
		return false
	}
	s.data[rec.ID] = rec
	return true
}

// SetStatus updates the status of an existing record (the one field
// PaymentRecord may change after commit).
func (s *Store) SetStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.data[id]; ok {
		r.Status = status
		s.data[id] = r
	}
}

// ListSortedByTimestamp returns every record ordered per
// model.SortByTimestamp.
func (s *Store) ListSortedByTimestamp() []model.PaymentRecord {
	s.mu.RLock()
	records := make([]model.PaymentRecord, 0, len(s.data))
	for _, r := range s.data {
		records = append(records, r)
	}
	s.mu.RUnlock()

	model.SortByTimestamp(records)
	return records
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
