package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncpay/cluster/internal/dedup"
	"github.com/syncpay/cluster/internal/model"
	"github.com/syncpay/cluster/internal/store"
	"github.com/syncpay/cluster/internal/transport"
)

func testFilter(t *testing.T) *dedup.Filter {
	t.Helper()
	f, err := dedup.New(dedup.Config{Retention: time.Hour, CleanupInterval: time.Hour, PrefilterCap: 128}, zerolog.New(os.Stderr))
	require.NoError(t, err)
	return f
}

func TestReplicateEnqueuesToEveryPeer(t *testing.T) {
	s := store.New()
	r := New("node1", []string{"peer1", "peer2"}, Config{MaxRetries: 1, RetryDelay: time.Millisecond, WorkerCount: 1}, s, testFilter(t), transport.New(time.Second, nil), zerolog.New(os.Stderr))

	rec := model.NewPaymentRecord(10, "alice", "bob", "node1")
	r.Replicate(rec)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.pending["peer1"], 1)
	assert.Len(t, r.pending["peer2"], 1)
}

func TestHandleReplicationStoresNewRecord(t *testing.T) {
	s := store.New()
	r := New("node1", nil, Config{MaxRetries: 1, RetryDelay: time.Millisecond, WorkerCount: 1}, s, testFilter(t), transport.New(time.Second, nil), zerolog.New(os.Stderr))

	rec := model.NewPaymentRecord(10, "alice", "bob", "node2")
	resp := r.HandleReplication(rec)

	assert.Equal(t, "success", resp.Status)
	_, ok := s.Get(rec.ID)
	assert.True(t, ok)
}

func TestHandleReplicationDetectsDuplicateByContent(t *testing.T) {
	s := store.New()
	f := testFilter(t)
	r := New("node1", nil, Config{MaxRetries: 1, RetryDelay: time.Millisecond, WorkerCount: 1}, s, f, transport.New(time.Second, nil), zerolog.New(os.Stderr))

	rec := model.NewPaymentRecord(10, "alice", "bob", "node2")
	first := r.HandleReplication(rec)
	require.Equal(t, "success", first.Status)

	dup := model.NewPaymentRecord(10, "alice", "bob", "node2")
	second := r.HandleReplication(dup)
	assert.Equal(t, "duplicate", second.Status)
	assert.Equal(t, rec.ID, second.OriginalTransactionID)
}

func TestHandleReplicationAlreadyExistsSameID(t *testing.T) {
	s := store.New()
	r := New("node1", nil, Config{MaxRetries: 1, RetryDelay: time.Millisecond, WorkerCount: 1}, s, testFilter(t), transport.New(time.Second, nil), zerolog.New(os.Stderr))

	rec := model.NewPaymentRecord(10, "alice", "bob", "node2")
	require.True(t, s.InsertIfAbsent(rec))

	resp := r.HandleReplication(rec)
	assert.Equal(t, "already_exists", resp.Status)
}

func TestHandleBatchSkipsDuplicatesWhenNotSync(t *testing.T) {
	s := store.New()
	f := testFilter(t)
	r := New("node1", nil, Config{MaxRetries: 1, RetryDelay: time.Millisecond, WorkerCount: 1}, s, f, transport.New(time.Second, nil), zerolog.New(os.Stderr))

	rec := model.NewPaymentRecord(10, "alice", "bob", "node2")
	require.True(t, s.InsertIfAbsent(rec))
	f.Register(rec)

	result := r.HandleBatch([]model.PaymentRecord{rec}, false)
	assert.Equal(t, 0, result.SuccessfulCount)
	assert.Equal(t, 1, result.TotalCount)
}

func TestHandleBatchStoresThroughDuplicatesWhenSync(t *testing.T) {
	s := store.New()
	f := testFilter(t)
	r := New("node1", nil, Config{MaxRetries: 1, RetryDelay: time.Millisecond, WorkerCount: 1}, s, f, transport.New(time.Second, nil), zerolog.New(os.Stderr))

	rec := model.NewPaymentRecord(10, "alice", "bob", "node2")
	result := r.HandleBatch([]model.PaymentRecord{rec}, true)
	assert.Equal(t, 1, result.SuccessfulCount)
}

func TestSyncWithRecoveredPeerStopsOnFailedBatch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		var payload batchWireRequest
		_ = json.NewDecoder(req.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(BatchResult{Status: "completed", SuccessfulCount: 0, TotalCount: len(payload.Transactions)})
	}))
	defer srv.Close()

	s := store.New()
	s.InsertIfAbsent(model.NewPaymentRecord(10, "alice", "bob", "node1"))
	s.InsertIfAbsent(model.NewPaymentRecord(20, "carol", "dave", "node1"))

	r := New("node1", nil, Config{BatchTimeout: time.Second, BatchSize: 1}, s, testFilter(t), transport.New(time.Second, nil), zerolog.New(os.Stderr))
	r.SyncWithRecoveredPeer(context.Background(), srv.Listener.Addr().String())

	assert.Equal(t, 1, calls, "should stop after first failed batch")
}

func TestOnPeerFailureDropsPendingQueue(t *testing.T) {
	s := store.New()
	r := New("node1", []string{"peer1"}, Config{MaxRetries: 1, RetryDelay: time.Millisecond, WorkerCount: 1}, s, testFilter(t), transport.New(time.Second, nil), zerolog.New(os.Stderr))

	r.Replicate(model.NewPaymentRecord(10, "alice", "bob", "node1"))
	r.OnPeerFailure("peer1")

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.pending["peer1"])
	assert.False(t, r.status["peer1"].connected)
}

func TestOnPeerRecoveryResetsFailureCount(t *testing.T) {
	s := store.New()
	r := New("node1", []string{"peer1"}, Config{MaxRetries: 1, RetryDelay: time.Millisecond, WorkerCount: 1}, s, testFilter(t), transport.New(time.Second, nil), zerolog.New(os.Stderr))

	r.mu.Lock()
	r.status["peer1"].consecutiveFailures = 5
	r.status["peer1"].connected = false
	r.mu.Unlock()

	r.OnPeerRecovery("peer1")

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 0, r.status["peer1"].consecutiveFailures)
	assert.True(t, r.status["peer1"].connected)
}

func TestGetMetricsReportsSuccessRate(t *testing.T) {
	s := store.New()
	r := New("node1", nil, Config{MaxRetries: 1, RetryDelay: time.Millisecond, WorkerCount: 1}, s, testFilter(t), transport.New(time.Second, nil), zerolog.New(os.Stderr))

	r.totalSent = 2
	r.totalOK = 1
	r.totalFailed = 1

	m := r.GetMetrics()
	assert.Equal(t, 0.5, m.SuccessRate)
}
