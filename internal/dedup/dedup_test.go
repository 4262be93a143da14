package dedup

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncpay/cluster/internal/model"
)

func testFilter(t *testing.T) *Filter {
	t.Helper()
	f, err := New(Config{
		Retention:       time.Hour,
		CleanupInterval: time.Hour,
		PrefilterCap:    1024,
	}, zerolog.New(os.Stderr))
	require.NoError(t, err)
	return f
}

func TestIsDuplicateByID(t *testing.T) {
	f := testFilter(t)
	rec := model.NewPaymentRecord(10, "alice", "bob", "node1")

	dup, _ := f.IsDuplicate(rec)
	assert.False(t, dup)

	f.Register(rec)

	dup, origID := f.IsDuplicate(rec)
	assert.True(t, dup)
	assert.Equal(t, rec.ID, origID)
}

func TestIsDuplicateByContentHashAcrossDifferentIDs(t *testing.T) {
	f := testFilter(t)
	rec := model.NewPaymentRecord(10, "Alice ", " Bob", "node1")
	f.Register(rec)

	resend := rec
	resend.ID = "different-id"

	dup, origID := f.IsDuplicate(resend)
	assert.True(t, dup)
	assert.Equal(t, rec.ID, origID)
}

func TestContentHashNormalizesCase(t *testing.T) {
	a := model.PaymentRecord{Amount: 5, Sender: "Alice", Receiver: "Bob", OriginNode: "node1"}
	b := model.PaymentRecord{Amount: 5, Sender: " alice ", Receiver: "bob ", OriginNode: "node1"}
	assert.Equal(t, ContentHash(a), ContentHash(b))
}

func TestStatsTracksDuplicateAttempts(t *testing.T) {
	f := testFilter(t)
	rec := model.NewPaymentRecord(10, "alice", "bob", "node1")
	f.Register(rec)

	f.IsDuplicate(rec)
	f.IsDuplicate(rec)

	stats := f.Stats(5)
	assert.Equal(t, 1, stats.TotalProcessed)
	assert.Equal(t, 2, stats.TotalDuplicateAttempts)
	require.Len(t, stats.TopDuplicated, 1)
	assert.Equal(t, rec.ID, stats.TopDuplicated[0].RecordID)
}

func TestForceCleanupEvictsExpired(t *testing.T) {
	f, err := New(Config{
		Retention:       time.Millisecond,
		CleanupInterval: time.Hour,
		PrefilterCap:    1024,
	}, zerolog.New(os.Stderr))
	require.NoError(t, err)

	rec := model.NewPaymentRecord(10, "alice", "bob", "node1")
	f.Register(rec)
	time.Sleep(5 * time.Millisecond)

	f.ForceCleanup()

	dup, _ := f.IsDuplicate(rec)
	assert.False(t, dup, "expired record must no longer be tracked")
}

func TestReset(t *testing.T) {
	f := testFilter(t)
	rec := model.NewPaymentRecord(10, "alice", "bob", "node1")
	f.Register(rec)

	f.Reset()

	dup, _ := f.IsDuplicate(rec)
	assert.False(t, dup)
}
