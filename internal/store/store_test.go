package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncpay/cluster/internal/model"
)

func TestInsertIfAbsentRejectsDuplicateID(t *testing.T) {
	s := New()
	rec := model.NewPaymentRecord(10, "alice", "bob", "node1")

	require.True(t, s.InsertIfAbsent(rec))
	require.False(t, s.InsertIfAbsent(rec), "same id must not be stored twice")
	assert.Equal(t, 1, s.Len())
}

func TestGetMissing(t *testing.T) {
	s := New()
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestListSortedByTimestampBreaksTiesByOriginThenID(t *testing.T) {
	s := New()
	a := model.PaymentRecord{ID: "b", Timestamp: 1, OriginNode: "node1"}
	b := model.PaymentRecord{ID: "a", Timestamp: 1, OriginNode: "node1"}
	c := model.PaymentRecord{ID: "z", Timestamp: 0, OriginNode: "node2"}

	for _, r := range []model.PaymentRecord{a, b, c} {
		require.True(t, s.InsertIfAbsent(r))
	}

	got := s.ListSortedByTimestamp()
	require.Len(t, got, 3)
	assert.Equal(t, "z", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.Equal(t, "b", got[2].ID)
}

func TestSetStatus(t *testing.T) {
	s := New()
	rec := model.NewPaymentRecord(5, "alice", "bob", "node1")
	require.True(t, s.InsertIfAbsent(rec))

	s.SetStatus(rec.ID, model.StatusConfirmed)

	got, ok := s.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusConfirmed, got.Status)
}
