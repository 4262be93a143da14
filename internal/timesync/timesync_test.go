package timesync

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

	"github.com/syncpay/cluster/internal/transport"
)

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{1, 2, 3}))
	assert.Equal(t, 2.5, median([]float64{1, 2, 3, 4}))
}

func TestFilterOutliersDropsFarValues(t *testing.T) {
	offsets := []float64{1.0, 1.1, 0.9, 1.05, 50.0}
	filtered := filterOutliers(offsets)
	for _, o := range filtered {
		assert.Less(t, o, 10.0)
	}
	assert.NotContains(t, filtered, 50.0)
}

func TestFilterOutliersPassesThroughSmallSets(t *testing.T) {
	offsets := []float64{1.0, 2.0}
	assert.Equal(t, offsets, filterOutliers(offsets))
}

func TestSyncWithPeerComputesOffset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		now := nowSeconds() + 0.5 // simulate peer clock ahead by 0.5s
		resp := SyncResponse{T2: now, T3: now, ServerTime: now, OffsetMs: 500}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client := transport.New(time.Second, nil)
	s := New("node1", []string{srv.Listener.Addr().String()}, Config{
		SyncInterval: time.Hour,
		SyncTimeout:  time.Second,
		MinSamples:   1,
		MaxSamples:   10,
	}, client, zerolog.New(os.Stderr))

	offset, ok := s.syncWithPeer(context.Background(), srv.Listener.Addr().String())
	require.True(t, ok)
	assert.InDelta(t, 0.5, offset, 0.2)
}

func TestCalculateOffsetSmoothsTowardWeightedMean(t *testing.T) {
	s := New("node1", nil, Config{MinSamples: 3, MaxSamples: 10}, nil, zerolog.New(os.Stderr))
	s.samples = []sample{
		{offset: 1.0}, {offset: 1.0}, {offset: 1.0},
	}
	s.calculateOffset()
	assert.InDelta(t, 0.3, s.offset, 1e-9) // 0.3 * weighted(1.0) + 0.7 * 0
}

func TestResetClearsState(t *testing.T) {
	s := New("node1", nil, Config{MinSamples: 1, MaxSamples: 10}, nil, zerolog.New(os.Stderr))
	s.offset = 5
	s.samples = []sample{{offset: 1}}
	s.peerOffsets["p1"] = []float64{1}

	s.Reset()

	assert.Equal(t, 0.0, s.offset)
	assert.Empty(t, s.samples)
	assert.Empty(t, s.peerOffsets)
}

func TestHandleSyncRequestEchoesOffset(t *testing.T) {
	s := New("node1", nil, Config{MinSamples: 1, MaxSamples: 10}, nil, zerolog.New(os.Stderr))
	s.offset = 0.25

	resp := s.HandleSyncRequest(SyncRequest{T1: nowSeconds(), NodeID: "node2"})
	assert.InDelta(t, 250, resp.OffsetMs, 1)
}
