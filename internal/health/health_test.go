package health

import (
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifiee struct {
	mu        sync.Mutex
	failures  []string
	recovered []string
}

func (r *recordingNotifiee) OnPeerFailure(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, peer)
}

func (r *recordingNotifiee) OnPeerRecovery(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered = append(r.recovered, peer)
}

func testConfig() Config {
	return Config{
		CheckInterval:    time.Hour,
		CheckTimeout:     time.Second,
		FailureThreshold: 3,
	}
}

func peerAddr(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return srv.Listener.Addr().String()
}

func TestMarkUnhealthyRequiresConsecutiveFailures(t *testing.T) {
	m := New([]string{"127.0.0.1:1"}, testConfig(), zerolog.New(os.Stderr))
	n := &recordingNotifiee{}
	m.Notify(n)

	m.checkPeer("127.0.0.1:1")
	m.checkPeer("127.0.0.1:1")
	assert.Empty(t, n.failures, "threshold not yet reached")
	assert.True(t, m.peers["127.0.0.1:1"].healthy)

	m.checkPeer("127.0.0.1:1")
	assert.Equal(t, []string{"127.0.0.1:1"}, n.failures)
	assert.False(t, m.peers["127.0.0.1:1"].healthy)
}

func TestMarkHealthyAfterFailureNotifiesRecovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	addr := peerAddr(t, srv)

	m := New([]string{addr}, testConfig(), zerolog.New(os.Stderr))
	n := &recordingNotifiee{}
	m.Notify(n)

	m.peers[addr].healthy = false
	m.peers[addr].consecutiveFailures = 5

	m.checkPeer(addr)

	assert.True(t, m.peers[addr].healthy)
	require.Equal(t, []string{addr}, n.recovered)
}

func TestIsClusterHealthyRequiresMajority(t *testing.T) {
	m := New([]string{"p1", "p2"}, testConfig(), zerolog.New(os.Stderr))
	assert.True(t, m.IsClusterHealthy(), "self + 2 healthy peers is a majority of 3")

	m.peers["p1"].healthy = false
	m.peers["p2"].healthy = false
	assert.False(t, m.IsClusterHealthy())
}

func TestBestPeerForRequestPicksLowestLatency(t *testing.T) {
	m := New([]string{"slow", "fast"}, testConfig(), zerolog.New(os.Stderr))
	m.peers["slow"].responseTime = 100 * time.Millisecond
	m.peers["fast"].responseTime = 5 * time.Millisecond

	assert.Equal(t, "fast", m.BestPeerForRequest())
}

func TestBestPeerForRequestEmptyWhenNoneHealthy(t *testing.T) {
	m := New([]string{"p1"}, testConfig(), zerolog.New(os.Stderr))
	m.peers["p1"].healthy = false
	assert.Equal(t, "", m.BestPeerForRequest())
}

func TestHealthyPeersSortedAndFiltered(t *testing.T) {
	m := New([]string{"b", "a", "c"}, testConfig(), zerolog.New(os.Stderr))
	m.peers["c"].healthy = false
	assert.Equal(t, []string{"a", "b"}, m.HealthyPeers())
}
