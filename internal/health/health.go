// Package health tracks per-peer liveness and fans out failure/recovery
// events to Consensus and Replicator without either package importing the
// other (spec.md §9 Design Notes: cyclic references are resolved through
// host-mediated notification).
//
// Grounded on original_source/src/fault_tolerance/health_monitor.py for the
// probe loop, consecutive-failure threshold, and notification shape, and
// on HelixCode's internal/discovery/health_monitor.go for the Go idiom
// (ticker-driven monitor loop, mutex-guarded per-peer state map).
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PeerNotifiee receives peer liveness transitions. Consensus and
// Replicator each implement it; Monitor holds only this interface, never
// a concrete reference to either, keeping the dependency graph acyclic.
type PeerNotifiee interface {
	OnPeerFailure(peer string)
	OnPeerRecovery(peer string)
}

type peerState struct {
	healthy             bool
	consecutiveFailures int
	lastCheck           time.Time
	lastSuccessfulCheck time.Time
	responseTime        time.Duration
}

// PeerStatus is the exported, copy-safe view of a peer's health.
type PeerStatus struct {
	Peer                string        `json:"peer"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheckAgo        time.Duration `json:"last_check_ago"`
	ResponseTimeMillis  float64       `json:"response_time_ms"`
}

// Config bundles Monitor's tunables (spec.md §4.3 defaults).
type Config struct {
	CheckInterval    time.Duration
	CheckTimeout     time.Duration
	FailureThreshold int
}

// Monitor is the HealthMonitor component.
type Monitor struct {
	mu    sync.Mutex
	peers map[string]*peerState

	cfg Config

	client *http.Client
	log    zerolog.Logger

	notifiees []PeerNotifiee

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New builds a Monitor over the given peer addresses. Every peer starts
// healthy, matching the reference's start() initialization.
func New(peerAddrs []string, cfg Config, log zerolog.Logger) *Monitor {
	m := &Monitor{
		peers: make(map[string]*peerState, len(peerAddrs)),
		cfg:   cfg,
		client: &http.Client{
			Timeout: cfg.CheckTimeout,
		},
		log:  log.With().Str("component", "health").Logger(),
		done: make(chan struct{}),
	}
	now := time.Now()
	for _, p := range peerAddrs {
		m.peers[p] = &peerState{
			healthy:             true,
			lastCheck:           now,
			lastSuccessfulCheck: now,
		}
	}
	return m
}

// Notify registers a component to receive OnPeerFailure/OnPeerRecovery
// callbacks. Called during host wiring, before Start.
func (m *Monitor) Notify(n PeerNotifiee) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiees = append(m.notifiees, n)
}

// Start launches the background probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				m.checkAllPeers()
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Monitor) checkAllPeers() {
	m.mu.Lock()
	peers := make([]string, 0, len(m.peers))
	for p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, peer := range peers {
		m.checkPeer(peer)
	}
}

func (m *Monitor) checkPeer(peer string) {
	start := time.Now()
	resp, err := m.client.Get("http://" + peer + "/health")
	latency := time.Since(start)
	healthy := err == nil
	if err == nil {
		defer resp.Body.Close()
		healthy = resp.StatusCode == http.StatusOK
	}

	if healthy {
		m.markHealthy(peer, latency)
	} else {
		m.markUnhealthy(peer)
	}
}

func (m *Monitor) markHealthy(peer string, latency time.Duration) {
	m.mu.Lock()
	st, ok := m.peers[peer]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasUnhealthy := !st.healthy
	st.healthy = true
	st.consecutiveFailures = 0
	st.lastCheck = time.Now()
	st.lastSuccessfulCheck = st.lastCheck
	st.responseTime = latency
	notifiees := m.snapshotNotifiees()
	m.mu.Unlock()

	if wasUnhealthy {
		m.log.Info().Str("peer", peer).Msg("peer recovered")
		for _, n := range notifiees {
			n.OnPeerRecovery(peer)
		}
	}
}

func (m *Monitor) markUnhealthy(peer string) {
	m.mu.Lock()
	st, ok := m.peers[peer]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.consecutiveFailures++
	st.lastCheck = time.Now()

	var justFailed bool
	var notifiees []PeerNotifiee
	if st.consecutiveFailures >= m.cfg.FailureThreshold && st.healthy {
		st.healthy = false
		justFailed = true
		notifiees = m.snapshotNotifiees()
	}
	m.mu.Unlock()

	if justFailed {
		m.log.Warn().Str("peer", peer).Msg("peer marked unhealthy")
		for _, n := range notifiees {
			n.OnPeerFailure(peer)
		}
	}
}

func (m *Monitor) snapshotNotifiees() []PeerNotifiee {
	out := make([]PeerNotifiee, len(m.notifiees))
	copy(out, m.notifiees)
	return out
}

// HealthyPeers returns every peer currently considered healthy.
func (m *Monitor) HealthyPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for peer, st := range m.peers {
		if st.healthy {
			out = append(out, peer)
		}
	}
	sort.Strings(out)
	return out
}

// PeerStatuses returns a snapshot of every tracked peer's status.
func (m *Monitor) PeerStatuses() []PeerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]PeerStatus, 0, len(m.peers))
	for peer, st := range m.peers {
		out = append(out, PeerStatus{
			Peer:                peer,
			Healthy:             st.healthy,
			ConsecutiveFailures: st.consecutiveFailures,
			LastCheckAgo:        now.Sub(st.lastCheck),
			ResponseTimeMillis:  float64(st.responseTime) / float64(time.Millisecond),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// IsClusterHealthy reports whether a strict majority of nodes (self plus
// peers) are currently healthy, per spec.md §4.3.
func (m *Monitor) IsClusterHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	healthyCount := 1
	for _, st := range m.peers {
		if st.healthy {
			healthyCount++
		}
	}
	total := len(m.peers) + 1
	return healthyCount >= total/2+1
}

// BestPeerForRequest returns the healthy peer with the lowest observed
// response time, or "" if none are healthy.
func (m *Monitor) BestPeerForRequest() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := ""
	var bestRT time.Duration
	for peer, st := range m.peers {
		if !st.healthy {
			continue
		}
		if best == "" || st.responseTime < bestRT {
			best = peer
			bestRT = st.responseTime
		}
	}
	return best
}
