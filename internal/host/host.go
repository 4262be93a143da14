// Package host wires every subsystem together behind a single `Host`
// object. Host constructs each subsystem and hands it only the pieces it
// needs (peer addresses, record store, dedup filter, transport client)
// through its constructor; no subsystem holds a reference to Host. Health
// notifications reach Consensus and Replicator through
// health.PeerNotifiee, so internal/health imports neither of them.
// Grounded on original_source/src/main.py's SyncPayNode, which plays this
// role for the Python reference.
package host

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncpay/cluster/internal/clusterauth"
	"github.com/syncpay/cluster/internal/config"
	"github.com/syncpay/cluster/internal/consensus"
	"github.com/syncpay/cluster/internal/dedup"
	"github.com/syncpay/cluster/internal/health"
	"github.com/syncpay/cluster/internal/model"
	"github.com/syncpay/cluster/internal/replication"
	"github.com/syncpay/cluster/internal/store"
	"github.com/syncpay/cluster/internal/telemetry"
	"github.com/syncpay/cluster/internal/timesync"
	"github.com/syncpay/cluster/internal/transport"
)

// Host is the node: the one object every subsystem is constructed with,
// and the one place cyclic subsystem references are resolved.
type Host struct {
	nodeID string
	cfg    *config.Config
	peers  []string

	store      *store.Store
	Consensus  *consensus.Consensus
	Replicator *replication.Replicator
	Health     *health.Monitor
	TimeSync   *timesync.Sync
	Dedup      *dedup.Filter
	Metrics    *telemetry.Collector

	log zerolog.Logger
}

// New constructs every subsystem for nodeID and wires health notifications
// to Consensus and Replicator. Construction order is dedup, health,
// replicator, time_sync, consensus: the dedup filter comes first because
// the replicator takes it as a constructor argument.
func New(nodeID string, cfg *config.Config, logger zerolog.Logger) (*Host, error) {
	peers := cfg.PeersOf(nodeID)
	logger = logger.With().Str("node_id", nodeID).Logger()

	recordStore := store.New()

	signer := clusterauth.NewSigner(cfg.ClusterSharedSecret, nodeID)
	client := transport.New(cfg.ConsensusTimeout, signer)

	dd, err := dedup.New(dedup.Config{
		Retention:       cfg.DedupRetention,
		CleanupInterval: cfg.DedupCleanupInterval,
		PrefilterCap:    cfg.DedupPrefilterCapSize,
	}, logger)
	if err != nil {
		return nil, err
	}

	healthMonitor := health.New(peers, health.Config{
		CheckInterval:    cfg.HealthCheckInterval,
		CheckTimeout:     cfg.HealthCheckTimeout,
		FailureThreshold: cfg.HealthFailThreshold,
	}, logger)

	replicator := replication.New(nodeID, peers, replication.Config{
		Timeout:      cfg.ReplicationTimeout,
		BatchTimeout: cfg.ReplicationBatchTimeout,
		MaxRetries:   cfg.ReplicationMaxRetries,
		RetryDelay:   cfg.ReplicationRetryDelay,
		BatchSize:    cfg.ReplicationBatchSize,
		WorkerCount:  cfg.ReplicationWorkerCount,
	}, recordStore, dd, client, logger)

	timeSync := timesync.New(nodeID, peers, timesync.Config{
		SyncInterval: cfg.TimeSyncInterval,
		SyncTimeout:  cfg.TimeSyncTimeout,
		MinSamples:   cfg.TimeSyncMinSamples,
		MaxSamples:   cfg.TimeSyncMaxSamples,
	}, client, logger)

	raft := consensus.New(nodeID, peers, consensus.Config{
		Timeout:            cfg.ConsensusTimeout,
		HeartbeatInterval:  cfg.ConsensusHeartbeatInterval,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
	}, recordStore, client, logger)

	h := &Host{
		nodeID:     nodeID,
		cfg:        cfg,
		peers:      peers,
		store:      recordStore,
		Consensus:  raft,
		Replicator: replicator,
		Health:     healthMonitor,
		TimeSync:   timeSync,
		Dedup:      dd,
		Metrics:    telemetry.New(nodeID, 1000),
		log:        logger,
	}

	healthMonitor.Notify(raft)
	healthMonitor.Notify(replicationNotifiee{h})

	return h, nil
}

// replicationNotifiee adapts Host+Replicator to health.PeerNotifiee,
// additionally triggering a recovery resync (reference:
// handle_peer_recovery calling sync_with_recovered_peer from main.py's
// wiring) once the peer is marked healthy again.
type replicationNotifiee struct {
	h *Host
}

func (n replicationNotifiee) OnPeerFailure(peer string) {
	n.h.Replicator.OnPeerFailure(peer)
}

func (n replicationNotifiee) OnPeerRecovery(peer string) {
	n.h.Replicator.OnPeerRecovery(peer)
	go n.h.Replicator.SyncWithRecoveredPeer(context.Background(), peer)
}

// NodeID returns this node's id.
func (h *Host) NodeID() string { return h.nodeID }

// Peers returns every other node's address.
func (h *Host) Peers() []string { return h.peers }

// Store exposes the host's record store to callers that need the
// store.RecordStore contract directly (e.g. the API layer's /transactions
// handler).
func (h *Host) Store() *store.Store { return h.store }

// Limits returns the payment validation bounds from configuration.
func (h *Host) Limits() (maxAmount float64, maxNameLength int) {
	return h.cfg.PaymentMaxAmount, h.cfg.PaymentMaxNameLength
}

// Start launches every subsystem's background loops.
func (h *Host) Start(ctx context.Context) {
	h.Consensus.Start(ctx)
	h.Replicator.Start(ctx)
	h.Health.Start(ctx)
	h.TimeSync.Start(ctx)
	h.Dedup.StartCleanup(ctx)
	h.log.Info().Strs("peers", h.peers).Msg("node started")
}

// Stop halts every subsystem, bounded by a 5s grace period per subsystem
// (spec.md §5's Stop contract).
func (h *Host) Stop() {
	stopWithGrace(h.Consensus.Stop)
	stopWithGrace(h.Replicator.Stop)
	stopWithGrace(h.Health.Stop)
	stopWithGrace(h.TimeSync.Stop)
	stopWithGrace(h.Dedup.Stop)
}

func stopWithGrace(stop func()) {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

// SubmitPayment accepts a client payment, stamping the cluster-adjusted
// timestamp before proposing it through consensus. Returns the stored
// record on success.
func (h *Host) SubmitPayment(ctx context.Context, amount float64, sender, receiver string) (model.PaymentRecord, bool) {
	rec := model.NewPaymentRecord(amount, sender, receiver, h.nodeID)
	rec.Timestamp = float64(h.TimeSync.Now().UnixNano()) / float64(time.Second)

	if !h.Consensus.Propose(ctx, rec) {
		return rec, false
	}

	rec.Status = model.StatusConfirmed
	if !h.store.InsertIfAbsent(rec) {
		if stored, ok := h.store.Get(rec.ID); ok {
			rec = stored
		}
	} else {
		h.Dedup.Register(rec)
	}
	h.Replicator.Replicate(rec)
	return rec, true
}
