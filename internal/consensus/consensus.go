// Package consensus implements the leader-based, majority-quorum
// replicated log (spec.md §4.1): exactly one leader per term, entries
// committing on majority acknowledgement.
//
// Grounded on original_source/src/consensus/raft_consensus.py for the
// state machine (Follower/Candidate/Leader), the RequestVote/AppendEntries
// RPC semantics, and the per-peer next_index/match_index bookkeeping. The
// reference's re-entrant-lock, 50ms-busy-poll quorum wait is replaced with
// a channel-based counting rendezvous (spec.md §9 Design Notes
// explicitly invites this: Go's sync.Mutex isn't re-entrant and the Python
// busy-wait is not idiomatic here). RPCs travel as JSON over HTTP via
// internal/transport rather than the deleted teacher raft.go's raw TCP
// text protocol, per spec.md §6.
package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncpay/cluster/internal/model"
	"github.com/syncpay/cluster/internal/store"
	"github.com/syncpay/cluster/internal/transport"
)

// State is a node's Raft-family role.
type State string

const (
	Follower  State = "follower"
	Candidate State = "candidate"
	Leader    State = "leader"
)

// Config bundles Consensus's tunables (spec.md §4.1 defaults).
type Config struct {
	Timeout            time.Duration
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
}

// Consensus is the RaftConsensus component.
type Consensus struct {
	mu sync.Mutex

	nodeID string
	peers  []string
	cfg    Config

	state         State
	currentTerm   int64
	votedFor      string
	currentLeader string

	log         []model.LogEntry
	commitIndex int
	lastApplied int

	nextIndex  map[string]int
	matchIndex map[string]int

	electionTimeout  time.Duration
	lastHeartbeat    time.Time
	lastElectionTime time.Time

	votesReceived map[string]struct{}

	recordStore store.RecordStore
	client      *transport.Client
	logger      zerolog.Logger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New builds Consensus for nodeID against the given peer addresses. The
// caller (host wiring) passes its own store.Store, which already
// satisfies store.RecordStore.
func New(nodeID string, peers []string, cfg Config, recordStore store.RecordStore, client *transport.Client, logger zerolog.Logger) *Consensus {
	return &Consensus{
		nodeID:           nodeID,
		peers:            peers,
		cfg:              cfg,
		state:            Follower,
		nextIndex:        make(map[string]int),
		matchIndex:       make(map[string]int),
		votesReceived:    make(map[string]struct{}),
		electionTimeout:  randomElectionTimeout(cfg),
		lastElectionTime: time.Now(),
		recordStore:      recordStore,
		client:           client,
		logger:           logger.With().Str("component", "consensus").Logger(),
		done:             make(chan struct{}),
	}
}

func randomElectionTimeout(cfg Config) time.Duration {
	span := cfg.ElectionTimeoutMax - cfg.ElectionTimeoutMin
	if span <= 0 {
		return cfg.ElectionTimeoutMin
	}
	return cfg.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

// Start initializes peer tracking and launches the consensus loop.
func (c *Consensus) Start(ctx context.Context) {
	c.mu.Lock()
	for _, p := range c.peers {
		c.nextIndex[p] = len(c.log) + 1
		c.matchIndex[p] = 0
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop(ctx)
}

// Stop halts the consensus loop.
func (c *Consensus) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Consensus) runLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Consensus) tick(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	state := c.state
	shouldHeartbeat := state == Leader && now.Sub(c.lastHeartbeat) >= c.cfg.HeartbeatInterval
	if shouldHeartbeat {
		c.lastHeartbeat = now
	}
	shouldElect := (state == Follower || state == Candidate) && now.Sub(c.lastElectionTime) >= c.electionTimeout
	c.mu.Unlock()

	if shouldHeartbeat {
		c.sendHeartbeats(ctx)
	}
	if shouldElect {
		c.startElection(ctx)
	}
}

// IsLeader reports whether this node currently believes it is leader.
func (c *Consensus) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Leader
}

// CurrentLeader returns the node id of the last known leader, if any.
func (c *Consensus) CurrentLeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLeader
}

// Propose appends record.ID to the local log under the current term and
// attempts to replicate it to a majority before a bounded deadline
// (spec.md §4.1's Propose). Returns false immediately if not leader.
func (c *Consensus) Propose(ctx context.Context, rec model.PaymentRecord) bool {
	c.mu.Lock()
	if c.state != Leader {
		c.mu.Unlock()
		return false
	}
	term := c.currentTerm
	c.log = append(c.log, model.LogEntry{Term: term, RecordID: rec.ID})
	c.logger.Info().Str("record_id", rec.ID).Int64("term", term).Msg("proposed record")
	c.mu.Unlock()

	success := c.replicateToMajority(ctx)

	if success {
		c.mu.Lock()
		newCommitIndex := len(c.log)
		if newCommitIndex > c.commitIndex {
			c.commitIndex = newCommitIndex
			c.applyCommittedEntriesLocked()
		}
		c.mu.Unlock()
	}
	return success
}

// applyCommittedEntriesLocked advances last_applied to commit_index.
// Payloads travel via Replicator (spec.md §4.1 "Applying committed
// entries"); the log carries only ids, so "apply" here is bookkeeping.
func (c *Consensus) applyCommittedEntriesLocked() {
	c.lastApplied = c.commitIndex
}

// replicateToMajority dispatches one AppendEntries RPC per peer in
// parallel and blocks on a counting rendezvous until a majority
// (including self) acknowledges, or the deadline elapses. This replaces
// the reference's 50ms busy-poll with a single channel that is closed once
// quorum is reached.
func (c *Consensus) replicateToMajority(ctx context.Context) bool {
	c.mu.Lock()
	peers := append([]string(nil), c.peers...)
	c.mu.Unlock()

	if len(peers) == 0 {
		return true
	}

	totalNodes := len(peers) + 1
	requiredAcks := totalNodes/2 + 1

	var mu sync.Mutex
	acks := 1
	quorumReached := make(chan struct{})
	var closeOnce sync.Once

	deadline := c.cfg.Timeout + 500*time.Millisecond
	if deadline < time.Second {
		deadline = time.Second
	}
	rpcCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			ok := c.sendAppendEntries(rpcCtx, peer)
			if ok {
				mu.Lock()
				acks++
				reached := acks >= requiredAcks
				mu.Unlock()
				if reached {
					closeOnce.Do(func() { close(quorumReached) })
				}
			}
		}(peer)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-quorumReached:
	case <-done:
	case <-rpcCtx.Done():
	}

	mu.Lock()
	finalAcks := acks
	mu.Unlock()

	if finalAcks >= requiredAcks {
		c.logger.Info().Int("acks", finalAcks).Int("total", totalNodes).Msg("consensus achieved")
		return true
	}
	c.logger.Warn().Int("acks", finalAcks).Int("total", totalNodes).Int("required", requiredAcks).Msg("consensus failed")
	return false
}

func (c *Consensus) startElection(ctx context.Context) {
	c.mu.Lock()
	c.state = Candidate
	c.currentTerm++
	c.votedFor = c.nodeID
	c.votesReceived = map[string]struct{}{c.nodeID: {}}
	c.lastElectionTime = time.Now()
	c.electionTimeout = randomElectionTimeout(c.cfg)
	term := c.currentTerm
	lastLogIndex := len(c.log)
	lastLogTerm := int64(0)
	if lastLogIndex > 0 {
		lastLogTerm = c.log[lastLogIndex-1].Term
	}
	peers := append([]string(nil), c.peers...)
	c.logger.Info().Int64("term", term).Msg("starting election")
	c.mu.Unlock()

	for _, peer := range peers {
		go c.requestVote(ctx, peer, term, lastLogIndex, lastLogTerm)
	}
}

// RequestVoteRequest/Response mirror spec.md §6's POST /consensus
// type=request_vote payload.
type RequestVoteRequest struct {
	Term         int64  `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex int    `json:"last_log_index"`
	LastLogTerm  int64  `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        int64 `json:"term"`
	VoteGranted bool  `json:"vote_granted"`
}

func (c *Consensus) requestVote(ctx context.Context, peer string, term int64, lastLogIndex int, lastLogTerm int64) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	envelope := consensusEnvelope{
		Type: "request_vote",
		Data: RequestVoteRequest{
			Term:         term,
			CandidateID:  c.nodeID,
			LastLogIndex: lastLogIndex,
			LastLogTerm:  lastLogTerm,
		},
	}

	var resp RequestVoteResponse
	status, err := c.client.PostJSON(reqCtx, peer, "/consensus", envelope, &resp)
	if err != nil || status != 200 {
		c.logger.Debug().Err(err).Str("peer", peer).Msg("failed to request vote")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.VoteGranted && resp.Term == c.currentTerm {
		c.votesReceived[peer] = struct{}{}
		totalNodes := len(c.peers) + 1
		requiredVotes := totalNodes/2 + 1
		if len(c.votesReceived) >= requiredVotes {
			c.becomeLeaderLocked()
		}
	}
}

func (c *Consensus) becomeLeaderLocked() {
	if c.state != Candidate {
		return
	}
	c.state = Leader
	c.currentLeader = c.nodeID
	c.lastHeartbeat = time.Now()
	for _, peer := range c.peers {
		c.nextIndex[peer] = len(c.log) + 1
		c.matchIndex[peer] = 0
	}
	c.logger.Info().Int64("term", c.currentTerm).Msg("became leader")
}

func (c *Consensus) sendHeartbeats(ctx context.Context) {
	c.mu.Lock()
	peers := append([]string(nil), c.peers...)
	c.mu.Unlock()

	for _, peer := range peers {
		go c.sendAppendEntries(ctx, peer)
	}

	c.mu.Lock()
	c.applyCommittedEntriesLocked()
	c.mu.Unlock()
}

// AppendEntriesRequest/Response mirror spec.md §6's POST /consensus
// type=append_entries payload. Entries are wire-encoded as [term, id]
// pairs to match spec.md §6 exactly.
type AppendEntriesRequest struct {
	Term         int64    `json:"term"`
	LeaderID     string   `json:"leader_id"`
	PrevLogIndex int      `json:"prev_log_index"`
	PrevLogTerm  int64    `json:"prev_log_term"`
	Entries      [][2]any `json:"entries"`
	LeaderCommit int      `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term    int64 `json:"term"`
	Success bool  `json:"success"`
}

func encodeEntries(entries []model.LogEntry) [][2]any {
	out := make([][2]any, len(entries))
	for i, e := range entries {
		out[i] = [2]any{e.Term, e.RecordID}
	}
	return out
}

func decodeEntries(raw [][2]any) []model.LogEntry {
	out := make([]model.LogEntry, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		termF, _ := pair[0].(float64)
		id, _ := pair[1].(string)
		out = append(out, model.LogEntry{Term: int64(termF), RecordID: id})
	}
	return out
}

// sendAppendEntries ships one AppendEntries RPC to peer, either a
// heartbeat (no new entries) or carrying the backlog since next_index[peer].
func (c *Consensus) sendAppendEntries(ctx context.Context, peer string) bool {
	c.mu.Lock()
	prevLogIndex := c.nextIndex[peer] - 1
	var prevLogTerm int64
	if prevLogIndex > 0 && prevLogIndex <= len(c.log) {
		prevLogTerm = c.log[prevLogIndex-1].Term
	}
	var entries []model.LogEntry
	if c.nextIndex[peer] <= len(c.log) {
		entries = append([]model.LogEntry(nil), c.log[c.nextIndex[peer]-1:]...)
	}
	req := AppendEntriesRequest{
		Term:         c.currentTerm,
		LeaderID:     c.nodeID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      encodeEntries(entries),
		LeaderCommit: c.commitIndex,
	}
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	envelope := consensusEnvelope{Type: "append_entries", Data: req}
	var resp AppendEntriesResponse
	status, err := c.client.PostJSON(reqCtx, peer, "/consensus", envelope, &resp)
	if err != nil || status != 200 {
		c.logger.Debug().Err(err).Str("peer", peer).Msg("failed to send append entries")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.Success {
		if len(entries) > 0 {
			c.matchIndex[peer] = prevLogIndex + len(entries)
			c.nextIndex[peer] = c.matchIndex[peer] + 1
		}
		return true
	}
	if c.nextIndex[peer] > 1 {
		c.nextIndex[peer]--
	}
	return false
}

// consensusEnvelope is the {type, data} wrapper of spec.md §6's
// POST /consensus body.
type consensusEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// HandleRequestVote answers an incoming RequestVote RPC.
func (c *Consensus) HandleRequestVote(req RequestVoteRequest) RequestVoteResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.currentTerm {
		return RequestVoteResponse{Term: c.currentTerm, VoteGranted: false}
	}
	if req.Term > c.currentTerm {
		c.currentTerm = req.Term
		c.state = Follower
		c.votedFor = ""
	}

	grantVote := (c.votedFor == "" || c.votedFor == req.CandidateID) && c.isLogUpToDateLocked(req.LastLogIndex, req.LastLogTerm)
	if grantVote {
		c.votedFor = req.CandidateID
		c.lastElectionTime = time.Now()
	}
	return RequestVoteResponse{Term: c.currentTerm, VoteGranted: grantVote}
}

func (c *Consensus) isLogUpToDateLocked(candidateLastLogIndex int, candidateLastLogTerm int64) bool {
	var ourLastLogTerm int64
	if len(c.log) > 0 {
		ourLastLogTerm = c.log[len(c.log)-1].Term
	}
	ourLastLogIndex := len(c.log)

	return candidateLastLogTerm > ourLastLogTerm ||
		(candidateLastLogTerm == ourLastLogTerm && candidateLastLogIndex >= ourLastLogIndex)
}

// HandleAppendEntries answers an incoming AppendEntries RPC.
func (c *Consensus) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.currentTerm {
		return AppendEntriesResponse{Term: c.currentTerm, Success: false}
	}
	if req.Term > c.currentTerm {
		c.currentTerm = req.Term
		c.state = Follower
		c.votedFor = ""
	}

	c.currentLeader = req.LeaderID
	c.lastElectionTime = time.Now()

	if !c.isLogConsistentLocked(req.PrevLogIndex, req.PrevLogTerm) {
		return AppendEntriesResponse{Term: c.currentTerm, Success: false}
	}

	entries := decodeEntries(req.Entries)
	if len(entries) > 0 {
		c.log = append(append([]model.LogEntry(nil), c.log[:req.PrevLogIndex]...), entries...)
	}

	if req.LeaderCommit > c.commitIndex {
		c.commitIndex = req.LeaderCommit
		if c.commitIndex > len(c.log) {
			c.commitIndex = len(c.log)
		}
		c.applyCommittedEntriesLocked()
	}

	return AppendEntriesResponse{Term: c.currentTerm, Success: true}
}

func (c *Consensus) isLogConsistentLocked(prevLogIndex int, prevLogTerm int64) bool {
	if prevLogIndex == 0 {
		return true
	}
	if prevLogIndex > len(c.log) {
		return false
	}
	return c.log[prevLogIndex-1].Term == prevLogTerm
}

// TriggerLeaderElection manually starts an election if not already leader.
func (c *Consensus) TriggerLeaderElection(ctx context.Context) {
	c.mu.Lock()
	isLeader := c.state == Leader
	c.mu.Unlock()
	if !isLeader {
		c.startElection(ctx)
	}
}

// OnPeerFailure implements health.PeerNotifiee (spec.md §4.1 "Peer
// failure / recovery hooks").
func (c *Consensus) OnPeerFailure(peer string) {
	c.mu.Lock()
	wasLeader := c.state == Leader
	if c.currentLeader == peer {
		c.currentLeader = ""
	}
	shouldElect := c.currentLeader == "" && !wasLeader
	c.mu.Unlock()

	if shouldElect {
		c.startElection(context.Background())
	}
}

// OnPeerRecovery implements health.PeerNotifiee: it resets the peer's
// next_index to len(log)+1 and match_index to 0.
func (c *Consensus) OnPeerRecovery(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextIndex[peer] = len(c.log) + 1
	c.matchIndex[peer] = 0
}

// Status is the exported view of GET /consensus-adjacent status fields.
type Status struct {
	State       string `json:"state"`
	CurrentTerm int64  `json:"current_term"`
	IsLeader    bool   `json:"is_leader"`
	Leader      string `json:"current_leader"`
	LogLength   int    `json:"log_length"`
	CommitIndex int    `json:"commit_index"`
	LastApplied int    `json:"last_applied"`
	PeerCount   int    `json:"peer_count"`
}

func (c *Consensus) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:       string(c.state),
		CurrentTerm: c.currentTerm,
		IsLeader:    c.state == Leader,
		Leader:      c.currentLeader,
		LogLength:   len(c.log),
		CommitIndex: c.commitIndex,
		LastApplied: c.lastApplied,
		PeerCount:   len(c.peers),
	}
}
