package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/syncpay/cluster/internal/consensus"
	"github.com/syncpay/cluster/internal/model"
	"github.com/syncpay/cluster/internal/timesync"
)

// inboundEnvelope mirrors spec.md §6's POST /consensus body:
// {type: "request_vote"|"append_entries", data: {...}}.
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) consensusRPC(c *gin.Context) {
	var env inboundEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed envelope"})
		return
	}

	switch env.Type {
	case "request_vote":
		var req consensus.RequestVoteRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request_vote data"})
			return
		}
		c.JSON(http.StatusOK, s.host.Consensus.HandleRequestVote(req))
	case "append_entries":
		var req consensus.AppendEntriesRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed append_entries data"})
			return
		}
		c.JSON(http.StatusOK, s.host.Consensus.HandleAppendEntries(req))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown consensus message type"})
	}
}

type replicateRequest struct {
	Transaction model.PaymentRecord `json:"transaction"`
	SourceNode  string              `json:"source_node"`
	Timestamp   float64             `json:"timestamp"`
}

func (s *Server) replicate(c *gin.Context) {
	var req replicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "malformed replication request"})
		return
	}
	c.JSON(http.StatusOK, s.host.Replicator.HandleReplication(req.Transaction))
}

type replicateBatchRequest struct {
	Transactions []model.PaymentRecord `json:"transactions"`
	SourceNode   string                `json:"source_node"`
	IsSync       bool                  `json:"is_sync"`
}

func (s *Server) replicateBatch(c *gin.Context) {
	var req replicateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "malformed batch replication request"})
		return
	}
	c.JSON(http.StatusOK, s.host.Replicator.HandleBatch(req.Transactions, req.IsSync))
}

func (s *Server) timeSync(c *gin.Context) {
	var req timesync.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed time_sync request"})
		return
	}
	c.JSON(http.StatusOK, s.host.TimeSync.HandleSyncRequest(req))
}
