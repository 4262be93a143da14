// Package api is the HTTP surface of spec.md §6: a gin.Engine exposing
// every endpoint the spec defines, plus the GET /ping and GET /metrics
// endpoints SPEC_FULL.md §6.3 supplements. Grounded on HelixCode's
// internal/server package for the Server-struct-holds-router shape and
// on original_source/src/main.py for the route table and response
// bodies the reference actually returns.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/syncpay/cluster/internal/apierr"
	"github.com/syncpay/cluster/internal/clusterauth"
	"github.com/syncpay/cluster/internal/host"
	"github.com/syncpay/cluster/internal/validate"
)

// Server is the node's HTTP surface.
type Server struct {
	host     *host.Host
	router   *gin.Engine
	verifier *clusterauth.Verifier
	httpSrv  *http.Server
	log      zerolog.Logger
}

// New builds the gin engine and registers every route. addr is the
// "host:port" this node listens on.
func New(h *host.Host, sharedSecret, addr string, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		host:     h,
		router:   router,
		verifier: clusterauth.NewVerifier(sharedSecret),
		log:      logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(router)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", s.ping)
	s.router.GET("/health", s.health)
	s.router.GET("/status", s.status)
	s.router.GET("/transactions", s.listTransactions)
	s.router.GET("/metrics", s.metrics)
	s.router.POST("/payment", s.submitPayment)

	cluster := s.router.Group("/")
	cluster.Use(s.requireClusterAuth())
	{
		cluster.POST("/consensus", s.consensusRPC)
		cluster.POST("/replicate", s.replicate)
		cluster.POST("/replicate/batch", s.replicateBatch)
		cluster.POST("/time_sync", s.timeSync)
	}
}

// requireClusterAuth verifies the bearer token minted by clusterauth.Signer
// on every inter-node RPC (SPEC_FULL.md §6.2); it is additive and has no
// equivalent in the original reference.
func (s *Server) requireClusterAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing cluster token"})
			return
		}
		tok := strings.TrimPrefix(header, "Bearer ")
		if _, err := s.verifier.Verify(tok); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid cluster token"})
			return
		}
		c.Next()
	}
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": s.host.NodeID()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id":           s.host.NodeID(),
		"status":            "healthy",
		"is_leader":         s.host.Consensus.IsLeader(),
		"timestamp":         float64(s.host.TimeSync.Now().UnixNano()) / float64(time.Second),
		"transaction_count": s.host.Store().Len(),
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id":            s.host.NodeID(),
		"is_leader":          s.host.Consensus.IsLeader(),
		"consensus":          s.host.Consensus.GetStatus(),
		"peer_health":        s.host.Health.PeerStatuses(),
		"replication_status": s.host.Replicator.Status(),
		"time_offset":        s.host.TimeSync.Status(),
		"dedup":              s.host.Dedup.Stats(10),
	})
}

func (s *Server) listTransactions(c *gin.Context) {
	records := s.host.Store().ListSortedByTimestamp()
	c.JSON(http.StatusOK, gin.H{
		"transactions": records,
		"total_count":  len(records),
		"node_id":      s.host.NodeID(),
	})
}

func (s *Server) metrics(c *gin.Context) {
	if c.Query("format") == "summary" {
		c.String(http.StatusOK, s.host.Metrics.Summary())
		return
	}
	c.JSON(http.StatusOK, s.host.Metrics.Snapshot())
}

type paymentRequest struct {
	Amount   float64 `json:"amount"`
	Sender   string  `json:"sender"`
	Receiver string  `json:"receiver"`
}

func (s *Server) submitPayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(apierr.Status(apierr.Validation), gin.H{"error": "malformed request body"})
		return
	}

	maxAmount, maxNameLength := s.host.Limits()
	sender, receiver, verr := validate.Payment(validate.PaymentRequest{
		Amount: req.Amount, Sender: req.Sender, Receiver: req.Receiver,
	}, validate.Limits{MaxAmount: maxAmount, MaxNameLength: maxNameLength})
	if verr != nil {
		s.host.Metrics.Increment("payment_validation_rejected")
		c.JSON(apierr.Status(apierr.Validation), gin.H{"error": verr.Error()})
		return
	}

	if !s.host.Consensus.IsLeader() {
		s.host.Metrics.Increment("payment_not_leader")
		apiErr := apierr.NotLeaderError(s.host.Consensus.CurrentLeader())
		c.JSON(apierr.Status(apiErr.Kind), apiErr.Body())
		return
	}

	timer := s.host.Metrics.StartTimer("payment_submit")
	rec, ok := s.host.SubmitPayment(c.Request.Context(), req.Amount, sender, receiver)
	timer.Stop()

	if !ok {
		s.host.Metrics.Increment("payment_consensus_timeout")
		c.JSON(apierr.Status(apierr.ConsensusTimeout), gin.H{"error": "consensus timeout"})
		return
	}

	s.host.Metrics.Increment("payment_accepted")
	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"transaction_id": rec.ID,
		"timestamp":      rec.Timestamp,
		"processed_by":   s.host.NodeID(),
	})
}
