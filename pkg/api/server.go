// Package api implements the HTTP and gRPC surfaces of a coordinator node
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lumadb/scarab/pkg/cluster"
	"github.com/lumadb/scarab/pkg/epoch"
	"github.com/lumadb/scarab/pkg/router"
	"github.com/lumadb/scarab/pkg/scarab"
	"github.com/lumadb/scarab/pkg/seqstore"
)

// ConsensusNode is the slice of the cluster node the API needs. Narrowed
// to an interface so handlers can be exercised without a live Raft group.
type ConsensusNode interface {
	IsLeader() bool
	LeaderAddr() string
	Servers() ([]raft.Server, error)
	AddVoter(nodeID, addr string) error
	SealPoint(partition string) (cluster.SealPoint, bool)
}

// Server is the HTTP API server
type Server struct {
	node   ConsensusNode
	pool   *router.Pool
	epochs *epoch.Manager
	logger *zap.Logger
	engine *gin.Engine
}

// NewServer creates a new API server
func NewServer(node ConsensusNode, pool *router.Pool, epochs *epoch.Manager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		node:   node,
		pool:   pool,
		epochs: epochs,
		logger: logger,
		engine: engine,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.engine.GET("/health", s.handleHealth)

	// Cluster info
	s.engine.GET("/cluster", s.handleClusterInfo)
	s.engine.POST("/cluster/join", s.handleJoin)

	api := s.engine.Group("/api/v1")
	{
		// ID generation
		api.POST("/ids", s.handleGenerateIDs)
		api.GET("/shards", s.handleShards)

		// Epoch / offset operations
		api.POST("/partitions/:partition/activate", s.handleActivate)
		api.POST("/partitions/:partition/offsets", s.handleAssignOffset)
		api.POST("/partitions/:partition/seal", s.handleSeal)
		api.GET("/partitions/:partition", s.handlePartitionInfo)
		api.GET("/partitions", s.handleListPartitions)
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"is_leader": s.node.IsLeader(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleClusterInfo(c *gin.Context) {
	servers, err := s.node.Servers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"is_leader":   s.node.IsLeader(),
		"leader_addr": s.node.LeaderAddr(),
		"servers":     servers,
	})
}

// JoinRequest asks the leader to add a node to the consensus group.
type JoinRequest struct {
	NodeID string `json:"node_id" binding:"required"`
	Addr   string `json:"addr" binding:"required"`
}

func (s *Server) handleJoin(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.node.AddVoter(req.NodeID, req.Addr); err != nil {
		var notLeader *cluster.NotLeaderError
		if errors.As(err, &notLeader) {
			c.JSON(http.StatusTemporaryRedirect, gin.H{"redirect": notLeader.LeaderAddr})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined", "node_id": req.NodeID})
}

// GenerateIDsRequest mints Scarab IDs on the shard the key routes to.
type GenerateIDsRequest struct {
	Key   string `json:"key" binding:"required"`
	Count int    `json:"count"`
}

func (s *Server) handleGenerateIDs(c *gin.Context) {
	var req GenerateIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > 8192 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must not exceed 8192"})
		return
	}

	shard := s.pool.Route([]byte(req.Key))
	ids, err := shard.Generator.NextIDBatch(req.Count)
	if err != nil {
		// A shard that cannot durably increment refuses to serve writes.
		s.logger.Error("ID generation failed",
			zap.Uint16("shard_id", shard.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	// IDs are returned as decimal strings: JSON numbers cannot carry a full
	// uint64.
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(id, 10)
	}
	c.JSON(http.StatusOK, gin.H{
		"shard_id": shard.ID,
		"ids":      out,
	})
}

func (s *Server) handleShards(c *gin.Context) {
	shards := s.pool.Shards()
	out := make([]gin.H, 0, len(shards))
	for _, sh := range shards {
		out = append(out, gin.H{"shard_id": sh.ID})
	}
	c.JSON(http.StatusOK, gin.H{"shard_count": len(shards), "shards": out})
}

// ActivateRequest proposes a new epoch for a partition.
type ActivateRequest struct {
	CandidateEpoch uint64 `json:"candidate_epoch" binding:"required"`
	StartOffset    uint32 `json:"start_offset"`
}

func (s *Server) handleActivate(c *gin.Context) {
	partition := c.Param("partition")

	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	act, err := s.epochs.Activate(c.Request.Context(), partition, req.CandidateEpoch, req.StartOffset)
	if err != nil {
		s.renderEpochError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"partition":    act.Partition,
		"epoch":        act.Epoch,
		"start_offset": act.StartOffset,
	})
}

func (s *Server) handleAssignOffset(c *gin.Context) {
	partition := c.Param("partition")

	a, err := s.epochs.AssignOffset(partition)
	if err != nil {
		s.renderEpochError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"partition": a.Partition,
		"epoch":     a.Epoch,
		"offset":    a.Offset,
		"lsn":       strconv.FormatUint(a.LSN(), 10),
	})
}

func (s *Server) handleSeal(c *gin.Context) {
	partition := c.Param("partition")

	sealed, err := s.epochs.Seal(c.Request.Context(), partition)
	if err != nil {
		s.renderEpochError(c, err)
		return
	}
	resp := gin.H{
		"partition": sealed.Partition,
		"epoch":     sealed.Epoch,
		"sealed":    true,
	}
	if sealed.LastKnownOffset != nil {
		resp["last_known_offset"] = *sealed.LastKnownOffset
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePartitionInfo(c *gin.Context) {
	partition := c.Param("partition")

	meta, ok := s.epochs.PartitionMetadata(partition)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown partition"})
		return
	}

	resp := gin.H{
		"partition":     partition,
		"current_epoch": meta.CurrentEpoch,
		"owner_node_id": meta.OwnerNodeID,
		"start_offset":  meta.StartOffset,
		"sealed":        meta.Sealed,
	}
	if meta.LastKnownOffset != nil {
		resp["last_known_offset"] = *meta.LastKnownOffset
	}
	if sp, ok := s.node.SealPoint(partition); ok {
		resp["seal_point"] = gin.H{"epoch": sp.Epoch, "last_known_offset": sp.LastKnown}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListPartitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"partitions": s.epochs.Partitions()})
}

func (s *Server) renderEpochError(c *gin.Context, err error) {
	var stale *epoch.StaleEpochError
	var storage *seqstore.StorageError
	var notLeader *cluster.NotLeaderError

	switch {
	case errors.As(err, &stale):
		c.JSON(http.StatusConflict, gin.H{
			"error":           err.Error(),
			"committed_epoch": stale.Committed,
		})
	case errors.Is(err, epoch.ErrEpochSealed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "sealed": true})
	case errors.Is(err, epoch.ErrUnknownOutcome):
		// Not a definite failure: the proposal may still commit. 504 tells
		// the caller to confirm before assuming anything.
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.As(err, &notLeader):
		c.JSON(http.StatusTemporaryRedirect, gin.H{"redirect": notLeader.LeaderAddr})
	case errors.Is(err, epoch.ErrInvalidEpoch), errors.Is(err, epoch.ErrBadPartition),
		errors.Is(err, scarab.ErrInvalidShard):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &storage):
		s.logger.Error("Storage failure on write path", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// NewGRPCServer creates a new gRPC server carrying the standard health
// service.
func NewGRPCServer(logger *zap.Logger) *grpc.Server {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, health.NewServer())
	return server
}
