// Scarab coordinator server
// Distributed sequence/offset coordination with Raft-gated epochs
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lumadb/scarab/pkg/api"
	"github.com/lumadb/scarab/pkg/cluster"
	"github.com/lumadb/scarab/pkg/config"
	"github.com/lumadb/scarab/pkg/epoch"
	"github.com/lumadb/scarab/pkg/events"
	"github.com/lumadb/scarab/pkg/router"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	nodeID := flag.String("node-id", "", "Node ID")
	httpAddr := flag.String("http-addr", ":8080", "HTTP API address")
	grpcAddr := flag.String("grpc-addr", ":9090", "gRPC address")
	raftAddr := flag.String("raft-addr", ":10000", "Raft address")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	join := flag.String("join", "", "Existing cluster node to join via its HTTP API")
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("Failed to load config", zap.Error(err))
		}
	}

	// Override with command line flags
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = fmt.Sprintf("node-%s-%d", hostname, time.Now().Unix())
	}
	cfg.HTTPAddr = *httpAddr
	cfg.GRPCAddr = *grpcAddr
	cfg.RaftAddr = *raftAddr
	cfg.DataDir = *dataDir

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting Scarab coordinator",
		zap.String("node_id", cfg.NodeID),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("raft_addr", cfg.RaftAddr),
		zap.Int("shard_count", cfg.ShardCount),
	)

	// Create consensus node
	node, err := cluster.NewNode(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create consensus node", zap.Error(err))
	}

	if *join != "" {
		if err := requestJoin(*join, cfg); err != nil {
			logger.Fatal("Failed to join cluster", zap.Error(err))
		}
	} else {
		if err := node.Bootstrap(); err != nil {
			logger.Fatal("Failed to bootstrap cluster", zap.Error(err))
		}
	}

	// Optional epoch event stream
	publisher, err := events.NewPublisher(cfg.KafkaBrokers, cfg.EpochEventsTopic, cfg.NodeID, logger)
	if err != nil {
		logger.Fatal("Failed to connect epoch event publisher", zap.Error(err))
	}

	// Seal points go into the Raft log; lifecycle events go to Kafka.
	notifiers := epoch.MultiNotifier{node}
	if publisher != nil {
		notifiers = append(notifiers, publisher)
	}

	// Epoch manager (runs the recovery sweep)
	epochs, err := epoch.NewManager(cfg.DataDir, cfg.NodeID, node, notifiers, logger)
	if err != nil {
		logger.Fatal("Failed to open epoch manager", zap.Error(err))
	}

	// Shard pool for ID generation
	pool, err := router.NewPool(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open shard pool", zap.Error(err))
	}

	// Create HTTP API server
	apiServer := api.NewServer(node, pool, epochs, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Millisecond,
	}

	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Start gRPC server
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("Failed to listen for gRPC", zap.Error(err))
	}

	grpcServer := api.NewGRPCServer(logger)
	go func() {
		logger.Info("gRPC server starting", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	httpServer.Shutdown(ctx)
	grpcServer.GracefulStop()
	publisher.Close()
	if err := epochs.Close(); err != nil {
		logger.Error("Failed to close epoch manager", zap.Error(err))
	}
	if err := pool.Close(); err != nil {
		logger.Error("Failed to close shard pool", zap.Error(err))
	}
	node.Shutdown()

	logger.Info("Shutdown complete")
}

// requestJoin asks an existing node to add us as a voter through its HTTP
// API. The contacted node redirects if it is not the leader.
func requestJoin(peer string, cfg *config.Config) error {
	body := fmt.Sprintf(`{"node_id":%q,"addr":%q}`, cfg.NodeID, cfg.RaftAddr)
	url := fmt.Sprintf("http://%s/cluster/join", peer)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("join request rejected with status %d", resp.StatusCode)
	}
	return nil
}
