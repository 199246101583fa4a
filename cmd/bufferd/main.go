// Copyright 2025 Certen Protocol

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmted25519 "github.com/cometbft/cometbft/crypto/ed25519"
	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/bufferpipe/pkg/config"
	"github.com/certen/bufferpipe/pkg/metrics"
	"github.com/certen/bufferpipe/pkg/persist"
	"github.com/certen/bufferpipe/pkg/pipeline"
	"github.com/certen/bufferpipe/pkg/verifier"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath  = flag.String("config", "", "path to buffer manager YAML config")
		validatorID = flag.String("validator-id", "", "validator ID (overrides config)")
		showHelp    = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}
	if *configPath == "" {
		log.Fatal("missing required -config flag")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *validatorID != "" {
		cfg.Validator.ID = *validatorID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout)).With("module", "bufferpipe")

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	if cfg.Monitoring.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Monitoring.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Monitoring.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Monitoring.Metrics.Addr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	var pers pipeline.Persister
	switch cfg.Storage.Backend {
	case "leveldb":
		db, err := dbm.NewDB("bufferpipe", dbm.GoLevelDBBackend, cfg.Storage.DataDir)
		if err != nil {
			log.Fatalf("failed to open leveldb at %s: %v", cfg.Storage.DataDir, err)
		}
		pers = persist.NewLevelDB(db)
	default:
		pers = persist.NewMemory()
	}

	// A single-validator set containing only this node is the minimal
	// viable wiring for a standalone run; production deployments supply
	// the full validator set out of band (e.g. from a genesis document).
	selfKey := cmted25519.GenPrivKey().PubKey().(cmted25519.PubKey)
	v, err := verifier.New(
		map[string]cmted25519.PubKey{cfg.Validator.ID: selfKey},
		map[string]int64{cfg.Validator.ID: 1},
	)
	if err != nil {
		log.Fatalf("failed to construct verifier: %v", err)
	}

	orderedBlocksCh := make(chan pipeline.OrderedBlocksEvent, cfg.Pipeline.OrderedBlocksBuffer)
	syncCh := make(chan pipeline.SyncRequest, cfg.Pipeline.SyncBuffer)
	execRespCh := make(chan pipeline.ExecutionResponse, cfg.Pipeline.ExecResponseBuffer)
	signRespCh := make(chan pipeline.SigningResponse, cfg.Pipeline.SignResponseBuffer)
	votesCh := make(chan pipeline.VerifiedCommitVote, cfg.Pipeline.VoteBuffer)

	dispatcher := pipeline.NewDispatcher(
		pipeline.Config{RetryInterval: cfg.Pipeline.RetryInterval.Duration()},
		pipeline.Dependencies{
			OrderedBlocks: orderedBlocksCh,
			Sync:          syncCh,
			ExecResponses: execRespCh,
			SignResponses: signRespCh,
			Votes:         votesCh,
			Execution:     noopExecutionClient{replies: execRespCh},
			Signing:       noopSigningClient{replies: signRespCh},
			Persist:       pers,
			Broadcast:     noopBroadcaster{},
			Verify:        v,
			Author:        cfg.Validator.ID,
			Logger:        logger,
			Metrics:       met,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-done:
		if err != nil {
			logger.Error("dispatcher stopped with error", "err", err)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Error("dispatcher did not stop within timeout")
	}
	logger.Info("bufferpipe stopped")
}

func printHelp() {
	log.Println("bufferd runs the commit pipeline buffer manager standalone.")
	flag.PrintDefaults()
}

// noopExecutionClient, noopSigningClient, and noopBroadcaster are
// placeholder collaborators for a standalone run with no real consensus
// network wired in; a real deployment replaces all three with adapters
// into its execution engine, signing service, and p2p layer.
type noopExecutionClient struct {
	replies chan<- pipeline.ExecutionResponse
}

func (n noopExecutionClient) Execute(ctx context.Context, req pipeline.ExecutionRequest) (pipeline.ExecutionResponse, error) {
	go func() {
		select {
		case n.replies <- pipeline.ExecutionResponse{ExecutedBlocks: req.OrderedBlocks}:
		case <-ctx.Done():
		}
	}()
	return pipeline.ExecutionResponse{}, nil
}

type noopSigningClient struct {
	replies chan<- pipeline.SigningResponse
}

func (n noopSigningClient) Sign(ctx context.Context, req pipeline.SigningRequest) (pipeline.SigningResponse, error) {
	go func() {
		select {
		case n.replies <- pipeline.SigningResponse{CommitLedgerInfo: req.CommitLedgerInfo}:
		case <-ctx.Done():
		}
	}()
	return pipeline.SigningResponse{}, nil
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastCommitVote(context.Context, pipeline.CommitVote) error { return nil }
