package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Marketen/verifier-node/internal/adapters"
	"github.com/Marketen/verifier-node/internal/adapters/artifacts"
	"github.com/Marketen/verifier-node/internal/adapters/classifier"
	"github.com/Marketen/verifier-node/internal/adapters/ethledger"
	"github.com/Marketen/verifier-node/internal/adapters/secretstore"
	"github.com/Marketen/verifier-node/internal/application/ports"
	"github.com/Marketen/verifier-node/internal/application/services"
	"github.com/Marketen/verifier-node/internal/config"
	"github.com/Marketen/verifier-node/internal/logger"
	"github.com/Marketen/verifier-node/internal/metrics"
	"github.com/Marketen/verifier-node/internal/status"
)

const defaultArtifactBackoff = 500 * time.Millisecond

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the verifier node against the ledger contract (configured from the environment)",
	RunE:  runNode,
}

func runNode(*cobra.Command, []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, err := ethledger.Dial(ctx, log, cfg.LedgerRPCURL, cfg.PrivateKeyHex, ethledger.Config{
		Contract: cfg.ContractAddress,
		ChainID:  cfg.ChainID,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to ledger: %w", err)
	}
	defer ledger.Close()

	logger.Info("Starting verifier node %s", ledger.Self().Hex())
	logger.Info("Ledger RPC: %s, contract %s", cfg.LedgerRPCURL, cfg.ContractAddress.Hex())
	logger.Info("Dissent committee size: %d, stake unit: %s", cfg.Lottery.CommitteeSize, cfg.Lottery.StakeUnit.Dec())

	var clock ports.ChainClock = ledger
	if cfg.BeaconNodeURL != "" {
		beacon, err := adapters.NewBeaconHTTPAdapter(ctx, cfg.BeaconNodeURL, cfg.BeaconTimeout)
		if err != nil {
			return fmt.Errorf("failed to create beacon HTTP adapter: %w", err)
		}
		clock = adapters.NewBeaconClock(beacon)
		logger.Info("Using beacon node %s as chain clock", cfg.BeaconNodeURL)
	}

	secrets, err := secretstore.NewBoltStore(cfg.SecretStoreDir)
	if err != nil {
		return fmt.Errorf("failed to open secret store: %w", err)
	}
	defer secrets.Close()

	store, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	resolver, err := services.NewAssignmentResolver(log, cfg.Lottery, collector)
	if err != nil {
		return err
	}
	waiter := services.NewStageWaiter(log, ledger, clock, services.WaiterConfig{
		Durations:        cfg.Stages,
		PollInterval:     cfg.PollInterval,
		MaxPollInterval:  cfg.MaxPollInterval,
		DriveTransitions: cfg.DriveTransitions,
	}, collector)
	coordinator := services.NewCommitRevealCoordinator(
		log,
		ledger,
		store,
		classifier.NewDutyClassifier(log, cfg.MaxMissedAttestations, cfg.MaxMissedProposals),
		secrets,
		collector,
		faultsFromConfig(cfg),
		cfg.Concurrency,
	)
	detector := services.NewMisbehaviorDetector(log, ledger, resolver, collector)
	orchestrator := services.NewOrchestrator(log, ledger, waiter, resolver, coordinator, detector, collector, true)

	if cfg.MetricsAddr != "" {
		srv := status.NewServer(log, cfg.MetricsAddr, ledger.Self(), orchestrator, reg)
		srv.Start()
		defer func() {
			if err := srv.Stop(); err != nil {
				logger.Warn("Status server shutdown: %v", err)
			}
		}()
	}

	// Handle SIGINT / SIGTERM for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("Received signal %s, shutting down...", sig)
		cancel()
	}()

	if err := orchestrator.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (*artifacts.Store, error) {
	httpFetcher := artifacts.NewHTTPFetcher(cfg.ArtifactTimeout)
	opts := []artifacts.Option{
		artifacts.WithFetcher("http", httpFetcher),
		artifacts.WithFetcher("https", httpFetcher),
		artifacts.WithMaxSize(cfg.ArtifactMaxSize),
		artifacts.WithRetry(cfg.ArtifactAttempts, defaultArtifactBackoff),
	}
	// Storage paths come from subjects; local files are only served from an explicit root.
	if cfg.ArtifactFileRoot != "" {
		opts = append(opts, artifacts.WithFetcher("file", artifacts.FileFetcher{Root: cfg.ArtifactFileRoot}))
	}
	if cfg.EnableS3 {
		s3, err := artifacts.NewS3Fetcher(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 fetcher: %w", err)
		}
		opts = append(opts, artifacts.WithFetcher("s3", s3))
	}
	if cfg.EnableGCS {
		gcs, err := artifacts.NewGCSFetcher(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS fetcher: %w", err)
		}
		opts = append(opts, artifacts.WithFetcher("gs", gcs))
	}
	return artifacts.NewStore(logger.Logger(), opts...), nil
}

func faultsFromConfig(cfg *config.Config) services.FaultInjection {
	f := services.FaultInjection{
		WithholdReveals: cfg.WithholdReveals,
		InvertAll:       cfg.InvertAnswers,
	}
	if len(cfg.InvertSubjects) > 0 {
		f.InvertSubjects = make(map[common.Address]bool, len(cfg.InvertSubjects))
		for _, s := range cfg.InvertSubjects {
			f.InvertSubjects[s] = true
		}
	}
	if f.Active() {
		logger.Warn("Failure injection enabled: withhold=%t invert_all=%t invert_subjects=%d", f.WithholdReveals, f.InvertAll, len(f.InvertSubjects))
	}
	return f
}
