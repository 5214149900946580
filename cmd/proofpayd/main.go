package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"proofpay/config"
	"proofpay/core"
	"proofpay/native/settlement"
	"proofpay/observability"
	"proofpay/observability/logging"
	"proofpay/rpc"
	"proofpay/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PROOFPAY_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := config.Validate(cfg); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	logger := logging.Setup("proofpayd", env, logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	node, err := core.NewNode(db)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize node: %v", err))
	}

	if strings.TrimSpace(cfg.Arbiter) != "" {
		arbiter, err := parseAddress(cfg.Arbiter)
		if err != nil {
			logger.Error("Invalid arbiter address", slog.Any("error", err))
			os.Exit(1)
		}
		node.SetArbiter(arbiter)
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		logger.Error("Failed to configure proof verifier", slog.Any("error", err))
		os.Exit(1)
	}
	node.SetProofVerifier(verifier)
	node.SetMaxRejections(cfg.MaxRejections)
	node.SetDisputeWindow(cfg.DisputeWindowSeconds)

	metrics := observability.Settlement()
	node.SetEventEmitter(observability.NewMetricsEmitter(nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(cfg.MetricsAddress) != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			logger.Info("Metrics listener started", slog.String("address", cfg.MetricsAddress))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics listener failed", slog.Any("error", err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.SweepIntervalSeconds > 0 {
		go runSweeper(ctx, node, metrics, logger, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
	}

	server := rpc.NewServer(node)
	server.SetLogger(logger)
	logger.Info("RPC listener starting", slog.String("address", cfg.RPCAddress))
	if err := server.Start(ctx, cfg.RPCAddress); err != nil {
		logger.Error("RPC listener failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// runSweeper periodically settles records made eligible by elapsed time.
func runSweeper(ctx context.Context, node *core.Node, metrics *observability.SettlementMetrics, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, refunded, err := node.SettlementSweep()
			metrics.SweepRuns.Inc()
			if err != nil {
				logger.Warn("Settlement sweep failed", slog.Any("error", err))
				continue
			}
			if released > 0 || refunded > 0 {
				logger.Info("Settlement sweep completed",
					slog.Int("released", released),
					slog.Int("refunded", refunded))
			}
		}
	}
}

func buildVerifier(cfg *config.Config) (settlement.Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.VerifierMode)) {
	case "", "attestor":
		attestor, err := parseAddress(cfg.TrustedAttestor)
		if err != nil {
			return nil, fmt.Errorf("trusted attestor: %w", err)
		}
		return settlement.NewAttestorVerifier(attestor), nil
	case "accept":
		return settlement.StaticVerifier{Outcome: settlement.OutcomeAccepted}, nil
	case "reject":
		return settlement.StaticVerifier{Outcome: settlement.OutcomeRejected, Reason: "static reject mode"}, nil
	default:
		return nil, fmt.Errorf("unknown verifier mode %q", cfg.VerifierMode)
	}
}

func parseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", value, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("invalid address length %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}
