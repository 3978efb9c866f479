package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/drillmaster/pkg/api"
	"github.com/cuemby/drillmaster/pkg/config"
	"github.com/cuemby/drillmaster/pkg/events"
	"github.com/cuemby/drillmaster/pkg/health"
	"github.com/cuemby/drillmaster/pkg/log"
	"github.com/cuemby/drillmaster/pkg/metrics"
	"github.com/cuemby/drillmaster/pkg/payload"
	"github.com/cuemby/drillmaster/pkg/protolog"
	"github.com/cuemby/drillmaster/pkg/release"
	"github.com/cuemby/drillmaster/pkg/scheduler"
	"github.com/cuemby/drillmaster/pkg/security"
	"github.com/cuemby/drillmaster/pkg/selfheal"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long:  `serve resolves configuration, builds every component, and runs the control plane's public and admin listeners until signalled.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to an optional YAML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.WithComponent("serve")
	logger.Info().Str("data_dir", cfg.DataDir).Str("public_addr", cfg.PublicAddr).Msg("starting drillmaster")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	broker := events.NewBroker(st)
	broker.Start()
	defer broker.Stop()

	healthMon := health.NewMonitor(st, broker, cfg.Health)
	defer healthMon.Stop()

	sched := scheduler.NewScheduler(st, broker, healthMon, cfg.Scheduler)
	sched.Start()
	defer sched.Stop()

	secrets, err := buildSecretsManager(cfg)
	if err != nil {
		return fmt.Errorf("build secrets manager: %w", err)
	}

	selfHealMon := selfheal.NewMonitor(st, broker, cfg.SelfHeal, selfHealActions(st, secrets), cfg.Health.ProbeInterval)
	selfHealMon.Start()
	defer selfHealMon.Stop()

	payloads, err := payload.NewRegistry(st, cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("build payload registry: %w", err)
	}

	releases := release.NewRegistry(st, broker)
	protoLog := protolog.NewRecorder(st)

	collector := metrics.NewCollector(st)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "ready")
	metrics.RegisterComponent("events", true, "ready")
	metrics.RegisterComponent("scheduler", true, "ready")
	metrics.RegisterComponent("api", false, "initializing")

	srv := api.NewServer(api.Config{
		PublicAddr:       cfg.PublicAddr,
		AdminAddr:        cfg.AdminAddr,
		AdminKey:         cfg.AdminKey,
		OrchestratorName: cfg.OrchestratorName,
	}, api.Deps{
		Store:     st,
		Broker:    broker,
		Scheduler: sched,
		Health:    healthMon,
		SelfHeal:  selfHealMon,
		Payloads:  payloads,
		Releases:  releases,
		ProtoLog:  protoLog,
		Secrets:   secrets,
	})
	srv.Start()

	time.Sleep(250 * time.Millisecond)
	metrics.RegisterComponent("api", true, "ready")

	metricsAddr := "127.0.0.1:9090"
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics listener stopped")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics listener starting")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(ctx)

	logger.Info().Msg("shutdown complete")
	return nil
}

// buildSecretsManager derives the AES-256-GCM key a SecretsManager
// needs from cfg.SecretsKeyHex when set, otherwise falls back to a
// fixed development key so `serve` still runs out of the box — never
// do this in a deployment that stores real credentials.
func buildSecretsManager(cfg config.Config) (*security.SecretsManager, error) {
	if cfg.SecretsKeyHex == "" {
		log.Logger.Warn().Msg("DRILLMASTER_SECRETS_KEY not set; using an insecure development key")
		return security.NewSecretsManagerFromPassword("drillmaster-dev-only")
	}
	key, err := hex.DecodeString(cfg.SecretsKeyHex)
	if err != nil {
		return nil, fmt.Errorf("secrets_key_hex is not valid hex: %w", err)
	}
	return security.NewSecretsManager(key)
}

// selfHealActions wires the escalation ladder's three actions to SSH
// commands run against the drone, the same shape as payload.Registry's
// SSH transport.
func selfHealActions(st store.Store, secrets *security.SecretsManager) selfheal.Actions {
	run := func(d *types.Drone, command string) error {
		return sshRunCommand(st, secrets, d, command)
	}
	return selfheal.Actions{
		RestartWorker:  func(d *types.Drone) error { return run(d, "systemctl restart drillmaster-agent") },
		KillAndRestart: func(d *types.Drone) error { return run(d, "systemctl kill drillmaster-agent; systemctl start drillmaster-agent") },
		RebootHost:     func(d *types.Drone) error { return run(d, "reboot") },
	}
}
