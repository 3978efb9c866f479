// Package config resolves the control plane's full tunable set
// from defaults, an optional YAML file, and environment
// variables, in that order — each layer overrides the last, so the
// environment always wins, generalizing a flag-only config struct into
// one complete tunable set resolved from multiple layered sources.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/drillmaster/pkg/health"
	"github.com/cuemby/drillmaster/pkg/scheduler"
	"github.com/cuemby/drillmaster/pkg/selfheal"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved set of tunables needed to build and run
// every component in cmd/drillmaster's serve command.
type Config struct {
	DataDir          string `yaml:"data_dir"`
	BlobRoot         string `yaml:"blob_root"`
	PublicAddr       string `yaml:"public_addr"`
	AdminAddr        string `yaml:"admin_addr"`
	AdminKey         string `yaml:"admin_key"`
	OrchestratorName string `yaml:"orchestrator_name"`

	SecretsKeyHex string `yaml:"secrets_key_hex"` // 32-byte AES-256 key, hex-encoded

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Scheduler scheduler.Config     `yaml:"scheduler"`
	Health    health.MonitorConfig `yaml:"health"`
	SelfHeal  selfheal.Config      `yaml:"selfheal"`
}

// Default returns the control plane's baked-in defaults, the first and
// lowest precedence layer Load builds on.
func Default() Config {
	return Config{
		DataDir:          "./data",
		BlobRoot:         "./data/payloads",
		PublicAddr:       ":8100",
		AdminAddr:        "127.0.0.1:8093",
		OrchestratorName: "drillmaster",
		LogLevel:         "info",
		LogJSON:          false,
		Scheduler:        scheduler.DefaultConfig(),
		Health:           health.DefaultMonitorConfig(),
		SelfHeal:         selfheal.DefaultConfig(),
	}
}

// Load resolves a Config starting from Default, optionally merging a
// YAML file at path (skipped entirely if path is empty or the file
// does not exist — a YAML config is always optional), then applying
// any DRILLMASTER_* environment variables on top. Env always wins,
// since it's the layer an operator reaches for last (a container's
// env block is easier to change at deploy time than a mounted file).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No file on disk is not an error; defaults (plus env) stand.
		default:
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.DataDir, "DRILLMASTER_DATA_DIR")
	str(&cfg.BlobRoot, "DRILLMASTER_BLOB_ROOT")
	str(&cfg.PublicAddr, "DRILLMASTER_PUBLIC_ADDR")
	str(&cfg.AdminAddr, "DRILLMASTER_ADMIN_ADDR")
	str(&cfg.AdminKey, "DRILLMASTER_ADMIN_KEY")
	str(&cfg.OrchestratorName, "DRILLMASTER_NAME")
	str(&cfg.SecretsKeyHex, "DRILLMASTER_SECRETS_KEY")
	str(&cfg.LogLevel, "DRILLMASTER_LOG_LEVEL")
	boolean(&cfg.LogJSON, "DRILLMASTER_LOG_JSON")

	intVal(&cfg.Scheduler.MaxPrefetchPerDrone, "DRILLMASTER_SCHEDULER_MAX_PREFETCH")
	duration(&cfg.Scheduler.OfflineThreshold, "DRILLMASTER_SCHEDULER_OFFLINE_THRESHOLD")
	duration(&cfg.Scheduler.FailureWindow, "DRILLMASTER_SCHEDULER_FAILURE_WINDOW")

	intVal(&cfg.Health.MaxFailures, "DRILLMASTER_HEALTH_MAX_FAILURES")
	duration(&cfg.Health.GroundingTimeout, "DRILLMASTER_HEALTH_GROUNDING_TIMEOUT")
	duration(&cfg.Health.FailureAge, "DRILLMASTER_HEALTH_FAILURE_AGE")
	duration(&cfg.Health.ProbeInterval, "DRILLMASTER_HEALTH_PROBE_INTERVAL")

	intVal(&cfg.SelfHeal.MinConsecutiveFailures, "DRILLMASTER_SELFHEAL_MIN_FAILURES")
	duration(&cfg.SelfHeal.MinFailureWindow, "DRILLMASTER_SELFHEAL_MIN_WINDOW")
	duration(&cfg.SelfHeal.HeartbeatWindow, "DRILLMASTER_SELFHEAL_HEARTBEAT_WINDOW")
	duration(&cfg.SelfHeal.Level1Cooldown, "DRILLMASTER_SELFHEAL_LEVEL1_COOLDOWN")
	duration(&cfg.SelfHeal.Level2Cooldown, "DRILLMASTER_SELFHEAL_LEVEL2_COOLDOWN")
	duration(&cfg.SelfHeal.Level3Cooldown, "DRILLMASTER_SELFHEAL_LEVEL3_COOLDOWN")
}

func str(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func boolean(dst *bool, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func intVal(dst *int, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func duration(dst *time.Duration, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
