package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime settings for the rollout service.
type Config struct {
	Addr        string
	DatabaseURL string
	DevMode     bool

	AnalysisURL         string
	ProbeURL            string
	MigrateURL          string
	CollaboratorTimeout time.Duration

	PollInterval time.Duration
	PhaseWorkers int
	PhaseTimeout time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	ArchiveBucket string
	ArchivePrefix string

	AuthMode          string
	AuthToken         string
	AuthHMACSecret    string
	AuthPublicKeyFile string
	AuthIssuer        string
	AuthScope         string

	PolicyFile string
}

const (
	defaultAddr          = ":8084"
	defaultKafkaTopic    = "rollout-events"
	defaultArchivePrefix = "rollout"
	defaultAuthScope     = "rollout:write"
	defaultPollInterval  = 5 * time.Second
	defaultCollabTimeout = 10 * time.Second
	defaultPhaseTimeout  = 30 * time.Second
	defaultPhaseWorkers  = 4
)

// Load reads environment variables and returns a Config. Outside dev mode
// the database and the three collaborator endpoints are required.
func Load() (Config, error) {
	cfg := Config{
		Addr:                getEnv("ROLLOUT_ADDR", defaultAddr),
		DatabaseURL:         firstNonEmpty(os.Getenv("ROLLOUT_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		DevMode:             getBool("ROLLOUT_DEV_MODE", false),
		AnalysisURL:         os.Getenv("ROLLOUT_ANALYSIS_URL"),
		ProbeURL:            os.Getenv("ROLLOUT_PROBE_URL"),
		MigrateURL:          os.Getenv("ROLLOUT_MIGRATE_URL"),
		CollaboratorTimeout: getDuration("ROLLOUT_COLLABORATOR_TIMEOUT", defaultCollabTimeout),
		PollInterval:        getDuration("ROLLOUT_POLL_INTERVAL", defaultPollInterval),
		PhaseWorkers:        getInt("ROLLOUT_PHASE_WORKERS", defaultPhaseWorkers),
		PhaseTimeout:        getDuration("ROLLOUT_PHASE_TIMEOUT", defaultPhaseTimeout),
		KafkaBrokers:        getList("ROLLOUT_KAFKA_BROKERS"),
		KafkaTopic:          getEnv("ROLLOUT_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:       os.Getenv("ROLLOUT_ARCHIVE_BUCKET"),
		ArchivePrefix:       getEnv("ROLLOUT_ARCHIVE_PREFIX", defaultArchivePrefix),
		AuthMode:            getEnv("ROLLOUT_AUTH_MODE", "disabled"),
		AuthToken:           os.Getenv("ROLLOUT_AUTH_TOKEN"),
		AuthHMACSecret:      os.Getenv("ROLLOUT_AUTH_HMAC_SECRET"),
		AuthPublicKeyFile:   os.Getenv("ROLLOUT_AUTH_PUBLIC_KEY_FILE"),
		AuthIssuer:          os.Getenv("ROLLOUT_AUTH_ISSUER"),
		AuthScope:           getEnv("ROLLOUT_AUTH_SCOPE", defaultAuthScope),
		PolicyFile:          os.Getenv("ROLLOUT_POLICY_FILE"),
	}

	if cfg.DevMode {
		return cfg, nil
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or ROLLOUT_DATABASE_URL required")
	}
	if cfg.AnalysisURL == "" {
		return Config{}, fmt.Errorf("ROLLOUT_ANALYSIS_URL required")
	}
	if cfg.ProbeURL == "" {
		return Config{}, fmt.Errorf("ROLLOUT_PROBE_URL required")
	}
	if cfg.MigrateURL == "" {
		return Config{}, fmt.Errorf("ROLLOUT_MIGRATE_URL required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
