package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTickRate is the number of fixed simulation steps per second.
	DefaultTickRate = 64

	// DefaultHandshakePings is the number of ping/pong rounds used to bootstrap the clock offset.
	DefaultHandshakePings = 10
	// DefaultPingInterval controls how often pings are queued for the transport.
	DefaultPingInterval = 100 * time.Millisecond
	// DefaultHandshakeTimeout bounds how long a handshake may wait for enough pongs.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultHandshakeRetries limits how many times an abandoned handshake restarts.
	DefaultHandshakeRetries = 3
	// DefaultMaxClockError is the drift beyond which the clock is snapped instead of nudged.
	DefaultMaxClockError = 100 * time.Millisecond
	// DefaultSoftResyncThreshold is the drift below which the clock runs at normal speed.
	DefaultSoftResyncThreshold = 10 * time.Millisecond
	// DefaultSpeedupFactor is the relative speed change applied during a soft resync.
	DefaultSpeedupFactor = 0.05

	// DefaultHistoryDepth caps the number of ticks kept per predicted component.
	DefaultHistoryDepth = 256
	// DefaultMaxReplayTicks caps a single rollback replay.
	DefaultMaxReplayTicks = 200
	// DefaultInterpolationDelayTicks is how far behind the server interpolated entities render.
	DefaultInterpolationDelayTicks = 6

	// DefaultJournalKeep caps how many journals survive a prune.
	DefaultJournalKeep = 20
	// DefaultJournalMaxAge removes journals older than this on startup.
	DefaultJournalMaxAge = 7 * 24 * time.Hour

	// DefaultPongAddr is the TCP address the WebSocket pong responder listens on.
	DefaultPongAddr = ":43128"
	// DefaultPongGRPCAddr is the TCP address the gRPC pong responder listens on.
	DefaultPongGRPCAddr = ":43129"

	// DefaultLogLevel controls verbosity for logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "prediction.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for a client session and the pong responder.
type Config struct {
	TickRate   int
	Sync       SyncConfig
	Rollback   RollbackConfig
	JournalDir string
	Retention  RetentionConfig

	PongAddr     string
	PongGRPCAddr string

	Logging LoggingConfig
}

// SyncConfig groups the clock synchronisation options.
type SyncConfig struct {
	HandshakePings      int
	PingInterval        time.Duration
	HandshakeTimeout    time.Duration
	HandshakeRetries    int
	MaxClockError       time.Duration
	SoftResyncThreshold time.Duration
	SpeedupFactor       float64
}

// RollbackConfig groups the prediction history and replay options.
type RollbackConfig struct {
	HistoryDepth            int
	MaxReplayTicks          int
	InterpolationDelayTicks int
}

// RetentionConfig bounds the journals kept under JournalDir.
type RetentionConfig struct {
	Keep   int
	MaxAge time.Duration
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// TickDuration converts the tick rate into the fixed step length.
func (c *Config) TickDuration() time.Duration {
	if c == nil || c.TickRate <= 0 {
		return time.Second / DefaultTickRate
	}
	return time.Second / time.Duration(c.TickRate)
}

// Default returns a configuration populated with the package defaults.
func Default() *Config {
	return &Config{
		TickRate: DefaultTickRate,
		Sync: SyncConfig{
			HandshakePings:      DefaultHandshakePings,
			PingInterval:        DefaultPingInterval,
			HandshakeTimeout:    DefaultHandshakeTimeout,
			HandshakeRetries:    DefaultHandshakeRetries,
			MaxClockError:       DefaultMaxClockError,
			SoftResyncThreshold: DefaultSoftResyncThreshold,
			SpeedupFactor:       DefaultSpeedupFactor,
		},
		Rollback: RollbackConfig{
			HistoryDepth:            DefaultHistoryDepth,
			MaxReplayTicks:          DefaultMaxReplayTicks,
			InterpolationDelayTicks: DefaultInterpolationDelayTicks,
		},
		Retention: RetentionConfig{
			Keep:   DefaultJournalKeep,
			MaxAge: DefaultJournalMaxAge,
		},
		PongAddr:     DefaultPongAddr,
		PongGRPCAddr: DefaultPongGRPCAddr,
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// Load reads the configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := Default()
	cfg.JournalDir = strings.TrimSpace(os.Getenv("PREDICTION_JOURNAL_DIR"))
	cfg.PongAddr = getString("PREDICTION_PONG_ADDR", DefaultPongAddr)
	cfg.PongGRPCAddr = getString("PREDICTION_PONG_GRPC_ADDR", DefaultPongGRPCAddr)
	cfg.Logging.Level = getString("PREDICTION_LOG_LEVEL", DefaultLogLevel)
	cfg.Logging.Path = getString("PREDICTION_LOG_PATH", DefaultLogPath)

	var problems []string

	positiveInt(&problems, "PREDICTION_TICK_RATE", &cfg.TickRate)
	positiveInt(&problems, "PREDICTION_HANDSHAKE_PINGS", &cfg.Sync.HandshakePings)
	positiveDuration(&problems, "PREDICTION_PING_INTERVAL", &cfg.Sync.PingInterval)
	positiveDuration(&problems, "PREDICTION_HANDSHAKE_TIMEOUT", &cfg.Sync.HandshakeTimeout)
	nonNegativeInt(&problems, "PREDICTION_HANDSHAKE_RETRIES", &cfg.Sync.HandshakeRetries)
	positiveDuration(&problems, "PREDICTION_MAX_CLOCK_ERROR", &cfg.Sync.MaxClockError)
	positiveDuration(&problems, "PREDICTION_SOFT_RESYNC_THRESHOLD", &cfg.Sync.SoftResyncThreshold)
	positiveInt(&problems, "PREDICTION_HISTORY_DEPTH", &cfg.Rollback.HistoryDepth)
	positiveInt(&problems, "PREDICTION_MAX_REPLAY_TICKS", &cfg.Rollback.MaxReplayTicks)
	nonNegativeInt(&problems, "PREDICTION_INTERPOLATION_DELAY_TICKS", &cfg.Rollback.InterpolationDelayTicks)
	nonNegativeInt(&problems, "PREDICTION_JOURNAL_KEEP", &cfg.Retention.Keep)
	positiveDuration(&problems, "PREDICTION_JOURNAL_MAX_AGE", &cfg.Retention.MaxAge)
	positiveInt(&problems, "PREDICTION_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	nonNegativeInt(&problems, "PREDICTION_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	nonNegativeInt(&problems, "PREDICTION_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)

	if raw := strings.TrimSpace(os.Getenv("PREDICTION_SPEEDUP_FACTOR")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 || value >= 1 {
			problems = append(problems, fmt.Sprintf("PREDICTION_SPEEDUP_FACTOR must be a number in (0, 1), got %q", raw))
		} else {
			cfg.Sync.SpeedupFactor = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PREDICTION_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("PREDICTION_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.Sync.SoftResyncThreshold >= cfg.Sync.MaxClockError {
		problems = append(problems, "PREDICTION_SOFT_RESYNC_THRESHOLD must be smaller than PREDICTION_MAX_CLOCK_ERROR")
	}
	if cfg.Rollback.MaxReplayTicks > cfg.Rollback.HistoryDepth {
		problems = append(problems, "PREDICTION_MAX_REPLAY_TICKS must not exceed PREDICTION_HISTORY_DEPTH")
	}
	if cfg.Rollback.HistoryDepth > 1<<15 {
		problems = append(problems, "PREDICTION_HISTORY_DEPTH must not exceed 32768 ticks")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func positiveInt(problems *[]string, key string, dst *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func nonNegativeInt(problems *[]string, key string, dst *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*dst = value
}

func positiveDuration(problems *[]string, key string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
