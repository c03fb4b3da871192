package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultReconnectBase is the first reconnect delay after a transport failure.
	DefaultReconnectBase = 5 * time.Second
	// DefaultReconnectMax caps the doubling reconnect delay.
	DefaultReconnectMax = 60 * time.Second
	// DefaultHeartbeatFallback is used until the server supplies a heartbeat interval.
	DefaultHeartbeatFallback = 60 * time.Second
	// DefaultBattleJudgeWindow is the closing window before a battle's end epoch.
	DefaultBattleJudgeWindow = 2 * time.Second
	// DefaultGoldToScoreRatio converts gift gold into battle score points.
	DefaultGoldToScoreRatio = 100
	// DefaultMaxSnipeGold bounds the gold counted toward score in the closing window.
	DefaultMaxSnipeGold = 300
	// DefaultGiftComboIdle is how long a sender+gift combo may stay quiet before it flushes.
	DefaultGiftComboIdle = 2 * time.Second
	// DefaultSnipeBaselineFactor flags the opponent when their closing-window gift
	// rate exceeds the pre-window baseline by this factor.
	DefaultSnipeBaselineFactor = 2.0

	// DefaultLogLevel controls verbosity for session logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "session.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the live session core.
type Config struct {
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
	HeartbeatFallback   time.Duration
	BattleJudgeWindow   time.Duration
	GoldToScoreRatio    int
	MaxSnipeGold        int
	OpponentBlacklist   []string
	GiftComboIdle       time.Duration
	SnipeBaselineFactor float64
	RecordDir           string
	Logging             LoggingConfig
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

// Load reads the session configuration from environment variables, applying the
// documented defaults and returning descriptive errors for invalid overrides.
// A missing value never blocks startup; only a present-but-invalid one does.
func Load() (*Config, error) {
	cfg := &Config{
		ReconnectBase:       DefaultReconnectBase,
		ReconnectMax:        DefaultReconnectMax,
		HeartbeatFallback:   DefaultHeartbeatFallback,
		BattleJudgeWindow:   DefaultBattleJudgeWindow,
		GoldToScoreRatio:    DefaultGoldToScoreRatio,
		MaxSnipeGold:        DefaultMaxSnipeGold,
		OpponentBlacklist:   parseList(os.Getenv("SESSION_OPPONENT_BLACKLIST")),
		GiftComboIdle:       DefaultGiftComboIdle,
		SnipeBaselineFactor: DefaultSnipeBaselineFactor,
		RecordDir:           strings.TrimSpace(os.Getenv("SESSION_RECORD_DIR")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SESSION_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SESSION_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	applyMillis(&problems, "SESSION_RECONNECT_BASE_MS", &cfg.ReconnectBase)
	applyMillis(&problems, "SESSION_RECONNECT_MAX_MS", &cfg.ReconnectMax)
	applyMillis(&problems, "SESSION_BATTLE_JUDGE_WINDOW_MS", &cfg.BattleJudgeWindow)
	applyMillis(&problems, "SESSION_GIFT_COMBO_IDLE_MS", &cfg.GiftComboIdle)

	applyPositiveInt(&problems, "SESSION_GOLD_TO_SCORE_RATIO", &cfg.GoldToScoreRatio)
	applyPositiveInt(&problems, "SESSION_MAX_SNIPE_GOLD", &cfg.MaxSnipeGold)
	applyPositiveInt(&problems, "SESSION_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)

	if raw := strings.TrimSpace(os.Getenv("SESSION_HEARTBEAT_FALLBACK_SECS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SESSION_HEARTBEAT_FALLBACK_SECS must be a positive integer, got %q", raw))
		} else {
			cfg.HeartbeatFallback = time.Duration(value) * time.Second
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SESSION_SNIPE_BASELINE_FACTOR")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 1 {
			problems = append(problems, fmt.Sprintf("SESSION_SNIPE_BASELINE_FACTOR must be greater than 1, got %q", raw))
		} else {
			cfg.SnipeBaselineFactor = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SESSION_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SESSION_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SESSION_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SESSION_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SESSION_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SESSION_LOG_COMPRESS must be a boolean, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.ReconnectMax < cfg.ReconnectBase {
		problems = append(problems, fmt.Sprintf("SESSION_RECONNECT_MAX_MS (%v) must not be below SESSION_RECONNECT_BASE_MS (%v)", cfg.ReconnectMax, cfg.ReconnectBase))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func applyMillis(problems *[]string, key string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer millisecond count, got %q", key, raw))
		return
	}
	*target = time.Duration(value) * time.Millisecond
}

func applyPositiveInt(problems *[]string, key string, target *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*target = value
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if cleaned := strings.TrimSpace(part); cleaned != "" {
			values = append(values, cleaned)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
