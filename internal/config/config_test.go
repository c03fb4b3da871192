package config

import (
	"strings"
	"testing"
	"time"
)

func clearSessionEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SESSION_RECONNECT_BASE_MS", "SESSION_RECONNECT_MAX_MS",
		"SESSION_BATTLE_JUDGE_WINDOW_MS", "SESSION_GIFT_COMBO_IDLE_MS",
		"SESSION_GOLD_TO_SCORE_RATIO", "SESSION_MAX_SNIPE_GOLD",
		"SESSION_OPPONENT_BLACKLIST", "SESSION_HEARTBEAT_FALLBACK_SECS",
		"SESSION_SNIPE_BASELINE_FACTOR", "SESSION_RECORD_DIR",
		"SESSION_LOG_LEVEL", "SESSION_LOG_PATH", "SESSION_LOG_MAX_SIZE_MB",
		"SESSION_LOG_MAX_BACKUPS", "SESSION_LOG_MAX_AGE_DAYS", "SESSION_LOG_COMPRESS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearSessionEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.ReconnectBase != DefaultReconnectBase {
		t.Fatalf("expected default reconnect base %v, got %v", DefaultReconnectBase, cfg.ReconnectBase)
	}
	if cfg.ReconnectMax != DefaultReconnectMax {
		t.Fatalf("expected default reconnect max %v, got %v", DefaultReconnectMax, cfg.ReconnectMax)
	}
	if cfg.BattleJudgeWindow != DefaultBattleJudgeWindow {
		t.Fatalf("expected default judge window %v, got %v", DefaultBattleJudgeWindow, cfg.BattleJudgeWindow)
	}
	if cfg.GoldToScoreRatio != DefaultGoldToScoreRatio {
		t.Fatalf("expected default ratio %d, got %d", DefaultGoldToScoreRatio, cfg.GoldToScoreRatio)
	}
	if cfg.MaxSnipeGold != DefaultMaxSnipeGold {
		t.Fatalf("expected default snipe gold %d, got %d", DefaultMaxSnipeGold, cfg.MaxSnipeGold)
	}
	if cfg.GiftComboIdle != DefaultGiftComboIdle {
		t.Fatalf("expected default combo idle %v, got %v", DefaultGiftComboIdle, cfg.GiftComboIdle)
	}
	if cfg.HeartbeatFallback != DefaultHeartbeatFallback {
		t.Fatalf("expected default heartbeat fallback %v, got %v", DefaultHeartbeatFallback, cfg.HeartbeatFallback)
	}
	if cfg.OpponentBlacklist != nil {
		t.Fatalf("expected empty blacklist, got %#v", cfg.OpponentBlacklist)
	}
	if cfg.RecordDir != "" {
		t.Fatalf("expected recorder disabled, got %q", cfg.RecordDir)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearSessionEnv(t)
	t.Setenv("SESSION_RECONNECT_BASE_MS", "1000")
	t.Setenv("SESSION_RECONNECT_MAX_MS", "8000")
	t.Setenv("SESSION_BATTLE_JUDGE_WINDOW_MS", "1500")
	t.Setenv("SESSION_GOLD_TO_SCORE_RATIO", "10")
	t.Setenv("SESSION_MAX_SNIPE_GOLD", "500")
	t.Setenv("SESSION_OPPONENT_BLACKLIST", "roomA, roomB ,")
	t.Setenv("SESSION_HEARTBEAT_FALLBACK_SECS", "30")
	t.Setenv("SESSION_RECORD_DIR", "/tmp/recordings")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.ReconnectBase != time.Second {
		t.Fatalf("unexpected reconnect base: %v", cfg.ReconnectBase)
	}
	if cfg.ReconnectMax != 8*time.Second {
		t.Fatalf("unexpected reconnect max: %v", cfg.ReconnectMax)
	}
	if cfg.BattleJudgeWindow != 1500*time.Millisecond {
		t.Fatalf("unexpected judge window: %v", cfg.BattleJudgeWindow)
	}
	if cfg.GoldToScoreRatio != 10 || cfg.MaxSnipeGold != 500 {
		t.Fatalf("unexpected snipe tuning: ratio=%d max=%d", cfg.GoldToScoreRatio, cfg.MaxSnipeGold)
	}
	if len(cfg.OpponentBlacklist) != 2 || cfg.OpponentBlacklist[0] != "roomA" || cfg.OpponentBlacklist[1] != "roomB" {
		t.Fatalf("unexpected blacklist: %#v", cfg.OpponentBlacklist)
	}
	if cfg.HeartbeatFallback != 30*time.Second {
		t.Fatalf("unexpected heartbeat fallback: %v", cfg.HeartbeatFallback)
	}
	if cfg.RecordDir != "/tmp/recordings" {
		t.Fatalf("unexpected record dir: %q", cfg.RecordDir)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearSessionEnv(t)
	t.Setenv("SESSION_RECONNECT_BASE_MS", "-5")
	t.Setenv("SESSION_GOLD_TO_SCORE_RATIO", "zero")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid overrides")
	}
	if !strings.Contains(err.Error(), "SESSION_RECONNECT_BASE_MS") {
		t.Fatalf("error should name the offending variable, got %v", err)
	}
	if !strings.Contains(err.Error(), "SESSION_GOLD_TO_SCORE_RATIO") {
		t.Fatalf("error should accumulate all problems, got %v", err)
	}
}

func TestLoadRejectsInvertedReconnectBounds(t *testing.T) {
	clearSessionEnv(t)
	t.Setenv("SESSION_RECONNECT_BASE_MS", "10000")
	t.Setenv("SESSION_RECONNECT_MAX_MS", "2000")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when max is below base")
	}
}
