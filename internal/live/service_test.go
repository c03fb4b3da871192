package live

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"magicaldanmaku/session/internal/battle"
	"magicaldanmaku/session/internal/config"
	"magicaldanmaku/session/internal/connection"
	"magicaldanmaku/session/internal/dispatch"
	"magicaldanmaku/session/internal/endpoint"
	"magicaldanmaku/session/internal/logging"
	"magicaldanmaku/session/internal/protocol"
	"magicaldanmaku/session/internal/websockettest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ReconnectBase:       50 * time.Millisecond,
		ReconnectMax:        200 * time.Millisecond,
		HeartbeatFallback:   time.Minute,
		BattleJudgeWindow:   config.DefaultBattleJudgeWindow,
		GoldToScoreRatio:    config.DefaultGoldToScoreRatio,
		MaxSnipeGold:        config.DefaultMaxSnipeGold,
		GiftComboIdle:       50 * time.Millisecond,
		SnipeBaselineFactor: config.DefaultSnipeBaselineFactor,
		RecordDir:           t.TempDir(),
	}
}

func commandFrame(t *testing.T, cmd string, sendTimeMs int64, data any) protocol.Frame {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal command data: %v", err)
	}
	body := fmt.Sprintf(`{"cmd":%q,"send_time":%d,"data":%s}`, cmd, sendTimeMs, payload)
	return protocol.Frame{Op: protocol.OpCommand, Body: []byte(body)}
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceSessionLifecycle(t *testing.T) {
	server := websockettest.NewServer(t)
	cfg := testConfig(t)
	service := NewService(cfg, WithLogger(logging.NewTestLogger()), WithTickInterval(20*time.Millisecond))

	if err := service.StartConnectRoom("9876", "secret", []endpoint.Endpoint{server.Endpoint()}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, "connected state", func() bool {
		return service.ConnectionState() == connection.StateConnected
	})

	if err := service.StartConnectRoom("9876", "secret", nil); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning on double start, got %v", err)
	}

	events := make(chan dispatch.Event, 8)
	if _, err := service.Subscribe(func(ev dispatch.Event) { events <- ev }, dispatch.KindDanmaku); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sendTime := time.Now().Add(2 * time.Second).UnixMilli()
	server.Send(commandFrame(t, "DANMU_MSG", sendTime, map[string]any{"uid": "u1", "uname": "viewer", "text": "hello"}))

	select {
	case ev := <-events:
		if ev.Danmaku == nil || ev.Danmaku.Text != "hello" {
			t.Fatalf("unexpected danmaku event: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the danmaku event")
	}

	waitFor(t, "danmaku counted", func() bool {
		return service.Stats().DanmakuCount == 1
	})

	//1.- The send_time sample should pull ServerNow ahead of the local clock.
	waitFor(t, "clock offset absorbed", func() bool {
		return service.ServerNow().After(time.Now().Add(time.Second))
	})

	service.StopConnection()
	if got := service.ConnectionState(); got != connection.StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %v", got)
	}

	//2.- The recording bundle survives the session with its manifest.
	entries, err := os.ReadDir(cfg.RecordDir)
	if err != nil {
		t.Fatalf("read record dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one recording bundle, got %d", len(entries))
	}
	if _, err := os.Stat(filepath.Join(cfg.RecordDir, entries[0].Name(), "manifest.json")); err != nil {
		t.Fatalf("expected a manifest in the bundle: %v", err)
	}
}

func TestServiceBattleFlowOverSocket(t *testing.T) {
	server := websockettest.NewServer(t)
	cfg := testConfig(t)
	cfg.RecordDir = ""
	service := NewService(cfg, WithLogger(logging.NewTestLogger()), WithTickInterval(20*time.Millisecond))

	if err := service.StartConnectRoom("9876", "secret", []endpoint.Endpoint{server.Endpoint()}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, "connected state", func() bool {
		return service.ConnectionState() == connection.StateConnected
	})

	//1.- No opponent_room keeps the battle on the primary socket alone.
	endEpoch := time.Now().Add(time.Hour).Unix()
	server.Send(commandFrame(t, "PK_BATTLE_START", 0, map[string]any{"battle_id": 31, "end_epoch": endEpoch}))
	waitFor(t, "matched phase", func() bool {
		return service.BattlePhase() == battle.PhaseMatched
	})

	server.Send(commandFrame(t, "PK_BATTLE_PROCESS", 0, map[string]any{"my_votes": 12, "opponent_votes": 7}))
	waitFor(t, "battling phase", func() bool {
		return service.BattlePhase() == battle.PhaseBattling
	})

	server.Send(commandFrame(t, "PK_BATTLE_END", 0, map[string]any{"my_votes": 15, "opponent_votes": 9, "winner_room": "9876"}))
	waitFor(t, "settled back to idle", func() bool {
		return service.BattlePhase() == battle.PhaseIdle
	})

	service.StopConnection()
}

func TestServiceJudgesBattleOnServerClock(t *testing.T) {
	server := websockettest.NewServer(t)
	cfg := testConfig(t)
	cfg.RecordDir = ""
	service := NewService(cfg, WithLogger(logging.NewTestLogger()), WithTickInterval(20*time.Millisecond))

	if err := service.StartConnectRoom("9876", "secret", []endpoint.Endpoint{server.Endpoint()}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, "connected state", func() bool {
		return service.ConnectionState() == connection.StateConnected
	})

	//1.- The end epoch sits far ahead of the local clock; on local time this
	// battle would run for half an hour.
	endEpoch := time.Now().Add(30 * time.Minute).Unix()
	server.Send(commandFrame(t, "PK_BATTLE_START", 0, map[string]any{"battle_id": 33, "end_epoch": endEpoch}))
	waitFor(t, "matched phase", func() bool {
		return service.BattlePhase() == battle.PhaseMatched
	})
	server.Send(commandFrame(t, "PK_BATTLE_PROCESS", 0, map[string]any{"my_votes": 2, "opponent_votes": 1}))
	waitFor(t, "battling phase", func() bool {
		return service.BattlePhase() == battle.PhaseBattling
	})

	//2.- A send_time sample an hour ahead moves the server-clock estimate past
	// the end epoch, so the next tick must settle the battle.
	sendTime := time.Now().Add(time.Hour).UnixMilli()
	server.Send(commandFrame(t, "DANMU_MSG", sendTime, map[string]any{"uid": "u1", "uname": "viewer", "text": "hi"}))
	waitFor(t, "settled on server time", func() bool {
		return service.BattlePhase() == battle.PhaseIdle
	})

	service.StopConnection()
}

func TestServiceIdentityCodeRequiresResolver(t *testing.T) {
	cfg := testConfig(t)
	cfg.RecordDir = ""
	service := NewService(cfg, WithLogger(logging.NewTestLogger()))
	if err := service.StartConnectIdentityCode(context.Background(), "CODE"); err != ErrNoResolver {
		t.Fatalf("expected ErrNoResolver, got %v", err)
	}
}

func TestServiceForceAbortBattle(t *testing.T) {
	server := websockettest.NewServer(t)
	cfg := testConfig(t)
	cfg.RecordDir = ""
	service := NewService(cfg, WithLogger(logging.NewTestLogger()), WithTickInterval(20*time.Millisecond))

	if err := service.StartConnectRoom("9876", "secret", []endpoint.Endpoint{server.Endpoint()}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, "connected state", func() bool {
		return service.ConnectionState() == connection.StateConnected
	})

	server.Send(commandFrame(t, "PK_BATTLE_START", 0, map[string]any{"battle_id": 32, "end_epoch": time.Now().Add(time.Hour).Unix()}))
	waitFor(t, "matched phase", func() bool {
		return service.BattlePhase() == battle.PhaseMatched
	})

	service.ForceAbortBattle()
	if got := service.BattlePhase(); got != battle.PhaseIdle {
		t.Fatalf("expected idle after abort, got %v", got)
	}
	service.StopConnection()
}
