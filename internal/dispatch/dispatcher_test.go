package dispatch

import (
	"testing"
	"time"

	"magicaldanmaku/session/internal/protocol"
	"magicaldanmaku/session/internal/stats"
)

func commandFrame(t *testing.T, body string) protocol.Frame {
	t.Helper()
	return protocol.Frame{Version: protocol.VersionPlain, Op: protocol.OpCommand, Body: []byte(body)}
}

func TestDispatchRegistrationOrder(t *testing.T) {
	d := New("1234")
	var order []string
	d.Subscribe(func(Event) { order = append(order, "first") }, KindDanmaku)
	d.Subscribe(func(Event) { order = append(order, "second") }, KindDanmaku)

	d.HandleFrame(commandFrame(t, `{"cmd":"DANMU_MSG","data":{"uid":"9","uname":"viewer","text":"hello"}}`))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected registration-order delivery, got %v", order)
	}
}

func TestSubscriberPanicDoesNotAbortDispatch(t *testing.T) {
	d := New("1234")
	delivered := false
	d.Subscribe(func(Event) { panic("boom") }, KindDanmaku)
	d.Subscribe(func(Event) { delivered = true }, KindDanmaku)

	d.HandleFrame(commandFrame(t, `{"cmd":"DANMU_MSG","data":{"uid":"9","uname":"viewer","text":"hi"}}`))

	if !delivered {
		t.Fatal("expected the second subscriber to run despite the first panicking")
	}
}

func TestCancelledSubscriptionStopsDelivery(t *testing.T) {
	d := New("1234")
	count := 0
	sub := d.Subscribe(func(Event) { count++ }, KindDanmaku)

	frame := commandFrame(t, `{"cmd":"DANMU_MSG","data":{"uid":"9","uname":"v","text":"x"}}`)
	d.HandleFrame(frame)
	sub.Cancel()
	sub.Cancel() // idempotent
	d.HandleFrame(frame)

	if count != 1 {
		t.Fatalf("expected exactly one delivery, got %d", count)
	}
}

func TestMalformedFrameIsDiscardedAndCounted(t *testing.T) {
	collector := stats.NewCollector()
	d := New("1234", WithStats(collector))
	delivered := 0
	d.Subscribe(func(Event) { delivered++ })

	d.HandleFrame(commandFrame(t, `{not json`))
	d.HandleFrame(commandFrame(t, `{"cmd":"SEND_GIFT","data":{"uid":"1","num":0}}`))

	if delivered != 0 {
		t.Fatalf("expected no deliveries for malformed frames, got %d", delivered)
	}
	if snap := collector.Snapshot(); snap.ParseFailures != 2 {
		t.Fatalf("expected 2 parse failures, got %d", snap.ParseFailures)
	}
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	collector := stats.NewCollector()
	d := New("1234", WithStats(collector))
	delivered := 0
	d.Subscribe(func(Event) { delivered++ })

	d.HandleFrame(commandFrame(t, `{"cmd":"WIDGET_BANNER","data":{}}`))

	if delivered != 0 {
		t.Fatalf("expected unknown command dropped, got %d deliveries", delivered)
	}
	if snap := collector.Snapshot(); snap.ParseFailures != 0 {
		t.Fatalf("unknown commands are not parse failures, got %d", snap.ParseFailures)
	}
}

func TestZlibBatchExpandsToEvents(t *testing.T) {
	d := New("1234")
	var kinds []Kind
	d.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	batch, err := protocol.CompressBatch(
		commandFrame(t, `{"cmd":"DANMU_MSG","data":{"uid":"1","uname":"a","text":"x"}}`),
		commandFrame(t, `{"cmd":"INTERACT_WORD","data":{"uid":"2","uname":"b"}}`),
	)
	if err != nil {
		t.Fatalf("CompressBatch returned error: %v", err)
	}
	d.HandleFrame(batch)

	if len(kinds) != 2 || kinds[0] != KindDanmaku || kinds[1] != KindInteract {
		t.Fatalf("expected danmaku then interact, got %v", kinds)
	}
}

func TestGiftComboCoalescesWithinIdleWindow(t *testing.T) {
	current := time.Unix(1000, 0)
	d := New("1234", WithClock(func() time.Time { return current }), WithComboIdle(2*time.Second))

	var gifts []*Gift
	d.Subscribe(func(ev Event) { gifts = append(gifts, ev.Gift) }, KindGift)

	gift := `{"cmd":"SEND_GIFT","data":{"uid":"7","uname":"fan","gift_id":30607,"gift_name":"lollipop","num":1,"coin_type":"gold","total_coin":100}}`
	//1.- Two contributions 500 ms apart must coalesce into one emission.
	d.HandleFrame(commandFrame(t, gift))
	current = current.Add(500 * time.Millisecond)
	d.HandleFrame(commandFrame(t, gift))

	d.SweepCombos()
	if len(gifts) != 0 {
		t.Fatalf("combo still inside idle window, got %d emissions", len(gifts))
	}

	//2.- Once the idle window elapses the sweep flushes the aggregate.
	current = current.Add(2500 * time.Millisecond)
	d.SweepCombos()
	if len(gifts) != 1 {
		t.Fatalf("expected one coalesced gift, got %d", len(gifts))
	}
	if gifts[0].Count != 2 || gifts[0].Gold != 200 {
		t.Fatalf("expected summed count=2 gold=200, got count=%d gold=%d", gifts[0].Count, gifts[0].Gold)
	}
}

func TestGiftComboSeparatesBeyondIdleWindow(t *testing.T) {
	current := time.Unix(1000, 0)
	d := New("1234", WithClock(func() time.Time { return current }), WithComboIdle(2*time.Second))

	var gifts []*Gift
	d.Subscribe(func(ev Event) { gifts = append(gifts, ev.Gift) }, KindGift)

	gift := `{"cmd":"SEND_GIFT","data":{"uid":"7","uname":"fan","gift_id":30607,"gift_name":"lollipop","num":1,"coin_type":"gold","total_coin":100}}`
	d.HandleFrame(commandFrame(t, gift))
	//1.- Arriving 3 s apart with a 2 s window the second gift starts a new
	// combo and the stale one flushes immediately.
	current = current.Add(3 * time.Second)
	d.HandleFrame(commandFrame(t, gift))

	if len(gifts) != 1 {
		t.Fatalf("expected stale combo flushed on arrival, got %d", len(gifts))
	}
	current = current.Add(3 * time.Second)
	d.SweepCombos()
	if len(gifts) != 2 {
		t.Fatalf("expected two separate gift events, got %d", len(gifts))
	}
	if gifts[0].Count != 1 || gifts[1].Count != 1 {
		t.Fatalf("expected unit counts, got %d and %d", gifts[0].Count, gifts[1].Count)
	}
}

func TestFlushCombosAtTeardown(t *testing.T) {
	current := time.Unix(1000, 0)
	d := New("1234", WithClock(func() time.Time { return current }))
	var gifts int
	d.Subscribe(func(Event) { gifts++ }, KindGift)

	d.HandleFrame(commandFrame(t, `{"cmd":"SEND_GIFT","data":{"uid":"7","uname":"fan","gift_id":1,"gift_name":"g","num":1,"total_coin":10}}`))
	d.FlushCombos()

	if gifts != 1 {
		t.Fatalf("expected pending combo flushed at teardown, got %d", gifts)
	}
}

func TestPopularityHeartbeatReply(t *testing.T) {
	collector := stats.NewCollector()
	d := New("1234", WithStats(collector))
	var got int32
	d.Subscribe(func(ev Event) { got = ev.Popularity }, KindPopularity)

	body := []byte{0x00, 0x01, 0x86, 0xA0} // 100000
	d.HandleFrame(protocol.Frame{Version: protocol.VersionPopularity, Op: protocol.OpHeartbeatReply, Body: body})

	if got != 100000 {
		t.Fatalf("expected popularity 100000, got %d", got)
	}
	if snap := collector.Snapshot(); snap.PeakPopularity != 100000 {
		t.Fatalf("expected peak popularity recorded, got %d", snap.PeakPopularity)
	}
}
