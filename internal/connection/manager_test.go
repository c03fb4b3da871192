package connection

import (
	"strings"
	"testing"
	"time"

	"magicaldanmaku/session/internal/endpoint"
	"magicaldanmaku/session/internal/protocol"
	"magicaldanmaku/session/internal/websockettest"
)

func waitForState(t *testing.T, notes <-chan Notification, want State) Notification {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case note := <-notes:
			if note.Current == want {
				return note
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestConnectRejectsEmptyEndpointList(t *testing.T) {
	if _, err := NewManager(nil, "1234", "token"); err != endpoint.ErrNoEndpoints {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

func TestBackoffSequenceDoublesAndCaps(t *testing.T) {
	reg, _ := endpoint.NewRegistry([]endpoint.Endpoint{{Host: "h", Port: 1}})
	m, err := NewManager(reg, "1234", "token", WithBackoff(5*time.Second, 60*time.Second))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	//1.- With jitter disabled the policy must yield min(base*2^(n-1), max).
	want := []time.Duration{5, 10, 20, 40, 60, 60, 60}
	for i, expect := range want {
		if got := m.policy.NextBackOff(); got != expect*time.Second {
			t.Fatalf("attempt %d: expected %vs, got %v", i+1, expect, got)
		}
	}

	//2.- A success resets the window straight back to base.
	m.ResetBackoff()
	if got := m.policy.NextBackOff(); got != 5*time.Second {
		t.Fatalf("expected reset to base, got %v", got)
	}
}

func TestFailoverToSecondEndpoint(t *testing.T) {
	server := websockettest.NewServer(t)
	bad := websockettest.UnusedEndpoint(t)
	reg, _ := endpoint.NewRegistry([]endpoint.Endpoint{bad, server.Endpoint()})

	notes := make(chan Notification, 16)
	m, err := NewManager(reg, "1234", "token",
		WithBackoff(20*time.Millisecond, 100*time.Millisecond),
		WithStateListener(func(n Notification) { notes <- n }),
	)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	//1.- Endpoint A refuses, so the manager must pass through Reconnecting.
	waitForState(t, notes, StateReconnecting)
	//2.- After one backoff expiry the manager lands on B.
	waitForState(t, notes, StateConnected)

	if reg.ActiveIndex() != 1 {
		t.Fatalf("expected cursor on second endpoint, got %d", reg.ActiveIndex())
	}
	if m.FailureStreak() != 0 {
		t.Fatalf("expected streak reset on success, got %d", m.FailureStreak())
	}
	if m.LastBackoff() != 0 {
		t.Fatalf("expected backoff reset on success, got %v", m.LastBackoff())
	}
}

func TestConnectSendsHandshake(t *testing.T) {
	server := websockettest.NewServer(t)
	reg, _ := endpoint.NewRegistry([]endpoint.Endpoint{server.Endpoint()})
	m, err := NewManager(reg, "9876", "secret")
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case frame := <-server.Received():
		if frame.Op != protocol.OpHandshake {
			t.Fatalf("expected handshake first, got op %d", frame.Op)
		}
		if body := string(frame.Body); !strings.Contains(body, `"roomid":"9876"`) || !strings.Contains(body, `"key":"secret"`) {
			t.Fatalf("handshake missing credentials: %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestInboundFramesReachSinkInOrder(t *testing.T) {
	server := websockettest.NewServer(t)
	reg, _ := endpoint.NewRegistry([]endpoint.Endpoint{server.Endpoint()})

	frames := make(chan protocol.Frame, 8)
	notes := make(chan Notification, 8)
	m, err := NewManager(reg, "1234", "token",
		WithFrameSink(func(f protocol.Frame) { frames <- f }),
		WithStateListener(func(n Notification) { notes <- n }),
	)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer m.Disconnect()

	_ = m.Connect()
	waitForState(t, notes, StateConnected)

	server.Send(protocol.Frame{Op: protocol.OpCommand, Sequence: 1, Body: []byte(`{"cmd":"LIVE","data":{}}`)})
	server.Send(protocol.Frame{Op: protocol.OpCommand, Sequence: 2, Body: []byte(`{"cmd":"PREPARING","data":{}}`)})

	for want := uint32(1); want <= 2; want++ {
		select {
		case frame := <-frames:
			if frame.Sequence != want {
				t.Fatalf("expected sequence %d, got %d", want, frame.Sequence)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for inbound frame")
		}
	}
}

func TestUnexpectedCloseTriggersReconnect(t *testing.T) {
	server := websockettest.NewServer(t)
	reg, _ := endpoint.NewRegistry([]endpoint.Endpoint{server.Endpoint()})
	notes := make(chan Notification, 16)
	m, err := NewManager(reg, "1234", "token",
		WithBackoff(20*time.Millisecond, 100*time.Millisecond),
		WithStateListener(func(n Notification) { notes <- n }),
	)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer m.Disconnect()

	_ = m.Connect()
	waitForState(t, notes, StateConnected)

	server.DropClients()
	waitForState(t, notes, StateReconnecting)
	//1.- The same endpoint is still ranked first, so the retry reconnects to it.
	waitForState(t, notes, StateConnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	server := websockettest.NewServer(t)
	reg, _ := endpoint.NewRegistry([]endpoint.Endpoint{server.Endpoint()})
	notes := make(chan Notification, 16)
	m, err := NewManager(reg, "1234", "token",
		WithStateListener(func(n Notification) { notes <- n }),
	)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	_ = m.Connect()
	waitForState(t, notes, StateConnected)

	m.Disconnect()
	m.Disconnect()

	transitions := 0
	timeout := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case note := <-notes:
			if note.Current == StateDisconnected {
				transitions++
			}
		case <-timeout:
			done = true
		}
	}
	if transitions != 1 {
		t.Fatalf("expected exactly one Disconnected notification, got %d", transitions)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected Disconnected, got %v", m.State())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	bad := websockettest.UnusedEndpoint(t)
	reg, _ := endpoint.NewRegistry([]endpoint.Endpoint{bad})
	notes := make(chan Notification, 16)
	m, err := NewManager(reg, "1234", "token",
		WithBackoff(50*time.Millisecond, 100*time.Millisecond),
		WithStateListener(func(n Notification) { notes <- n }),
	)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	_ = m.Connect()
	waitForState(t, notes, StateReconnecting)
	m.Disconnect()

	//1.- The pending reconnect timer must be canceled, not merely ignored.
	time.Sleep(200 * time.Millisecond)
	for {
		select {
		case note := <-notes:
			if note.Current == StateConnecting || note.Current == StateReconnecting {
				t.Fatalf("callback fired after disconnect: %+v", note)
			}
		default:
			if m.State() != StateDisconnected {
				t.Fatalf("expected Disconnected, got %v", m.State())
			}
			return
		}
	}
}
