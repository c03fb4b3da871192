package protocol

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame := Frame{Version: VersionPlain, Op: OpCommand, Sequence: 7, Body: []byte(`{"cmd":"DANMU_MSG"}`)}
	encoded := Encode(frame)

	decoded, consumed, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if consumed != len(encoded) {
		t.Fatalf("expected %d bytes consumed, got %d", len(encoded), consumed)
	}
	if decoded.Op != OpCommand || decoded.Sequence != 7 || string(decoded.Body) != string(frame.Body) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	encoded := Encode(Frame{Op: OpHeartbeat, Body: []byte("ping")})
	if _, _, err := Decode(encoded[:10]); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestDecodeRejectsImplausibleHeader(t *testing.T) {
	encoded := Encode(Frame{Op: OpCommand, Body: []byte("x")})
	//1.- Corrupt the declared total length so it exceeds the sanity bound.
	binary.BigEndian.PutUint32(encoded[0:4], MaxFrameLen+1)
	if _, _, err := Decode(encoded); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader, got %v", err)
	}
}

func TestExpandInflatesZlibBatch(t *testing.T) {
	inner := []Frame{
		{Version: VersionPlain, Op: OpCommand, Body: []byte(`{"cmd":"SEND_GIFT"}`)},
		{Version: VersionPlain, Op: OpCommand, Body: []byte(`{"cmd":"INTERACT_WORD"}`)},
	}
	batch, err := CompressBatch(inner...)
	if err != nil {
		t.Fatalf("CompressBatch returned error: %v", err)
	}

	expanded, err := Expand(batch)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if len(expanded) != 2 {
		t.Fatalf("expected 2 inner frames, got %d", len(expanded))
	}
	if string(expanded[0].Body) != string(inner[0].Body) || string(expanded[1].Body) != string(inner[1].Body) {
		t.Fatalf("batch contents mismatch: %+v", expanded)
	}
}

func TestExpandPassesPlainFramesThrough(t *testing.T) {
	frame := Frame{Version: VersionPlain, Op: OpHeartbeatReply, Body: []byte(`{}`)}
	expanded, err := Expand(frame)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if len(expanded) != 1 || expanded[0].Op != OpHeartbeatReply {
		t.Fatalf("expected passthrough, got %+v", expanded)
	}
}

func TestPopularityPayload(t *testing.T) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 123456)
	count, err := Popularity(Frame{Version: VersionPopularity, Op: OpHeartbeatReply, Body: body})
	if err != nil {
		t.Fatalf("Popularity returned error: %v", err)
	}
	if count != 123456 {
		t.Fatalf("expected 123456 viewers, got %d", count)
	}

	if _, err := Popularity(Frame{Version: VersionPlain}); err == nil {
		t.Fatal("expected error for non-popularity payload")
	}
}
