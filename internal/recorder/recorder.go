// Package recorder persists a live session to disk: a snappy-compressed JSONL
// journal of decoded events plus a zstd archive of the raw wire frames, tied
// together by a manifest so tooling can locate both.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var roomNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// frameFlushInterval is how long raw frames may sit buffered before a batch
// is pushed into the zstd stream.
const frameFlushInterval = 200 * time.Millisecond

// frameBlob holds one raw wire frame until the batch flush.
type frameBlob struct {
	Op         uint32
	Sequence   uint32
	CapturedAt time.Time
	Payload    []byte
}

// Manifest describes the recording bundle layout.
type Manifest struct {
	Version    int    `json:"version"`
	Room       string `json:"room"`
	CreatedAt  string `json:"created_at"`
	EventsPath string `json:"events_path"`
	FramesPath string `json:"frames_path"`
}

// Recorder streams one session's artefacts into a per-session directory.
type Recorder struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameBlob
	lastFlush   time.Time
	closed      bool
}

// NewRecorder creates the session directory under root and opens the
// compressed sinks. The directory name combines the room with the start time
// so concurrent and repeated sessions never collide.
func NewRecorder(root, room string, clock func() time.Time) (*Recorder, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("recorder root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := roomNameCleaner.ReplaceAllString(room, "")
	if cleaned == "" {
		cleaned = "room"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, "events.jsonl.sz"))
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	frameFile, err := os.Create(filepath.Join(path, "frames.bin.zst"))
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:    1,
		Room:       room,
		CreatedAt:  created.Format(time.RFC3339Nano),
		EventsPath: "events.jsonl.sz",
		FramesPath: "frames.bin.zst",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, "manifest.json"), data, 0o644)
	}
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	recorder := &Recorder{
		dir:         path,
		now:         clock,
		eventFile:   eventFile,
		eventStream: eventStream,
		frameFile:   frameFile,
		frameStream: frameStream,
	}
	return recorder, manifest, nil
}

// Directory exposes the directory backing the recording bundle.
func (r *Recorder) Directory() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// AppendEvent writes one decoded event as a JSON line to the snappy journal.
func (r *Recorder) AppendEvent(kind, room string, payload json.RawMessage) error {
	if r == nil {
		return fmt.Errorf("recorder not initialised")
	}
	captured := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder already closed")
	}

	record := struct {
		CapturedAt string          `json:"captured_at"`
		Kind       string          `json:"kind"`
		Room       string          `json:"room"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}{
		CapturedAt: captured.Format(time.RFC3339Nano),
		Kind:       kind,
		Room:       room,
		Payload:    payload,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := r.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := r.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	return r.eventStream.Flush()
}

// AppendFrame buffers one raw wire frame; frames are batched into the zstd
// stream on the flush cadence.
func (r *Recorder) AppendFrame(op, sequence uint32, payload []byte) error {
	if r == nil {
		return fmt.Errorf("recorder not initialised")
	}
	captured := r.now().UTC()
	clone := append([]byte(nil), payload...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder already closed")
	}

	r.pending = append(r.pending, frameBlob{Op: op, Sequence: sequence, CapturedAt: captured, Payload: clone})
	if r.lastFlush.IsZero() {
		r.lastFlush = captured
		return nil
	}
	if captured.Sub(r.lastFlush) >= frameFlushInterval {
		if err := r.flushLocked(); err != nil {
			return err
		}
		r.lastFlush = captured
	}
	return nil
}

// Flush forces pending frames to disk regardless of cadence.
func (r *Recorder) Flush() error {
	if r == nil {
		return fmt.Errorf("recorder not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flushLocked(); err != nil {
		return err
	}
	r.lastFlush = r.now().UTC()
	return nil
}

// Close flushes everything and releases the file handles. Safe to call twice.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	//1.- Attempt every flush and close, surfacing the first failure.
	var firstErr error
	if err := r.flushLocked(); err != nil {
		firstErr = err
	}
	if err := r.eventStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.frameStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.frameFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes buffered frames length-prefixed into the zstd stream.
func (r *Recorder) flushLocked() error {
	if len(r.pending) == 0 {
		return nil
	}
	for _, frame := range r.pending {
		header := make([]byte, 4+4+8+4)
		binary.LittleEndian.PutUint32(header[0:4], frame.Op)
		binary.LittleEndian.PutUint32(header[4:8], frame.Sequence)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(frame.Payload)))
		if _, err := r.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := r.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	r.pending = r.pending[:0]
	return nil
}
