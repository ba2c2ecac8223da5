// Package recording persists rollback diagnostics so mispredictions can be
// analysed offline.
package recording

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"driftpursuit/prediction/internal/tick"
)

const (
	// ManifestVersion identifies the bundle layout.
	ManifestVersion = 1

	eventsFile   = "events.jsonl.sz"
	framesFile   = "frames.bin.zst"
	manifestFile = "manifest.json"

	frameHeaderSize = 2 + 8 + 4
)

// Event types written by the client session.
const (
	EventRollback = "rollback"
	EventRejected = "rollback_rejected"
	EventResync   = "resync"
)

var (
	sessionCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

	// ErrClosed reports a write to a closed journal.
	ErrClosed = errors.New("journal closed")
)

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	SessionID       string `json:"session_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// RollbackRecord is the payload of EventRollback and EventRejected.
type RollbackRecord struct {
	From   uint16   `json:"from"`
	To     uint16   `json:"to"`
	Ticks  int      `json:"ticks"`
	Kinds  []string `json:"kinds,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// ResyncRecord is the payload of EventResync.
type ResyncRecord struct {
	Kind       string  `json:"kind"`
	OffsetMs   float64 `json:"offset_ms"`
	RoundTrip  float64 `json:"round_trip_ms"`
	SnappedTo  uint16  `json:"snapped_to,omitempty"`
	ClockSpeed float64 `json:"clock_speed"`
}

type pendingFrame struct {
	tick       tick.Tick
	capturedAt time.Time
	payload    []byte
}

// Journal streams rollback events as snappy-compressed JSON lines and frame
// blobs as a zstd stream.
type Journal struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	interval    time.Duration
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []pendingFrame
	lastFlush   time.Time
	closed      bool
}

// Open prepares a bundle directory under root for sessionID. Frames are
// flushed in batches every frameInterval.
func Open(root, sessionID string, frameInterval time.Duration, clock func() time.Time) (*Journal, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if frameInterval <= 0 {
		frameInterval = 200 * time.Millisecond
	}

	cleaned := sessionCleaner.ReplaceAllString(sessionID, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, eventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(path, framesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         ManifestVersion,
		SessionID:       sessionID,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(frameInterval / time.Millisecond),
		EventsPath:      eventsFile,
		FramesPath:      framesFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, manifestFile), data, 0o644)
	}
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	return &Journal{
		dir:         path,
		now:         clock,
		interval:    frameInterval,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
	}, manifest, nil
}

// Directory exposes the directory backing the bundle.
func (j *Journal) Directory() string {
	if j == nil {
		return ""
	}
	return j.dir
}

// AppendEvent writes one JSON line describing an event at t.
func (j *Journal) AppendEvent(t tick.Tick, eventType string, payload any) error {
	if j == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	record := Event{
		Tick:       t,
		CapturedAt: j.now().UTC(),
		Type:       eventType,
		Payload:    body,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if _, err := j.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return j.eventStream.Flush()
}

// AppendFrame stages a frame blob and flushes the batch once the interval elapsed.
func (j *Journal) AppendFrame(t tick.Tick, payload []byte) error {
	if j == nil {
		return nil
	}
	captured := j.now().UTC()
	clone := append([]byte(nil), payload...)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	j.pending = append(j.pending, pendingFrame{tick: t, capturedAt: captured, payload: clone})
	if j.lastFlush.IsZero() {
		j.lastFlush = captured
		return nil
	}
	if captured.Sub(j.lastFlush) >= j.interval {
		if err := j.flushLocked(); err != nil {
			return err
		}
		j.lastFlush = captured
	}
	return nil
}

// Flush forces pending frames to be written.
func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	j.lastFlush = j.now().UTC()
	return nil
}

// Close flushes everything and releases the files. Closing twice is a no-op.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(j.flushLocked())
	keep(j.eventStream.Close())
	keep(j.eventFile.Close())
	keep(j.frameStream.Close())
	keep(j.frameFile.Close())
	return firstErr
}

// flushLocked writes length-prefixed frames; callers must hold the mutex.
func (j *Journal) flushLocked() error {
	for _, frame := range j.pending {
		header := make([]byte, frameHeaderSize)
		binary.LittleEndian.PutUint16(header[0:2], uint16(frame.tick))
		binary.LittleEndian.PutUint64(header[2:10], uint64(frame.capturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[10:14], uint32(len(frame.payload)))
		if _, err := j.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := j.frameStream.Write(frame.payload); err != nil {
			return err
		}
	}
	j.pending = j.pending[:0]
	return nil
}
