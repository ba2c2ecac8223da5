package recording

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"driftpursuit/prediction/internal/tick"
)

// Event is one line of the event stream.
type Event struct {
	Tick       tick.Tick       `json:"tick"`
	CapturedAt time.Time       `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the event payload into dst.
func (e Event) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// Frame is one blob of the frame stream.
type Frame struct {
	Tick       tick.Tick
	CapturedAt time.Time
	Payload    []byte
}

// Bundle is a fully loaded journal directory.
type Bundle struct {
	Manifest Manifest
	Events   []Event
	Frames   []Frame
}

// Load reads a journal directory written by Journal.
func Load(dir string) (*Bundle, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if bundle.Manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported journal version %d", bundle.Manifest.Version)
	}

	if bundle.Events, err = loadEvents(filepath.Join(dir, bundle.Manifest.EventsPath)); err != nil {
		return nil, err
	}
	if bundle.Frames, err = loadFrames(filepath.Join(dir, bundle.Manifest.FramesPath)); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// EventsOf filters the events of one type.
func (b *Bundle) EventsOf(eventType string) []Event {
	var out []Event
	for _, event := range b.Events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func loadEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

func loadFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var frames []Frame
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		size := binary.LittleEndian.Uint32(header[10:14])
		payload := make([]byte, size)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
		frames = append(frames, Frame{
			Tick:       tick.Tick(binary.LittleEndian.Uint16(header[0:2])),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[2:10]))).UTC(),
			Payload:    payload,
		})
	}
}
