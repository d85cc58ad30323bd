package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pithecene-io/corral/types"
)

// FileSink persists events and artifact chunks as newline-delimited JSON,
// one append-only file per stream, under Dir. It is the default Sink for
// corrald when no external telemetry backend is configured.
//
// Chunk bytes are stored base64-inline by encoding/json's []byte handling;
// this keeps the sink to two flat files with no auxiliary blob layout, which
// is adequate for the modest chunk volume one execution produces.
type FileSink struct {
	mu     sync.Mutex
	events *os.File
	chunks *os.File
}

// NewFileSink opens (creating if absent) events.jsonl and chunks.jsonl under
// dir, positioned for append.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filesink: create dir %s: %w", dir, err)
	}

	events, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filesink: open events log: %w", err)
	}

	chunks, err := os.OpenFile(filepath.Join(dir, "chunks.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = events.Close()
		return nil, fmt.Errorf("filesink: open chunks log: %w", err)
	}

	return &FileSink{events: events, chunks: chunks}, nil
}

// WriteEvents appends each event as one JSON line, in order.
func (s *FileSink) WriteEvents(_ context.Context, events []*types.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if err := appendLine(s.events, e); err != nil {
			return fmt.Errorf("filesink: write event %s: %w", e.EventID, err)
		}
	}
	return nil
}

// WriteChunks appends each chunk as one JSON line, in order.
func (s *FileSink) WriteChunks(_ context.Context, chunks []*types.ArtifactChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if err := appendLine(s.chunks, c); err != nil {
			return fmt.Errorf("filesink: write chunk %s/%d: %w", c.ArtifactID, c.Seq, err)
		}
	}
	return nil
}

// Close closes both underlying files.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err1 := s.events.Close()
	err2 := s.chunks.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func appendLine(f *os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = f.Write(b)
	return err
}

var _ Sink = (*FileSink)(nil)
