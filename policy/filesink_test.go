package policy_test

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/corral/policy"
	"github.com/pithecene-io/corral/types"
)

func TestFileSink_WriteEventsAppendsLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := policy.NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}

	events := []*types.ExecutionEvent{
		{EventID: "e1", Type: types.EventTypeCommand},
		{EventID: "e2", Type: types.EventTypeLog},
	}
	if err := sink.WriteEvents(t.Context(), events); err != nil {
		t.Fatalf("WriteEvents failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "events.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("events.jsonl has %d lines, want 2", len(lines))
	}
}

func TestFileSink_WriteChunksAppendsLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := policy.NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	defer sink.Close()

	chunks := []*types.ArtifactChunk{
		{ArtifactID: "a1", Seq: 1, Data: []byte("one")},
		{ArtifactID: "a1", Seq: 2, Data: []byte("two"), IsLast: true},
	}
	if err := sink.WriteChunks(t.Context(), chunks); err != nil {
		t.Fatalf("WriteChunks failed: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "chunks.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("chunks.jsonl has %d lines, want 2", len(lines))
	}
}

func TestFileSink_ReopenAppendsRatherThanTruncates(t *testing.T) {
	dir := t.TempDir()

	sink1, err := policy.NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	if err := sink1.WriteEvents(t.Context(), []*types.ExecutionEvent{{EventID: "e1"}}); err != nil {
		t.Fatalf("WriteEvents failed: %v", err)
	}
	if err := sink1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sink2, err := policy.NewFileSink(dir)
	if err != nil {
		t.Fatalf("second NewFileSink failed: %v", err)
	}
	defer sink2.Close()
	if err := sink2.WriteEvents(t.Context(), []*types.ExecutionEvent{{EventID: "e2"}}); err != nil {
		t.Fatalf("WriteEvents failed: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "events.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("events.jsonl has %d lines after reopen, want 2", len(lines))
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	return lines
}
