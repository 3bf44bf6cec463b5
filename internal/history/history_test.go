package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCreatesSchemaAndRecords(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = sink.Close() }()

	err = sink.Record(context.Background(), Event{
		Type:       EventStart,
		OccurredAt: time.Now(),
		Instance:   "web1",
		PID:        1234,
		Template:   "node-express",
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	count, err := sink.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}
