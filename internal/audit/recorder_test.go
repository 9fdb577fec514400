package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecorderWritesEvents(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	r.Record(Event{
		RequestID: "req-1",
		Subject:   "user-1",
		Tool:      "calc_execute",
		Identity:  "authenticated",
		Outcome:   "success",
		Duration:  1234,
	})
	r.Record(Event{Tool: "calc_search", Outcome: "success"})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "audit_*.jsonl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one audit file, got %v (%v)", files, err)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		events = append(events, evt)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Tool != "calc_execute" || events[0].Outcome != "success" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("timestamp should be filled in when omitted")
	}
}

func TestRecorderDropsAfterClose(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// No panic, no write.
	r.Record(Event{Tool: "calc_search", Outcome: "success"})
}

func TestRotationKeepsNewestFiles(t *testing.T) {
	dir := t.TempDir()

	// Pre-seed more files than the retention window.
	for i := 0; i < MaxRotatedFiles+2; i++ {
		name := filepath.Join(dir, "audit_old_"+time.Now().Add(time.Duration(-i)*time.Hour).Format("150405.000")+".jsonl")
		if err := os.WriteFile(name, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	}

	r, err := NewRecorder(dir)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	defer r.Close()

	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) > MaxRotatedFiles {
		t.Fatalf("rotation left %d files, want at most %d", len(files), MaxRotatedFiles)
	}
}
