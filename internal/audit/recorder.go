package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 5
	DefaultDir      = "data/audit"
)

// Event is one recorded tool call. Records carry enough to reconstruct who
// asked for what and how it went, never the page content itself.
type Event struct {
	Timestamp time.Time `json:"ts"`
	RequestID string    `json:"request_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Tool      string    `json:"tool"`
	Identity  string    `json:"identity,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Duration  int64     `json:"duration_ms"`
}

// Recorder appends tool-call events to a rotating JSONL file. Writes are
// best-effort: an audit failure never fails the request it describes.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
}

// NewRecorder creates the audit directory and opens a fresh log file,
// rotating out the oldest ones.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = DefaultDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}

	r := &Recorder{basePath: basePath}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate audit logs: %w", err)
	}

	path := filepath.Join(r.basePath, fmt.Sprintf("audit_%d.jsonl", time.Now().UnixMilli()))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Record writes one event. Safe for concurrent use; silently drops the
// event when the recorder is closed.
func (r *Recorder) Record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	_ = r.encoder.Encode(evt)
}

// rotate keeps only the newest MaxRotatedFiles.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	var logs []struct {
		Name string
		Time time.Time
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].Time.After(logs[j].Time)
	})

	if len(logs) >= MaxRotatedFiles {
		keep := MaxRotatedFiles - 1
		for i := keep; i < len(logs); i++ {
			_ = os.Remove(filepath.Join(r.basePath, logs[i].Name))
		}
	}
	return nil
}

// Close finishes the current log file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
