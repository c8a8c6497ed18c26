package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"segforge/internal/logger"
)

type logBackend struct {
	log *logger.Logger
}

// NewLogBackend writes runs and events to the structured logger.
func NewLogBackend(log *logger.Logger) Backend {
	if log == nil {
		log = logger.Nop()
	}
	return &logBackend{log: log.With("component", "tracking")}
}

func (b *logBackend) Start(_ context.Context, run Run) error {
	b.log.Info("run started", "run_id", run.ID, "project", run.Project, "name", run.Name)
	return nil
}

func (b *logBackend) Write(_ context.Context, ev Event) error {
	kv := []interface{}{"run_id", ev.RunID, "step", ev.Step}
	keys := make([]string, 0, len(ev.Values))
	for k := range ev.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, ev.Values[k])
	}
	b.log.Debug("tracked", kv...)
	return nil
}

func (b *logBackend) Close(context.Context) error { return nil }

type jsonlBackend struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

type jsonlLine struct {
	Type  string `json:"type"`
	Run   *Run   `json:"run,omitempty"`
	Event *Event `json:"event,omitempty"`
}

// NewJSONLBackend appends one JSON object per line to path.
func NewJSONLBackend(path string) (Backend, error) {
	if path == "" {
		return nil, errors.New("tracking: jsonl backend needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("tracking: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tracking: %w", err)
	}
	return &jsonlBackend{f: f, enc: json.NewEncoder(f)}, nil
}

func (b *jsonlBackend) Start(_ context.Context, run Run) error {
	return b.write(jsonlLine{Type: "run", Run: &run})
}

func (b *jsonlBackend) Write(_ context.Context, ev Event) error {
	return b.write(jsonlLine{Type: "event", Event: &ev})
}

func (b *jsonlBackend) write(line jsonlLine) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return errors.New("tracking: jsonl backend closed")
	}
	return b.enc.Encode(line)
}

func (b *jsonlBackend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}
