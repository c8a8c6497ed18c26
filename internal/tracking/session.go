package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"segforge/internal/config"
	"segforge/internal/logger"
)

// Run identifies one tracked training or evaluation run.
type Run struct {
	ID        string         `json:"id"`
	Project   string         `json:"project"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// Event is one call to Session.Log.
type Event struct {
	RunID  string             `json:"run_id"`
	Step   int64              `json:"step"`
	Time   time.Time          `json:"time"`
	Values map[string]float64 `json:"values"`
}

// Backend persists runs and events.
type Backend interface {
	Start(ctx context.Context, run Run) error
	Write(ctx context.Context, ev Event) error
	Close(ctx context.Context) error
}

// ErrNotStarted is returned by Log before Init.
var ErrNotStarted = errors.New("tracking: run not initialized")

// Session fans every logged scalar out to its backends. Each Log call is
// one step; steps start at 0.
type Session struct {
	mu       sync.Mutex
	run      Run
	backends []Backend
	step     int64
	started  bool
}

func NewSession(project, name string, backends ...Backend) *Session {
	return &Session{
		run:      Run{ID: uuid.NewString(), Project: project, Name: name},
		backends: backends,
	}
}

// Run returns the run metadata.
func (s *Session) Run() Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// Init starts the run with its config. Calling it again is a no-op.
func (s *Session) Init(ctx context.Context, cfg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.run.Config = cfg
	s.run.StartedAt = time.Now().UTC()
	for _, b := range s.backends {
		if err := b.Start(ctx, s.run); err != nil {
			return fmt.Errorf("tracking: start: %w", err)
		}
	}
	s.started = true
	return nil
}

func (s *Session) Log(ctx context.Context, values map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	ev := Event{RunID: s.run.ID, Step: s.step, Time: time.Now().UTC(), Values: values}
	s.step++
	var errs []error
	for _, b := range s.backends {
		if err := b.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Finish closes every backend.
func (s *Session) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, b := range s.backends {
		if err := b.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.backends = nil
	s.started = false
	return errors.Join(errs...)
}

// Open builds a session with the backends named in cfg.
func Open(ctx context.Context, cfg config.Tracking, name string, log *logger.Logger) (*Session, error) {
	var backends []Backend
	closeAll := func() {
		for _, b := range backends {
			_ = b.Close(ctx)
		}
	}
	for _, kind := range cfg.Backends {
		var (
			b   Backend
			err error
		)
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case "log":
			b = NewLogBackend(log)
		case "jsonl":
			b, err = NewJSONLBackend(cfg.JSONLPath)
		case "redis":
			b, err = NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisStream)
		case "sqlite":
			b, err = NewSQLiteBackend(cfg.SQLitePath)
		default:
			err = fmt.Errorf("tracking: unknown backend %q", kind)
		}
		if err != nil {
			closeAll()
			return nil, err
		}
		backends = append(backends, b)
	}
	return NewSession(cfg.Project, name, backends...), nil
}
