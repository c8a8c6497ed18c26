package tracking

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"segforge/internal/config"
	"segforge/internal/logger"
)

type memBackend struct {
	runs   []Run
	events []Event
	closed bool
}

func (m *memBackend) Start(_ context.Context, r Run) error   { m.runs = append(m.runs, r); return nil }
func (m *memBackend) Write(_ context.Context, e Event) error { m.events = append(m.events, e); return nil }
func (m *memBackend) Close(context.Context) error            { m.closed = true; return nil }

func TestSessionSteps(t *testing.T) {
	ctx := context.Background()
	mem := &memBackend{}
	s := NewSession("proj", "client-0", mem)

	require.ErrorIs(t, s.Log(ctx, map[string]float64{"x": 1}), ErrNotStarted)

	require.NoError(t, s.Init(ctx, map[string]any{"bs": 8}))
	require.NoError(t, s.Init(ctx, nil))
	require.NoError(t, s.Log(ctx, map[string]float64{"batch loss": 1.5}))
	require.NoError(t, s.Log(ctx, map[string]float64{"batch loss": 1.2}))
	require.NoError(t, s.Finish(ctx))

	require.Len(t, mem.runs, 1)
	assert.Equal(t, 8, mem.runs[0].Config["bs"])
	assert.NotEmpty(t, mem.runs[0].ID)
	require.Len(t, mem.events, 2)
	assert.Equal(t, int64(0), mem.events[0].Step)
	assert.Equal(t, int64(1), mem.events[1].Step)
	assert.Equal(t, mem.runs[0].ID, mem.events[1].RunID)
	assert.True(t, mem.closed)
}

func TestOpenJSONLAndLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs", "events.jsonl")
	s, err := Open(ctx, config.Tracking{
		Project:   "proj",
		Backends:  []string{"log", "jsonl"},
		JSONLPath: path,
	}, "client-0", logger.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Init(ctx, map[string]any{"model": "resnet18"}))
	require.NoError(t, s.Log(ctx, map[string]float64{"loss": 0.5, "epoch": 0}))
	require.NoError(t, s.Finish(ctx))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []jsonlLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l jsonlLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "run", lines[0].Type)
	assert.Equal(t, "event", lines[1].Type)
	assert.Equal(t, 0.5, lines[1].Event.Values["loss"])
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.Tracking{Backends: []string{"wandb"}}, "x", logger.Nop())
	require.Error(t, err)
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "track.db")
	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)

	s := NewSession("proj", "client-0", b)
	require.NoError(t, s.Init(ctx, map[string]any{"lr": 0.1}))
	require.NoError(t, s.Log(ctx, map[string]float64{"batch loss": 2, "lr": 0.1}))
	require.NoError(t, s.Finish(ctx))

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	var run RunRecord
	require.NoError(t, db.First(&run, "id = ?", s.Run().ID).Error)
	assert.NotNil(t, run.FinishedAt)
	var scalars []ScalarRecord
	require.NoError(t, db.Where("run_id = ?", run.ID).Order("key").Find(&scalars).Error)
	require.Len(t, scalars, 2)
	assert.Equal(t, "batch loss", scalars[0].Key)
	assert.Equal(t, 2.0, scalars[0].Value)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	stream := "segforge:test:" + t.Name()
	b, err := NewRedisBackend(ctx, addr, stream)
	require.NoError(t, err)

	s := NewSession("proj", "client-0", b)
	require.NoError(t, s.Init(ctx, nil))
	require.NoError(t, s.Log(ctx, map[string]float64{"batch loss": 1}))
	require.NoError(t, s.Finish(ctx))
}
