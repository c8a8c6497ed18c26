package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultStream = "segforge:runs"

type redisBackend struct {
	rdb    *goredis.Client
	stream string
}

// NewRedisBackend appends runs and events to a Redis stream. addr falls back
// to REDIS_ADDR.
func NewRedisBackend(ctx context.Context, addr, stream string) (Backend, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	}
	if addr == "" {
		return nil, fmt.Errorf("tracking: missing redis address")
	}
	if stream == "" {
		stream = defaultStream
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisBackend{rdb: rdb, stream: stream}, nil
}

func (b *redisBackend) Start(ctx context.Context, run Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{"type": "run", "run_id": run.ID, "payload": raw},
	}).Err()
}

func (b *redisBackend) Write(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev.Values)
	if err != nil {
		return err
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"type":    "event",
			"run_id":  ev.RunID,
			"step":    ev.Step,
			"time":    ev.Time.Format(time.RFC3339Nano),
			"payload": raw,
		},
	}).Err()
}

func (b *redisBackend) Close(context.Context) error {
	return b.rdb.Close()
}
