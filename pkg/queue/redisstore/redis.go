// Package redisstore persists queued tasks in a Redis hash so several
// dispatcher restarts, or a replacement host, can pick them up.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/holon-run/miyabi/pkg/task"
)

// DefaultKey is the hash holding pending tasks.
const DefaultKey = "miyabi:pending-tasks"

// Store implements queue.Store on a Redis hash keyed by task id.
type Store struct {
	client *redis.Client
	key    string
}

// New wraps an existing client. An empty key uses DefaultKey.
func New(client *redis.Client, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return New(client, ""), nil
}

// Persist stores t under its id.
func (s *Store) Persist(ctx context.Context, t task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, t.ID, data).Err(); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

// Load returns every stored task ordered by creation time.
func (s *Store) Load(ctx context.Context) ([]task.Task, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	out := make([]task.Task, 0, len(entries))
	for id, raw := range entries {
		var t task.Task
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		if err := dec.Decode(&t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		t.Rehydrate()
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Complete removes the task.
func (s *Store) Complete(ctx context.Context, taskID string) error {
	if err := s.client.HDel(ctx, s.key, taskID).Err(); err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
