package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Queue names for the two pipeline stages.
const (
	Relevance  = "relevance"
	Extraction = "event_extraction"
)

// Task is one unit of pipeline work. The title is the payload; consumers
// re-derive the hash from it.
type Task struct {
	Title string `json:"title"`
}

// Queues wraps the Redis lists that back the pipeline stages. Producers
// LPUSH, consumers BRPOP, so each list behaves as a FIFO queue.
type Queues struct {
	client goredis.UniversalClient
}

func New(client goredis.UniversalClient) *Queues {
	return &Queues{client: client}
}

func key(name string) string {
	return "queue:" + name
}

// Push enqueues a task at the head of the named queue.
func (q *Queues) Push(ctx context.Context, name string, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, key(name), payload).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", name, err)
	}
	return nil
}

// Pop blocks for up to timeout waiting for one task. Returns (nil, nil)
// when the wait times out with the queue still empty.
func (q *Queues) Pop(ctx context.Context, name string, timeout time.Duration) (*Task, error) {
	res, err := q.client.BRPop(ctx, timeout, key(name)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop from %s: %w", name, err)
	}
	// BRPOP returns [key, value].
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decode task from %s: %w", name, err)
	}
	return &task, nil
}

// PopBatch drains up to max tasks without blocking, using a single
// pipelined round trip. Fewer than max tasks (including zero) is normal
// when the queue runs dry. Undecodable payloads are skipped.
func (q *Queues) PopBatch(ctx context.Context, name string, max int) ([]Task, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*goredis.StringCmd, 0, max)
	for i := 0; i < max; i++ {
		cmds = append(cmds, pipe.RPop(ctx, key(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("batch pop from %s: %w", name, err)
	}

	tasks := make([]Task, 0, max)
	for _, cmd := range cmds {
		payload, err := cmd.Result()
		if err == goredis.Nil {
			break
		}
		if err != nil {
			return tasks, fmt.Errorf("batch pop from %s: %w", name, err)
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Len reports the current depth of the named queue.
func (q *Queues) Len(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, key(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", name, err)
	}
	return n, nil
}
