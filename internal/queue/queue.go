// Package queue is a durable, at-least-once task queue on Redis lists. Each
// task runs to completion on one worker goroutine; its state is kept next to
// it so other processes can read the executor's view of a job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// State is the executor-native task state.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRevoked State = "REVOKED"
)

// Terminal reports whether the task will not run (again).
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

const (
	pendingKey = "queue:pending"
	taskTTL    = 24 * time.Hour
)

var (
	// ErrRevoked is returned by handlers whose task was cancelled. The task
	// ends in StateRevoked instead of StateFailure.
	ErrRevoked = errors.New("task revoked")
	// ErrUnknownTaskType is recorded for tasks no handler is registered for.
	ErrUnknownTaskType = errors.New("unknown task type")
)

func taskKey(id string) string      { return fmt.Sprintf("queue:task:%s", id) }
func metaKey(id string) string      { return fmt.Sprintf("queue:meta:%s", id) }
func processingKey(n string) string { return fmt.Sprintf("queue:processing:%s", n) }

// Task is one unit of queued work.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// Handler executes one task. Returning nil marks it SUCCESS, ErrRevoked marks
// it REVOKED and any other error marks it FAILURE.
type Handler func(ctx context.Context, task Task) error

// Options configures a Queue.
type Options struct {
	// Name identifies this worker process; its in-flight tasks live under
	// queue:processing:<Name> and are re-queued when it restarts.
	Name        string
	Concurrency int
	PollTimeout time.Duration
}

// Queue enqueues tasks and, when started, consumes them.
type Queue struct {
	client   *redis.Client
	opts     Options
	handlers map[string]Handler
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// New creates a Queue. Zero options fall back to the hostname, one worker and
// a five second poll.
func New(client *redis.Client, opts Options) *Queue {
	if opts.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		opts.Name = host
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	return &Queue{
		client:   client,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a task type.
func (q *Queue) Handle(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

// Enqueue stores the task, marks it PENDING and pushes it onto the queue.
// The returned id is the queue-assigned job id.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any) (string, error) {
	id := uuid.NewString()
	if err := q.EnqueueID(ctx, id, taskType, payload); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueID is Enqueue with a caller-chosen id, for callers that must record
// the id before a worker can pick the task up.
func (q *Queue) EnqueueID(ctx context.Context, id, taskType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	task := Task{
		ID:         id,
		Type:       taskType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), body, taskTTL)
	pipe.HSet(ctx, metaKey(task.ID), "state", string(StatePending), "updated_at", task.EnqueuedAt.Format(time.RFC3339))
	pipe.Expire(ctx, metaKey(task.ID), taskTTL)
	pipe.LPush(ctx, pendingKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// State returns the executor's state for a task id.
func (q *Queue) State(ctx context.Context, id string) (State, bool, error) {
	v, err := q.client.HGet(ctx, metaKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("task state %s: %w", id, err)
	}
	return State(v), true, nil
}

// Result returns the result text recorded when the task finished.
func (q *Queue) Result(ctx context.Context, id string) (string, error) {
	v, err := q.client.HGet(ctx, metaKey(id), "result").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

var revokeScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") == ARGV[1] then
	redis.call("HSET", KEYS[1], "state", ARGV[2], "updated_at", ARGV[3])
	return 1
end
return 0
`)

// claimScript moves a task to STARTED unless it already reached another state,
// so a claim and a Revoke can never both succeed. STARTED is accepted for
// tasks recovered from a dead worker; a missing state for expired metadata.
var claimScript = redis.NewScript(`
local s = redis.call("HGET", KEYS[1], "state")
if s == false or s == ARGV[1] or s == ARGV[2] then
	redis.call("HSET", KEYS[1], "state", ARGV[2], "updated_at", ARGV[3])
	redis.call("EXPIRE", KEYS[1], ARGV[4])
	return 1
end
return 0
`)

func (q *Queue) claim(ctx context.Context, id string) (bool, error) {
	n, err := claimScript.Run(ctx, q.client, []string{metaKey(id)},
		string(StatePending), string(StateStarted), time.Now().UTC().Format(time.RFC3339),
		int(taskTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return n == 1, nil
}

// Revoke marks a task that has not started yet as REVOKED so no worker runs
// it. Running tasks are unaffected and must observe cancellation themselves.
func (q *Queue) Revoke(ctx context.Context, id string) (bool, error) {
	n, err := revokeScript.Run(ctx, q.client, []string{metaKey(id)},
		string(StatePending), string(StateRevoked), time.Now().UTC().Format(time.RFC3339)).Int()
	if err != nil {
		return false, fmt.Errorf("revoke %s: %w", id, err)
	}
	return n == 1, nil
}

// Start re-queues tasks this worker left in flight and launches the workers.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.recover(ctx); err != nil {
		return err
	}
	for range q.opts.Concurrency {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runWorker(ctx)
		}()
	}
	slog.Info("queue workers started", "name", q.opts.Name, "concurrency", q.opts.Concurrency)
	return nil
}

// Wait blocks until every worker has returned after ctx cancellation.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// recover moves tasks from this worker's processing list back to the head of
// the pending list. Delivery is at-least-once.
func (q *Queue) recover(ctx context.Context) error {
	for {
		id, err := q.client.LMove(ctx, processingKey(q.opts.Name), pendingKey, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover in-flight tasks: %w", err)
		}
		slog.Warn("re-queued in-flight task", "task_id", id)
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := q.client.BLMove(ctx, pendingKey, processingKey(q.opts.Name), "RIGHT", "LEFT", q.opts.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		q.process(ctx, id)
	}
}

func (q *Queue) process(ctx context.Context, id string) {
	defer func() {
		if err := q.client.LRem(context.WithoutCancel(ctx), processingKey(q.opts.Name), 1, id).Err(); err != nil {
			slog.Error("ack task", "task_id", id, "error", err)
		}
	}()

	claimed, err := q.claim(ctx, id)
	if err != nil {
		slog.Error("claim task", "task_id", id, "error", err)
		return
	}
	if !claimed {
		slog.Info("skipping finished or revoked task", "task_id", id)
		return
	}

	body, err := q.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		slog.Warn("task body expired", "task_id", id)
		return
	}
	if err != nil {
		slog.Error("load task", "task_id", id, "error", err)
		return
	}
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		q.finish(ctx, id, StateFailure, fmt.Sprintf("decode task: %v", err))
		return
	}

	q.mu.RLock()
	h := q.handlers[task.Type]
	q.mu.RUnlock()
	if h == nil {
		q.finish(ctx, id, StateFailure, fmt.Sprintf("%v: %s", ErrUnknownTaskType, task.Type))
		return
	}

	slog.Info("task started", "task_id", id, "type", task.Type)

	runErr := q.invoke(ctx, h, task)
	switch {
	case runErr == nil:
		q.finish(ctx, id, StateSuccess, "")
	case errors.Is(runErr, ErrRevoked):
		q.finish(ctx, id, StateRevoked, runErr.Error())
	default:
		q.finish(ctx, id, StateFailure, runErr.Error())
	}
}

// invoke runs the handler and turns a panic into an error.
func (q *Queue) invoke(ctx context.Context, h Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "task_id", task.ID, "error", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, task)
}

func (q *Queue) finish(ctx context.Context, id string, state State, result string) {
	q.setState(ctx, id, state, result)
	slog.Info("task finished", "task_id", id, "state", state, "result", result)
}

func (q *Queue) setState(ctx context.Context, id string, state State, result string) {
	ctx = context.WithoutCancel(ctx)
	fields := []any{"state", string(state), "updated_at", time.Now().UTC().Format(time.RFC3339)}
	if result != "" {
		fields = append(fields, "result", result)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(id), fields...)
	pipe.Expire(ctx, metaKey(id), taskTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("write task state", "task_id", id, "state", state, "error", err)
	}
}
