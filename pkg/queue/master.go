// Package queue implements the master-side task queue on Redis lists. Tokens
// are pushed at the head of "{key}_taskqueue"; workers lease from the tail
// into "{key}_running_tasks" and acknowledge completion, which removes the
// token from the running list. Tokens orphaned by worker crashes stay on the
// running list until recovery re-injects them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/metrics"
	"github.com/cuemby/nscan/pkg/stats"
)

// ListStore is the slice of the Redis command surface the scheduler uses.
// *redis.Client satisfies it.
type ListStore interface {
	BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) *redis.StringCmd
	RPopLPush(ctx context.Context, source, destination string) *redis.StringCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// MasterScheduler is the authoritative task queue for one task class.
type MasterScheduler struct {
	key        string
	keyQueue   string
	keyRunning string
	rdb        ListStore
	internal   *stats.Internal
	shared     *stats.Shared
	logger     zerolog.Logger
}

// NewMasterScheduler builds a scheduler over the given store. key is the
// task class ("scanner" or "analyser").
func NewMasterScheduler(key string, rdb ListStore) *MasterScheduler {
	return &MasterScheduler{
		key:        key,
		keyQueue:   key + "_taskqueue",
		keyRunning: key + "_running_tasks",
		rdb:        rdb,
		internal:   stats.NewInternal(),
		shared:     stats.NewShared(),
		logger:     log.WithComponent("master-queue").With().Str("queue", key).Logger(),
	}
}

// Start launches the stats monitor.
func (m *MasterScheduler) Start(ctx context.Context, updateInterval time.Duration) {
	stats.StartMonitor(ctx, m.internal, m.shared, updateInterval)
}

// EnqueueTasks appends tokens to the head of the task queue.
func (m *MasterScheduler) EnqueueTasks(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	values := make([]interface{}, len(tokens))
	for i, t := range tokens {
		values[i] = t
	}
	if err := m.rdb.LPush(ctx, m.keyQueue, values...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue tasks: %w", err)
	}
	m.internal.AddPending(int64(len(tokens)))
	return nil
}

// FetchTasks blocks until at least one token is available, then atomically
// moves up to n tokens from the tail of the task queue to the head of the
// running list and returns them in that order.
func (m *MasterScheduler) FetchTasks(ctx context.Context, n int) ([]string, error) {
	if n < 1 {
		n = 1
	}
	first, err := m.rdb.BRPopLPush(ctx, m.keyQueue, m.keyRunning, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task: %w", err)
	}
	tasks := make([]string, 0, n)
	tasks = append(tasks, first)
	for i := 1; i < n; i++ {
		next, err := m.rdb.RPopLPush(ctx, m.keyQueue, m.keyRunning).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch task: %w", err)
		}
		tasks = append(tasks, next)
	}
	metrics.TasksFetched.WithLabelValues(m.key).Add(float64(len(tasks)))
	return tasks, nil
}

// CompleteTasks removes one occurrence of each token from the running list.
func (m *MasterScheduler) CompleteTasks(ctx context.Context, tokens []string) error {
	for _, token := range tokens {
		if err := m.rdb.LRem(ctx, m.keyRunning, 1, token).Err(); err != nil {
			return fmt.Errorf("failed to complete task %q: %w", token, err)
		}
	}
	m.internal.DispatchTasks(int64(len(tokens)))
	metrics.TasksCompleted.WithLabelValues(m.key).Add(float64(len(tokens)))
	return nil
}

// RecoverRunning re-injects every token on the running list at the head of
// the task queue. Runs at master startup and on operator request.
func (m *MasterScheduler) RecoverRunning(ctx context.Context) (int, error) {
	recovered := 0
	for {
		_, err := m.rdb.RPopLPush(ctx, m.keyRunning, m.keyQueue).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover running tasks: %w", err)
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Info().Int("count", recovered).Msg("Recovered orphaned tasks")
		metrics.TasksRecovered.WithLabelValues(m.key).Add(float64(recovered))
	}
	count, err := m.CountPending(ctx)
	if err != nil {
		return recovered, err
	}
	m.internal.UpdatePending(int64(count))
	return recovered, nil
}

// CountPending returns the task queue length.
func (m *MasterScheduler) CountPending(ctx context.Context) (int, error) {
	n, err := m.rdb.LLen(ctx, m.keyQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	metrics.QueuePending.WithLabelValues(m.key).Set(float64(n))
	return int(n), nil
}

// ClearTasks drops the task queue and returns how many tokens it held.
func (m *MasterScheduler) ClearTasks(ctx context.Context) (int, error) {
	count, err := m.CountPending(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.rdb.Del(ctx, m.keyQueue).Err(); err != nil {
		return 0, fmt.Errorf("failed to clear tasks: %w", err)
	}
	m.internal.UpdatePending(0)
	return count, nil
}

// RemoveTask removes all occurrences of token from the task queue and
// returns how many were removed.
func (m *MasterScheduler) RemoveTask(ctx context.Context, token string) (int, error) {
	n, err := m.rdb.LRem(ctx, m.keyQueue, 0, token).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove task %q: %w", token, err)
	}
	m.internal.RemovePending(n)
	return int(n), nil
}

// PendingPage returns a page of pending tokens in fetch order, skipping the
// first skip tokens closest to the consumer end.
func (m *MasterScheduler) PendingPage(ctx context.Context, skip, count int) ([]string, error) {
	if count < 1 {
		return nil, nil
	}
	lo := int64(-skip - count)
	hi := int64(-skip - 1)
	tokens, err := m.rdb.LRange(ctx, m.keyQueue, lo, hi).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	// LRANGE yields head-to-tail order; the consumer pops from the tail.
	for i, j := 0, len(tokens)-1; i < j; i, j = i+1, j-1 {
		tokens[i], tokens[j] = tokens[j], tokens[i]
	}
	return tokens, nil
}

// Stats returns the public throughput snapshot.
func (m *MasterScheduler) Stats() *stats.Shared {
	return m.shared
}

// Internal exposes the internal counters to composing schedulers.
func (m *MasterScheduler) Internal() *stats.Internal {
	return m.internal
}

// Key returns the task class key.
func (m *MasterScheduler) Key() string {
	return m.key
}
