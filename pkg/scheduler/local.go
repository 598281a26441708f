package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/stats"
)

// fetchRetryDelay is the pause between failed remote fetches.
const fetchRetryDelay = 5 * time.Second

// LocalScheduler buffers task tokens leased from the master. Tokens are
// handed out uniformly at random rather than FIFO so that adjacent workers
// do not probe adjacent address ranges in lockstep.
type LocalScheduler struct {
	taskKey    string
	masterAddr string
	client     *http.Client
	buffer     []string
	fetchCount int
	threshold  int
	rng        *rand.Rand
	internal   *stats.Internal
	logger     zerolog.Logger
}

// NewLocalScheduler builds a scheduler for one task class bound to a master.
func NewLocalScheduler(taskKey, masterAddr string, cfg *config.SchedulerConfig, internal *stats.Internal) *LocalScheduler {
	fetchCount := cfg.FetchCount
	if fetchCount < 1 {
		fetchCount = 1
	}
	return &LocalScheduler{
		taskKey:    taskKey,
		masterAddr: masterAddr,
		client:     &http.Client{Timeout: 30 * time.Second},
		fetchCount: fetchCount,
		threshold:  cfg.FetchThreshold,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		internal:   internal,
		logger:     log.WithComponent("local-scheduler").With().Str("queue", taskKey).Logger(),
	}
}

// Next returns one buffered token, refilling from the master when the buffer
// drops below the low-water mark. It blocks until a token is available or
// ctx is cancelled.
func (l *LocalScheduler) Next(ctx context.Context) (string, error) {
	if len(l.buffer) < l.threshold || len(l.buffer) == 0 {
		if err := l.fetchRemote(ctx); err != nil {
			return "", err
		}
	}
	idx := l.rng.Intn(len(l.buffer))
	token := l.buffer[idx]
	l.buffer[idx] = l.buffer[len(l.buffer)-1]
	l.buffer = l.buffer[:len(l.buffer)-1]
	return token, nil
}

// Complete reports a finished token to the master. Failures are logged and
// dropped; the master's recovery path absorbs the duplicate delivery.
func (l *LocalScheduler) Complete(ctx context.Context, token string) {
	url := fmt.Sprintf("http://%s/api/scheduler/%s/complete", l.masterAddr, l.taskKey)
	body, _ := json.Marshal([]string{token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to report task completion")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to report task completion")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		l.logger.Error().Int("status", resp.StatusCode).Msg("Failed to report task completion")
	}
}

// fetchRemote refills the buffer, retrying indefinitely with a fixed delay.
func (l *LocalScheduler) fetchRemote(ctx context.Context) error {
	for {
		tokens, err := l.tryFetchRemote(ctx)
		switch {
		case err != nil:
			l.logger.Error().Err(err).Msg("Failed to fetch remote tasks")
		case len(tokens) == 0:
			l.logger.Error().Msg("Fetched empty task list from remote master")
		default:
			l.buffer = append(l.buffer, tokens...)
			return nil
		}
		select {
		case <-time.After(fetchRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *LocalScheduler) tryFetchRemote(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("http://%s/api/scheduler/%s/fetch?count=%d", l.masterAddr, l.taskKey, l.fetchCount)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from master", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode task list: %w", err)
	}
	return tokens, nil
}

// Buffered returns the number of tokens currently buffered.
func (l *LocalScheduler) Buffered() int {
	return len(l.buffer)
}
