package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/queue"
	"github.com/cuemby/nscan/pkg/types"
)

// Master owns the authoritative task queues and bootstraps workers.
type Master struct {
	cfg      *config.Config
	scanner  *queue.CIDRQueue
	analyser *queue.MasterScheduler
	client   *http.Client

	mu      sync.Mutex
	workers []string

	logger zerolog.Logger
}

// NewMaster builds the master over the shared store and recovers any work
// orphaned by a previous run.
func NewMaster(ctx context.Context, cfg *config.Config, rdb queue.ListStore) (*Master, error) {
	m := &Master{
		cfg:      cfg,
		scanner:  queue.NewCIDRQueue(queue.NewMasterScheduler("scanner", rdb)),
		analyser: queue.NewMasterScheduler("analyser", rdb),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   log.WithComponent("master"),
	}

	interval := time.Duration(cfg.Stats.SchedulerUpdateInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.scanner.Start(ctx, interval)
	m.analyser.Start(ctx, interval)

	if _, err := m.scanner.RecoverRunning(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover scanner tasks: %w", err)
	}
	if _, err := m.analyser.RecoverRunning(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover analyser tasks: %w", err)
	}
	return m, nil
}

// Scanner returns the scan task queue.
func (m *Master) Scanner() *queue.CIDRQueue {
	return m.scanner
}

// Analyser returns the analysis task queue.
func (m *Master) Analyser() *queue.MasterScheduler {
	return m.analyser
}

// Queue resolves a task class key to its queue.
func (m *Master) Queue(taskKey string) (*queue.MasterScheduler, bool) {
	switch taskKey {
	case "scanner":
		return m.scanner.MasterScheduler, true
	case "analyser":
		return m.analyser, true
	}
	return nil, false
}

// Workers returns the currently active worker addresses.
func (m *Master) Workers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.workers))
	copy(out, m.workers)
	return out
}

// UpdateWorkers announces this master to each worker and keeps the ones that
// acknowledge. Returns the number of active workers.
func (m *Master) UpdateWorkers(ctx context.Context, workers []string) int {
	var wg sync.WaitGroup
	active := make([]string, 0, len(workers))
	var amu sync.Mutex

	for _, addr := range workers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := m.announceTo(ctx, addr); err != nil {
				m.logger.Error().Err(err).Str("worker", addr).Msg("Failed to connect worker")
				return
			}
			m.logger.Info().Str("worker", addr).Msg("Connected worker")
			amu.Lock()
			active = append(active, addr)
			amu.Unlock()
		}(addr)
	}
	wg.Wait()

	m.mu.Lock()
	m.workers = active
	count := len(active)
	m.mu.Unlock()
	m.logger.Info().Int("count", count).Msg("Active workers")
	return count
}

// announceTo posts the master's listen address to one worker.
func (m *Master) announceTo(ctx context.Context, workerAddr string) error {
	body, _ := json.Marshal(m.cfg.Listen)
	url := fmt.Sprintf("http://%s/api/scheduler/master", workerAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// WorkerStats fetches one worker's stats document.
func (m *Master) WorkerStats(ctx context.Context, workerAddr string) (*types.WorkerStats, error) {
	url := fmt.Sprintf("http://%s/api/stats/all", workerAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from worker %s", resp.StatusCode, workerAddr)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var stats types.WorkerStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("failed to decode worker stats: %w", err)
	}
	return &stats, nil
}
