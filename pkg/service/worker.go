// Package service composes the scan/analyse subsystems into the worker and
// master node façades consumed by the control plane.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cuemby/nscan/pkg/analyse"
	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/proxy"
	"github.com/cuemby/nscan/pkg/queue"
	"github.com/cuemby/nscan/pkg/scheduler"
	"github.com/cuemby/nscan/pkg/stats"
	"github.com/cuemby/nscan/pkg/storage"
	"github.com/cuemby/nscan/pkg/types"
	"github.com/cuemby/nscan/pkg/vuln"
)

// SystemSampler provides the worker's resource snapshot. Sampling itself is
// an external collaborator; the zero-value sampler reports zeroes.
type SystemSampler interface {
	Stats() types.SystemStats
}

// NoopSampler is the default SystemSampler.
type NoopSampler struct{}

func (NoopSampler) Stats() types.SystemStats { return types.SystemStats{} }

// Worker runs the scan and analyse pipelines bound to a master.
type Worker struct {
	ID  string
	cfg *config.Config

	proxyPool    *proxy.Pool
	engine       *analyse.Engine
	writer       *storage.ResultWriter
	vulns        *vuln.Search
	analyseQueue *queue.MasterScheduler
	sampler      SystemSampler

	scanInternal    *stats.Internal
	scanShared      *stats.Shared
	analyseInternal *stats.Internal
	analyseShared   *stats.Shared

	mu         sync.Mutex
	masterAddr string
	cancel     context.CancelFunc

	logger zerolog.Logger
}

// NewWorker builds a worker from shared infrastructure handles. The proxy
// pool's updaters and the stats monitors start immediately; the scheduler
// loops start when a master address arrives.
func NewWorker(ctx context.Context, cfg *config.Config, db *mongo.Database, rdb queue.ListStore) (*Worker, error) {
	engine, err := analyse.LoadEngine(&cfg.Analyser.Rules)
	if err != nil {
		return nil, err
	}

	scanCollection := cfg.Scanner.Save.Collection
	if scanCollection == "" {
		return nil, fmt.Errorf("scanner.save: a single scan collection is required")
	}
	writer := storage.NewResultWriter(db, scanCollection, cfg.Analyser.Save)
	vulns := vuln.NewSearch(db, cfg.Analyser.VulnSearch.ExploitDB)
	vulns.StartStatsLogger(ctx, 10*time.Second)

	pool := proxy.NewPool(&cfg.ProxyPool)
	pool.Start(ctx)

	id := uuid.New().String()
	w := &Worker{
		ID:              id,
		cfg:             cfg,
		proxyPool:       pool,
		engine:          engine,
		writer:          writer,
		vulns:           vulns,
		analyseQueue:    queue.NewMasterScheduler("analyser", rdb),
		sampler:         NoopSampler{},
		scanInternal:    stats.NewInternal(),
		scanShared:      stats.NewShared(),
		analyseInternal: stats.NewInternal(),
		analyseShared:   stats.NewShared(),
		logger:          log.WithWorker(id).With().Str("component", "worker").Logger(),
	}

	interval := time.Duration(cfg.Stats.SchedulerUpdateInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	stats.StartMonitor(ctx, w.scanInternal, w.scanShared, interval)
	stats.StartMonitor(ctx, w.analyseInternal, w.analyseShared, interval)
	w.startSpeedLog(ctx, 10*time.Second)

	return w, nil
}

// SetSampler replaces the system stats provider.
func (w *Worker) SetSampler(s SystemSampler) {
	w.sampler = s
}

// SetMaster (re)binds the worker to a master. A changed address aborts the
// running scheduler loops and starts fresh ones; in-flight probes finish on
// their own timeouts.
func (w *Worker) SetMaster(masterAddr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.masterAddr == masterAddr {
		return
	}
	if w.cancel != nil {
		w.cancel()
		w.logger.Warn().Msg("Aborting running scheduler loops")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.masterAddr = masterAddr
	w.cancel = cancel

	scanBundles := w.bundles(w.cfg.Scanner.Scheduler.MaxTasks, w.scanInternal)
	scanPool := scheduler.NewTaskPool("scanner", w.scanInternal, scanBundles)
	scanLocal := scheduler.NewLocalScheduler("scanner", masterAddr, &w.cfg.Scanner.Scheduler, w.scanInternal)
	scan := scheduler.NewScanScheduler(w.cfg, scanLocal, scanPool, w.writer, w.analyseQueue)

	analyseBundles := w.bundles(w.cfg.Analyser.Scheduler.MaxTasks, w.analyseInternal)
	analysePool := scheduler.NewTaskPool("analyser", w.analyseInternal, analyseBundles)
	analyseLocal := scheduler.NewLocalScheduler("analyser", masterAddr, &w.cfg.Analyser.Scheduler, w.analyseInternal)
	analyser := scheduler.NewAnalyseScheduler(w.cfg, analyseLocal, analysePool)

	go scan.Run(ctx)
	go analyser.Run(ctx)
	w.logger.Info().Str("master", masterAddr).Msg("Worker started")
}

// Abort stops the scheduler loops without rebinding.
func (w *Worker) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
		w.masterAddr = ""
		w.logger.Warn().Msg("Aborted running scheduler loops")
	}
}

// bundles preallocates one resource bundle per task slot.
func (w *Worker) bundles(n int, internal *stats.Internal) []*scheduler.Resources {
	if n < 1 {
		n = 1
	}
	out := make([]*scheduler.Resources, n)
	for i := range out {
		out[i] = &scheduler.Resources{
			Proxy:  w.proxyPool,
			Writer: w.writer,
			Engine: w.engine,
			Vulns:  w.vulns,
			Stats:  internal,
		}
	}
	return out
}

// Stats assembles the /api/stats/all document.
func (w *Worker) Stats() types.WorkerStats {
	return types.WorkerStats{
		System:   w.sampler.Stats(),
		Scanner:  w.scanShared.Stats(),
		Analyser: w.analyseShared.Stats(),
	}
}

// startSpeedLog logs scan throughput whenever the snapshot changes.
func (w *Worker) startSpeedLog(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last types.SchedulerStats
		for {
			select {
			case <-ticker.C:
				cur := w.scanShared.Stats()
				if cur == last {
					continue
				}
				w.logger.Info().
					Float64("ips_per_second", cur.TasksPerSecond).
					Float64("tasks_per_second", cur.JobsPerSecond).
					Int64("pending", cur.PendingTasks).
					Msg("Scan speed")
				last = cur
			case <-ctx.Done():
				return
			}
		}
	}()
}
