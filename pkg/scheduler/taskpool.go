// Package scheduler runs the worker side of the pipeline: the local task
// buffer fed from the master's HTTP API, the bounded task pool with
// preallocated resource bundles, and the scan and analyse loops.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nscan/pkg/analyse"
	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/metrics"
	"github.com/cuemby/nscan/pkg/proxy"
	"github.com/cuemby/nscan/pkg/stats"
	"github.com/cuemby/nscan/pkg/storage"
	"github.com/cuemby/nscan/pkg/vuln"
)

// Resources is the bundle borrowed by each running task: every handle a
// probe or analysis task needs, owned exclusively between acquire and
// release.
type Resources struct {
	Proxy  *proxy.Pool
	Writer *storage.ResultWriter
	Engine *analyse.Engine
	Vulns  *vuln.Search
	Stats  *stats.Internal
}

// TaskPool is a fixed-capacity executor. Each running task borrows one
// resource bundle; capacity bounds concurrency.
type TaskPool struct {
	name     string
	max      int
	bundles  chan *Resources
	jitter   bool
	running  atomic.Int64
	internal *stats.Internal
	logger   zerolog.Logger
}

// NewTaskPool builds a pool of len(bundles) slots. Before the pool first
// saturates, each spawn is spread out by 5s/capacity; saturation disables
// the jitter permanently.
func NewTaskPool(name string, internal *stats.Internal, bundles []*Resources) *TaskPool {
	ch := make(chan *Resources, len(bundles))
	for _, b := range bundles {
		ch <- b
	}
	return &TaskPool{
		name:     name,
		max:      len(bundles),
		bundles:  ch,
		jitter:   true,
		internal: internal,
		logger:   log.WithComponent("task-pool").With().Str("pool", name).Logger(),
	}
}

// Spawn acquires a resource bundle, blocking while all slots are busy, and
// runs fn concurrently with it. The bundle is returned exactly once,
// including on panic. Spawn must be called from a single dispatcher
// goroutine.
func (p *TaskPool) Spawn(ctx context.Context, fn func(ctx context.Context, res *Resources)) {
	var bundle *Resources
	select {
	case bundle = <-p.bundles:
	default:
		// The pool is saturated; startup spreading is no longer needed.
		p.jitter = false
		select {
		case bundle = <-p.bundles:
		case <-ctx.Done():
			return
		}
	}

	if p.jitter {
		interval := 5 * time.Second / time.Duration(p.max)
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			p.bundles <- bundle
			return
		}
	}

	p.internal.DispatchJob(1)
	p.running.Add(1)
	metrics.PoolRunning.WithLabelValues(p.name).Inc()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().Interface("panic", r).Msg("Task panicked")
			}
			p.running.Add(-1)
			metrics.PoolRunning.WithLabelValues(p.name).Dec()
			p.bundles <- bundle
		}()
		fn(ctx, bundle)
	}()
}

// Running returns the number of currently executing tasks.
func (p *TaskPool) Running() int {
	return int(p.running.Load())
}

// Capacity returns the pool's slot count.
func (p *TaskPool) Capacity() int {
	return p.max
}
