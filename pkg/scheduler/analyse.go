package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/types"
)

// AnalyseScheduler drives the analysis pipeline on a worker: lease address
// tokens, load the host's scan record, run the rule engine over every
// successful attempt and upsert the analysis record.
type AnalyseScheduler struct {
	cfg    *config.Config
	local  *LocalScheduler
	pool   *TaskPool
	logger zerolog.Logger
}

// NewAnalyseScheduler wires an analysis scheduler.
func NewAnalyseScheduler(cfg *config.Config, local *LocalScheduler, pool *TaskPool) *AnalyseScheduler {
	return &AnalyseScheduler{
		cfg:    cfg,
		local:  local,
		pool:   pool,
		logger: log.WithComponent("analyse-scheduler"),
	}
}

// Run is the perpetual analysis loop. It returns when ctx is cancelled.
func (a *AnalyseScheduler) Run(ctx context.Context) {
	if !a.cfg.Analyser.Scheduler.Enabled {
		return
	}
	for {
		addr, err := a.local.Next(ctx)
		if err != nil {
			return
		}
		a.pool.Spawn(ctx, func(ctx context.Context, res *Resources) {
			if err := a.analyseAddr(ctx, res, addr); err != nil {
				a.logger.Error().Err(err).Str("addr", addr).Msg("Failed to analyse address")
			}
		})
		a.pool.internal.DispatchTasks(1)
		if ctx.Err() != nil {
			return
		}
		a.local.Complete(ctx, addr)
	}
}

// analyseAddr fingerprints one host from its stored scan record.
func (a *AnalyseScheduler) analyseAddr(ctx context.Context, res *Resources, addr string) error {
	logger := log.WithAddr(addr)
	logger.Info().Msg("Analysing")

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	record, err := res.Writer.FindScanRecord(ctx, addr)
	if err != nil {
		return err
	}

	web := make(map[string]types.ServiceAnalyseResult)
	ftp := make(map[string]types.ServiceAnalyseResult)
	ssh := make(map[string]types.ServiceAnalyseResult)

	if set := record.Scan.HTTP; set != nil && set.Success > 0 {
		for _, attempt := range set.Results {
			if attempt.Result == types.ScanOk && attempt.Data != nil {
				res.Engine.AnalyseWeb(attempt.Data, web)
			}
		}
	}
	if tcp, ok := record.Scan.TCP["21"]; ok && tcp.FTP != nil && tcp.FTP.Success > 0 {
		for _, attempt := range tcp.FTP.Results {
			if attempt.Result == types.ScanOk && attempt.Data != nil {
				res.Engine.AnalyseFTP(attempt.Data, ftp)
			}
		}
	}
	if tcp, ok := record.Scan.TCP["22"]; ok && tcp.SSH != nil && tcp.SSH.Success > 0 {
		for _, attempt := range tcp.SSH.Results {
			if attempt.Result == types.ScanOk && attempt.Data != nil {
				res.Engine.AnalyseSSH(attempt.Data, ssh)
			}
		}
	}

	res.Vulns.SearchAll(ctx, web)
	res.Vulns.SearchAll(ctx, ftp)
	res.Vulns.SearchAll(ctx, ssh)

	retryStore(ctx, logger, "save analysis", func(opCtx context.Context) error {
		return res.Writer.SaveAnalyseAll(opCtx, addr, web, ftp, ssh)
	})
	return nil
}
