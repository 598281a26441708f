package scheduler

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cuemby/nscan/pkg/address"
	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/metrics"
	"github.com/cuemby/nscan/pkg/probe"
	"github.com/cuemby/nscan/pkg/proxy"
	"github.com/cuemby/nscan/pkg/queue"
	"github.com/cuemby/nscan/pkg/storage"
	"github.com/cuemby/nscan/pkg/types"
)

// ScanScheduler drives the scan pipeline on a worker: lease CIDR tokens,
// expand them, push one task per enabled probe through the task pool, batch
// the results per address and acknowledge the token.
type ScanScheduler struct {
	cfg     *config.Config
	local   *LocalScheduler
	pool    *TaskPool
	writer  *storage.ResultWriter
	analyse *queue.MasterScheduler
	logger  zerolog.Logger
}

// NewScanScheduler wires a scan scheduler. analyseQueue may be nil when the
// analyser pipeline is disabled; completed addresses are then not enqueued
// for analysis.
func NewScanScheduler(cfg *config.Config, local *LocalScheduler, pool *TaskPool, writer *storage.ResultWriter, analyseQueue *queue.MasterScheduler) *ScanScheduler {
	return &ScanScheduler{
		cfg:     cfg,
		local:   local,
		pool:    pool,
		writer:  writer,
		analyse: analyseQueue,
		logger:  log.WithComponent("scan-scheduler"),
	}
}

// Run is the perpetual scan loop. It returns when ctx is cancelled.
func (s *ScanScheduler) Run(ctx context.Context) {
	if !s.cfg.Scanner.Scheduler.Enabled {
		return
	}
	for {
		token, err := s.local.Next(ctx)
		if err != nil {
			return
		}
		s.dispatchCIDR(ctx, token)
		if ctx.Err() != nil {
			return
		}
		s.local.Complete(ctx, token)
	}
}

// dispatchCIDR expands a token and dispatches every address in it.
func (s *ScanScheduler) dispatchCIDR(ctx context.Context, token string) {
	r, err := address.ParseCIDR(token)
	if err != nil {
		s.logger.Error().Err(err).Str("token", token).Msg("Failed to parse CIDR task token")
		return
	}
	s.pool.internal.UpdatePending(int64(r.Size))
	for i := uint64(0); i < r.Size; i++ {
		if ctx.Err() != nil {
			return
		}
		s.dispatchAddr(ctx, address.FromInt(r.At(i)))
	}
}

// dispatchAddr fans one address out to every enabled probe and spawns a
// collector that batch-writes all outcomes once they are in.
func (s *ScanScheduler) dispatchAddr(ctx context.Context, addr string) {
	results := make(chan types.ProbeOutcome, 16)
	dispatched := 0

	for port, probes := range s.cfg.Scanner.TCP.Ports {
		for _, name := range probes {
			cfg, ok := s.cfg.Scanner.Probe(name)
			if !ok || !cfg.Enabled {
				continue
			}
			dispatched++
			s.spawnProbe(ctx, addr, port, name, cfg, results)
		}
	}
	s.pool.internal.DispatchTasks(1)
	if dispatched == 0 {
		return
	}

	n := dispatched
	go func() {
		outcomes := make([]types.ProbeOutcome, 0, n)
		for i := 0; i < n; i++ {
			select {
			case o := <-results:
				outcomes = append(outcomes, o)
			case <-ctx.Done():
				return
			}
		}
		// Store failures retry in place; the batch is never dropped.
		ok := retryStore(ctx, s.logger, "save scan batch", func(opCtx context.Context) error {
			return s.writer.SaveScanBatch(opCtx, addr, outcomes)
		})
		if ok {
			s.enqueueAnalyse(ctx, addr, outcomes)
		}
	}()
}

// enqueueAnalyse schedules an analysis pass for addresses that produced at
// least one successful probe.
func (s *ScanScheduler) enqueueAnalyse(ctx context.Context, addr string, outcomes []types.ProbeOutcome) {
	if s.analyse == nil || s.cfg.Analyser.AnalyseOnScan {
		return
	}
	for _, o := range outcomes {
		if o.Attempt.OK() {
			if err := s.analyse.EnqueueTasks(ctx, []string{addr}); err != nil {
				s.logger.Error().Err(err).Str("addr", addr).Msg("Failed to enqueue analysis task")
			}
			return
		}
	}
}

// spawnProbe pushes one probe task through the pool.
func (s *ScanScheduler) spawnProbe(ctx context.Context, addr string, port uint16, name string, cfg config.ProbeConfig, results chan<- types.ProbeOutcome) {
	target := fmt.Sprintf("%s:%d", addr, port)
	timeout := time.Duration(cfg.Timeout) * time.Second

	s.pool.Spawn(ctx, func(ctx context.Context, res *Resources) {
		timer := prometheus.NewTimer(metrics.ProbeDuration.WithLabelValues(name))
		defer timer.ObserveDuration()

		var outcome types.ProbeOutcome
		switch name {
		case "http":
			outcome = s.runHTTPProbe(ctx, res, cfg, addr, target, timeout)
		default:
			outcome = s.runStreamProbe(ctx, res, cfg, name, port, target, timeout)
		}
		if outcome.Attempt.OK() {
			metrics.ProbesTotal.WithLabelValues(name, "ok").Inc()
		} else {
			metrics.ProbesTotal.WithLabelValues(name, "err").Inc()
		}
		results <- outcome
	})
}

// runHTTPProbe executes the HTTP probe and, when analyse-on-scan is active,
// feeds the payload straight into the rule engine.
func (s *ScanScheduler) runHTTPProbe(ctx context.Context, res *Resources, cfg config.ProbeConfig, addr, target string, timeout time.Duration) types.ProbeOutcome {
	client, err := s.httpClient(ctx, res, cfg, timeout)
	if err != nil {
		return types.ProbeOutcome{Key: "http", Attempt: types.ErrAttempt("", err.Error())}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := probe.HTTP(ctx, client.Client, target)
	if err != nil {
		return types.ProbeOutcome{Key: "http", Attempt: types.ErrAttempt(client.ProxyAddr, err.Error())}
	}
	s.logger.Info().Str("addr", target).Int("status", data.Status).Msg("HTTP probe completed")

	if s.cfg.Analyser.AnalyseOnScan {
		services := make(map[string]types.ServiceAnalyseResult)
		res.Engine.AnalyseWeb(data, services)
		res.Vulns.SearchAll(ctx, services)
		if err := res.Writer.SaveAnalyse(ctx, addr, "web", services); err != nil {
			s.logger.Error().Err(err).Str("addr", addr).Msg("Failed to save web analysis")
		}
	}
	return types.ProbeOutcome{Key: "http", Attempt: types.OkAttempt(client.ProxyAddr, data)}
}

// runStreamProbe connects a raw stream (direct or through SOCKS5) and runs
// the named probe state machine over it.
func (s *ScanScheduler) runStreamProbe(ctx context.Context, res *Resources, cfg config.ProbeConfig, name string, port uint16, target string, timeout time.Duration) types.ProbeOutcome {
	key := s.outcomeKey(name, port)

	connector, err := s.connector(ctx, res, cfg)
	if err != nil {
		return types.ProbeOutcome{Key: key, Attempt: types.ErrAttempt("", err.Error())}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := connector.Connect(ctx, target, timeout)
	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = probe.ErrTimeout
		}
		return types.ProbeOutcome{Key: key, Attempt: types.ErrAttempt(connector.Addr(), msg)}
	}
	defer conn.Close()

	var attempt types.ScanAttempt
	switch name {
	case "tls":
		data, err := probe.TLS(ctx, conn, timeout)
		if err != nil {
			attempt = types.ErrAttempt(connector.Addr(), err.Error())
		} else {
			attempt = types.OkAttempt(connector.Addr(), data)
		}
	case "ftp":
		data, err := probe.FTP(ctx, conn, timeout)
		if err != nil {
			attempt = types.ErrAttempt(connector.Addr(), err.Error())
		} else {
			s.logger.Info().Str("addr", target).Msg("FTP is open")
			attempt = types.OkAttempt(connector.Addr(), data)
			s.analyseOnScanFTP(ctx, res, target, data)
		}
	case "ssh":
		data, err := probe.SSH(ctx, conn, timeout)
		if err != nil {
			attempt = types.ErrAttempt(connector.Addr(), err.Error())
		} else {
			attempt = types.OkAttempt(connector.Addr(), data)
			s.analyseOnScanSSH(ctx, res, target, data)
		}
	default:
		attempt = types.ErrAttempt("", fmt.Sprintf("unknown probe %q", name))
	}
	return types.ProbeOutcome{Key: key, Attempt: attempt}
}

func (s *ScanScheduler) analyseOnScanFTP(ctx context.Context, res *Resources, target string, data *types.FTPScanResult) {
	if !s.cfg.Analyser.AnalyseOnScan {
		return
	}
	host, _, _ := splitTarget(target)
	services := make(map[string]types.ServiceAnalyseResult)
	res.Engine.AnalyseFTP(data, services)
	res.Vulns.SearchAll(ctx, services)
	if err := res.Writer.SaveAnalyse(ctx, host, "ftp", services); err != nil {
		s.logger.Error().Err(err).Str("addr", host).Msg("Failed to save ftp analysis")
	}
}

func (s *ScanScheduler) analyseOnScanSSH(ctx context.Context, res *Resources, target string, data *types.SSHScanResult) {
	if !s.cfg.Analyser.AnalyseOnScan {
		return
	}
	host, _, _ := splitTarget(target)
	services := make(map[string]types.ServiceAnalyseResult)
	res.Engine.AnalyseSSH(data, services)
	res.Vulns.SearchAll(ctx, services)
	if err := res.Writer.SaveAnalyse(ctx, host, "ssh", services); err != nil {
		s.logger.Error().Err(err).Str("addr", host).Msg("Failed to save ssh analysis")
	}
}

// outcomeKey maps a probe to its sub-document path under "scan".
func (s *ScanScheduler) outcomeKey(name string, port uint16) string {
	switch name {
	case "tls":
		return "https"
	default:
		return fmt.Sprintf("tcp.%d.%s", port, name)
	}
}

// httpClient selects the outbound HTTP client per probe configuration.
func (s *ScanScheduler) httpClient(ctx context.Context, res *Resources, cfg config.ProbeConfig, timeout time.Duration) (proxy.HTTPClient, error) {
	if !cfg.UseProxy {
		return proxy.DirectHTTPClient(timeout), nil
	}
	if cfg.Socks5 {
		return res.Proxy.GetSocks5HTTPClient(ctx, timeout)
	}
	return res.Proxy.GetHTTPClient(ctx)
}

// connector selects the outbound stream connector per probe configuration.
// A probe configured without a proxy dials directly.
func (s *ScanScheduler) connector(ctx context.Context, res *Resources, cfg config.ProbeConfig) (proxy.Connector, error) {
	if !cfg.UseProxy {
		return proxy.DirectConnector{}, nil
	}
	return res.Proxy.GetSocks5(ctx)
}

func splitTarget(target string) (host string, port string, ok bool) {
	h, p, err := net.SplitHostPort(target)
	if err != nil {
		return target, "", false
	}
	return h, p, true
}

// storeRetryDelay is the pause before retrying a failed store write.
const storeRetryDelay = time.Second

// retryStore runs op until it succeeds or ctx is cancelled, logging and
// pausing between attempts. Each attempt gets its own deadline.
func retryStore(ctx context.Context, logger zerolog.Logger, what string, op func(context.Context) error) bool {
	for {
		opCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := op(opCtx)
		cancel()
		if err == nil {
			return true
		}
		logger.Error().Err(err).Msg("Failed to " + what + ", retrying")
		select {
		case <-time.After(storeRetryDelay):
		case <-ctx.Done():
			return false
		}
	}
}
