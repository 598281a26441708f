// Package proxy maintains the outbound connector pool. Probes consume two
// contracts only: Connect(target, timeout) for raw TCP streams (direct or
// SOCKS5-tunnelled) and HTTPClient() for proxied HTTP clients. Pool refresh
// and validation run in the background.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	xproxy "golang.org/x/net/proxy"

	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/metrics"
)

// Connector dials outbound streams to scan targets.
type Connector interface {
	// Connect opens a stream to target ("host:port") within timeout.
	Connect(ctx context.Context, target string, timeout time.Duration) (net.Conn, error)
	// Addr is the upstream proxy address, empty for direct connections.
	Addr() string
}

// DirectConnector dials targets without an upstream proxy.
type DirectConnector struct{}

func (DirectConnector) Connect(ctx context.Context, target string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", target)
}

func (DirectConnector) Addr() string { return "" }

// Socks5Connector tunnels streams through one SOCKS5 upstream.
type Socks5Connector struct {
	ProxyAddr string
}

func (c Socks5Connector) Connect(ctx context.Context, target string, timeout time.Duration) (net.Conn, error) {
	dialer, err := xproxy.SOCKS5("tcp", c.ProxyAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to build socks5 dialer: %w", err)
	}
	cd, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context dialing")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return cd.DialContext(ctx, "tcp", target)
}

func (c Socks5Connector) Addr() string { return c.ProxyAddr }

// HTTPClient pairs an HTTP client with the upstream proxy it is bound to.
type HTTPClient struct {
	ProxyAddr string
	Client    *http.Client
}

// Pool is the shared proxy pool.
type Pool struct {
	cfg    *config.ProxyPoolConfig
	logger zerolog.Logger

	mu          sync.Mutex
	httpClients []HTTPClient
	socks5      []string

	fetchIdx atomic.Uint64
}

// NewPool builds an empty pool. SOCKS5 upstreams listed in the configuration
// are seeded immediately.
func NewPool(cfg *config.ProxyPoolConfig) *Pool {
	p := &Pool{
		cfg:    cfg,
		logger: log.WithComponent("proxy-pool"),
	}
	if cfg.Socks5.Enabled && len(cfg.Socks5.Servers) > 0 {
		p.socks5 = append(p.socks5, cfg.Socks5.Servers...)
		metrics.ProxyPoolSize.WithLabelValues("socks5").Set(float64(len(p.socks5)))
	}
	return p
}

// Start launches the background updaters.
func (p *Pool) Start(ctx context.Context) {
	if p.cfg.UpdateHTTPProxy && p.cfg.FetchAddr != "" {
		go p.updateLoop(ctx)
	}
	if p.cfg.Socks5.Enabled && p.cfg.Socks5.Fetch != "" {
		go p.socks5FetchLoop(ctx)
	}
}

// DirectHTTPClient returns a client that dials targets directly.
func DirectHTTPClient(timeout time.Duration) HTTPClient {
	return HTTPClient{Client: &http.Client{Timeout: timeout}}
}

// GetHTTPClient returns a proxied HTTP client, blocking until one is
// available or ctx is cancelled.
func (p *Pool) GetHTTPClient(ctx context.Context) (HTTPClient, error) {
	interval := time.Duration(p.cfg.UpdateInterval) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}
	for {
		p.mu.Lock()
		if n := len(p.httpClients); n > 0 {
			c := p.httpClients[int(p.fetchIdx.Add(1)%uint64(n))]
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()
		p.logger.Warn().Msg("HTTP proxy pool is empty, waiting for refresh")
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return HTTPClient{}, ctx.Err()
		}
	}
}

// GetSocks5HTTPClient returns an HTTP client whose transport dials through a
// SOCKS5 upstream from the pool.
func (p *Pool) GetSocks5HTTPClient(ctx context.Context, timeout time.Duration) (HTTPClient, error) {
	conn, err := p.GetSocks5(ctx)
	if err != nil {
		return HTTPClient{}, err
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return conn.Connect(ctx, addr, timeout)
		},
	}
	return HTTPClient{
		ProxyAddr: conn.Addr(),
		Client:    &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// GetSocks5 returns a SOCKS5 connector by round-robin, blocking while the
// pool is empty.
func (p *Pool) GetSocks5(ctx context.Context) (Connector, error) {
	for {
		p.mu.Lock()
		if n := len(p.socks5); n > 0 {
			addr := p.socks5[int(p.fetchIdx.Add(1)%uint64(n))]
			p.mu.Unlock()
			return Socks5Connector{ProxyAddr: addr}, nil
		}
		p.mu.Unlock()
		p.logger.Warn().Msg("Socks5 proxy pool is empty, retrying")
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// proxyEntry is one element of the fetched proxy list.
type proxyEntry struct {
	Proxy string `json:"proxy"`
}

func (p *Pool) updateLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.UpdateInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if err := p.refreshHTTPClients(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Failed to initially update proxy pool")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.refreshHTTPClients(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("Failed to update proxy pool")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) refreshHTTPClients(ctx context.Context) error {
	list, err := fetchJSON[[]proxyEntry](ctx, p.cfg.FetchAddr)
	if err != nil {
		return fmt.Errorf("failed to fetch proxy list: %w", err)
	}
	p.logger.Info().Int("count", len(list)).Msg("Fetched proxy servers")

	verified := make([]HTTPClient, 0, len(list))
	var wg sync.WaitGroup
	var vmu sync.Mutex
	for _, entry := range list {
		client, err := newHTTPProxyClient(entry.Proxy)
		if err != nil {
			p.logger.Error().Err(err).Str("proxy", entry.Proxy).Msg("Failed to create proxy client")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.verify(ctx, client) {
				vmu.Lock()
				verified = append(verified, client)
				vmu.Unlock()
			}
		}()
	}
	wg.Wait()

	p.logger.Info().Int("count", len(verified)).Msg("HTTP proxy servers available")
	if len(verified) == 0 {
		p.logger.Warn().Msg("HTTP proxy pool empty")
	}
	p.mu.Lock()
	p.httpClients = verified
	p.mu.Unlock()
	metrics.ProxyPoolSize.WithLabelValues("http").Set(float64(len(verified)))
	return nil
}

func (p *Pool) verify(ctx context.Context, client HTTPClient) bool {
	for i, step := range p.cfg.HTTPValidate {
		switch {
		case step.Plain != "":
			resp, err := getWithContext(ctx, client.Client, step.Plain)
			if err != nil || resp.StatusCode != http.StatusOK {
				p.logger.Debug().Str("proxy", client.ProxyAddr).Int("stage", i).Msg("Proxy verification failed")
				return false
			}
		case step.Base != "":
			challenge := fmt.Sprintf("%d", time.Now().UnixMilli())
			path := strings.ReplaceAll(step.Pattern, "{challenge}", challenge)
			resp, err := getWithContext(ctx, client.Client, step.Base+path)
			if err != nil || resp.StatusCode != http.StatusOK {
				p.logger.Debug().Str("proxy", client.ProxyAddr).Int("stage", i).Msg("Proxy verification failed")
				return false
			}
			if resp.Body != path {
				p.logger.Debug().Str("proxy", client.ProxyAddr).Int("stage", i).Msg("Proxy echo mismatch")
				return false
			}
		}
	}
	return true
}

func (p *Pool) socks5FetchLoop(ctx context.Context) {
	for {
		addrs, err := fetchAddrList(ctx, p.cfg.Socks5.Fetch)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to fetch socks5 proxies")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		p.mu.Lock()
		for _, addr := range addrs {
			p.socks5 = append(p.socks5, addr)
			p.logger.Info().Str("proxy", addr).Msg("Fetched socks5 proxy")
		}
		size := len(p.socks5)
		p.mu.Unlock()
		metrics.ProxyPoolSize.WithLabelValues("socks5").Set(float64(size))
		if size >= p.cfg.Socks5.PoolSize {
			return
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func newHTTPProxyClient(addr string) (HTTPClient, error) {
	proxyURL, err := url.Parse("http://" + addr)
	if err != nil {
		return HTTPClient{}, fmt.Errorf("invalid proxy address %q: %w", addr, err)
	}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
	}
	return HTTPClient{ProxyAddr: addr, Client: client}, nil
}
