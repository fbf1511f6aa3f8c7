// Package netstub runs a local forward proxy that drops third-party noise
// (analytics beacons, ad networks, chat widgets) during runs. Pages under
// test render the same with or without those responses, but the requests
// themselves are nondeterministic and poison network captures and visual
// baselines. No TLS interception happens: HTTPS traffic is matched by
// CONNECT host only, plain HTTP also by full URL.
package netstub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/internal/config"
)

// Stub is the blocking proxy. Start binds it, Shutdown stops it; the bound
// address is meant to land in browser.proxy_server.
type Stub struct {
	logger   *zap.Logger
	cfg      config.StubConfig
	patterns []string

	proxy *goproxy.ProxyHttpServer

	mu       sync.Mutex
	ln       net.Listener
	server   *http.Server
	serveErr chan error
	blocked  map[string]int
}

// New compiles the block patterns and prepares the proxy handlers. Host
// patterns support path.Match wildcards and bare-domain suffix matching;
// patterns containing "/" match as substrings of the full URL (HTTP only).
func New(cfg config.StubConfig, logger *zap.Logger) *Stub {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stub{
		logger:  logger.Named("netstub"),
		cfg:     cfg,
		blocked: make(map[string]int),
	}
	for _, p := range cfg.BlockPatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			s.patterns = append(s.patterns, p)
		}
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Logger = zap.NewStdLog(s.logger.Named("goproxy"))
	proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(s.handleConnect))
	proxy.OnRequest().DoFunc(s.handleRequest)
	s.proxy = proxy
	return s
}

func (s *Stub) handleConnect(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	h := hostOnly(host)
	if s.hostBlocked(h) {
		s.count(h)
		s.logger.Debug("Blocked HTTPS connect.", zap.String("host", h))
		return goproxy.RejectConnect, host
	}
	return goproxy.OkConnect, host
}

func (s *Stub) handleRequest(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	host := strings.ToLower(r.URL.Hostname())
	if s.hostBlocked(host) || s.urlBlocked(strings.ToLower(r.URL.String())) {
		s.count(host)
		s.logger.Debug("Blocked HTTP request.", zap.String("url", r.URL.String()))
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusNoContent, "")
	}
	return r, nil
}

// hostBlocked reports whether the host hits a host-shaped pattern: an exact
// name, a parent-domain suffix, or a path.Match wildcard.
func (s *Stub) hostBlocked(host string) bool {
	if host == "" {
		return false
	}
	for _, p := range s.patterns {
		if strings.Contains(p, "/") {
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
		if ok, err := path.Match(p, host); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Stub) urlBlocked(url string) bool {
	for _, p := range s.patterns {
		if strings.Contains(p, "/") && strings.Contains(url, p) {
			return true
		}
	}
	return false
}

func (s *Stub) count(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[host]++
}

// Blocked returns a copy of the per-host block counts.
func (s *Stub) Blocked() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.blocked))
	for k, v := range s.blocked {
		out[k] = v
	}
	return out
}

// TotalBlocked is the number of requests the stub suppressed so far.
func (s *Stub) TotalBlocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.blocked {
		total += n
	}
	return total
}

// Start binds the listener and serves in the background, returning the bound
// address. Listen defaults to an ephemeral loopback port so parallel runs
// never collide.
func (s *Stub) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return "", errors.New("netstub already started")
	}

	addr := s.cfg.Listen
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("binding stub proxy: %w", err)
	}

	s.ln = ln
	s.server = &http.Server{
		Handler:      s.proxy,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     zap.NewStdLog(s.logger.Named("http_server")),
	}
	s.serveErr = make(chan error, 1)
	server := s.server
	go func() { s.serveErr <- server.Serve(ln) }()

	s.logger.Info("Traffic stub proxy listening.",
		zap.String("address", ln.Addr().String()),
		zap.Int("patterns", len(s.patterns)))
	return ln.Addr().String(), nil
}

// Shutdown drains in-flight requests and stops the proxy. Safe to call when
// the stub never started.
func (s *Stub) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	errCh := s.serveErr
	s.server = nil
	s.ln = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping stub proxy: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("Traffic stub proxy stopped.")
	return nil
}

// hostOnly strips the port a CONNECT target carries.
func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(hostport)
}
