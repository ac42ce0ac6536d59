package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived component that runs until its context ends, such
// as the event consumer or the reconciliation scheduler.
type Runner interface {
	Run(ctx context.Context) error
}

// Daemon owns the socket server, the ops HTTP server and any background
// runners for the lifetime of one process.
type Daemon struct {
	cfg      Config
	handler  RequestHandler
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	runners  map[string]Runner
	pidFile  *PIDFile

	mu       sync.Mutex
	httpAddr string
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(d *Daemon) { d.gatherer = g }
}

// WithRunner adds a background runner. Its failure stops the daemon.
func WithRunner(name string, r Runner) Option {
	return func(d *Daemon) {
		if r != nil {
			d.runners[name] = r
		}
	}
}

// NewDaemon creates a daemon serving handler.
func NewDaemon(cfg Config, handler RequestHandler, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid daemon config: %w", err)
	}
	if handler == nil {
		return nil, errors.New("daemon requires a request handler")
	}
	d := &Daemon{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default(),
		runners: make(map[string]Runner),
		pidFile: NewPIDFile(cfg.PIDPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled or a component fails. It
// returns ctx.Err() after a clean shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}
	if err := d.pidFile.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := d.pidFile.Remove(); err != nil {
			d.logger.Warn("pid_file_remove_failed", slog.String("error", err.Error()))
		}
	}()

	var httpLn net.Listener
	if d.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", d.cfg.HTTPAddr, err)
		}
		httpLn = ln
		d.mu.Lock()
		d.httpAddr = ln.Addr().String()
		d.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	server := NewServer(d.cfg.SocketPath, d.handler, d.logger)
	g.Go(func() error {
		return quiet(gctx, server.ListenAndServe(gctx))
	})

	if httpLn != nil {
		httpSrv := &http.Server{
			Handler:           NewOpsHandlers(d.handler, d.gatherer, d.logger).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			d.logger.Info("ops_http_listening", slog.String("addr", httpLn.Addr().String()))
			if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), d.cfg.ShutdownGracePeriod)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	for name, r := range d.runners {
		g.Go(func() error {
			d.logger.Info("runner_started", slog.String("runner", name))
			if err := quiet(gctx, r.Run(gctx)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	err := g.Wait()

	// A background reindex must discard its generation before exit
	if s, ok := d.handler.(interface{ Stop() }); ok {
		s.Stop()
	}

	if err != nil {
		d.logger.Error("daemon_stopped", slog.String("error", err.Error()))
		return err
	}
	d.logger.Info("daemon_stopped")
	return ctx.Err()
}

// HTTPAddr returns the bound ops address once Start has listened, which
// resolves a ":0" port.
func (d *Daemon) HTTPAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.httpAddr
}

// quiet drops the error a component returns because its context ended.
func quiet(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
