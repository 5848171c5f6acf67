package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"wican-core/canmap"
	"wican-core/monitor"
	"wican-core/transmit"
	"wican-core/transport"
	"wican-core/utils"
)

// ErrConnectionLost stops the runner when the bus goes away and reconnect
// is disabled.
var ErrConnectionLost = errors.New("connection lost")

type Runner struct {
	cfg     *Config
	log     *utils.Logger
	reg     *prometheus.Registry
	metrics *utils.Metrics

	catalog *canmap.Catalog
	agg     *monitor.Aggregator
	sched   *transmit.Scheduler
	conn    *transport.Connection

	// display receives the rendered tables; nil disables rendering.
	display func(string)
}

// NewRunner loads the catalog, arms the configured rows and wires the
// aggregator and scheduler to a connection built on dial. A nil dial uses
// the real adapters.
func NewRunner(cfg *Config, log *utils.Logger, dial transport.Dialer) (*Runner, error) {
	reg := prometheus.NewRegistry()
	metrics := utils.NewMetrics(reg)

	r := &Runner{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		metrics: metrics,
	}
	if cfg.Catalog.Path != "" {
		cat, err := canmap.Load(cfg.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		r.catalog = cat
		cfg.RememberCatalog(cfg.Catalog.Path)
		log.Info("Catalog %s: %d messages", cfg.Catalog.Path, cat.Len())
	} else {
		log.Warn("No catalog; frames are shown raw and nothing can be armed")
	}

	r.agg = monitor.NewAggregator(r.catalog, log, metrics)
	r.conn = transport.NewConnection(dial, r.agg.Observe, log)
	r.sched = transmit.NewScheduler(cfg.SchedulerConfig(), r.catalog, r.conn, log, metrics)

	for i, a := range cfg.Armed {
		if r.catalog == nil {
			return nil, fmt.Errorf("armed[%d]: no catalog loaded", i)
		}
		def, err := a.Resolve(r.catalog)
		if err != nil {
			return nil, fmt.Errorf("armed[%d]: %w", i, err)
		}
		slot, err := r.sched.Arm(def.ID, a.Values)
		if err != nil {
			return nil, fmt.Errorf("armed[%d]: %w", i, err)
		}
		if !a.IsEnabled() {
			_ = r.sched.SetEnabled(def.ID, false)
		}
		log.Info("Armed %s (0x%X) slot=%d enabled=%v", def.Name, def.ID, slot, a.IsEnabled())
	}
	return r, nil
}

func (r *Runner) Aggregator() *monitor.Aggregator { return r.agg }

func (r *Runner) Scheduler() *transmit.Scheduler { return r.sched }

func (r *Runner) Connection() *transport.Connection { return r.conn }

// SetDisplay sets where rendered tables go. It must be called before Run.
func (r *Runner) SetDisplay(show func(string)) {
	r.display = show
}

// Run connects and drives the monitor until ctx is done or the connection
// is lost with reconnect disabled.
func (r *Runner) Run(ctx context.Context) error {
	params, err := r.cfg.Params()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.conn.Run(ctx) })
	g.Go(func() error { return r.watch(ctx, params) })
	g.Go(func() error { return r.tickLoop(ctx) })
	if r.cfg.Metrics.Enabled {
		g.Go(func() error { return r.serveMetrics(ctx) })
	}

	if cerr := r.connect(ctx, params); cerr != nil && r.cfg.Connection.Reconnect <= 0 {
		g.Go(func() error { return cerr })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connect clears the live table and dials; the table belongs to one
// connection.
func (r *Runner) connect(ctx context.Context, p transport.Params) error {
	r.agg.Reset()
	return r.conn.Connect(ctx, p)
}

// watch reacts to connection status. Lost or failed connections are
// redialed after the reconnect delay, or end the run.
func (r *Runner) watch(ctx context.Context, p transport.Params) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.conn.Status():
			switch ev.Status {
			case transport.StatusConnected:
				r.log.Info("Status: connected to %s", ev.Params)
				continue
			case transport.StatusDisconnected:
				if ev.Err == nil {
					// User or shutdown initiated.
					continue
				}
				r.log.Error("Status: disconnected: %v", ev.Err)
			case transport.StatusConnectFailed:
				r.log.Error("Status: connect failed: %v", ev.Err)
			}
			if r.cfg.Connection.Reconnect <= 0 {
				if ev.Status == transport.StatusConnectFailed {
					// Run reports the initial failure itself.
					return nil
				}
				return fmt.Errorf("%w: %v", ErrConnectionLost, ev.Err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.Connection.Reconnect):
			}
			if err := r.connect(ctx, p); err != nil && !errors.Is(err, transport.ErrBusy) {
				r.log.Warn("Reconnect: %v", err)
			}
		}
	}
}

// tickLoop is the fixed cadence driver: one scheduler tick per period and a
// redraw every display refresh.
func (r *Runner) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Scheduler.Tick)
	defer ticker.Stop()

	var lastDraw time.Time
	var sent uint64
	defer func() { r.log.Info("Scheduler stopped. frames_sent=%d", sent) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if r.conn.State() == transport.StateConnected {
				sent += uint64(r.sched.Tick(ctx))
			}
			if r.display != nil && now.Sub(lastDraw) >= r.cfg.Display.Refresh {
				lastDraw = now
				r.draw()
			}
		}
	}
}

func (r *Runner) draw() {
	live, err := renderMonitor(r.agg)
	if err != nil {
		r.log.Warn("Render monitor: %v", err)
		return
	}
	out := live
	if rows := r.sched.Rows(); len(rows) > 0 {
		armed, err := renderArmed(rows, r.agg.Catalog())
		if err != nil {
			r.log.Warn("Render armed rows: %v", err)
			return
		}
		out += "\n" + armed
	}
	r.display(out)
}

// Handler serves /metrics from the runner's registry and /health with the
// connection state.
func (r *Runner) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, r.conn.State().String())
	})
	return mux
}

func (r *Runner) serveMetrics(ctx context.Context) error {
	srv := &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.log.Info("Metrics on %s/metrics", r.cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
