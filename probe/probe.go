// Package probe runs independent connection attempts in parallel. Every probe
// owns a full stack: its own trace, session context, record layer and
// transport. Nothing mutable is shared between probes.
package probe

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tlsprobe/executor"
	"tlsprobe/session"
	"tlsprobe/trace"
	"tlsprobe/transport"
)

// TraceBuilder returns a fresh trace for probe number i.
type TraceBuilder func(i int) (*trace.Trace, error)

// Dialer opens the transport of one probe.
type Dialer func(ctx context.Context, cfg *session.Config, logger *zap.Logger) (transport.Transport, error)

// Result is the outcome of one probe. Err holds the failure that aborted the
// probe, if any; the report then describes the trace up to that point.
type Result struct {
	Index            int                       `json:"index"`
	ProbeID          string                    `json:"probeId"`
	Report           *trace.Report             `json:"report,omitempty"`
	Diagnostics      []session.DiagnosticEntry `json:"-"`
	ConnectionClosed bool                      `json:"connectionClosed"`
	Err              error                     `json:"-"`
	Error            string                    `json:"error,omitempty"`
}

// Runner executes probes against one configured target.
type Runner struct {
	Config *session.Config
	Logger *zap.Logger
	// Parallelism bounds concurrent probes; Config.Parallelism when zero.
	Parallelism int
	// Dial defaults to DialConfig.
	Dial Dialer
}

// NewRunner creates a runner for cfg.
func NewRunner(cfg *session.Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{Config: cfg, Logger: logger, Parallelism: cfg.Parallelism, Dial: DialConfig}
}

// DialConfig connects to the configured host over the configured network,
// or to the websocket relay in front of it.
func DialConfig(ctx context.Context, cfg *session.Config, logger *zap.Logger) (transport.Transport, error) {
	if cfg.Network == "ws" {
		ws, err := transport.DialWebSocket(ctx, cfg.WebSocketURL, cfg.Timeout, logger)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
	conn, err := transport.Dial(ctx, cfg.Network, cfg.Address(), cfg.Timeout, logger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Run executes n probes and returns their results in index order. Failing
// probes are reported in their Result; Run itself only fails on an invalid
// configuration or when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, n int, build TraceBuilder) ([]Result, error) {
	if err := r.Config.Validate(); err != nil {
		return nil, err
	}
	limit := r.Parallelism
	if limit <= 0 {
		limit = r.Config.Parallelism
	}
	dial := r.Dial
	if dial == nil {
		dial = DialConfig
	}

	r.Logger.Info("Starting probes",
		zap.Int("count", n),
		zap.Int("parallelism", limit),
		zap.String("target", r.Config.Address()))

	results := make([]Result, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runOne(gctx, i, build, dial)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("probes interrupted: %w", err)
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	r.Logger.Info("Probes finished", zap.Int("count", n), zap.Int("failed", failed))
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, i int, build TraceBuilder, dial Dialer) Result {
	res := Result{Index: i}
	fail := func(err error) Result {
		res.Err = err
		res.Error = err.Error()
		return res
	}

	tr, err := build(i)
	if err != nil {
		return fail(fmt.Errorf("failed to build trace: %w", err))
	}
	cfg := *r.Config
	sctx := session.NewContext(&cfg, tr, r.Logger)
	res.ProbeID = sctx.ProbeID

	t, err := dial(ctx, &cfg, sctx.Logger)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", executor.ErrTransport, err))
	}
	defer t.Close()

	execErr := executor.New(sctx, t).Execute(ctx)
	report := sctx.Analyzer().Report()
	res.Report = &report
	res.Diagnostics = sctx.Diagnostics.Entries()
	res.ConnectionClosed = sctx.ConnectionClosed
	if execErr != nil {
		return fail(execErr)
	}
	return res
}
