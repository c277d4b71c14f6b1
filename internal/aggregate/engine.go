// Package aggregate runs acquisition strategies concurrently against one
// query and folds their output into a deduplicated, scored record set.
package aggregate

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listings-cli/internal/config"
	"github.com/sells-group/listings-cli/internal/dedup"
	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/normalize"
	"github.com/sells-group/listings-cli/internal/quality"
	"github.com/sells-group/listings-cli/internal/strategy"
)

const (
	defaultConcurrency = 3
	defaultStopGrace   = 5 * time.Second
)

// Config is the immutable configuration threaded through a run.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	SharedHosts []string
	Dedup       dedup.Config

	// StopGrace bounds how long a stopped or timed-out run waits for its
	// strategies to observe cancellation before merging without them.
	StopGrace time.Duration
}

// ConfigFrom derives an engine Config from application configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Concurrency: c.Aggregate.Concurrency,
		Timeout:     time.Duration(c.Aggregate.TimeoutSecs) * time.Second,
		SharedHosts: c.Dedup.SharedHosts,
		Dedup: dedup.Config{
			NameThreshold:     c.Dedup.NameThreshold,
			NameOnlyThreshold: c.Dedup.NameOnlyThreshold,
		},
	}
}

// Request is one run invocation.
type Request struct {
	Query       string        `json:"query"`
	Locations   []string      `json:"locations"`
	Strategies  []string      `json:"strategies,omitempty"` // empty selects all
	Concurrency int           `json:"concurrency,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// Result is the outcome of a completed run.
type Result struct {
	Records []model.MergedRecord `json:"records"`
	Summary model.RunSummary     `json:"summary"`
}

// Engine starts aggregation runs.
type Engine struct {
	registry *strategy.Registry
	scorer   *quality.Scorer
	cfg      Config
	now      func() time.Time
}

// NewEngine creates an Engine over the registered strategies. A nil scorer
// uses the default weights.
func NewEngine(registry *strategy.Registry, scorer *quality.Scorer, cfg Config) *Engine {
	if scorer == nil {
		scorer, _ = quality.NewScorer(quality.DefaultWeights())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.Dedup.NameThreshold <= 0 || cfg.Dedup.NameOnlyThreshold <= 0 {
		cfg.Dedup = dedup.DefaultConfig()
	}
	return &Engine{
		registry: registry,
		scorer:   scorer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run starts a run and waits for it to complete.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	run, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// Start validates req and launches a run in the background. The run
// stops when ctx is done, when Stop is called, or when its timeout elapses.
func (e *Engine) Start(ctx context.Context, req Request) (*Run, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, eris.New("aggregate: query is required")
	}
	locations := make([]string, 0, len(req.Locations))
	for _, l := range req.Locations {
		if l = strings.TrimSpace(l); l != "" {
			locations = append(locations, l)
		}
	}
	if len(locations) == 0 {
		return nil, eris.New("aggregate: at least one location is required")
	}
	req.Locations = locations

	selected, err := e.registry.Select(req.Strategies)
	if err != nil {
		return nil, eris.Wrap(err, "aggregate: select strategies")
	}
	if len(selected) == 0 {
		return nil, eris.New("aggregate: no strategies enabled")
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = e.cfg.Concurrency
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopTimer := func() {}
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, timeout, model.ErrTimeout)
		stopTimer = cancelTimeout
	}

	r := newRun(uuid.NewString(), req, selected, e.now())
	r.ctx = runCtx
	r.cancel = func(cause error) {
		cancel(cause)
		stopTimer()
	}
	r.concurrency = concurrency
	r.grace = e.cfg.StopGrace
	r.normalizer = normalize.New(e.cfg.SharedHosts, e.registry.AllNames())
	r.reducer = dedup.NewReducer(dedup.NewMatcher(e.cfg.Dedup))
	r.scorer = e.scorer
	r.now = e.now

	zap.L().Info("aggregation run started",
		zap.String("run_id", r.id),
		zap.String("query", req.Query),
		zap.Strings("locations", req.Locations),
		zap.Strings("strategies", strategy.Names(selected)),
		zap.Int("concurrency", concurrency),
		zap.Duration("timeout", timeout),
	)

	go r.execute()
	return r, nil
}
