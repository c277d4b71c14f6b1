package aggregate

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listings-cli/internal/dedup"
	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/normalize"
	"github.com/sells-group/listings-cli/internal/quality"
	"github.com/sells-group/listings-cli/internal/resilience"
	"github.com/sells-group/listings-cli/internal/strategy"
)

// Status is a point-in-time view of a run.
type Status struct {
	RunID      string                         `json:"run_id"`
	Phase      model.Phase                    `json:"phase"`
	Strategies map[string]model.StrategyState `json:"strategies"`
	Collected  int                            `json:"collected"`
}

// Run is one in-progress or completed aggregation.
type Run struct {
	id         string
	req        Request
	strategies []strategy.Strategy
	startedAt  time.Time

	ctx         context.Context
	cancel      context.CancelCauseFunc
	concurrency int
	grace       time.Duration
	normalizer  *normalize.Normalizer
	reducer     *dedup.Reducer
	scorer      *quality.Scorer
	now         func() time.Time

	buf  *Buffer
	done chan struct{}

	mu     sync.Mutex
	phase  model.Phase
	states map[string]model.StrategyState
	errs   map[string]model.StrategyError
	result *Result
}

func newRun(id string, req Request, strategies []strategy.Strategy, startedAt time.Time) *Run {
	states := make(map[string]model.StrategyState, len(strategies))
	for _, s := range strategies {
		states[s.Name()] = model.StatePending
	}
	return &Run{
		id:         id,
		req:        req,
		strategies: strategies,
		startedAt:  startedAt,
		buf:        NewBuffer(),
		done:       make(chan struct{}),
		phase:      model.PhaseIdle,
		states:     states,
		errs:       make(map[string]model.StrategyError),
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Done is closed once the run is complete.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run is complete and returns its result.
func (r *Run) Wait() *Result {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Result returns the result if the run is complete.
func (r *Run) Result() (*Result, bool) {
	select {
	case <-r.done:
		return r.Wait(), true
	default:
		return nil, false
	}
}

// Stop cancels every pending or in-flight strategy; the run still merges
// whatever was collected. Stop is safe to call more than once.
func (r *Run) Stop() {
	r.cancel(model.ErrCancelled)
}

// Status returns the current phase and per-strategy states.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]model.StrategyState, len(r.states))
	for k, v := range r.states {
		states[k] = v
	}
	return Status{
		RunID:      r.id,
		Phase:      r.phase,
		Strategies: states,
		Collected:  r.buf.Len(),
	}
}

func (r *Run) setPhase(p model.Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// transition moves a strategy to state unless it is already terminal.
func (r *Run) transition(name string, state model.StrategyState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[name].Terminal() {
		return false
	}
	r.states[name] = state
	return true
}

func (r *Run) fail(name, reason string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[name].Terminal() {
		return
	}
	r.states[name] = model.StateFailed
	r.errs[name] = model.StrategyError{Strategy: name, Reason: reason, Err: err}

	zap.L().Warn("strategy failed",
		zap.String("run_id", r.id),
		zap.String("strategy", name),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

// execute drives the run through Running, Merging and Complete.
func (r *Run) execute() {
	defer close(r.done)
	defer r.cancel(nil)

	r.setPhase(model.PhaseRunning)

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	finished := make(chan struct{})
	go func() {
		for _, s := range r.strategies {
			g.Go(func() error {
				r.runStrategy(s)
				return nil // a failed strategy never aborts the others
			})
		}
		_ = g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-r.ctx.Done():
		select {
		case <-finished:
		case <-time.After(r.grace):
			zap.L().Warn("strategies did not stop within grace period",
				zap.String("run_id", r.id),
				zap.Duration("grace", r.grace),
			)
		}
	}

	// Anything still unfinished is forced to Failed and its later output
	// is discarded.
	r.buf.Seal()
	reason := r.stopReason()
	for _, s := range r.strategies {
		r.fail(s.Name(), reason, context.Cause(r.ctx))
	}

	r.setPhase(model.PhaseMerging)
	res := r.merge()

	r.mu.Lock()
	r.result = res
	r.phase = model.PhaseComplete
	r.mu.Unlock()

	zap.L().Info("aggregation run complete",
		zap.String("run_id", r.id),
		zap.Int("raw", res.Summary.TotalRaw()),
		zap.Int("invalid", res.Summary.Invalid),
		zap.Int("duplicates_collapsed", res.Summary.DuplicatesCollapsed),
		zap.Int("merged", res.Summary.Merged),
		zap.Int("errors", len(res.Summary.Errors)),
		zap.Bool("failed", res.Summary.Failed()),
	)
}

// runStrategy acquires every location in turn, appending records to the
// buffer as they arrive.
func (r *Run) runStrategy(s strategy.Strategy) {
	name := s.Name()
	if r.ctx.Err() != nil {
		r.fail(name, r.stopReason(), context.Cause(r.ctx))
		return
	}
	if !r.transition(name, model.StateInFlight) {
		return
	}

	seq := 0
	for i, loc := range r.req.Locations {
		out, errs := s.Acquire(r.ctx, strategy.Query{Industry: r.req.Query, Location: loc})
		for rec := range out {
			rec.Source = name
			if !r.buf.Append(Item{Record: rec, Seq: seq}) {
				continue
			}
			seq++
		}
		if err := <-errs; err != nil {
			r.fail(name, r.failureReason(err), err)
			return
		}
		if i < len(r.req.Locations)-1 && r.ctx.Err() != nil {
			r.fail(name, r.stopReason(), context.Cause(r.ctx))
			return
		}
	}
	r.transition(name, model.StateDone)
}

// stopReason maps the run's cancellation cause to a failure reason.
func (r *Run) stopReason() string {
	cause := context.Cause(r.ctx)
	if errors.Is(cause, model.ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return model.ReasonTimeout
	}
	return model.ReasonCancelled
}

func (r *Run) failureReason(err error) string {
	if r.ctx.Err() != nil {
		return r.stopReason()
	}
	if resilience.IsTimeout(err) {
		return model.ReasonTimeout
	}
	return err.Error()
}

// merge normalizes, deduplicates and scores the buffered records.
func (r *Run) merge() *Result {
	items := r.buf.Snapshot()
	counts := r.buf.Counts()

	summary := model.RunSummary{
		RunID:      r.id,
		Query:      r.req.Query,
		Locations:  r.req.Locations,
		RawCounts:  make(map[string]int, len(r.strategies)),
		Strategies: make(map[string]model.StrategyState, len(r.strategies)),
		Errors:     []model.StrategyError{},
		StartedAt:  r.startedAt,
	}

	r.mu.Lock()
	for _, s := range r.strategies {
		name := s.Name()
		summary.RawCounts[name] = counts[name]
		summary.Strategies[name] = r.states[name]
		if e, ok := r.errs[name]; ok {
			summary.Errors = append(summary.Errors, e)
		}
	}
	r.mu.Unlock()

	pool := make([]model.NormalizedRecord, 0, len(items))
	for _, it := range items {
		n, err := r.normalizer.Normalize(it.Record, it.Seq)
		if err != nil {
			var inv *model.InvalidRecordError
			if errors.As(err, &inv) {
				summary.Dropped = append(summary.Dropped, model.DroppedRecord{Source: inv.Source, Name: inv.Name, Reason: inv.Reason})
			}
			summary.Invalid++
			zap.L().Debug("dropped invalid record", zap.String("run_id", r.id), zap.Error(err))
			continue
		}
		pool = append(pool, n)
	}
	slices.SortFunc(summary.Dropped, func(a, b model.DroppedRecord) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.Name, b.Name), cmp.Compare(a.Reason, b.Reason))
	})

	_, records := r.reducer.Consolidate(pool)
	r.scorer.Rescore(records)
	if records == nil {
		records = []model.MergedRecord{}
	}

	summary.Normalized = len(pool)
	summary.Merged = len(records)
	summary.DuplicatesCollapsed = len(pool) - len(records)
	summary.FinishedAt = r.now()

	return &Result{Records: records, Summary: summary}
}
