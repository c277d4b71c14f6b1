package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/strategy"
)

// fakeStrategy emits a fixed record list per location, then ends with err,
// or waits for cancellation when block is set.
type fakeStrategy struct {
	name    string
	records []model.RawRecord
	err     error
	block   bool
	// stuck ignores cancellation until released.
	stuck chan struct{}
	// onEnd runs after the last record of each location is emitted.
	onEnd func()
	calls atomic.Int32
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Acquire(ctx context.Context, q strategy.Query) (<-chan model.RawRecord, <-chan error) {
	f.calls.Add(1)
	out := make(chan model.RawRecord)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, r := range f.records {
			r.SearchLocation = q.Location
			select {
			case out <- r:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if f.onEnd != nil {
			f.onEnd()
		}
		switch {
		case f.stuck != nil:
			<-f.stuck
		case f.block:
			<-ctx.Done()
			errs <- ctx.Err()
		case f.err != nil:
			errs <- f.err
		}
	}()
	return out, errs
}

func newEngine(cfg Config, ss ...strategy.Strategy) *Engine {
	reg := strategy.NewRegistry()
	for _, s := range ss {
		reg.Register(s)
	}
	return NewEngine(reg, nil, cfg)
}

func request(strategies ...string) Request {
	return Request{Query: "cafe", Locations: []string{"Manchester, UK"}, Strategies: strategies}
}

func recordNames(records []model.MergedRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Name
	}
	return out
}

func TestRunMergesAcrossStrategies(t *testing.T) {
	alpha := &fakeStrategy{name: "alpha", records: []model.RawRecord{
		{Name: "Acme Cafe", Phone: "+441611234567"},
		{Name: "Beta Books", Address: "2 Deansgate, Manchester M3 2BW"},
	}}
	beta := &fakeStrategy{name: "beta", records: []model.RawRecord{
		{Name: "Acme Café Ltd", Phone: "0161 123 4567", Website: "https://acme.co.uk"},
	}}

	res, err := newEngine(Config{}, alpha, beta).Run(context.Background(), request())
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	var acme model.MergedRecord
	for _, r := range res.Records {
		if r.Phone == "+441611234567" {
			acme = r
		}
	}
	assert.Equal(t, []string{"alpha", "beta"}, acme.Sources)
	assert.Equal(t, "https://acme.co.uk", acme.Website)
	assert.Positive(t, float64(acme.Quality))

	s := res.Summary
	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, "cafe", s.Query)
	assert.Equal(t, map[string]int{"alpha": 2, "beta": 1}, s.RawCounts)
	assert.Equal(t, 3, s.TotalRaw())
	assert.Equal(t, 3, s.Normalized)
	assert.Equal(t, 1, s.DuplicatesCollapsed)
	assert.Equal(t, 2, s.Merged)
	assert.Empty(t, s.Errors)
	assert.False(t, s.Failed())
	assert.Equal(t, model.StateDone, s.Strategies["alpha"])
	assert.Equal(t, model.StateDone, s.Strategies["beta"])
	assert.False(t, s.FinishedAt.Before(s.StartedAt))
}

func TestStrategyTimeoutKeepsPartialRecords(t *testing.T) {
	flaky := &fakeStrategy{
		name: "flaky",
		records: []model.RawRecord{
			{Name: "Alpha Dental"}, {Name: "Bravo Bakery"}, {Name: "Charlie Cycles"},
		},
		err: eris.Wrap(context.DeadlineExceeded, "upstream search"),
	}
	steady := &fakeStrategy{name: "steady"}

	res, err := newEngine(Config{}, flaky, steady).Run(context.Background(), request())
	require.NoError(t, err)

	assert.Len(t, res.Records, 3)
	assert.Equal(t, 3, res.Summary.RawCounts["flaky"])
	require.Len(t, res.Summary.Errors, 1)
	assert.Equal(t, "flaky", res.Summary.Errors[0].Strategy)
	assert.Equal(t, model.ReasonTimeout, res.Summary.Errors[0].Reason)
	assert.Equal(t, model.StateFailed, res.Summary.Strategies["flaky"])
	assert.Equal(t, model.StateDone, res.Summary.Strategies["steady"])
	assert.False(t, res.Summary.Failed())
}

func TestAllStrategiesFailIsFailedRun(t *testing.T) {
	a := &fakeStrategy{name: "a", err: errors.New("blocked by upstream")}
	b := &fakeStrategy{name: "b", err: errors.New("quota exhausted")}

	res, err := newEngine(Config{}, a, b).Run(context.Background(), request())
	require.NoError(t, err)

	assert.NotNil(t, res.Records)
	assert.Empty(t, res.Records)
	require.Len(t, res.Summary.Errors, 2)
	assert.Equal(t, "a", res.Summary.Errors[0].Strategy)
	assert.Contains(t, res.Summary.Errors[0].Reason, "blocked")
	assert.Equal(t, "b", res.Summary.Errors[1].Strategy)
	assert.True(t, res.Summary.Failed())
}

func TestZeroMatchesIsNotFailure(t *testing.T) {
	res, err := newEngine(Config{}, &fakeStrategy{name: "a"}).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.Summary.Errors)
	assert.False(t, res.Summary.Failed())
}

func TestRunTimeoutFailsUnfinishedStrategies(t *testing.T) {
	slow := &fakeStrategy{name: "slow", block: true, records: []model.RawRecord{{Name: "Slow Shop"}}}
	fast := &fakeStrategy{name: "fast", records: []model.RawRecord{{Name: "Fast Shop"}}}

	req := request()
	req.Timeout = 50 * time.Millisecond
	res, err := newEngine(Config{}, slow, fast).Run(context.Background(), req)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"Slow Shop", "Fast Shop"}, recordNames(res.Records))
	require.Len(t, res.Summary.Errors, 1)
	assert.Equal(t, "slow", res.Summary.Errors[0].Strategy)
	assert.Equal(t, model.ReasonTimeout, res.Summary.Errors[0].Reason)
	assert.Equal(t, model.StateDone, res.Summary.Strategies["fast"])
}

func TestRunTimeoutFailsPendingStrategies(t *testing.T) {
	first := &fakeStrategy{name: "first", block: true}
	second := &fakeStrategy{name: "second", records: []model.RawRecord{{Name: "Never Seen"}}}

	req := request()
	req.Concurrency = 1
	req.Timeout = 30 * time.Millisecond
	res, err := newEngine(Config{}, first, second).Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Summary.Errors, 2)
	for _, e := range res.Summary.Errors {
		assert.Equal(t, model.ReasonTimeout, e.Reason)
	}
	assert.Empty(t, res.Records)
	assert.True(t, res.Summary.Failed())
}

func TestStopCancelsAndMergesPartialResults(t *testing.T) {
	s := &fakeStrategy{name: "scraper", block: true, records: []model.RawRecord{{Name: "Acme Cafe"}, {Name: "Beta Books"}}}

	run, err := newEngine(Config{}, s).Start(context.Background(), request())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return run.Status().Collected == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.PhaseRunning, run.Status().Phase)
	assert.Equal(t, model.StateInFlight, run.Status().Strategies["scraper"])
	_, done := run.Result()
	assert.False(t, done)

	run.Stop()
	res := run.Wait()
	run.Stop()

	assert.Len(t, res.Records, 2)
	require.Len(t, res.Summary.Errors, 1)
	assert.Equal(t, model.ReasonCancelled, res.Summary.Errors[0].Reason)
	assert.Equal(t, model.PhaseComplete, run.Status().Phase)
	assert.Equal(t, model.StateFailed, run.Status().Strategies["scraper"])

	again, ok := run.Result()
	assert.True(t, ok)
	assert.Same(t, res, again)
}

func TestStopAfterLastLocationKeepsStrategyDone(t *testing.T) {
	runs := make(chan *Run, 1)
	finisher := &fakeStrategy{
		name:    "finisher",
		records: []model.RawRecord{{Name: "Acme Cafe", Phone: "+441611234567"}},
	}
	finisher.onEnd = func() { (<-runs).Stop() }

	run, err := newEngine(Config{StopGrace: time.Second}, finisher).Start(context.Background(), request())
	require.NoError(t, err)
	runs <- run
	res := run.Wait()

	assert.Equal(t, model.StateDone, res.Summary.Strategies["finisher"])
	assert.Empty(t, res.Summary.Errors)
	assert.Equal(t, 1, res.Summary.Merged)
	assert.False(t, res.Summary.Failed())
}

func TestParentCancellationIsCancelled(t *testing.T) {
	s := &fakeStrategy{name: "scraper", block: true}
	ctx, cancel := context.WithCancel(context.Background())

	run, err := newEngine(Config{}, s).Start(ctx, request())
	require.NoError(t, err)
	cancel()

	res := run.Wait()
	require.Len(t, res.Summary.Errors, 1)
	assert.Equal(t, model.ReasonCancelled, res.Summary.Errors[0].Reason)
}

func TestStuckStrategyIsAbandonedAfterGrace(t *testing.T) {
	stuck := &fakeStrategy{name: "stuck", stuck: make(chan struct{}), records: []model.RawRecord{{Name: "Acme Cafe"}}}
	defer close(stuck.stuck)

	req := request()
	req.Timeout = 20 * time.Millisecond
	res, err := newEngine(Config{StopGrace: 20 * time.Millisecond}, stuck).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, res.Records, 1)
	require.Len(t, res.Summary.Errors, 1)
	assert.Equal(t, model.ReasonTimeout, res.Summary.Errors[0].Reason)
}

func TestRunAcquiresEveryLocation(t *testing.T) {
	s := &fakeStrategy{name: "a", records: []model.RawRecord{{Name: "Acme Cafe"}}}

	req := request()
	req.Locations = []string{"Manchester, UK", " ", "Leeds, UK"}
	res, err := newEngine(Config{}, s).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int32(2), s.calls.Load())
	assert.Equal(t, 2, res.Summary.RawCounts["a"])
	assert.Equal(t, []string{"Manchester, UK", "Leeds, UK"}, res.Summary.Locations)
	// Same name with no corroborating location collapses.
	assert.Len(t, res.Records, 1)
}

func TestRunDropsInvalidRecords(t *testing.T) {
	s := &fakeStrategy{name: "a", records: []model.RawRecord{
		{Name: "Acme Cafe"},
		{Name: "   "},
		{Name: "!!!"},
	}}

	res, err := newEngine(Config{}, s).Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Summary.Invalid)
	assert.Equal(t, 1, res.Summary.Normalized)
	require.Len(t, res.Summary.Dropped, 2)
	assert.Equal(t, "a", res.Summary.Dropped[0].Source)
	assert.Len(t, res.Records, 1)
}

func TestRunOrderIndependent(t *testing.T) {
	build := func() []strategy.Strategy {
		var ss []strategy.Strategy
		for i := range 4 {
			var records []model.RawRecord
			for j := range 10 {
				records = append(records, model.RawRecord{
					Name:    fmt.Sprintf("Shop %d", (i*7+j)%12),
					Phone:   fmt.Sprintf("0161 000 %04d", (i+j)%9),
					Address: fmt.Sprintf("%d High St, Manchester M%d 1AA", j, j%3+1),
				})
			}
			ss = append(ss, &fakeStrategy{name: fmt.Sprintf("s%d", i), records: records})
		}
		return ss
	}

	sequential := request()
	sequential.Concurrency = 1
	first, err := newEngine(Config{}, build()...).Run(context.Background(), sequential)
	require.NoError(t, err)

	parallel := request()
	parallel.Concurrency = 4
	second, err := newEngine(Config{}, build()...).Run(context.Background(), parallel)
	require.NoError(t, err)

	assert.Equal(t, first.Records, second.Records)
	assert.Equal(t, first.Summary.DuplicatesCollapsed, second.Summary.DuplicatesCollapsed)
}

func TestStartValidatesRequest(t *testing.T) {
	e := newEngine(Config{}, &fakeStrategy{name: "a"})

	_, err := e.Start(context.Background(), Request{Locations: []string{"Leeds"}})
	assert.ErrorContains(t, err, "query is required")

	_, err = e.Start(context.Background(), Request{Query: "cafe", Locations: []string{" "}})
	assert.ErrorContains(t, err, "at least one location")

	_, err = e.Start(context.Background(), request("nope"))
	assert.ErrorContains(t, err, "unknown strategy")

	_, err = newEngine(Config{}).Start(context.Background(), request())
	assert.ErrorContains(t, err, "no strategies enabled")
}

func TestRunSelectsStrategies(t *testing.T) {
	a := &fakeStrategy{name: "a", records: []model.RawRecord{{Name: "From A"}}}
	b := &fakeStrategy{name: "b", records: []model.RawRecord{{Name: "From B"}}}

	res, err := newEngine(Config{}, a, b).Run(context.Background(), request("b"))
	require.NoError(t, err)

	assert.Equal(t, []string{"From B"}, recordNames(res.Records))
	assert.Equal(t, int32(0), a.calls.Load())
	assert.NotContains(t, res.Summary.Strategies, "a")
}

func TestBufferConcurrentAppend(t *testing.T) {
	buf := NewBuffer()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				buf.Append(Item{Record: model.RawRecord{Name: "x", Source: fmt.Sprintf("s%d", i%4)}, Seq: j})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2000, buf.Len())
	assert.Len(t, buf.Snapshot(), 2000)
	assert.Equal(t, 500, buf.Counts()["s0"])

	buf.Seal()
	assert.False(t, buf.Append(Item{Record: model.RawRecord{Name: "late"}}))
	assert.Equal(t, 2000, buf.Len())
}
