package strategy

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/listings-cli/internal/config"
	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/resilience"
)

// Options bound the work each strategy does per Query.
type Options struct {
	RadiusMeters float64
	MaxPages     int
	MaxTerms     int
	MaxAreas     int
	KnownLimit   int

	// RateLimit is the per-strategy request rate in requests per second.
	// Zero or less disables limiting.
	RateLimit float64
	Retry     resilience.RetryConfig
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		RadiusMeters: 5000,
		MaxPages:     3,
		MaxTerms:     5,
		MaxAreas:     3,
		KnownLimit:   3,
		RateLimit:    0,
		Retry:        resilience.DefaultRetryConfig(),
	}
}

// OptionsFromConfig builds Options from configuration and the request rate
// of the Source the strategies will share.
func OptionsFromConfig(c config.StrategyConfig, rateLimit float64) Options {
	return Options{
		RadiusMeters: c.RadiusMeters,
		MaxPages:     c.MaxPages,
		MaxTerms:     c.MaxTerms,
		MaxAreas:     c.MaxAreas,
		KnownLimit:   c.KnownLimit,
		RateLimit:    rateLimit,
		Retry:        resilience.NewRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs),
	}
}

type emitFunc func(model.RawRecord) error

// stream runs fn in a goroutine and exposes its emissions as channels.
// Both channels are closed when fn returns.
func stream(ctx context.Context, name string, fn func(ctx context.Context, emit emitFunc) error) (<-chan model.RawRecord, <-chan error) {
	outCh := make(chan model.RawRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		emit := func(r model.RawRecord) error {
			if ctx.Err() != nil {
				return eris.Wrapf(ctx.Err(), "strategy %s: context cancelled", name)
			}
			select {
			case outCh <- r:
				return nil
			case <-ctx.Done():
				return eris.Wrapf(ctx.Err(), "strategy %s: context cancelled", name)
			}
		}

		if err := fn(ctx, emit); err != nil {
			errCh <- err
		}
	}()

	return outCh, errCh
}

// base carries what every variant shares: its Source, its own limiter and
// retry policy, and the exclusion filter.
type base struct {
	name    string
	src     Source
	catalog *Catalog
	opts    Options
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

func newBase(name string, src Source, catalog *Catalog, opts Options) base {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	retry := opts.Retry
	retry.OnRetry = resilience.RetryLogger(name, "search")
	return base{
		name:    name,
		src:     src,
		catalog: catalog,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		retry:   retry,
	}
}

// Name implements Strategy.
func (b *base) Name() string { return b.name }

// fetch requests one page, waiting on the limiter before every attempt.
func (b *base) fetch(ctx context.Context, req SearchRequest) (SearchPage, error) {
	page, err := resilience.DoVal(ctx, b.retry, func(ctx context.Context) (SearchPage, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return SearchPage{}, eris.Wrapf(err, "strategy %s: rate limit wait", b.name)
		}
		return b.src.Search(ctx, req)
	})
	if err != nil {
		return SearchPage{}, eris.Wrapf(err, "strategy %s: search %q in %q", b.name, req.Text, req.Location)
	}
	return page, nil
}

// pages follows page tokens for req until the final page or maxPages,
// passing each kept record to emit. It returns the number emitted.
func (b *base) pages(ctx context.Context, req SearchRequest, maxPages int, exclude []string, emit emitFunc) (int, error) {
	if maxPages <= 0 {
		maxPages = 1
	}
	emitted := 0
	for page := 0; page < maxPages; page++ {
		p, err := b.fetch(ctx, req)
		if err != nil {
			return emitted, err
		}
		for _, r := range p.Records {
			if excluded(r.Name, exclude) {
				continue
			}
			if err := emit(b.stamp(r, req)); err != nil {
				return emitted, err
			}
			emitted++
		}
		if p.NextPageToken == "" || len(p.Records) == 0 {
			break
		}
		req.PageToken = p.NextPageToken
	}

	zap.L().Debug("strategy search complete",
		zap.String("strategy", b.name),
		zap.String("text", req.Text),
		zap.String("location", req.Location),
		zap.Int("records", emitted),
	)
	return emitted, nil
}

// stamp records provenance on a record returned by the Source.
func (b *base) stamp(r model.RawRecord, req SearchRequest) model.RawRecord {
	r.Source = b.name
	if r.SearchTerm == "" {
		r.SearchTerm = req.Text
	}
	if r.SearchLocation == "" {
		r.SearchLocation = req.Location
	}
	return r
}

func excluded(name string, terms []string) bool {
	lower := strings.ToLower(name)
	for _, t := range terms {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
