package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listings-cli/internal/aggregate"
	"github.com/sells-group/listings-cli/internal/config"
	"github.com/sells-group/listings-cli/internal/quality"
	"github.com/sells-group/listings-cli/internal/store"
	"github.com/sells-group/listings-cli/internal/strategy"
	"github.com/sells-group/listings-cli/internal/verify"
	"github.com/sells-group/listings-cli/internal/webscrape"
	"github.com/sells-group/listings-cli/pkg/companieshouse"
	"github.com/sells-group/listings-cli/pkg/google"
)

// initStore opens and migrates the configured store. Callers should defer
// st.Close().
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newSource picks the upstream the strategies search: the Places API when a
// key is configured, otherwise the rendered-page scraper.
func newSource(c *config.Config) (strategy.Source, float64) {
	if c.Google.Key != "" {
		zap.L().Info("using google places source")
		client := google.NewClient(c.Google.Key, google.WithBaseURL(c.Google.BaseURL))
		return strategy.NewPlacesSource(client), c.Google.RateLimit
	}
	zap.L().Info("using web listing source", zap.String("search_url", c.Web.SearchURL))
	return webscrape.New(c.Web), c.Web.RateLimit
}

// newEngine builds the aggregation engine from configuration.
func newEngine(c *config.Config) (*aggregate.Engine, error) {
	catalog, err := strategy.LoadCatalog(c.Industries.Path)
	if err != nil {
		return nil, err
	}
	scorer, err := quality.NewScorer(quality.FromConfig(c.Quality))
	if err != nil {
		return nil, err
	}

	src, rps := newSource(c)
	registry := strategy.NewDefaultRegistry(src, catalog, strategy.OptionsFromConfig(c.Strategy, rps))
	ecfg := aggregate.ConfigFrom(c)
	if len(c.Aggregate.Strategies) > 0 {
		if _, err := registry.Select(c.Aggregate.Strategies); err != nil {
			return nil, eris.Wrap(err, "aggregate.strategies")
		}
	}
	return aggregate.NewEngine(registry, scorer, ecfg), nil
}

// newVerifier returns nil when no Companies House key is configured.
func newVerifier(c *config.Config) *verify.Verifier {
	if c.CompaniesHouse.Key == "" {
		zap.L().Debug("LISTINGS_COMPANIES_HOUSE_KEY not set, registry verification disabled")
		return nil
	}
	client := companieshouse.NewClient(c.CompaniesHouse.Key,
		companieshouse.WithBaseURL(c.CompaniesHouse.BaseURL),
		companieshouse.WithRateLimit(c.CompaniesHouse.RateLimit),
	)
	return verify.New(client, verify.ConfigFrom(c))
}

// runner starts runs and persists what they produce. It is shared by the
// aggregate command and the HTTP server.
type runner struct {
	engine     *aggregate.Engine
	store      store.Store
	verifier   *verify.Verifier // nil disables registry enrichment
	strategies []string         // used when a request names none
}

func (r *runner) start(ctx context.Context, req aggregate.Request) (*aggregate.Run, error) {
	if len(req.Strategies) == 0 {
		req.Strategies = r.strategies
	}
	return r.engine.Start(ctx, req)
}

// finish enriches a completed run's records with registry matches and saves
// them with the run summary.
func (r *runner) finish(ctx context.Context, res *aggregate.Result) ([]store.SaveResult, error) {
	if r.verifier != nil && len(res.Records) > 0 {
		n, err := r.verifier.Enrich(ctx, res.Records)
		if err != nil {
			zap.L().Warn("registry enrichment stopped", zap.String("run_id", res.Summary.RunID), zap.Error(err))
		}
		zap.L().Info("registry enrichment complete",
			zap.String("run_id", res.Summary.RunID),
			zap.Int("matched", n),
			zap.Int("records", len(res.Records)),
		)
	}

	var saved []store.SaveResult
	if len(res.Records) > 0 {
		var err error
		saved, err = r.store.SaveListings(ctx, groupKey(res.Summary.Query, res.Summary.Locations), res.Records)
		if err != nil {
			return nil, eris.Wrap(err, "save listings")
		}
		for _, s := range saved {
			if s.Err != nil {
				zap.L().Warn("listing not saved", zap.String("name", s.Name), zap.Error(s.Err))
			}
		}
	}
	if err := r.store.SaveRun(ctx, res.Summary); err != nil {
		return saved, eris.Wrap(err, "save run")
	}
	return saved, nil
}

// groupKey is the persistence key for a run: the query and its locations in
// request order.
func groupKey(query string, locations []string) store.GroupKey {
	return store.GroupKey{Industry: query, Location: strings.Join(locations, "; ")}
}
