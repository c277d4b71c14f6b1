// Package verify matches listings against the Companies House register.
package verify

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listings-cli/internal/config"
	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/resilience"
	"github.com/sells-group/listings-cli/pkg/companieshouse"
)

// Config tunes matching and request behaviour.
type Config struct {
	MatchThreshold float64
	ItemsPerPage   int
	Concurrency    int
	Retry          resilience.RetryConfig
	Breaker        resilience.BreakerConfig
}

// ConfigFrom derives a verifier Config from application configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		MatchThreshold: c.CompaniesHouse.MatchThreshold,
		Concurrency:    c.Verify.Concurrency,
		Retry:          resilience.DefaultRetryConfig(),
	}
}

// Verifier looks up registry matches for listings.
type Verifier struct {
	client  companieshouse.Client
	cfg     Config
	breaker *resilience.Breaker
	now     func() time.Time
}

// New creates a Verifier over a Companies House client.
func New(client companieshouse.Client, cfg Config) *Verifier {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = DefaultThreshold
	}
	if cfg.ItemsPerPage <= 0 {
		cfg.ItemsPerPage = defaultPerPage
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultWorkers
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	cfg.Retry.OnRetry = resilience.RetryLogger("companieshouse", "verify")
	return &Verifier{
		client:  client,
		cfg:     cfg,
		breaker: resilience.NewBreaker(cfg.Breaker),
		now:     time.Now,
	}
}

// Verify finds the registry entity best matching a business name and
// optional postcode. It returns nil without error when nothing scores above
// the match threshold.
func (v *Verifier) Verify(ctx context.Context, name, postcode string) (*model.RegistryMatch, error) {
	query := CleanName(name)
	if query == "" {
		return nil, nil
	}

	items, err := call(ctx, v, func(ctx context.Context) ([]companieshouse.SearchItem, error) {
		return v.client.SearchCompanies(ctx, query, v.cfg.ItemsPerPage)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "verify: search %q", name)
	}

	best, score, ok := BestMatch(name, postcode, items, v.cfg.MatchThreshold)
	if !ok {
		zap.L().Debug("no registry match",
			zap.String("name", name),
			zap.Int("candidates", len(items)),
			zap.Float64("best_score", score),
		)
		return nil, nil
	}

	match := &model.RegistryMatch{
		Number:            best.CompanyNumber,
		Name:              best.Title,
		Status:            best.CompanyStatus,
		Type:              best.CompanyType,
		IncorporatedOn:    best.DateOfCreation,
		RegisteredAddress: best.AddressSnippet,
		Confidence:        math.Min(score, 1),
	}

	company, err := call(ctx, v, func(ctx context.Context) (*companieshouse.Company, error) {
		return v.client.GetCompany(ctx, best.CompanyNumber)
	})
	switch {
	case errors.Is(err, companieshouse.ErrNotFound):
		// Keep the search result fields.
	case err != nil:
		return nil, eris.Wrapf(err, "verify: get company %s", best.CompanyNumber)
	default:
		applyProfile(match, company)
	}
	return match, nil
}

func applyProfile(m *model.RegistryMatch, c *companieshouse.Company) {
	if c.CompanyName != "" {
		m.Name = c.CompanyName
	}
	if c.CompanyStatus != "" {
		m.Status = c.CompanyStatus
	}
	if c.Type != "" {
		m.Type = c.Type
	}
	if c.DateOfCreation != "" {
		m.IncorporatedOn = c.DateOfCreation
	}
	if addr := c.RegisteredOfficeAddress.String(); addr != "" {
		m.RegisteredAddress = addr
	}
	m.SICCodes = c.SICCodes
}

// call runs fn through the breaker with retries.
func call[T any](ctx context.Context, v *Verifier, fn func(ctx context.Context) (T, error)) (T, error) {
	return resilience.DoVal(ctx, v.cfg.Retry, func(ctx context.Context) (T, error) {
		return resilience.Guard(ctx, v.breaker, fn)
	})
}

// Enrich verifies each record in place, setting Registry on matches, and
// returns the number matched. Lookup failures are logged and leave the
// record unchanged.
func (v *Verifier) Enrich(ctx context.Context, records []model.MergedRecord) (int, error) {
	var (
		mu      sync.Mutex
		matched int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)

	for i := range records {
		if records[i].Registry != nil {
			continue
		}
		g.Go(func() error {
			match, err := v.Verify(gctx, records[i].Name, records[i].Postcode)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				zap.L().Warn("registry lookup failed", zap.String("name", records[i].Name), zap.Error(err))
				return nil
			}
			if match == nil {
				return nil
			}
			records[i].Registry = match
			mu.Lock()
			matched++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return matched, eris.Wrap(err, "verify: enrich")
	}
	return matched, nil
}

// ListingStore is the part of the store the sweep needs.
type ListingStore interface {
	Unverified(ctx context.Context, checkedBefore time.Time, limit int) ([]model.MergedRecord, error)
	SetRegistry(ctx context.Context, id int64, match *model.RegistryMatch, checkedAt time.Time) error
}

// SweepResult counts the listings handled by one sweep.
type SweepResult struct {
	Checked int `json:"checked"`
	Matched int `json:"matched"`
	Failed  int `json:"failed"`
}

// Sweep verifies up to limit stored listings that were never checked or
// were last checked more than maxAge ago. Listings whose lookup fails are
// left due for the next sweep.
func (v *Verifier) Sweep(ctx context.Context, st ListingStore, maxAge time.Duration, limit int) (SweepResult, error) {
	var res SweepResult
	now := v.now().UTC()

	due, err := st.Unverified(ctx, now.Add(-maxAge), limit)
	if err != nil {
		return res, eris.Wrap(err, "verify: list unverified")
	}
	zap.L().Info("verification sweep started", zap.Int("due", len(due)), zap.Duration("max_age", maxAge))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)

	for _, rec := range due {
		g.Go(func() error {
			match, err := v.Verify(gctx, rec.Name, rec.Postcode)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				zap.L().Warn("registry lookup failed", zap.Int64("listing_id", rec.ID), zap.Error(err))
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return nil
			}
			if err := st.SetRegistry(gctx, rec.ID, match, now); err != nil {
				return err
			}
			mu.Lock()
			res.Checked++
			if match != nil {
				res.Matched++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, eris.Wrap(err, "verify: sweep")
	}

	zap.L().Info("verification sweep complete",
		zap.Int("checked", res.Checked),
		zap.Int("matched", res.Matched),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
