// Package store persists merged listings and run history.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listings-cli/internal/config"
	"github.com/sells-group/listings-cli/internal/model"
)

// GroupKey scopes a batch of listings to the industry and location it was
// aggregated for. Cross-run reconciliation only compares listings with the
// same key.
type GroupKey struct {
	Industry string `json:"industry"`
	Location string `json:"location"`
}

func (k GroupKey) clean() GroupKey {
	return GroupKey{
		Industry: strings.ToLower(strings.TrimSpace(k.Industry)),
		Location: strings.ToLower(strings.TrimSpace(k.Location)),
	}
}

func (k GroupKey) String() string {
	return k.Industry + "/" + k.Location
}

// Outcome is what happened to one record in SaveListings.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped" // already stored with identical fields
	OutcomeConflict Outcome = "conflict"
)

// SaveResult reports the outcome for one record. Err is a *ConflictError
// when Outcome is OutcomeConflict.
type SaveResult struct {
	Name    string  `json:"name"`
	ID      int64   `json:"id,omitempty"`
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
}

// ConflictError reports a record that matches more than one stored listing.
// Nothing is written for it.
type ConflictError struct {
	Name string
	Key  GroupKey
	IDs  []int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: %q matches %d listings in %s: %v", e.Name, len(e.IDs), e.Key, e.IDs)
}

// Tally counts results by outcome.
func Tally(results []SaveResult) map[Outcome]int {
	out := make(map[Outcome]int, 4)
	for _, r := range results {
		out[r.Outcome]++
	}
	return out
}

// ListingFilter specifies criteria for listing stored listings.
type ListingFilter struct {
	Industry string `json:"industry,omitempty"`
	Location string `json:"location,omitempty"`
	Limit    int    `json:"limit,omitempty"` // 0 returns every match
	Offset   int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Query  string `json:"query,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Stats summarises the stored data.
type Stats struct {
	Listings   int            `json:"listings"`
	Verified   int            `json:"verified"`
	Runs       int            `json:"runs"`
	ByIndustry map[string]int `json:"by_industry"`
}

// Store defines the persistence interface for listings and runs.
type Store interface {
	// Listings
	SaveListings(ctx context.Context, key GroupKey, records []model.MergedRecord) ([]SaveResult, error)
	ListListings(ctx context.Context, filter ListingFilter) ([]model.MergedRecord, error)
	Unverified(ctx context.Context, checkedBefore time.Time, limit int) ([]model.MergedRecord, error)
	SetRegistry(ctx context.Context, id int64, match *model.RegistryMatch, checkedAt time.Time) error

	// Runs
	SaveRun(ctx context.Context, summary model.RunSummary) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error)

	Stats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, nil)
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

const defaultRunLimit = 50
