// Package strategy implements the acquisition strategies that produce raw
// candidate listings for a (query, location) pair.
//
// Every strategy satisfies one contract: Acquire returns a finite stream of
// RawRecords in emission order plus at most one terminal error. A strategy
// retries transient upstream failures internally and rate-limits itself
// against its own Source; the orchestrator only sees Done or Failed.
package strategy

import (
	"context"

	"github.com/sells-group/listings-cli/internal/model"
)

// Strategy names, in default priority order.
const (
	BroadRadius    = "broad_radius"
	KeywordVariant = "keyword_variant"
	KnownEntity    = "known_entity"
	AltSubdivision = "alt_subdivision"
)

// Query is the logical target of one acquisition call.
type Query struct {
	Industry string // industry or free-text query label, e.g. "dentist"
	Location string // location label, e.g. "Manchester, UK"
}

// Strategy produces candidate records for a Query.
type Strategy interface {
	// Name returns the unique identifier recorded as RawRecord.Source.
	Name() string

	// Acquire starts a fresh stream for q. Both channels are closed when the
	// stream ends; the error channel yields at most one error. Acquire may be
	// called repeatedly with the same arguments.
	Acquire(ctx context.Context, q Query) (<-chan model.RawRecord, <-chan error)
}

// SearchRequest is one page request against a Source.
type SearchRequest struct {
	Text         string
	Location     string
	RadiusMeters float64 // > 0 asks for a circular location bias
	PageToken    string
}

// SearchPage is one page of results. An empty NextPageToken marks the
// final page.
type SearchPage struct {
	Records       []model.RawRecord
	NextPageToken string
}

// Source is an upstream capability that answers text searches, such as the
// Places API or a rendered listing page.
type Source interface {
	Search(ctx context.Context, req SearchRequest) (SearchPage, error)
}
