package strategy

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/normalize"
)

// BroadRadiusStrategy runs one text search for the query biased to a circle
// around the location, following page tokens up to MaxPages.
type BroadRadiusStrategy struct {
	base
}

// NewBroadRadius creates the broad_radius strategy.
func NewBroadRadius(src Source, catalog *Catalog, opts Options) *BroadRadiusStrategy {
	return &BroadRadiusStrategy{base: newBase(BroadRadius, src, catalog, opts)}
}

// Acquire implements Strategy.
func (s *BroadRadiusStrategy) Acquire(ctx context.Context, q Query) (<-chan model.RawRecord, <-chan error) {
	return stream(ctx, s.name, func(ctx context.Context, emit emitFunc) error {
		req := SearchRequest{Text: q.Industry, Location: q.Location, RadiusMeters: s.opts.RadiusMeters}
		_, err := s.pages(ctx, req, s.opts.MaxPages, s.catalog.Exclusions(q.Industry), emit)
		return err
	})
}

// KeywordVariantStrategy searches each term variant of the industry. It is
// exhausted when the term list is.
type KeywordVariantStrategy struct {
	base
}

// NewKeywordVariant creates the keyword_variant strategy.
func NewKeywordVariant(src Source, catalog *Catalog, opts Options) *KeywordVariantStrategy {
	return &KeywordVariantStrategy{base: newBase(KeywordVariant, src, catalog, opts)}
}

// Acquire implements Strategy.
func (s *KeywordVariantStrategy) Acquire(ctx context.Context, q Query) (<-chan model.RawRecord, <-chan error) {
	return stream(ctx, s.name, func(ctx context.Context, emit emitFunc) error {
		exclude := s.catalog.Exclusions(q.Industry)
		for _, term := range s.catalog.Terms(q.Industry, s.opts.MaxTerms) {
			if _, err := s.pages(ctx, SearchRequest{Text: term, Location: q.Location}, 1, exclude, emit); err != nil {
				return err
			}
		}
		return nil
	})
}

// KnownEntityStrategy looks up the industry's known entities by name in the
// location, keeping up to KnownLimit hits per entity whose names share a
// token with the entity.
type KnownEntityStrategy struct {
	base
}

// NewKnownEntity creates the known_entity strategy.
func NewKnownEntity(src Source, catalog *Catalog, opts Options) *KnownEntityStrategy {
	return &KnownEntityStrategy{base: newBase(KnownEntity, src, catalog, opts)}
}

// Acquire implements Strategy.
func (s *KnownEntityStrategy) Acquire(ctx context.Context, q Query) (<-chan model.RawRecord, <-chan error) {
	return stream(ctx, s.name, func(ctx context.Context, emit emitFunc) error {
		limit := s.opts.KnownLimit
		if limit <= 0 {
			limit = 1
		}
		for _, entity := range s.catalog.KnownEntities(q.Industry) {
			want := normalize.Tokens(normalize.NameKey(entity))
			kept := 0
			_, err := s.pages(ctx, SearchRequest{Text: entity, Location: q.Location}, 1, nil, func(r model.RawRecord) error {
				if kept >= limit || !sharesToken(want, normalize.Tokens(normalize.NameKey(r.Name))) {
					return nil
				}
				kept++
				return emit(r)
			})
			if err != nil {
				return err
			}
			if kept == 0 {
				zap.L().Debug("known entity not found",
					zap.String("strategy", s.name),
					zap.String("entity", entity),
					zap.String("location", q.Location),
				)
			}
		}
		return nil
	})
}

// AltSubdivisionStrategy re-runs the query in alternate subdivisions of the
// location, at most MaxAreas of them.
type AltSubdivisionStrategy struct {
	base
}

// NewAltSubdivision creates the alt_subdivision strategy.
func NewAltSubdivision(src Source, catalog *Catalog, opts Options) *AltSubdivisionStrategy {
	return &AltSubdivisionStrategy{base: newBase(AltSubdivision, src, catalog, opts)}
}

// Acquire implements Strategy.
func (s *AltSubdivisionStrategy) Acquire(ctx context.Context, q Query) (<-chan model.RawRecord, <-chan error) {
	return stream(ctx, s.name, func(ctx context.Context, emit emitFunc) error {
		exclude := s.catalog.Exclusions(q.Industry)
		for _, area := range s.catalog.AreasFor(q.Location, s.opts.MaxAreas) {
			if _, err := s.pages(ctx, SearchRequest{Text: q.Industry, Location: area}, 1, exclude, emit); err != nil {
				return err
			}
		}
		return nil
	})
}

// sharesToken reports whether two sorted token sets intersect.
func sharesToken(a, b []string) bool {
	for _, t := range a {
		if _, ok := slices.BinarySearch(b, t); ok {
			return true
		}
	}
	return false
}

// NewDefaultRegistry registers the four variants over src in priority order.
func NewDefaultRegistry(src Source, catalog *Catalog, opts Options) *Registry {
	r := NewRegistry()
	r.Register(NewBroadRadius(src, catalog, opts))
	r.Register(NewKeywordVariant(src, catalog, opts))
	r.Register(NewKnownEntity(src, catalog, opts))
	r.Register(NewAltSubdivision(src, catalog, opts))
	return r
}
