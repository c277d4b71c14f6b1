// Package quality scores merged listings by field completeness.
package quality

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listings-cli/internal/config"
	"github.com/sells-group/listings-cli/internal/model"
)

// Weights are the per-field contributions to a QualityScore. Contact fields
// carry the most weight.
type Weights struct {
	Phone        float64
	Website      float64
	Email        float64
	Address      float64
	Categories   float64
	Rating       float64
	OpeningHours float64
	Name         float64
}

// DefaultWeights returns the standard weights. They sum to 1.0.
func DefaultWeights() Weights {
	return Weights{
		Phone:        0.20,
		Website:      0.15,
		Email:        0.10,
		Address:      0.15,
		Categories:   0.10,
		Rating:       0.10,
		OpeningHours: 0.10,
		Name:         0.10,
	}
}

// FromConfig converts configured weights.
func FromConfig(c config.QualityConfig) Weights {
	return Weights{
		Phone:        c.Phone,
		Website:      c.Website,
		Email:        c.Email,
		Address:      c.Address,
		Categories:   c.Categories,
		Rating:       c.Rating,
		OpeningHours: c.OpeningHours,
		Name:         c.Name,
	}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Phone + w.Website + w.Email + w.Address + w.Categories + w.Rating + w.OpeningHours + w.Name
}

// Validate checks that every weight is non-negative and that they sum to 1.
func (w Weights) Validate() error {
	var errs []string
	for name, v := range map[string]float64{
		"phone": w.Phone, "website": w.Website, "email": w.Email, "address": w.Address,
		"categories": w.Categories, "rating": w.Rating, "opening_hours": w.OpeningHours, "name": w.Name,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s weight must be >= 0", name))
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > 1e-9 {
		errs = append(errs, fmt.Sprintf("weights sum to %.4f, want 1.0", sum))
	}
	if len(errs) > 0 {
		return eris.Errorf("quality: invalid weights: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Scorer computes QualityScores. It is a pure function of a record's fields.
type Scorer struct {
	w Weights
}

// NewScorer returns a Scorer after validating w.
func NewScorer(w Weights) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{w: w}, nil
}

// Score returns the sum of weights for the fields present on r, rounded to
// four decimal places and clamped to [0,1].
func (s *Scorer) Score(r model.MergedRecord) model.QualityScore {
	var total float64
	if strings.TrimSpace(r.Name) != "" {
		total += s.w.Name
	}
	if r.Phone != "" {
		total += s.w.Phone
	}
	if r.Website != "" {
		total += s.w.Website
	}
	if r.Email != "" {
		total += s.w.Email
	}
	if r.Postcode != "" || strings.TrimSpace(r.Address) != "" {
		total += s.w.Address
	}
	if len(r.Categories) > 0 {
		total += s.w.Categories
	}
	if r.Rating != nil {
		total += s.w.Rating
	}
	if strings.TrimSpace(r.OpeningHours) != "" {
		total += s.w.OpeningHours
	}

	total = math.Round(total*10000) / 10000
	return model.QualityScore(math.Max(0, math.Min(1, total)))
}

// Rescore recomputes the score of each record in place.
func (s *Scorer) Rescore(records []model.MergedRecord) {
	for i := range records {
		records[i].Quality = s.Score(records[i])
	}
}
