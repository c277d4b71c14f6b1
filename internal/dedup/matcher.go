// Package dedup groups near-duplicate listings and merges each group into a
// single record.
package dedup

import (
	"github.com/sells-group/listings-cli/internal/model"
)

// Config holds the similarity thresholds. It is passed by value and never
// mutated after construction.
type Config struct {
	// NameThreshold is the token Jaccard needed when both records carry
	// postcodes in the same outward code.
	NameThreshold float64
	// NameOnlyThreshold is the token Jaccard needed when either record has
	// no postcode.
	NameOnlyThreshold float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{NameThreshold: 0.6, NameOnlyThreshold: 0.8}
}

const epsilon = 1e-9

// Matcher decides whether two normalized records describe the same business.
type Matcher struct {
	cfg Config
}

// NewMatcher returns a Matcher using cfg.
func NewMatcher(cfg Config) Matcher {
	return Matcher{cfg: cfg}
}

// Config returns the thresholds in use.
func (m Matcher) Config() Config {
	return m.cfg
}

// Similar reports whether a and b are duplicates: equal phones, equal
// website hosts, or sufficiently similar names. Postcodes present on both
// sides must share an outward code for a name match; otherwise the stricter
// name-only threshold applies. Similar(a, b) == Similar(b, a).
func (m Matcher) Similar(a, b model.NormalizedRecord) bool {
	if a.Phone != "" && a.Phone == b.Phone {
		return true
	}
	if a.Host != "" && a.Host == b.Host {
		return true
	}

	j := Jaccard(a.Tokens, b.Tokens)
	if a.Postcode != nil && b.Postcode != nil {
		return a.Postcode.Outward == b.Postcode.Outward && j+epsilon >= m.cfg.NameThreshold
	}
	return j+epsilon >= m.cfg.NameOnlyThreshold
}

// Jaccard returns |a ∩ b| / |a ∪ b| for two sorted, duplicate-free token
// sets. Two empty sets score 0.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
