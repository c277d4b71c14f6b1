// Package model holds the record types shared across the aggregation pipeline.
package model

import (
	"slices"
	"strings"
)

// RawRecord is a candidate listing as emitted by one acquisition strategy.
// It is minimally structured and never mutated after emission.
type RawRecord struct {
	Name         string   `json:"name"`
	Address      string   `json:"address,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	Website      string   `json:"website,omitempty"`
	Email        string   `json:"email,omitempty"`
	Source       string   `json:"source"`              // strategy that produced the record
	SourceID     string   `json:"source_id,omitempty"` // opaque upstream id, e.g. a Google place id
	Rating       *float64 `json:"rating,omitempty"`
	ReviewCount  *int     `json:"review_count,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	OpeningHours string   `json:"opening_hours,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`

	SearchTerm     string `json:"search_term,omitempty"`
	SearchLocation string `json:"search_location,omitempty"`
}

// Postcode is a UK postcode split into its outward and inward codes.
type Postcode struct {
	Outward string `json:"outward"`
	Inward  string `json:"inward"`
}

// String returns the canonical "OUTWARD INWARD" form.
func (p Postcode) String() string {
	return p.Outward + " " + p.Inward
}

// NormalizedRecord is the canonical, comparable form of a RawRecord.
// Every field is derived deterministically from Raw.
type NormalizedRecord struct {
	DisplayName string    // whitespace-collapsed, original case
	NameKey     string    // lower-cased, accent-folded comparison form
	Tokens      []string  // sorted unique name tokens
	Phone       string    // +44 national form, "" if absent
	Postcode    *Postcode // nil if absent
	Website     string    // canonical https URL, "" if absent
	Host        string    // match key derived from Website, "" for shared hosts
	Email       string

	Raw RawRecord

	// Priority is the position of Raw.Source in the configured strategy
	// order; Seq is the emission index within that strategy.
	Priority int
	Seq      int
}

// FieldCount returns the number of populated fields, used as the first
// representative tie-break.
func (n NormalizedRecord) FieldCount() int {
	count := 0
	if n.DisplayName != "" {
		count++
	}
	if strings.TrimSpace(n.Raw.Address) != "" {
		count++
	}
	if n.Postcode != nil {
		count++
	}
	if n.Phone != "" {
		count++
	}
	if n.Website != "" {
		count++
	}
	if n.Email != "" {
		count++
	}
	if len(n.Raw.Categories) > 0 {
		count++
	}
	if n.Raw.Rating != nil {
		count++
	}
	if strings.TrimSpace(n.Raw.OpeningHours) != "" {
		count++
	}
	return count
}

// Popularity returns rating × review count, the second representative tie-break.
func (n NormalizedRecord) Popularity() float64 {
	if n.Raw.Rating == nil || n.Raw.ReviewCount == nil {
		return 0
	}
	return *n.Raw.Rating * float64(*n.Raw.ReviewCount)
}

// DuplicateGroup is a set of records judged to describe one business.
type DuplicateGroup struct {
	Members        []NormalizedRecord
	Representative int // index into Members
}

// Rep returns the group's representative record.
func (g DuplicateGroup) Rep() NormalizedRecord {
	return g.Members[g.Representative]
}

// QualityScore is a weighted completeness metric in [0,1].
type QualityScore float64

// RegistryMatch is the authoritative registry entity matched to a listing.
type RegistryMatch struct {
	Number            string   `json:"number"`
	Name              string   `json:"name"`
	Status            string   `json:"status,omitempty"`
	Type              string   `json:"type,omitempty"`
	IncorporatedOn    string   `json:"incorporated_on,omitempty"`
	SICCodes          []string `json:"sic_codes,omitempty"`
	RegisteredAddress string   `json:"registered_address,omitempty"`
	Confidence        float64  `json:"confidence"`
}

// MergedRecord is the final per-business record assembled from the
// best-populated members of one DuplicateGroup.
type MergedRecord struct {
	ID           int64          `json:"id,omitempty"`
	Name         string         `json:"name"`
	Address      string         `json:"address,omitempty"`
	Postcode     string         `json:"postcode,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Website      string         `json:"website,omitempty"`
	Host         string         `json:"host,omitempty"`
	Email        string         `json:"email,omitempty"`
	Categories   []string       `json:"categories,omitempty"`
	Rating       *float64       `json:"rating,omitempty"`
	ReviewCount  *int           `json:"review_count,omitempty"`
	OpeningHours string         `json:"opening_hours,omitempty"`
	Latitude     *float64       `json:"latitude,omitempty"`
	Longitude    *float64       `json:"longitude,omitempty"`
	SourceIDs    []string       `json:"source_ids,omitempty"`
	Sources      []string       `json:"sources"`
	Quality      QualityScore   `json:"quality_score"`
	Registry     *RegistryMatch `json:"registry,omitempty"`

	// Industry and Location are set by the persistence layer from the
	// grouping key; they are empty on freshly merged records.
	Industry string `json:"industry,omitempty"`
	Location string `json:"location,omitempty"`
}

// OutwardCode returns the outward half of the record's postcode, if any.
func (m MergedRecord) OutwardCode() string {
	out, _, _ := strings.Cut(m.Postcode, " ")
	return out
}

// SameFields reports whether two records carry identical listing data,
// ignoring surrogate keys and the grouping key.
func (m MergedRecord) SameFields(o MergedRecord) bool {
	return m.Name == o.Name &&
		m.Address == o.Address &&
		m.Postcode == o.Postcode &&
		m.Phone == o.Phone &&
		m.Website == o.Website &&
		m.Host == o.Host &&
		m.Email == o.Email &&
		m.OpeningHours == o.OpeningHours &&
		slices.Equal(m.Categories, o.Categories) &&
		slices.Equal(m.Sources, o.Sources) &&
		slices.Equal(m.SourceIDs, o.SourceIDs) &&
		equalFloat(m.Rating, o.Rating) &&
		equalInt(m.ReviewCount, o.ReviewCount) &&
		equalFloat(m.Latitude, o.Latitude) &&
		equalFloat(m.Longitude, o.Longitude) &&
		m.Quality == o.Quality
}

func equalFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
