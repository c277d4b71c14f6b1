// Package report summarises a set of listings.
package report

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listings-cli/internal/model"
)

const (
	topDistricts = 10
	unclassified = "unclassified"
)

// Count is a number of listings and its share of the total, in percent.
type Count struct {
	N       int     `json:"n"`
	Percent float64 `json:"percent"`
}

// Share is a named Count.
type Share struct {
	Name string `json:"name"`
	Count
}

// Report is the summary of a listing set.
type Report struct {
	GeneratedAt    time.Time `json:"generated_at"`
	Total          int       `json:"total"`
	AverageQuality float64   `json:"average_quality"`
	WithPhone      Count     `json:"with_phone"`
	WithWebsite    Count     `json:"with_website"`
	WithEmail      Count     `json:"with_email"`
	WithCoords     Count     `json:"with_coordinates"`
	Verified       Count     `json:"verified"`
	Industries     []Share   `json:"industries"`
	Districts      []Share   `json:"districts"` // top postcode districts
}

// Build computes the report for records.
func Build(records []model.MergedRecord, now time.Time) Report {
	r := Report{GeneratedAt: now.UTC(), Total: len(records)}

	var quality float64
	industries := map[string]int{}
	districts := map[string]int{}
	for _, rec := range records {
		quality += float64(rec.Quality)
		if rec.Phone != "" {
			r.WithPhone.N++
		}
		if rec.Website != "" {
			r.WithWebsite.N++
		}
		if rec.Email != "" {
			r.WithEmail.N++
		}
		if rec.Latitude != nil && rec.Longitude != nil {
			r.WithCoords.N++
		}
		if rec.Registry != nil {
			r.Verified.N++
		}
		industries[industryOf(rec)]++
		if d := rec.OutwardCode(); d != "" {
			districts[d]++
		}
	}
	if r.Total > 0 {
		r.AverageQuality = quality / float64(r.Total)
	}
	for _, c := range []*Count{&r.WithPhone, &r.WithWebsite, &r.WithEmail, &r.WithCoords, &r.Verified} {
		c.Percent = percent(c.N, r.Total)
	}

	r.Industries = ranked(industries, r.Total, 0)
	r.Districts = ranked(districts, r.Total, topDistricts)
	return r
}

func industryOf(rec model.MergedRecord) string {
	if rec.Industry != "" {
		return rec.Industry
	}
	if len(rec.Categories) > 0 {
		return rec.Categories[0]
	}
	return unclassified
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// ranked orders counts by descending size then name, keeping at most limit
// entries when limit > 0.
func ranked(counts map[string]int, total, limit int) []Share {
	out := make([]Share, 0, len(counts))
	for name, n := range counts {
		out = append(out, Share{Name: name, Count: Count{N: n, Percent: percent(n, total)}})
	}
	slices.SortFunc(out, func(a, b Share) int {
		return cmp.Or(cmp.Compare(b.N, a.N), cmp.Compare(a.Name, b.Name))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Render writes the report as plain text.
func Render(w io.Writer, r Report) error {
	var b strings.Builder
	rule := func(title string) {
		fmt.Fprintf(&b, "\n%s\n%s\n", title, strings.Repeat("-", len(title)))
	}
	count := func(label string, c Count) {
		fmt.Fprintf(&b, "%-18s %d (%.1f%%)\n", label+":", c.N, c.Percent)
	}

	b.WriteString("LISTINGS SUMMARY REPORT\n")
	b.WriteString(strings.Repeat("=", 50) + "\n")
	fmt.Fprintf(&b, "Generated: %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))

	rule("OVERALL")
	fmt.Fprintf(&b, "Total listings:    %d\n", r.Total)
	fmt.Fprintf(&b, "Average quality:   %.2f\n", r.AverageQuality)

	rule("CONTACT COMPLETENESS")
	count("With phone", r.WithPhone)
	count("With website", r.WithWebsite)
	count("With email", r.WithEmail)
	count("With coordinates", r.WithCoords)

	rule("REGISTRY VERIFICATION")
	count("Verified", r.Verified)

	rule("INDUSTRY DISTRIBUTION")
	for _, s := range r.Industries {
		fmt.Fprintf(&b, "%s: %d (%.1f%%)\n", s.Name, s.N, s.Percent)
	}

	rule(fmt.Sprintf("TOP POSTCODE DISTRICTS (%d)", topDistricts))
	for _, s := range r.Districts {
		fmt.Fprintf(&b, "%s: %d\n", s.Name, s.N)
	}

	_, err := io.WriteString(w, b.String())
	return eris.Wrap(err, "report: write")
}
