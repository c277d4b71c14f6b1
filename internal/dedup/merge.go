package dedup

import (
	"slices"
	"strings"

	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/normalize"
)

// Merge assembles one MergedRecord from a group. Members are ranked best
// first and each field takes the first non-empty value in rank order, so a
// sparse representative still picks up contact details from the rest of the
// group. Categories, sources and source ids are unioned. Quality is left
// for the scorer.
func Merge(g model.DuplicateGroup) model.MergedRecord {
	ranked := slices.Clone(g.Members)
	slices.SortFunc(ranked, compareRank)

	var out model.MergedRecord
	if len(ranked) == 0 {
		return out
	}
	out.Name = ranked[0].DisplayName

	websiteSet := false
	for _, m := range ranked {
		if out.Address == "" {
			out.Address = cleanAddress(m.Raw.Address)
		}
		if out.Postcode == "" && m.Postcode != nil {
			out.Postcode = m.Postcode.String()
		}
		if out.Phone == "" {
			out.Phone = m.Phone
		}
		// Prefer a website that carries its own match key over a shared host.
		if !websiteSet && m.Host != "" {
			out.Website, out.Host = m.Website, m.Host
			websiteSet = true
		}
		if out.Email == "" {
			out.Email = m.Email
		}
		if out.Rating == nil && m.Raw.Rating != nil {
			out.Rating = copyFloat(m.Raw.Rating)
			out.ReviewCount = copyInt(m.Raw.ReviewCount)
		}
		if out.OpeningHours == "" {
			out.OpeningHours = strings.TrimSpace(m.Raw.OpeningHours)
		}
		if out.Latitude == nil && m.Raw.Latitude != nil && m.Raw.Longitude != nil {
			out.Latitude = copyFloat(m.Raw.Latitude)
			out.Longitude = copyFloat(m.Raw.Longitude)
		}
		out.Categories = appendClean(out.Categories, m.Raw.Categories...)
		out.Sources = appendClean(out.Sources, m.Raw.Source)
		out.SourceIDs = appendClean(out.SourceIDs, m.Raw.SourceID)
	}
	if !websiteSet {
		for _, m := range ranked {
			if m.Website != "" {
				out.Website = m.Website
				break
			}
		}
	}

	out.Categories = sortedSet(out.Categories)
	out.Sources = sortedSet(out.Sources)
	out.SourceIDs = sortedSet(out.SourceIDs)
	return out
}

func cleanAddress(s string) string {
	s = normalize.Name(s)
	if len(s) >= 8 && strings.EqualFold(s[:8], "address:") {
		s = strings.TrimSpace(s[8:])
	}
	return s
}

func appendClean(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

func sortedSet(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	slices.Sort(s)
	return slices.Compact(s)
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
