package verify

import (
	"regexp"
	"strings"

	"github.com/sells-group/listings-cli/internal/dedup"
	"github.com/sells-group/listings-cli/internal/normalize"
	"github.com/sells-group/listings-cli/pkg/companieshouse"
)

// Score components.
const (
	PostcodeBonus    = 0.3
	DissolvedPenalty = 0.5
	DefaultThreshold = 0.6
	statusDissolved  = "dissolved"
	defaultPerPage   = 20
	defaultWorkers   = 2
)

var (
	suffixRe  = regexp.MustCompile(`(?i)\s+(ltd\.?|limited|plc|llp|partnership|& co\.?|inc\.?|restaurant|cafe|shop|store)$`)
	nonWordRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// CleanName strips legal and trade suffixes and punctuation to form a
// registry search query.
func CleanName(name string) string {
	s := strings.ToLower(normalize.Name(name))
	for {
		trimmed := suffixRe.ReplaceAllString(s, "")
		if trimmed == s {
			break
		}
		s = trimmed
	}
	s = nonWordRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func nameTokens(s string) []string {
	return normalize.Tokens(normalize.NameKey(normalize.Name(s)))
}

// Score rates how well a search result matches a listing: the Jaccard
// similarity of the name tokens, plus PostcodeBonus when the postcode
// appears in the result's address, minus DissolvedPenalty for dissolved
// companies.
func Score(name, postcode string, item companieshouse.SearchItem) float64 {
	score := dedup.Jaccard(nameTokens(name), nameTokens(item.Title))

	pc := strings.ToLower(strings.ReplaceAll(postcode, " ", ""))
	addr := strings.ToLower(strings.ReplaceAll(item.AddressSnippet, " ", ""))
	if pc != "" && strings.Contains(addr, pc) {
		score += PostcodeBonus
	}
	if strings.EqualFold(item.CompanyStatus, statusDissolved) {
		score -= DissolvedPenalty
	}
	return score
}

// BestMatch returns the highest scoring item when its score exceeds
// threshold. Ties keep the earlier item.
func BestMatch(name, postcode string, items []companieshouse.SearchItem, threshold float64) (companieshouse.SearchItem, float64, bool) {
	var (
		best      companieshouse.SearchItem
		bestScore float64
		found     bool
	)
	for _, it := range items {
		s := Score(name, postcode, it)
		if !found || s > bestScore {
			best, bestScore, found = it, s, true
		}
	}
	if !found || bestScore <= threshold {
		return companieshouse.SearchItem{}, bestScore, false
	}
	return best, bestScore, true
}
