// Package normalize canonicalizes raw listing fields into a comparable form.
package normalize

import (
	"net/url"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/listings-cli/internal/model"
)

var (
	whitespaceRe    = regexp.MustCompile(`\s+`)
	trailingJunkRe  = regexp.MustCompile(`[·•\-\s]+$`)
	labelPrefixRe   = regexp.MustCompile(`(?i)^(address|phone|tel|website|email):\s*`)
	trunkZeroRe     = regexp.MustCompile(`\(0\)`)
	phoneCharsRe    = regexp.MustCompile(`[^\d+]`)
	postcodeRe      = regexp.MustCompile(`\b([A-Z]{1,2}[0-9R][0-9A-Z]?)\s*([0-9][A-Z]{2})\b`)
	emailRe         = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	embeddedEmailRe = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
)

// Normalizer converts RawRecords into NormalizedRecords. It is safe for
// concurrent use and holds no mutable state after construction.
type Normalizer struct {
	sharedHosts map[string]bool
	priority    map[string]int
}

// New creates a Normalizer. sharedHosts are directory or social hosts that
// never serve as a match key. order gives each strategy's priority; sources
// not listed sort after every listed one.
func New(sharedHosts []string, order []string) *Normalizer {
	n := &Normalizer{
		sharedHosts: make(map[string]bool, len(sharedHosts)),
		priority:    make(map[string]int, len(order)),
	}
	for _, h := range sharedHosts {
		n.sharedHosts[strings.TrimPrefix(strings.ToLower(h), "www.")] = true
	}
	for i, name := range order {
		if _, ok := n.priority[name]; !ok {
			n.priority[name] = i
		}
	}
	return n
}

// Normalize canonicalizes r. seq is the record's emission index within its
// source. Only the name can invalidate a record; every other field degrades
// to absent.
func (n *Normalizer) Normalize(r model.RawRecord, seq int) (model.NormalizedRecord, error) {
	display := Name(r.Name)
	if display == "" {
		return model.NormalizedRecord{}, &model.InvalidRecordError{Source: r.Source, Name: r.Name, Reason: "empty name"}
	}
	key := NameKey(display)
	tokens := Tokens(key)
	if len(tokens) == 0 {
		return model.NormalizedRecord{}, &model.InvalidRecordError{Source: r.Source, Name: r.Name, Reason: "unparseable name"}
	}

	website := Website(r.Website)
	email := Email(r.Email)
	if email == "" {
		email = FindEmail(r.Name, r.Address, r.Website)
	}

	prio, ok := n.priority[r.Source]
	if !ok {
		prio = len(n.priority)
	}

	return model.NormalizedRecord{
		DisplayName: display,
		NameKey:     key,
		Tokens:      tokens,
		Phone:       Phone(r.Phone),
		Postcode:    ExtractPostcode(r.Address),
		Website:     website,
		Host:        n.host(website),
		Email:       email,
		Raw:         r,
		Priority:    prio,
		Seq:         seq,
	}, nil
}

func (n *Normalizer) host(website string) string {
	h := Host(website)
	if h == "" {
		return ""
	}
	// Subdomains of a shared host are shared too (m.facebook.com, uk.yelp.com).
	for candidate := h; strings.Contains(candidate, "."); {
		if n.sharedHosts[candidate] {
			return ""
		}
		_, candidate, _ = strings.Cut(candidate, ".")
	}
	return h
}

// Name trims, collapses whitespace and drops trailing separator characters.
func Name(s string) string {
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	return strings.TrimSpace(trailingJunkRe.ReplaceAllString(s, ""))
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NameKey returns the lower-cased, accent-folded comparison form of a name.
func NameKey(display string) string {
	folded, _, err := transform.String(foldAccents, display)
	if err != nil {
		folded = display
	}
	return strings.ToLower(folded)
}

// Tokens splits a name key on whitespace and returns the sorted set of
// tokens that contain at least one letter or digit, with surrounding
// punctuation trimmed.
func Tokens(key string) []string {
	fields := strings.Fields(key)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Phone returns the canonical +44 form of a UK phone number, or "" when the
// input does not have a recognisable shape.
func Phone(s string) string {
	s = labelPrefixRe.ReplaceAllString(strings.TrimSpace(s), "")
	s = trunkZeroRe.ReplaceAllString(s, "")
	plus := strings.HasPrefix(s, "+")
	digits := phoneCharsRe.ReplaceAllString(s, "")
	digits = strings.ReplaceAll(digits, "+", "")
	if !plus && strings.HasPrefix(digits, "00") {
		plus = true
		digits = digits[2:]
	}

	var national string
	switch {
	case plus:
		if !strings.HasPrefix(digits, "44") {
			return ""
		}
		national = digits[2:]
	case strings.HasPrefix(digits, "0"):
		national = digits[1:]
	default:
		national = digits
	}
	if len(national) < 9 || len(national) > 10 {
		return ""
	}
	return "+44" + national
}

// ExtractPostcode finds the first UK postcode in free text.
func ExtractPostcode(address string) *model.Postcode {
	m := postcodeRe.FindStringSubmatch(strings.ToUpper(address))
	if m == nil {
		return nil
	}
	return &model.Postcode{Outward: m[1], Inward: m[2]}
}

// Website returns the canonical https form of a URL, or "" if it does not
// look like a website.
func Website(s string) string {
	s = strings.ToLower(strings.TrimSpace(labelPrefixRe.ReplaceAllString(strings.TrimSpace(s), "")))
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return ""
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	switch {
	case strings.HasPrefix(s, "https://"):
	case strings.HasPrefix(s, "http://"):
		s = "https://" + strings.TrimPrefix(s, "http://")
	case strings.HasPrefix(s, "//"):
		s = "https:" + s
	case strings.Contains(s, "://"):
		return ""
	default:
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" || u.User != nil {
		return ""
	}
	host := u.Hostname()
	if !strings.Contains(host, ".") || strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return ""
	}
	return "https://" + u.Host + strings.TrimRight(u.EscapedPath(), "/")
}

// Host returns the match key of a canonical website: its host without a
// leading "www.".
func Host(website string) string {
	if website == "" {
		return ""
	}
	u, err := url.Parse(website)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// Email returns the lower-cased address if it has a local@domain.tld shape.
func Email(s string) string {
	s = strings.ToLower(strings.TrimSpace(labelPrefixRe.ReplaceAllString(strings.TrimSpace(s), "")))
	s = strings.TrimPrefix(s, "mailto:")
	if !emailRe.MatchString(s) {
		return ""
	}
	return s
}

// FindEmail returns the first email address embedded in any of the texts.
func FindEmail(texts ...string) string {
	for _, t := range texts {
		if m := embeddedEmailRe.FindString(t); m != "" {
			if e := Email(m); e != "" {
				return e
			}
		}
	}
	return ""
}
