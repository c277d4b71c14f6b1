// Package webscrape reads business listings out of rendered search-result
// pages. It implements strategy.Source over any listing site whose results
// carry schema.org LocalBusiness microdata, or whatever the configured
// selectors describe.
package webscrape

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/listings-cli/internal/config"
	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/resilience"
	"github.com/sells-group/listings-cli/internal/strategy"
)

// Selectors locate listing fields on a results page. Field selectors are
// relative to Item.
type Selectors struct {
	Item        string
	Name        string
	Address     string
	Phone       string
	Website     string
	Email       string
	Rating      string
	ReviewCount string
	Category    string
	Hours       string
	Next        string // page-level link to the next results page
}

// DefaultSelectors match schema.org microdata.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:        `[itemscope][itemtype*="LocalBusiness"]`,
		Name:        `[itemprop="name"]`,
		Address:     `[itemprop="address"]`,
		Phone:       `[itemprop="telephone"]`,
		Website:     `[itemprop="url"]`,
		Email:       `[itemprop="email"]`,
		Rating:      `[itemprop="ratingValue"]`,
		ReviewCount: `[itemprop="reviewCount"]`,
		Category:    `[itemprop="category"]`,
		Hours:       `[itemprop="openingHours"]`,
		Next:        `a[rel="next"]`,
	}
}

// Option configures a Driver.
type Option func(*Driver)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Driver) { d.http = hc }
}

// WithSelectors overrides DefaultSelectors.
func WithSelectors(s Selectors) Option {
	return func(d *Driver) { d.sel = s }
}

// Driver fetches and parses listing pages.
type Driver struct {
	searchURL string
	userAgent string
	http      *http.Client
	sel       Selectors
}

var _ strategy.Source = (*Driver)(nil)

// New creates a Driver from web configuration. The search URL is a template
// with {query}, {location} and {page} placeholders.
func New(cfg config.WebConfig, opts ...Option) *Driver {
	d := &Driver{
		searchURL: cfg.SearchURL,
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: 30 * time.Second},
		sel:       DefaultSelectors(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Search implements strategy.Source. The page token is the absolute URL of
// the next results page.
func (d *Driver) Search(ctx context.Context, req strategy.SearchRequest) (strategy.SearchPage, error) {
	target := req.PageToken
	if target == "" {
		if d.searchURL == "" {
			return strategy.SearchPage{}, eris.New("webscrape: no search url configured")
		}
		target = strings.NewReplacer(
			"{query}", url.QueryEscape(req.Text),
			"{location}", url.QueryEscape(req.Location),
			"{page}", "1",
		).Replace(d.searchURL)
	}

	base, err := url.Parse(target)
	if err != nil {
		return strategy.SearchPage{}, eris.Wrapf(err, "webscrape: parse url %q", target)
	}

	doc, err := d.fetch(ctx, base)
	if err != nil {
		return strategy.SearchPage{}, err
	}

	page := Parse(doc, d.sel, base)
	zap.L().Debug("webscrape: parsed page",
		zap.String("url", target),
		zap.Int("records", len(page.Records)),
		zap.Bool("has_next", page.NextPageToken != ""),
	)
	return page, nil
}

func (d *Driver) fetch(ctx context.Context, u *url.URL) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "webscrape: create request")
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "webscrape: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, resilience.StatusError("webscrape", resp.StatusCode, string(body))
	}

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, eris.Wrap(err, "webscrape: parse html")
	}
	return doc, nil
}

// decodeBody converts a non-UTF-8 body to UTF-8 using the charset named in
// the Content-Type header.
func decodeBody(r io.Reader, contentType string) (io.Reader, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return r, nil
	}
	cs := strings.ToLower(params["charset"])
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return nil, eris.Wrapf(err, "webscrape: unsupported charset %q", cs)
	}
	return enc.NewDecoder().Reader(r), nil
}

// Parse extracts the listings and next-page link from doc. Relative links
// resolve against base.
func Parse(doc *goquery.Document, sel Selectors, base *url.URL) strategy.SearchPage {
	var page strategy.SearchPage

	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		r := model.RawRecord{
			Name:         text(item, sel.Name),
			Address:      text(item, sel.Address),
			Phone:        value(item, sel.Phone, "content", "href"),
			Website:      link(item, sel.Website, base),
			Email:        value(item, sel.Email, "content", "href"),
			OpeningHours: strings.Join(values(item, sel.Hours, "content"), "; "),
			Categories:   values(item, sel.Category, "content"),
		}
		r.Phone = strings.TrimPrefix(r.Phone, "tel:")
		r.Email = strings.TrimPrefix(r.Email, "mailto:")

		if v := value(item, sel.Rating, "content"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				r.Rating = &f
			}
		}
		if v := digits(value(item, sel.ReviewCount, "content")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				r.ReviewCount = &n
			}
		}
		if id, ok := item.Attr("itemid"); ok {
			r.SourceID = id
		}

		if r.Name != "" {
			page.Records = append(page.Records, r)
		}
	})

	if sel.Next != "" {
		page.NextPageToken = link(doc.Selection, sel.Next, base)
	}
	return page
}

func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(s.Find(selector).First().Text()), " ")
}

// value returns the first present attribute among attrs, falling back to text.
func value(s *goquery.Selection, selector string, attrs ...string) string {
	if selector == "" {
		return ""
	}
	el := s.Find(selector).First()
	for _, a := range attrs {
		if v, ok := el.Attr(a); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.Join(strings.Fields(el.Text()), " ")
}

func values(s *goquery.Selection, selector string, attr string) []string {
	if selector == "" {
		return nil
	}
	var out []string
	s.Find(selector).Each(func(_ int, el *goquery.Selection) {
		v, ok := el.Attr(attr)
		if !ok || strings.TrimSpace(v) == "" {
			v = el.Text()
		}
		if v = strings.Join(strings.Fields(v), " "); v != "" {
			out = append(out, v)
		}
	})
	return out
}

func link(s *goquery.Selection, selector string, base *url.URL) string {
	href := value(s, selector, "href", "content")
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	return u.String()
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
