// Package companieshouse is a client for the Companies House public data API.
package companieshouse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/listings-cli/internal/resilience"
)

const defaultBaseURL = "https://api.company-information.service.gov.uk"

// defaultRate matches the documented limit of 600 requests per 5 minutes.
const defaultRate = rate.Limit(2)

// ErrNotFound is returned when a company number does not exist.
var ErrNotFound = eris.New("companieshouse: company not found")

// Client performs Companies House API operations.
type Client interface {
	SearchCompanies(ctx context.Context, query string, itemsPerPage int) ([]SearchItem, error)
	GetCompany(ctx context.Context, number string) (*Company, error)
}

// SearchItem is one result of a company search.
type SearchItem struct {
	CompanyNumber  string `json:"company_number"`
	Title          string `json:"title"`
	CompanyStatus  string `json:"company_status"`
	CompanyType    string `json:"company_type"`
	AddressSnippet string `json:"address_snippet"`
	DateOfCreation string `json:"date_of_creation,omitempty"`
}

type searchResponse struct {
	Items        []SearchItem `json:"items"`
	TotalResults int          `json:"total_results"`
}

// Company is the company profile resource.
type Company struct {
	CompanyNumber           string   `json:"company_number"`
	CompanyName             string   `json:"company_name"`
	CompanyStatus           string   `json:"company_status"`
	Type                    string   `json:"type"`
	DateOfCreation          string   `json:"date_of_creation,omitempty"`
	SICCodes                []string `json:"sic_codes,omitempty"`
	RegisteredOfficeAddress Address  `json:"registered_office_address"`
}

// Address is a registered office address.
type Address struct {
	AddressLine1 string `json:"address_line_1,omitempty"`
	AddressLine2 string `json:"address_line_2,omitempty"`
	Locality     string `json:"locality,omitempty"`
	Region       string `json:"region,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
}

// String joins the populated address parts with commas.
func (a Address) String() string {
	out := ""
	for _, part := range []string{a.AddressLine1, a.AddressLine2, a.Locality, a.Region, a.PostalCode, a.Country} {
		if part == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += part
	}
	return out
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the request rate in requests per second. Values <= 0
// disable limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Companies House API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(defaultRate, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchCompanies(ctx context.Context, query string, itemsPerPage int) ([]SearchItem, error) {
	if itemsPerPage <= 0 {
		itemsPerPage = 20
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("items_per_page", strconv.Itoa(itemsPerPage))

	var out searchResponse
	if err := c.get(ctx, "/search/companies?"+params.Encode(), &out); err != nil {
		return nil, eris.Wrapf(err, "companieshouse: search %q", query)
	}
	return out.Items, nil
}

func (c *httpClient) GetCompany(ctx context.Context, number string) (*Company, error) {
	var out Company
	if err := c.get(ctx, "/company/"+url.PathEscape(number), &out); err != nil {
		return nil, eris.Wrapf(err, "companieshouse: get company %s", number)
	}
	return &out, nil
}

func (c *httpClient) get(ctx context.Context, path string, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "companieshouse: rate limit")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "companieshouse: create request")
	}
	// The API key is the basic auth username with an empty password.
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "companieshouse: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "companieshouse: read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return resilience.StatusError("companieshouse", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return eris.Wrap(err, "companieshouse: unmarshal response")
	}
	return nil
}
