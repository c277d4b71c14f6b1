package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listings-cli/internal/resilience"
)

func TestTextSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/places:searchText", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "places.nationalPhoneNumber")
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "nextPageToken")

		var body TextSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cafe in Manchester, UK", body.TextQuery)
		assert.Equal(t, "GB", body.RegionCode)
		require.NotNil(t, body.LocationBias)
		require.NotNil(t, body.LocationBias.Circle)
		assert.InDelta(t, 53.48, body.LocationBias.Circle.Center.Latitude, 0.001)
		assert.InDelta(t, 5000, body.LocationBias.Circle.Radius, 0.001)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TextSearchResponse{
			Places: []Place{
				{
					ID:                  "ChIJ-acme",
					DisplayName:         DisplayName{Text: "Acme Cafe"},
					FormattedAddress:    "1 High St, Manchester M1 1AA, UK",
					NationalPhoneNumber: "0161 123 4567",
					WebsiteURI:          "https://acme.co.uk/",
					Rating:              4.5,
					UserRatingCount:     127,
					Types:               []string{"cafe", "food"},
					Location:            &LatLng{Latitude: 53.48, Longitude: -2.24},
					RegularOpeningHours: &OpeningHours{WeekdayDescriptions: []string{"Monday: 8AM-6PM"}},
				},
			},
			NextPageToken: "page-2",
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.TextSearch(context.Background(), TextSearchRequest{
		TextQuery:  "cafe in Manchester, UK",
		RegionCode: "GB",
		LocationBias: &LocationBias{Circle: &Circle{
			Center: LatLng{Latitude: 53.48, Longitude: -2.24},
			Radius: 5000,
		}},
	})

	require.NoError(t, err)
	require.Len(t, resp.Places, 1)
	p := resp.Places[0]
	assert.Equal(t, "ChIJ-acme", p.ID)
	assert.Equal(t, "Acme Cafe", p.DisplayName.Text)
	assert.Equal(t, "0161 123 4567", p.NationalPhoneNumber)
	assert.InDelta(t, 4.5, p.Rating, 0.001)
	assert.Equal(t, 127, p.UserRatingCount)
	assert.Equal(t, []string{"Monday: 8AM-6PM"}, p.RegularOpeningHours.WeekdayDescriptions)
	assert.Equal(t, "page-2", resp.NextPageToken)
}

func TestTextSearch_PageToken(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body TextSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		if body.PageToken == "" {
			_ = json.NewEncoder(w).Encode(TextSearchResponse{
				Places:        []Place{{ID: "place-1", DisplayName: DisplayName{Text: "First"}}},
				NextPageToken: "page-2",
			})
			return
		}
		assert.Equal(t, "page-2", body.PageToken)
		_ = json.NewEncoder(w).Encode(TextSearchResponse{
			Places: []Place{{ID: "place-2", DisplayName: DisplayName{Text: "Second"}}},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))

	resp, err := client.TextSearch(context.Background(), TextSearchRequest{TextQuery: "bakery"})
	require.NoError(t, err)
	assert.Equal(t, "place-1", resp.Places[0].ID)

	resp, err = client.TextSearch(context.Background(), TextSearchRequest{TextQuery: "bakery", PageToken: resp.NextPageToken})
	require.NoError(t, err)
	assert.Equal(t, "place-2", resp.Places[0].ID)
	assert.Empty(t, resp.NextPageToken)
	assert.Equal(t, 2, calls)
}

func TestTextSearch_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.TextSearch(context.Background(), TextSearchRequest{TextQuery: "nothing here"})

	require.NoError(t, err)
	assert.Empty(t, resp.Places)
}

func TestTextSearch_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": "invalid API key"}`))
	}))
	defer srv.Close()

	client := NewClient("bad-key", WithBaseURL(srv.URL))
	resp, err := client.TextSearch(context.Background(), TextSearchRequest{TextQuery: "test"})

	assert.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "403")
	assert.False(t, resilience.IsTransient(err))
}

func TestTextSearch_RateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.TextSearch(context.Background(), TextSearchRequest{TextQuery: "test"})

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestTextSearch_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.TextSearch(context.Background(), TextSearchRequest{TextQuery: "test"})
	assert.ErrorContains(t, err, "google: unmarshal response")
}

func TestTextSearch_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithHTTPClient(http.DefaultClient))
	resp, err := client.TextSearch(ctx, TextSearchRequest{TextQuery: "test"})

	assert.Error(t, err)
	assert.Nil(t, resp)
}
