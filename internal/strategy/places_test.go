package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listings-cli/pkg/google"
	"github.com/sells-group/listings-cli/pkg/google/mocks"
)

func manchester() *google.TextSearchResponse {
	return &google.TextSearchResponse{Places: []google.Place{{
		ID:       "ChIJ-manchester",
		Location: &google.LatLng{Latitude: 53.48, Longitude: -2.24},
	}}}
}

func TestPlacesSourceConvertsPlaces(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.TextQuery == "cafe in Leeds, UK"
	})).Return(&google.TextSearchResponse{
		Places: []google.Place{
			{
				ID:                       "ChIJ-acme",
				DisplayName:              google.DisplayName{Text: "Acme Cafe"},
				FormattedAddress:         "1 Briggate, Leeds LS1 6HD, UK",
				InternationalPhoneNumber: "+44 113 496 0000",
				WebsiteURI:               "https://acme.example.co.uk/",
				Rating:                   4.4,
				UserRatingCount:          88,
				Types:                    []string{"cafe", "point_of_interest", "establishment"},
				Location:                 &google.LatLng{Latitude: 53.79, Longitude: -1.54},
				RegularOpeningHours:      &google.OpeningHours{WeekdayDescriptions: []string{"Monday: 8AM-5PM", "Tuesday: 8AM-5PM"}},
			},
			{ID: "ChIJ-unrated", DisplayName: google.DisplayName{Text: "Quiet Cafe"}},
			{ID: "ChIJ-closed", DisplayName: google.DisplayName{Text: "Old Cafe"}, BusinessStatus: "CLOSED_PERMANENTLY"},
			{ID: "ChIJ-blank"},
		},
		NextPageToken: "next",
	}, nil).Once()

	page, err := NewPlacesSource(client).Search(context.Background(), SearchRequest{Text: "cafe", Location: "Leeds, UK"})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "next", page.NextPageToken)

	r := page.Records[0]
	assert.Equal(t, "Acme Cafe", r.Name)
	assert.Equal(t, "ChIJ-acme", r.SourceID)
	assert.Equal(t, "+44 113 496 0000", r.Phone)
	assert.Equal(t, []string{"cafe"}, r.Categories)
	require.NotNil(t, r.Rating)
	assert.InDelta(t, 4.4, *r.Rating, 0.001)
	require.NotNil(t, r.ReviewCount)
	assert.Equal(t, 88, *r.ReviewCount)
	require.NotNil(t, r.Latitude)
	assert.InDelta(t, 53.79, *r.Latitude, 0.001)
	assert.Equal(t, "Monday: 8AM-5PM; Tuesday: 8AM-5PM", r.OpeningHours)

	unrated := page.Records[1]
	assert.Nil(t, unrated.Rating)
	assert.Nil(t, unrated.ReviewCount)
	assert.Nil(t, unrated.Latitude)
}

func TestPlacesSourceRadiusBiasCachesCenter(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.TextQuery == "Manchester, UK" && r.PageSize == 1
	})).Return(manchester(), nil).Once()
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.TextQuery == "dentist in Manchester, UK" &&
			r.LocationBias != nil &&
			r.LocationBias.Circle.Radius == 2500 &&
			r.LocationBias.Circle.Center.Latitude == 53.48
	})).Return(&google.TextSearchResponse{}, nil).Twice()

	src := NewPlacesSource(client)
	req := SearchRequest{Text: "dentist", Location: "Manchester, UK", RadiusMeters: 2500}

	_, err := src.Search(context.Background(), req)
	require.NoError(t, err)
	req.PageToken = "page-2"
	_, err = src.Search(context.Background(), req)
	require.NoError(t, err)
}

func TestPlacesSourceUnresolvedLocationSearchesUnbiased(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageSize == 1
	})).Return(&google.TextSearchResponse{}, nil).Once()
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageSize == placesPageSize && r.LocationBias == nil
	})).Return(&google.TextSearchResponse{}, nil).Once()

	_, err := NewPlacesSource(client).Search(context.Background(), SearchRequest{Text: "x", Location: "Nowhere", RadiusMeters: 1000})
	require.NoError(t, err)
}

func TestPlacesSourcePropagatesErrors(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("TextSearch", mock.Anything, mock.Anything).Return(nil, errors.New("google: API error 403")).Once()

	_, err := NewPlacesSource(client).Search(context.Background(), SearchRequest{Text: "x"})
	assert.ErrorContains(t, err, "403")
}

func TestBroadRadiusOverPlaces(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageSize == 1
	})).Return(manchester(), nil).Once()
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageSize == placesPageSize && r.PageToken == ""
	})).Return(&google.TextSearchResponse{
		Places:        []google.Place{{ID: "a", DisplayName: google.DisplayName{Text: "Alpha Dental"}}},
		NextPageToken: "p2",
	}, nil).Once()
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageToken == "p2"
	})).Return(&google.TextSearchResponse{
		Places: []google.Place{{ID: "b", DisplayName: google.DisplayName{Text: "Beta Dental"}}},
	}, nil).Once()

	s := NewBroadRadius(NewPlacesSource(client), nil, testOptions())
	records, err := drain(t)(s.Acquire(context.Background(), Query{Industry: "dentist", Location: "Manchester, UK"}))

	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha Dental", "Beta Dental"}, names(records))
	assert.Equal(t, "a", records[0].SourceID)
	assert.Equal(t, BroadRadius, records[1].Source)
}
