package strategy

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/pkg/google"
)

const (
	placesPageSize   = 20
	placesRegionCode = "GB"
)

// genericPlaceTypes carry no category information.
var genericPlaceTypes = []string{"establishment", "point_of_interest"}

// PlacesSource answers searches with the Google Places Text Search API.
type PlacesSource struct {
	client google.Client

	mu      sync.Mutex
	centers map[string]google.LatLng
}

// NewPlacesSource wraps a Places client.
func NewPlacesSource(client google.Client) *PlacesSource {
	return &PlacesSource{
		client:  client,
		centers: make(map[string]google.LatLng),
	}
}

// Search implements Source. A positive radius biases results to a circle
// around the location's resolved center; if the location cannot be
// resolved the search runs unbiased.
func (s *PlacesSource) Search(ctx context.Context, req SearchRequest) (SearchPage, error) {
	text := req.Text
	if req.Location != "" {
		text = req.Text + " in " + req.Location
	}

	in := google.TextSearchRequest{
		TextQuery:  text,
		PageSize:   placesPageSize,
		PageToken:  req.PageToken,
		RegionCode: placesRegionCode,
	}
	if req.RadiusMeters > 0 && req.Location != "" {
		center, ok, err := s.locate(ctx, req.Location)
		if err != nil {
			return SearchPage{}, err
		}
		if ok {
			in.LocationBias = &google.LocationBias{Circle: &google.Circle{Center: center, Radius: req.RadiusMeters}}
		}
	}

	resp, err := s.client.TextSearch(ctx, in)
	if err != nil {
		return SearchPage{}, err
	}

	page := SearchPage{NextPageToken: resp.NextPageToken}
	for _, p := range resp.Places {
		if p.BusinessStatus == "CLOSED_PERMANENTLY" || strings.TrimSpace(p.DisplayName.Text) == "" {
			continue
		}
		page.Records = append(page.Records, placeRecord(p))
	}
	return page, nil
}

// locate resolves a location label to coordinates, caching successes.
func (s *PlacesSource) locate(ctx context.Context, location string) (google.LatLng, bool, error) {
	key := strings.ToLower(strings.TrimSpace(location))

	s.mu.Lock()
	center, ok := s.centers[key]
	s.mu.Unlock()
	if ok {
		return center, true, nil
	}

	resp, err := s.client.TextSearch(ctx, google.TextSearchRequest{
		TextQuery:  location,
		PageSize:   1,
		RegionCode: placesRegionCode,
	})
	if err != nil {
		return google.LatLng{}, false, err
	}
	if len(resp.Places) == 0 || resp.Places[0].Location == nil {
		zap.L().Debug("places: location not resolved", zap.String("location", location))
		return google.LatLng{}, false, nil
	}

	center = *resp.Places[0].Location
	s.mu.Lock()
	s.centers[key] = center
	s.mu.Unlock()
	return center, true, nil
}

func placeRecord(p google.Place) model.RawRecord {
	r := model.RawRecord{
		Name:     p.DisplayName.Text,
		Address:  p.FormattedAddress,
		Phone:    p.NationalPhoneNumber,
		Website:  p.WebsiteURI,
		SourceID: p.ID,
	}
	if r.Phone == "" {
		r.Phone = p.InternationalPhoneNumber
	}
	// The API omits rating fields for unrated places.
	if p.Rating > 0 || p.UserRatingCount > 0 {
		rating, count := p.Rating, p.UserRatingCount
		r.Rating = &rating
		r.ReviewCount = &count
	}
	for _, t := range p.Types {
		if !slices.Contains(genericPlaceTypes, t) {
			r.Categories = append(r.Categories, t)
		}
	}
	if p.Location != nil {
		lat, lng := p.Location.Latitude, p.Location.Longitude
		r.Latitude = &lat
		r.Longitude = &lng
	}
	if p.RegularOpeningHours != nil {
		r.OpeningHours = strings.Join(p.RegularOpeningHours.WeekdayDescriptions, "; ")
	}
	return r
}
