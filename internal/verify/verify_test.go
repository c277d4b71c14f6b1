package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/resilience"
	"github.com/sells-group/listings-cli/pkg/companieshouse"
	"github.com/sells-group/listings-cli/pkg/companieshouse/mocks"
)

func testConfig() Config {
	return Config{Retry: resilience.NewRetryConfig(2, 1, 1)}
}

var smileItem = companieshouse.SearchItem{
	CompanyNumber:  "01234567",
	Title:          "SMILE DENTAL LIMITED",
	CompanyStatus:  "active",
	CompanyType:    "ltd",
	AddressSnippet: "1 High St, Manchester, M1 1AA",
}

func TestCleanName(t *testing.T) {
	tests := map[string]string{
		"Smile Dental Ltd.":     "smile dental",
		"Joe's Cafe & Co.":      "joe s",
		"  Acme   Widgets PLC ": "acme widgets",
		"The Corner Shop":       "the corner",
		"Café Rouge Restaurant": "café rouge",
		"Ltd":                   "ltd",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanName(in), in)
	}
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 2.0/3.0, Score("Smile Dental", "", smileItem), 1e-9)
	assert.InDelta(t, 2.0/3.0+PostcodeBonus, Score("Smile Dental", "m11aa", smileItem), 1e-9)

	dissolved := smileItem
	dissolved.CompanyStatus = "dissolved"
	assert.InDelta(t, 2.0/3.0+PostcodeBonus-DissolvedPenalty, Score("Smile Dental", "M1 1AA", dissolved), 1e-9)

	other := companieshouse.SearchItem{Title: "BRIGHT IDEAS LTD"}
	assert.InDelta(t, 0.25, Score("Bright Teeth", "", other), 1e-9)
}

func TestBestMatch(t *testing.T) {
	weak := companieshouse.SearchItem{CompanyNumber: "9", Title: "SMILE HOLDINGS GROUP LIMITED"}

	best, score, ok := BestMatch("Smile Dental", "M1 1AA", []companieshouse.SearchItem{weak, smileItem}, DefaultThreshold)
	require.True(t, ok)
	assert.Equal(t, "01234567", best.CompanyNumber)
	assert.Greater(t, score, 0.9)

	_, _, ok = BestMatch("Smile Dental", "", []companieshouse.SearchItem{weak}, DefaultThreshold)
	assert.False(t, ok)

	_, _, ok = BestMatch("Smile Dental", "", nil, DefaultThreshold)
	assert.False(t, ok)
}

func TestBestMatch_ThresholdIsExclusive(t *testing.T) {
	// {a, b, c} vs {a, b, c, d, e}: 3/5 = 0.6 exactly.
	item := companieshouse.SearchItem{Title: "Alpha Beta Gamma Delta Epsilon"}
	_, score, ok := BestMatch("Alpha Beta Gamma", "", []companieshouse.SearchItem{item}, 0.6)
	assert.InDelta(t, 0.6, score, 1e-9)
	assert.False(t, ok)
}

func TestVerify_MatchWithProfile(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("SearchCompanies", mock.Anything, "smile dental", 20).Return([]companieshouse.SearchItem{smileItem}, nil).Once()
	client.On("GetCompany", mock.Anything, "01234567").Return(&companieshouse.Company{
		CompanyNumber:  "01234567",
		CompanyName:    "SMILE DENTAL LIMITED",
		CompanyStatus:  "active",
		Type:           "ltd",
		DateOfCreation: "2011-04-05",
		SICCodes:       []string{"86230"},
		RegisteredOfficeAddress: companieshouse.Address{
			AddressLine1: "1 High St", Locality: "Manchester", PostalCode: "M1 1AA",
		},
	}, nil).Once()

	v := New(client, testConfig())
	match, err := v.Verify(context.Background(), "Smile Dental Limited", "M1 1AA")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "01234567", match.Number)
	assert.Equal(t, "2011-04-05", match.IncorporatedOn)
	assert.Equal(t, []string{"86230"}, match.SICCodes)
	assert.Equal(t, "1 High St, Manchester, M1 1AA", match.RegisteredAddress)
	assert.InDelta(t, 1.0, match.Confidence, 1e-9, "confidence is capped at 1")
}

func TestVerify_ProfileMissingKeepsSearchFields(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("SearchCompanies", mock.Anything, "smile dental", 20).Return([]companieshouse.SearchItem{smileItem}, nil)
	client.On("GetCompany", mock.Anything, "01234567").Return(nil, companieshouse.ErrNotFound).Once()

	match, err := New(client, testConfig()).Verify(context.Background(), "Smile Dental", "")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "SMILE DENTAL LIMITED", match.Name)
	assert.Equal(t, "1 High St, Manchester, M1 1AA", match.RegisteredAddress)
	assert.InDelta(t, 2.0/3.0, match.Confidence, 1e-9)
}

func TestVerify_NoMatch(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("SearchCompanies", mock.Anything, "bright teeth", 20).
		Return([]companieshouse.SearchItem{{CompanyNumber: "1", Title: "BRIGHT IDEAS LTD"}}, nil)

	match, err := New(client, testConfig()).Verify(context.Background(), "Bright Teeth", "")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestVerify_EmptyNameSkipsLookup(t *testing.T) {
	client := mocks.NewMockClient(t)
	match, err := New(client, testConfig()).Verify(context.Background(), " !! ", "")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestVerify_RetriesTransientErrors(t *testing.T) {
	client := mocks.NewMockClient(t)
	busy := resilience.StatusError("companieshouse", 429, "slow down")
	client.On("SearchCompanies", mock.Anything, "smile dental", 20).Return(nil, busy).Once()
	client.On("SearchCompanies", mock.Anything, "smile dental", 20).Return([]companieshouse.SearchItem{smileItem}, nil).Once()
	client.On("GetCompany", mock.Anything, "01234567").Return(nil, companieshouse.ErrNotFound)

	match, err := New(client, testConfig()).Verify(context.Background(), "Smile Dental", "")
	require.NoError(t, err)
	require.NotNil(t, match)
}

func TestVerify_PermanentErrorNotRetried(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("SearchCompanies", mock.Anything, "smile dental", 20).
		Return(nil, resilience.StatusError("companieshouse", 401, "bad key")).Once()

	_, err := New(client, testConfig()).Verify(context.Background(), "Smile Dental", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 401")
}

func TestEnrich(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("SearchCompanies", mock.Anything, "smile dental", 20).Return([]companieshouse.SearchItem{smileItem}, nil)
	client.On("GetCompany", mock.Anything, "01234567").Return(nil, companieshouse.ErrNotFound)
	client.On("SearchCompanies", mock.Anything, "bright teeth", 20).Return(nil, errors.New("boom"))

	already := &model.RegistryMatch{Number: "99"}
	records := []model.MergedRecord{
		{Name: "Smile Dental"},
		{Name: "Bright Teeth"},
		{Name: "Known Dental", Registry: already},
	}

	n, err := New(client, testConfig()).Enrich(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, records[0].Registry)
	assert.Equal(t, "01234567", records[0].Registry.Number)
	assert.Nil(t, records[1].Registry)
	assert.Same(t, already, records[2].Registry)
}

type fakeStore struct {
	mu      sync.Mutex
	due     []model.MergedRecord
	cutoff  time.Time
	checked map[int64]*model.RegistryMatch
}

func (f *fakeStore) Unverified(_ context.Context, before time.Time, limit int) ([]model.MergedRecord, error) {
	f.cutoff = before
	if limit < len(f.due) {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeStore) SetRegistry(_ context.Context, id int64, match *model.RegistryMatch, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked[id] = match
	return nil
}

func TestSweep(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("SearchCompanies", mock.Anything, "smile dental", 20).Return([]companieshouse.SearchItem{smileItem}, nil)
	client.On("GetCompany", mock.Anything, "01234567").Return(nil, companieshouse.ErrNotFound)
	client.On("SearchCompanies", mock.Anything, "bright teeth", 20).Return([]companieshouse.SearchItem{}, nil)
	client.On("SearchCompanies", mock.Anything, "broken", 20).Return(nil, errors.New("boom"))

	st := &fakeStore{
		due: []model.MergedRecord{
			{ID: 1, Name: "Smile Dental", Postcode: "M1 1AA"},
			{ID: 2, Name: "Bright Teeth"},
			{ID: 3, Name: "Broken"},
		},
		checked: map[int64]*model.RegistryMatch{},
	}

	v := New(client, testConfig())
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return fixed }

	res, err := v.Sweep(context.Background(), st, 30*24*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 2, Matched: 1, Failed: 1}, res)
	assert.Equal(t, fixed.Add(-30*24*time.Hour), st.cutoff)

	require.Contains(t, st.checked, int64(1))
	assert.Equal(t, "01234567", st.checked[1].Number)
	require.Contains(t, st.checked, int64(2))
	assert.Nil(t, st.checked[2])
	assert.NotContains(t, st.checked, int64(3), "failed lookups stay due")
}
