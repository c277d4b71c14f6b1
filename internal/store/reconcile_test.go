package store

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listings-cli/internal/model"
)

// memWriter records writes without a database.
type memWriter struct {
	nextID  int64
	inserts int
	updates int
}

func (w *memWriter) insertListing(context.Context, GroupKey, listingRow, time.Time) (int64, error) {
	w.nextID++
	w.inserts++
	return w.nextID, nil
}

func (w *memWriter) updateListing(context.Context, int64, listingRow, time.Time) error {
	w.updates++
	return nil
}

func TestSameListing(t *testing.T) {
	base := listing("Smile Dental", "+441611234567", "smile.co.uk", "M1 1AA")

	tests := []struct {
		name string
		rec  model.MergedRecord
		want bool
	}{
		{"phone", listing("Other", "+441611234567", "", ""), true},
		{"host", listing("Other", "", "smile.co.uk", ""), true},
		{"name and postcode", listing("smile   DENTAL", "", "", "M1 1AA"), true},
		{"name only", listing("Smile Dental", "", "", ""), false},
		{"postcode only", listing("Other", "", "", "M1 1AA"), false},
		{"nothing shared", listing("Other", "+441619999999", "other.co.uk", "M9 9ZZ"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameListing(base, tt.rec))
		})
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	faker := gofakeit.New(42)
	key := GroupKey{Industry: "retail", Location: "leeds"}

	var batch []model.MergedRecord
	seen := map[string]bool{}
	for len(batch) < 25 {
		phone := "+44" + faker.Numerify("161#######")
		if seen[phone] {
			continue
		}
		seen[phone] = true
		batch = append(batch, listing(faker.Company(), phone, "", ""))
	}

	w := &memWriter{}
	first, err := reconcile(context.Background(), key, nil, batch, w)
	require.NoError(t, err)
	assert.Equal(t, 25, w.inserts)

	var stored []model.MergedRecord
	for i, r := range first {
		rec := batch[i]
		rec.ID = r.ID
		rec.Industry, rec.Location = key.Industry, key.Location
		stored = append(stored, rec)
	}

	second, err := reconcile(context.Background(), key, stored, batch, w)
	require.NoError(t, err)
	assert.Equal(t, 25, w.inserts, "nothing inserted on replay")
	assert.Zero(t, w.updates, "nothing updated on replay")
	assert.Equal(t, map[Outcome]int{OutcomeSkipped: 25}, Tally(second))
}

func TestReconcile_BatchSeesOwnWrites(t *testing.T) {
	w := &memWriter{}
	key := GroupKey{Industry: "retail", Location: "leeds"}

	a := listing("Corner Shop", "+441130000001", "", "")
	b := a
	b.Name = "Corner Shop Ltd"

	res, err := reconcile(context.Background(), key, nil, []model.MergedRecord{a, b}, w)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, OutcomeInserted, res[0].Outcome)
	assert.Equal(t, OutcomeUpdated, res[1].Outcome)
	assert.Equal(t, res[0].ID, res[1].ID)
}

func TestConflictError_Message(t *testing.T) {
	err := &ConflictError{Name: "Alpha", Key: GroupKey{Industry: "dentist", Location: "manchester"}, IDs: []int64{1, 2}}
	assert.Equal(t, `store: "Alpha" matches 2 listings in dentist/manchester: [1 2]`, err.Error())
}
