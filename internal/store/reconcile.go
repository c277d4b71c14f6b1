package store

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/normalize"
)

// listingRow is a MergedRecord flattened into its stored columns. The match
// keys are duplicated out of the record JSON so they can be indexed.
type listingRow struct {
	name     string
	nameKey  string
	postcode string
	phone    string
	host     string
	quality  float64
	record   []byte
	registry []byte // nil when unverified
}

func encodeListing(rec model.MergedRecord) (listingRow, error) {
	body := rec
	body.ID = 0
	body.Industry, body.Location = "", ""
	body.Registry = nil

	record, err := json.Marshal(body)
	if err != nil {
		return listingRow{}, eris.Wrap(err, "store: marshal listing")
	}
	var registry []byte
	if rec.Registry != nil {
		if registry, err = json.Marshal(rec.Registry); err != nil {
			return listingRow{}, eris.Wrap(err, "store: marshal registry match")
		}
	}
	return listingRow{
		name:     rec.Name,
		nameKey:  nameKey(rec.Name),
		postcode: rec.Postcode,
		phone:    rec.Phone,
		host:     rec.Host,
		quality:  float64(rec.Quality),
		record:   record,
		registry: registry,
	}, nil
}

func decodeListing(id int64, industry, location string, record, registry []byte) (model.MergedRecord, error) {
	var rec model.MergedRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return rec, eris.Wrapf(err, "store: unmarshal listing %d", id)
	}
	if len(registry) > 0 {
		rec.Registry = &model.RegistryMatch{}
		if err := json.Unmarshal(registry, rec.Registry); err != nil {
			return rec, eris.Wrapf(err, "store: unmarshal registry match %d", id)
		}
	}
	rec.ID = id
	rec.Industry = industry
	rec.Location = location
	return rec, nil
}

// sameListing reports whether a stored listing describes the same business
// as rec: an exact phone, an exact host, or the same name key at the same
// full postcode.
func sameListing(stored, rec model.MergedRecord) bool {
	if rec.Phone != "" && rec.Phone == stored.Phone {
		return true
	}
	if rec.Host != "" && rec.Host == stored.Host {
		return true
	}
	return rec.Postcode != "" && rec.Postcode == stored.Postcode &&
		nameKey(rec.Name) == nameKey(stored.Name)
}

func nameKey(name string) string {
	return normalize.NameKey(normalize.Name(name))
}

func sameRegistry(a, b *model.RegistryMatch) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Number == b.Number &&
		a.Name == b.Name &&
		a.Status == b.Status &&
		a.Type == b.Type &&
		a.IncorporatedOn == b.IncorporatedOn &&
		a.RegisteredAddress == b.RegisteredAddress &&
		a.Confidence == b.Confidence &&
		slices.Equal(a.SICCodes, b.SICCodes)
}

// listingWriter is implemented by each backend over an open transaction.
type listingWriter interface {
	insertListing(ctx context.Context, key GroupKey, row listingRow, now time.Time) (int64, error)
	updateListing(ctx context.Context, id int64, row listingRow, now time.Time) error
}

// reconcile applies records to the stored listings of one group. A record
// matching no listing is inserted, one matching exactly one is updated
// unless nothing changed, and one matching several is reported as a
// conflict and left unwritten. Writes are visible to later records in the
// same batch.
func reconcile(ctx context.Context, key GroupKey, stored, records []model.MergedRecord, w listingWriter) ([]SaveResult, error) {
	now := time.Now().UTC()
	results := make([]SaveResult, 0, len(records))

	for _, rec := range records {
		rec.ID = 0
		rec.Industry, rec.Location = key.Industry, key.Location

		var matches []int
		for i, s := range stored {
			if sameListing(s, rec) {
				matches = append(matches, i)
			}
		}

		switch len(matches) {
		case 0:
			row, err := encodeListing(rec)
			if err != nil {
				return nil, err
			}
			id, err := w.insertListing(ctx, key, row, now)
			if err != nil {
				return nil, err
			}
			rec.ID = id
			stored = append(stored, rec)
			results = append(results, SaveResult{Name: rec.Name, ID: id, Outcome: OutcomeInserted})

		case 1:
			cur := stored[matches[0]]
			rec.ID = cur.ID
			if rec.Registry == nil {
				rec.Registry = cur.Registry
			}
			if cur.SameFields(rec) && sameRegistry(cur.Registry, rec.Registry) {
				results = append(results, SaveResult{Name: rec.Name, ID: cur.ID, Outcome: OutcomeSkipped})
				continue
			}
			row, err := encodeListing(rec)
			if err != nil {
				return nil, err
			}
			if err := w.updateListing(ctx, cur.ID, row, now); err != nil {
				return nil, err
			}
			stored[matches[0]] = rec
			results = append(results, SaveResult{Name: rec.Name, ID: cur.ID, Outcome: OutcomeUpdated})

		default:
			ids := make([]int64, len(matches))
			for i, m := range matches {
				ids[i] = stored[m].ID
			}
			results = append(results, SaveResult{
				Name:    rec.Name,
				Outcome: OutcomeConflict,
				Err:     &ConflictError{Name: rec.Name, Key: key, IDs: ids},
			})
		}
	}
	return results, nil
}
