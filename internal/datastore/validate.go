package datastore

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/tidwall/gjson"

	"github.com/tonimelisma/docsync/internal/record"
	"github.com/tonimelisma/docsync/internal/remote"
)

// Validator inspects fetched documents before they are decoded and cached.
// A validation failure fails the whole fetch.
type Validator interface {
	Validate(docs []json.RawMessage) error
}

// ValidateAll checks every document for an id.
type ValidateAll struct{}

// Validate implements Validator.
func (ValidateAll) Validate(docs []json.RawMessage) error {
	for i, doc := range docs {
		if err := requireID(doc); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}

	return nil
}

// RandomSample checks a random percentage of the documents, at least one.
type RandomSample struct {
	Percent int

	// intN picks sample indexes; nil uses math/rand.
	intN func(n int) int
}

// Validate implements Validator.
func (s RandomSample) Validate(docs []json.RawMessage) error {
	if len(docs) == 0 {
		return nil
	}

	pct := min(max(s.Percent, 1), 100)
	n := max(len(docs)*pct/100, 1)

	pick := s.intN
	if pick == nil {
		pick = rand.IntN //nolint:gosec // sampling, not security
	}

	for range n {
		i := pick(len(docs))
		if err := requireID(docs[i]); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}

	return nil
}

// ValidateFunc validates every document with a custom check.
type ValidateFunc func(doc json.RawMessage) error

// Validate implements Validator.
func (f ValidateFunc) Validate(docs []json.RawMessage) error {
	for i, doc := range docs {
		if err := f(doc); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}

	return nil
}

func requireID(doc json.RawMessage) error {
	id := gjson.GetBytes(doc, record.KeyID)
	if id.Type != gjson.String || id.Str == "" {
		return remote.ErrObjectIDMissing
	}

	return nil
}

// decode validates docs and parses them into records. Records without an
// id are rejected even without a validator since the cache cannot key them.
func (d *DataStore) decode(docs []json.RawMessage) ([]record.Record, error) {
	if d.validator != nil {
		if err := d.validator.Validate(docs); err != nil {
			return nil, fmt.Errorf("datastore: validating %s: %w", d.collection, err)
		}
	}

	out := make([]record.Record, 0, len(docs))

	for i, doc := range docs {
		rec, err := decodeOne(doc)
		if err != nil {
			return nil, fmt.Errorf("datastore: decoding %s document %d: %w", d.collection, i, err)
		}

		out = append(out, rec)
	}

	return out, nil
}

func decodeOne(doc json.RawMessage) (record.Record, error) {
	rec, err := record.Parse(doc)
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: %w", remote.ErrInvalidResponse, err)
	}

	if rec.ID() == "" {
		return record.Record{}, remote.ErrObjectIDMissing
	}

	return rec, nil
}
