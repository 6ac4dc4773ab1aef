package storage

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// GetJSON loads and decodes one document.
func GetJSON[T any](ctx context.Context, s Store, coll, id string) (T, error) {
	var v T
	b, err := s.Get(ctx, coll, id)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, errors.Wrapf(err, "decode %s/%s", coll, id)
	}
	return v, nil
}

// CreateJSON encodes v and creates it under id.
func CreateJSON(ctx context.Context, s Store, coll, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s/%s", coll, id)
	}
	return s.Create(ctx, coll, id, b)
}

// PutJSON encodes v and writes it under id.
func PutJSON(ctx context.Context, s Store, coll, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s/%s", coll, id)
	}
	return s.Put(ctx, coll, id, b)
}

// QueryJSON runs Query and decodes every hit. Documents that fail to decode
// are skipped and reported through the returned error only when nothing
// decoded at all.
func QueryJSON[T any](ctx context.Context, s Store, coll string, filters ...Filter) ([]T, error) {
	recs, err := s.Query(ctx, coll, filters...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	var firstErr error
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Data, &v); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "decode %s/%s", coll, r.ID)
			}
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// MutateJSON decodes the current document into T, lets fn change it and
// writes the result back atomically.
func MutateJSON[T any](ctx context.Context, s Store, coll, id string, fn func(cur *T) error) (T, error) {
	var out T
	err := s.Mutate(ctx, coll, id, func(cur []byte) ([]byte, error) {
		var v T
		if err := json.Unmarshal(cur, &v); err != nil {
			return nil, errors.Wrapf(err, "decode %s/%s", coll, id)
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		out = v
		return json.Marshal(v)
	})
	return out, err
}

// Update merges patch into the top level of an existing document. Nil values
// in patch are dropped rather than written, so a partially filled patch never
// erases fields it does not mention.
func Update(ctx context.Context, s Store, coll, id string, patch map[string]any) error {
	clean := make(map[string]any, len(patch))
	for k, v := range patch {
		if v != nil {
			clean[k] = v
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return s.Mutate(ctx, coll, id, func(cur []byte) ([]byte, error) {
		var doc map[string]any
		if err := json.Unmarshal(cur, &doc); err != nil {
			return nil, errors.Wrapf(err, "decode %s/%s", coll, id)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		for k, v := range clean {
			doc[k] = v
		}
		return json.Marshal(doc)
	})
}
