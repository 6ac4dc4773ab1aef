package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"reelforge/internal/faults"
)

type memEntry struct {
	seq  uint64
	data []byte
}

// Memory is a process-local Store.
type Memory struct {
	mu    sync.Mutex
	seq   uint64
	colls map[string]map[string]memEntry
}

func NewMemory() *Memory {
	return &Memory{colls: map[string]map[string]memEntry{}}
}

func (m *Memory) coll(name string) map[string]memEntry {
	c := m.colls[name]
	if c == nil {
		c = map[string]memEntry{}
		m.colls[name] = c
	}
	return c
}

func (m *Memory) Create(_ context.Context, coll, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(coll)
	if _, ok := c[id]; ok {
		return errors.Wrapf(ErrConflict, "%s/%s exists", coll, id)
	}
	m.seq++
	c[id] = memEntry{seq: m.seq, data: bytes.Clone(data)}
	return nil
}

func (m *Memory) Get(_ context.Context, coll, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.coll(coll)[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s", coll, id)
	}
	return bytes.Clone(e.data), nil
}

func (m *Memory) Put(_ context.Context, coll, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(coll)
	e, ok := c[id]
	if !ok {
		m.seq++
		e.seq = m.seq
	}
	e.data = bytes.Clone(data)
	c[id] = e
	return nil
}

func (m *Memory) Mutate(_ context.Context, coll, id string, fn MutateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(coll)
	e, ok := c[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s/%s", coll, id)
	}
	next, err := fn(bytes.Clone(e.data))
	if err != nil {
		return err
	}
	e.data = bytes.Clone(next)
	c[id] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, coll, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(coll)
	if _, ok := c[id]; !ok {
		return errors.Wrapf(ErrNotFound, "%s/%s", coll, id)
	}
	delete(c, id)
	return nil
}

func (m *Memory) Query(_ context.Context, coll string, filters ...Filter) ([]Record, error) {
	for _, f := range filters {
		if !validField(f.Field) {
			return nil, faults.Invalid("invalid filter field %q", f.Field)
		}
	}

	m.mu.Lock()
	type hit struct {
		seq uint64
		rec Record
	}
	var hits []hit
	for id, e := range m.coll(coll) {
		ok, err := matchAll(e.data, filters)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if ok {
			hits = append(hits, hit{seq: e.seq, rec: Record{ID: id, Data: bytes.Clone(e.data)}})
		}
	}
	m.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	out := make([]Record, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// matchAll compares fields by their canonical JSON encoding, which is what
// json_extract comparisons amount to for the scalar values we filter on.
func matchAll(data []byte, filters []Filter) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, errors.Wrap(err, "decode document")
	}
	for _, f := range filters {
		got := canonical(doc[f.Field])
		switch f.Op {
		case OpEq:
			want, err := json.Marshal(f.Value)
			if err != nil {
				return false, err
			}
			if got == "" || got != string(want) {
				return false, nil
			}
		case OpNe:
			want, err := json.Marshal(f.Value)
			if err != nil {
				return false, err
			}
			if got == string(want) {
				return false, nil
			}
		case OpIn:
			vs, _ := f.Value.([]string)
			found := false
			for _, v := range vs {
				want, _ := json.Marshal(v)
				if got == string(want) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			return false, faults.Invalid("unsupported filter op %q", f.Op)
		}
	}
	return true, nil
}

func canonical(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}
