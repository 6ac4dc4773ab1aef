package ideas

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

type Idea struct {
	Idea   string `json:"idea"`
	Prompt string `json:"prompt"`
	Title  string `json:"title"`
}

// Parse extracts ideas from model output. It accepts a top-level array or
// an object whose first array-valued field holds the ideas, optionally
// wrapped in a markdown code fence. Array elements may be objects or bare
// prompt strings; elements without any prompt text are dropped.
func Parse(content string) ([]Idea, error) {
	raw := []byte(stripFence(content))
	arr, err := firstArray(raw)
	if err != nil {
		return nil, err
	}

	out := make([]Idea, 0, len(arr))
	for _, el := range arr {
		var it Idea
		var s string
		switch {
		case json.Unmarshal(el, &s) == nil:
			it.Prompt = s
		case json.Unmarshal(el, &it) == nil:
		default:
			continue
		}
		it.Idea = strings.TrimSpace(it.Idea)
		it.Prompt = strings.TrimSpace(it.Prompt)
		it.Title = strings.TrimSpace(it.Title)
		if it.Prompt == "" {
			it.Prompt = it.Idea
		}
		if it.Prompt == "" {
			continue
		}
		out = append(out, it)
	}
	if len(out) == 0 {
		return nil, errors.New("ideas: no usable ideas in model output")
	}
	return out, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func firstArray(raw []byte) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("ideas: empty model output")
	}
	if raw[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, errors.Wrap(err, "ideas: decode array")
		}
		return arr, nil
	}
	if raw[0] != '{' {
		return nil, errors.Newf("ideas: expected JSON array or object, got %q", truncate(string(raw), 40))
	}

	// Walk the object in document order so "first" is well defined.
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, errors.Wrap(err, "ideas: decode object")
	}
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, errors.Wrap(err, "ideas: decode key")
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, errors.Wrap(err, "ideas: decode value")
		}
		v = bytes.TrimSpace(v)
		if len(v) > 0 && v[0] == '[' {
			var arr []json.RawMessage
			if err := json.Unmarshal(v, &arr); err != nil {
				return nil, errors.Wrap(err, "ideas: decode array field")
			}
			return arr, nil
		}
	}
	return nil, errors.New("ideas: object has no array field")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
