package matcher

import (
	"strconv"
	"strings"
	"time"

	"reelforge/internal/transport"
)

type Method string

const (
	MethodExplicit  Method = "explicit-reference"
	MethodHeuristic Method = "heuristic-fallback"
)

// CompareIDs orders message ids numerically when both parse as integers
// and lexically otherwise.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// MatchExplicit finds a message whose back-reference is requestRef.
func MatchExplicit(msgs []transport.Message, requestRef string, excluded map[string]bool) (transport.Message, bool) {
	if requestRef == "" {
		return transport.Message{}, false
	}
	for _, m := range msgs {
		if excluded[m.ID] {
			continue
		}
		if m.ReplyToID == requestRef {
			return m, true
		}
	}
	return transport.Message{}, false
}

// MatchHeuristic picks, among messages sent after the request (by id) and
// within window of now, the one closest to the request.
func MatchHeuristic(msgs []transport.Message, requestRef string, now time.Time, window time.Duration, excluded map[string]bool) (transport.Message, bool) {
	if requestRef == "" {
		return transport.Message{}, false
	}
	var (
		best  transport.Message
		found bool
	)
	for _, m := range msgs {
		if excluded[m.ID] || CompareIDs(m.ID, requestRef) <= 0 {
			continue
		}
		age := now.Sub(m.Date)
		if age < 0 {
			age = -age
		}
		if age > window {
			continue
		}
		if !found || CompareIDs(m.ID, best.ID) < 0 {
			best, found = m, true
		}
	}
	return best, found
}
