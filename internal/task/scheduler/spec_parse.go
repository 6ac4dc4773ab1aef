package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// SpecKind says whether a schedule is a cron expression or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string after ParseSchedule.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// ParseSchedule accepts the forms the run trigger is configured with:
//
//   - "every:5m" or a bare Go duration "5m" (scheduler.trigger_every)
//   - a robfig/cron expression, recognised by whitespace or a leading '@'
//     ("*/5 * * * *", "@hourly")
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	if v, ok := strings.CutPrefix(strings.ToLower(s), "every:"); ok {
		return parseEvery(v)
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	ps, err := parseEvery(s)
	if err != nil {
		return ParsedSpec{}, errors.Newf("invalid schedule %q (use a duration like \"5m\" or a cron expression)", raw)
	}
	return ps, nil
}

func parseEvery(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, errors.Wrapf(err, "interval %q", v)
	}
	if d <= 0 {
		return ParsedSpec{}, errors.Newf("interval %q must be > 0", v)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}
