package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// maxFirstDelay caps the jitter before an interval trigger's first run.
const maxFirstDelay = 30 * time.Second

// jitteredStart fires once at first, then follows base.
type jitteredStart struct {
	base  cron.Schedule
	first time.Time
}

func (s *jitteredStart) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule runs every d, starting after a whole-second jitter in
// [1s, min(d, maxFirstDelay)] seeded by name. A restarted process therefore runs
// its first pass within seconds instead of waiting a full interval.
func intervalSchedule(d time.Duration, now time.Time, name string) cron.Schedule {
	base := cron.Every(d)
	span := min(d, maxFirstDelay)
	if span <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(now.UnixNano())))
	delay := time.Second + time.Duration(rng.Int64N(int64(span))).Truncate(time.Second)
	return &jitteredStart{base: base, first: now.Add(delay)}
}
