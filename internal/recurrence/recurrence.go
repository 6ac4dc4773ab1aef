// Package recurrence decides whether a channel's daily schedule is due.
//
// A schedule is a set of allowed weekdays and a list of local HH:mm slots
// in one IANA zone. A slot that has passed today may still fire within the
// interval window; a slot later than now is read as yesterday's slot and
// may fire within the catch-up window, so a late-evening slot missed by the
// trigger still runs after midnight. lastRunAt consumes a slot on the day it
// was fired.
package recurrence

import (
	"fmt"
	"time"

	"reelforge/internal/clock"
)

type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonDisabled       Reason = "disabled"
	ReasonAlreadyRunning Reason = "already_running"
	ReasonDayNotAllowed  Reason = "day_not_allowed"
	ReasonFrequencyLimit Reason = "frequency_limit"
	ReasonTimeNotMatched Reason = "time_not_matched"
)

const minutesPerDay = 24 * 60

// Schedule is the part of a channel's automation the engine reads.
type Schedule struct {
	Enabled         bool
	DaysOfWeek      []string
	Times           []string
	TimeZone        string
	MaxActiveTasks  int
	IntervalMinutes int // overrides Settings.IntervalMinutes when > 0
	IsRunning       bool
	LastRunAt       *time.Time
}

// Settings are process-wide window sizes.
type Settings struct {
	IntervalMinutes int
	CatchUpMinutes  int
}

func (s Settings) withDefaults() Settings {
	if s.IntervalMinutes <= 0 {
		s.IntervalMinutes = 10
	}
	if s.CatchUpMinutes <= 0 {
		s.CatchUpMinutes = 360
	}
	return s
}

type Input struct {
	Schedule   Schedule
	ActiveJobs int
	Settings   Settings
}

// SlotCheck explains how one configured slot was evaluated.
type SlotCheck struct {
	Time      string `json:"time"`
	Yesterday bool   `json:"yesterday"`
	Diff      int    `json:"diff"`
	InWindow  bool   `json:"inWindow"`
	DayOK     bool   `json:"dayOk"`
	Consumed  bool   `json:"consumed"`
	Invalid   string `json:"invalid,omitempty"`
}

type Diagnostics struct {
	LocalNow        string      `json:"localNow,omitempty"`
	Weekday         string      `json:"weekday,omitempty"`
	ActiveJobs      int         `json:"activeJobs"`
	MaxActiveTasks  int         `json:"maxActiveTasks"`
	IntervalMinutes int         `json:"intervalMinutes"`
	CatchUpMinutes  int         `json:"catchUpMinutes"`
	Slots           []SlotCheck `json:"slots,omitempty"`
}

type Decision struct {
	Fire        bool        `json:"fire"`
	Reason      Reason      `json:"reason"`
	Slot        string      `json:"slot,omitempty"`
	Yesterday   bool        `json:"yesterday,omitempty"`
	Diff        int         `json:"diff,omitempty"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

func maxActive(s Schedule) int {
	if s.MaxActiveTasks <= 0 {
		return 2
	}
	return s.MaxActiveTasks
}

// allowedDays resolves weekday tokens to ISO numbers. Unknown tokens are
// ignored.
func allowedDays(tokens []string) map[int]bool {
	out := make(map[int]bool, len(tokens))
	for _, t := range tokens {
		if iso, ok := clock.ParseWeekdayToken(t); ok {
			out[iso] = true
		}
	}
	return out
}

func prevISO(iso int) int {
	if iso == 1 {
		return 7
	}
	return iso - 1
}

// dayBefore returns the calendar date preceding c.
func dayBefore(c clock.Components) clock.Components {
	d := time.Date(c.Year, time.Month(c.Month), c.Day-1, 0, 0, 0, 0, time.UTC)
	return clock.Components{Year: d.Year(), Month: int(d.Month()), Day: d.Day()}
}

// ShouldFire evaluates the schedule at now. It errors only when the zone
// cannot be loaded. Checks run in order and stop at the first refusal:
// disabled, already running, weekday, active-job cap, time window.
//
// The weekday check admits a day when either today or yesterday is allowed,
// since a catch-up slot belongs to the previous day; each slot then checks
// the weekday of its own target day.
func ShouldFire(in Input, now time.Time) (Decision, error) {
	s := in.Schedule
	set := in.Settings.withDefaults()
	if s.IntervalMinutes > 0 {
		set.IntervalMinutes = s.IntervalMinutes
	}
	d := Decision{Diagnostics: Diagnostics{
		ActiveJobs:      in.ActiveJobs,
		MaxActiveTasks:  maxActive(s),
		IntervalMinutes: set.IntervalMinutes,
		CatchUpMinutes:  set.CatchUpMinutes,
	}}

	if !s.Enabled {
		d.Reason = ReasonDisabled
		return d, nil
	}
	if s.IsRunning {
		d.Reason = ReasonAlreadyRunning
		return d, nil
	}

	local, err := clock.LocalComponents(now, s.TimeZone)
	if err != nil {
		return d, err
	}
	d.Diagnostics.LocalNow = fmt.Sprintf("%04d-%02d-%02d %02d:%02d", local.Year, local.Month, local.Day, local.Hour, local.Minute)
	d.Diagnostics.Weekday = local.Weekday.Name

	days := allowedDays(s.DaysOfWeek)
	todayOK := days[local.Weekday.ISO]
	yesterdayOK := days[prevISO(local.Weekday.ISO)]
	if !todayOK && !yesterdayOK {
		d.Reason = ReasonDayNotAllowed
		return d, nil
	}

	if in.ActiveJobs >= maxActive(s) {
		d.Reason = ReasonFrequencyLimit
		return d, nil
	}

	var last *clock.Components
	if s.LastRunAt != nil {
		lc, err := clock.LocalComponents(*s.LastRunAt, s.TimeZone)
		if err != nil {
			return d, err
		}
		last = &lc
	}

	nowMin := local.MinuteOfDay()
	yesterday := dayBefore(local)
	for _, raw := range s.Times {
		sc := SlotCheck{Time: raw}
		h, m, err := clock.ParseHHMM(raw)
		if err != nil {
			sc.Invalid = err.Error()
			d.Diagnostics.Slots = append(d.Diagnostics.Slots, sc)
			continue
		}
		slot := h*60 + m
		target := local
		if slot <= nowMin {
			sc.Diff = nowMin - slot
			sc.InWindow = sc.Diff <= set.IntervalMinutes
			sc.DayOK = todayOK
		} else {
			sc.Yesterday = true
			sc.Diff = (minutesPerDay - slot) + nowMin
			sc.InWindow = sc.Diff <= set.CatchUpMinutes
			sc.DayOK = yesterdayOK
			target = yesterday
		}
		if sc.InWindow && sc.DayOK && last != nil {
			sc.Consumed = last.SameDay(target) && last.Hour == h && last.Minute == m
		}
		d.Diagnostics.Slots = append(d.Diagnostics.Slots, sc)

		if sc.InWindow && sc.DayOK && !sc.Consumed {
			d.Fire = true
			d.Reason = ReasonOK
			d.Slot = raw
			d.Yesterday = sc.Yesterday
			d.Diff = sc.Diff
			return d, nil
		}
	}

	d.Reason = ReasonTimeNotMatched
	return d, nil
}

// SlotInstant returns the instant of the slot d fired for, on its target
// day. Recording it as lastRunAt consumes exactly that slot.
func SlotInstant(d Decision, tz string, now time.Time) (time.Time, error) {
	if !d.Fire || d.Slot == "" {
		return time.Time{}, fmt.Errorf("decision did not fire for a slot")
	}
	h, m, err := clock.ParseHHMM(d.Slot)
	if err != nil {
		return time.Time{}, err
	}
	local, err := clock.LocalComponents(now, tz)
	if err != nil {
		return time.Time{}, err
	}
	target := local
	if d.Yesterday {
		target = dayBefore(local)
	}
	return clock.ToInstant(target.Year, target.Month, target.Day, h, m, tz)
}

// lookaheadDays covers today plus a full week, so a slot on today's
// weekday that already passed is found again seven days out.
const lookaheadDays = 8

// NextFireInstant returns the earliest instant after now at which a slot
// is scheduled, skipping slots lastRunAt already consumed. It returns nil
// when no weekday or no valid time is configured.
func NextFireInstant(s Schedule, now time.Time) (*time.Time, error) {
	days := allowedDays(s.DaysOfWeek)
	if len(days) == 0 || len(s.Times) == 0 {
		return nil, nil
	}
	local, err := clock.LocalComponents(now, s.TimeZone)
	if err != nil {
		return nil, err
	}
	var last *clock.Components
	if s.LastRunAt != nil {
		lc, err := clock.LocalComponents(*s.LastRunAt, s.TimeZone)
		if err != nil {
			return nil, err
		}
		last = &lc
	}

	var best *time.Time
	for k := 0; k < lookaheadDays; k++ {
		day := time.Date(local.Year, time.Month(local.Month), local.Day+k, 0, 0, 0, 0, time.UTC)
		iso := int(day.Weekday())
		if iso == 0 {
			iso = 7
		}
		if !days[iso] {
			continue
		}
		date := clock.Components{Year: day.Year(), Month: int(day.Month()), Day: day.Day()}
		for _, raw := range s.Times {
			h, m, err := clock.ParseHHMM(raw)
			if err != nil {
				continue
			}
			if last != nil && last.SameDay(date) && last.Hour == h && last.Minute == m {
				continue
			}
			at, err := clock.ToInstant(date.Year, date.Month, date.Day, h, m, s.TimeZone)
			if err != nil {
				return nil, err
			}
			if !at.After(now) {
				continue
			}
			if best == nil || at.Before(*best) {
				at := at
				best = &at
			}
		}
		if best != nil {
			// days are scanned in order; a later day cannot beat this one
			return best, nil
		}
	}
	return best, nil
}

// Upcoming lists up to n future fire instants in order.
func Upcoming(s Schedule, now time.Time, n int) ([]time.Time, error) {
	var out []time.Time
	cursor := now
	for len(out) < n {
		next, err := NextFireInstant(s, cursor)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		out = append(out, *next)
		cursor = *next
	}
	return out, nil
}
