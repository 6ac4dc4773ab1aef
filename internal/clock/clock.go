// Package clock converts between absolute instants and wall-clock components
// in named IANA zones.
package clock

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"reelforge/internal/faults"
)

// Clock is the source of "now" for the scheduler core.
type Clock interface {
	Now() time.Time
}

// System reads the process clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed is a settable clock for tests and replays.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixed(t time.Time) *Fixed { return &Fixed{t: t} }

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// Components is a wall-clock reading in one zone.
type Components struct {
	Year    int
	Month   int
	Day     int
	Hour    int
	Minute  int
	Weekday Weekday
}

// MinuteOfDay returns Hour*60+Minute.
func (c Components) MinuteOfDay() int { return c.Hour*60 + c.Minute }

// SameDay reports whether both readings fall on the same calendar date.
func (c Components) SameDay(o Components) bool {
	return c.Year == o.Year && c.Month == o.Month && c.Day == o.Day
}

// Weekday carries both spellings a schedule may use: a 3-letter English
// name and the ISO number (Monday=1 .. Sunday=7).
type Weekday struct {
	Name string
	ISO  int
}

var weekdayNames = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

func weekdayFrom(d time.Weekday) Weekday {
	iso := int(d)
	if iso == 0 {
		iso = 7
	}
	return Weekday{Name: weekdayNames[d], ISO: iso}
}

var (
	locMu    sync.RWMutex
	locCache = map[string]*time.Location{}
)

// Location resolves an IANA zone name, caching successful lookups.
func Location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil, faults.Config("timezone is empty")
	}
	locMu.RLock()
	loc, ok := locCache[tz]
	locMu.RUnlock()
	if ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, faults.Config("unknown timezone %q: %v", tz, err)
	}
	locMu.Lock()
	locCache[tz] = loc
	locMu.Unlock()
	return loc, nil
}

// LocalComponents reads now as wall-clock components in tz.
func LocalComponents(now time.Time, tz string) (Components, error) {
	loc, err := Location(tz)
	if err != nil {
		return Components{}, err
	}
	return componentsIn(now, loc), nil
}

func componentsIn(t time.Time, loc *time.Location) Components {
	lt := t.In(loc)
	return Components{
		Year:    lt.Year(),
		Month:   int(lt.Month()),
		Day:     lt.Day(),
		Hour:    lt.Hour(),
		Minute:  lt.Minute(),
		Weekday: weekdayFrom(lt.Weekday()),
	}
}

// WeekdayOf returns the local weekday of now in tz.
func WeekdayOf(now time.Time, tz string) (Weekday, error) {
	c, err := LocalComponents(now, tz)
	if err != nil {
		return Weekday{}, err
	}
	return c.Weekday, nil
}

const maxSolveIterations = 4

// ToInstant finds the absolute instant whose wall-clock reading in tz is the
// given date and time. It starts from the components read as UTC, measures
// how far the zone's rendering of that guess is from the target and corrects
// by the difference. Wall times that do not exist (DST gaps) resolve to the
// closest candidate seen.
func ToInstant(year, month, day, hour, minute int, tz string) (time.Time, error) {
	loc, err := Location(tz)
	if err != nil {
		return time.Time{}, err
	}
	target := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)

	guess := target
	best := guess
	bestDiff := time.Duration(-1)
	for i := 0; i < maxSolveIterations; i++ {
		lt := guess.In(loc)
		rendered := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), lt.Minute(), 0, 0, time.UTC)
		diff := target.Sub(rendered)
		abs := diff
		if abs < 0 {
			abs = -abs
		}
		if bestDiff < 0 || abs < bestDiff {
			best, bestDiff = guess, abs
		}
		if diff == 0 {
			break
		}
		guess = guess.Add(diff)
	}
	return best.Truncate(time.Minute), nil
}

// ParseHHMM parses "H:mm" or "HH:mm".
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, faults.Invalid("invalid time %q, expected HH:mm", s)
	}
	if !isDigits(hs, 1, 2) {
		return 0, 0, faults.Invalid("invalid hour in %q", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour > 23 {
		return 0, 0, faults.Invalid("invalid hour in %q", s)
	}
	if !isDigits(ms, 2, 2) {
		return 0, 0, faults.Invalid("invalid minute in %q", s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute > 59 {
		return 0, 0, faults.Invalid("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// ParseWeekdayToken accepts an exact abbreviation ("Mon") or full name
// ("monday") in any case, ISO numbers "1".."7" and "0" for Sunday.
// Sunday always comes back as 7.
func ParseWeekdayToken(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if isDigits(s, 1, 1) {
		n := int(s[0] - '0')
		switch {
		case n == 0:
			return 7, true
		case n <= 7:
			return n, true
		default:
			return 0, false
		}
	}
	for i, name := range weekdayNames {
		short := strings.ToLower(name)
		if s == short || s == strings.ToLower(time.Weekday(i).String()) {
			if i == 0 {
				return 7, true
			}
			return i, true
		}
	}
	return 0, false
}

// isDigits reports whether s is lo..hi ASCII digits.
func isDigits(s string, lo, hi int) bool {
	if len(s) < lo || len(s) > hi {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
