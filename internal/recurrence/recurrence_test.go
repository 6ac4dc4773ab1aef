package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/clock"
)

// almaty returns the instant of a wall-clock reading in Asia/Almaty (UTC+5).
func almaty(t *testing.T, y, mo, d, h, mi int) time.Time {
	t.Helper()
	at, err := clock.ToInstant(y, mo, d, h, mi, "Asia/Almaty")
	require.NoError(t, err)
	return at
}

func mondaySlot() Schedule {
	return Schedule{
		Enabled:        true,
		DaysOfWeek:     []string{"Mon"},
		Times:          []string{"22:30"},
		TimeZone:       "Asia/Almaty",
		MaxActiveTasks: 2,
	}
}

func TestYesterdaySlotCatchUp(t *testing.T) {
	t.Parallel()
	// 2024-06-04 is a Tuesday.
	now := almaty(t, 2024, 6, 4, 1, 50)

	d, err := ShouldFire(Input{Schedule: mondaySlot()}, now)
	require.NoError(t, err)
	assert.True(t, d.Fire)
	assert.Equal(t, ReasonOK, d.Reason)
	assert.True(t, d.Yesterday)
	assert.Equal(t, "22:30", d.Slot)
	assert.Equal(t, 200, d.Diff)
	assert.Equal(t, "Tue", d.Diagnostics.Weekday)
}

func TestYesterdaySlotAlreadyConsumed(t *testing.T) {
	t.Parallel()
	now := almaty(t, 2024, 6, 4, 1, 50)
	s := mondaySlot()
	last := almaty(t, 2024, 6, 3, 22, 30)
	s.LastRunAt = &last

	d, err := ShouldFire(Input{Schedule: s}, now)
	require.NoError(t, err)
	assert.False(t, d.Fire)
	assert.Equal(t, ReasonTimeNotMatched, d.Reason)
	require.Len(t, d.Diagnostics.Slots, 1)
	assert.True(t, d.Diagnostics.Slots[0].Consumed)
}

func TestShouldFireChecksInOrder(t *testing.T) {
	t.Parallel()
	monday2235 := almaty(t, 2024, 6, 3, 22, 35)
	wednesday := almaty(t, 2024, 6, 5, 22, 35)

	cases := []struct {
		name   string
		mut    func(*Input)
		now    time.Time
		fire   bool
		reason Reason
	}{
		{"fires inside today window", func(*Input) {}, monday2235, true, ReasonOK},
		{"disabled wins over everything", func(in *Input) {
			in.Schedule.Enabled = false
			in.Schedule.IsRunning = true
		}, monday2235, false, ReasonDisabled},
		{"running", func(in *Input) { in.Schedule.IsRunning = true }, monday2235, false, ReasonAlreadyRunning},
		{"weekday", func(*Input) {}, wednesday, false, ReasonDayNotAllowed},
		{"weekday by iso number", func(in *Input) { in.Schedule.DaysOfWeek = []string{"1"} }, monday2235, true, ReasonOK},
		{"capacity", func(in *Input) { in.ActiveJobs = 2 }, monday2235, false, ReasonFrequencyLimit},
		{"outside interval", func(in *Input) { in.Schedule.IntervalMinutes = 3 }, monday2235, false, ReasonTimeNotMatched},
		{"no days configured", func(in *Input) { in.Schedule.DaysOfWeek = nil }, monday2235, false, ReasonDayNotAllowed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in := Input{Schedule: mondaySlot()}
			tc.mut(&in)
			d, err := ShouldFire(in, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.fire, d.Fire)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestCatchUpRequiresPreviousDayAllowed(t *testing.T) {
	t.Parallel()
	// Monday 01:50: the 22:30 slot would belong to Sunday, which is not allowed.
	now := almaty(t, 2024, 6, 3, 1, 50)
	d, err := ShouldFire(Input{Schedule: mondaySlot()}, now)
	require.NoError(t, err)
	assert.False(t, d.Fire)
	assert.Equal(t, ReasonTimeNotMatched, d.Reason)
}

func TestFirstMatchingSlotWins(t *testing.T) {
	t.Parallel()
	s := mondaySlot()
	s.Times = []string{"bogus", "22:20", "22:30"}
	s.IntervalMinutes = 20
	d, err := ShouldFire(Input{Schedule: s}, almaty(t, 2024, 6, 3, 22, 35))
	require.NoError(t, err)
	assert.True(t, d.Fire)
	assert.Equal(t, "22:20", d.Slot)
	assert.NotEmpty(t, d.Diagnostics.Slots[0].Invalid)
}

func TestShouldFireIsIdempotent(t *testing.T) {
	t.Parallel()
	now := almaty(t, 2024, 6, 4, 1, 50)
	for _, s := range []Schedule{mondaySlot(), {Enabled: true, TimeZone: "UTC", DaysOfWeek: []string{"Tue"}, Times: []string{"02:00"}}} {
		a, err := ShouldFire(Input{Schedule: s}, now)
		require.NoError(t, err)
		b, err := ShouldFire(Input{Schedule: s}, now)
		require.NoError(t, err)
		assert.Equal(t, a.Fire, b.Fire)
		assert.Equal(t, a.Reason, b.Reason)
	}
}

func TestUnknownZone(t *testing.T) {
	t.Parallel()
	s := mondaySlot()
	s.TimeZone = "Nowhere/Special"
	_, err := ShouldFire(Input{Schedule: s}, time.Now())
	require.Error(t, err)
}

func TestNextFireInstant(t *testing.T) {
	t.Parallel()
	zones := []string{"Asia/Almaty", "UTC", "America/New_York", "Europe/Berlin"}
	schedules := []struct {
		days  []string
		times []string
	}{
		{[]string{"Mon"}, []string{"22:30"}},
		{[]string{"Tue", "Fri"}, []string{"08:00", "19:45"}},
		{[]string{"7"}, []string{"00:05"}},
		{[]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}, []string{"12:00"}},
	}
	nows := []time.Time{
		time.Date(2024, 6, 3, 17, 30, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 23, 59, 0, 0, time.UTC),
		time.Date(2024, 2, 29, 6, 0, 0, 0, time.UTC),
	}
	for _, tz := range zones {
		for _, sc := range schedules {
			for _, now := range nows {
				s := Schedule{Enabled: true, DaysOfWeek: sc.days, Times: sc.times, TimeZone: tz}
				next, err := NextFireInstant(s, now)
				require.NoError(t, err)
				require.NotNil(t, next, "%s %v %v", tz, sc.days, now)
				assert.True(t, next.After(now))
				assert.True(t, next.Sub(now) <= 8*24*time.Hour)

				lc, err := clock.LocalComponents(*next, tz)
				require.NoError(t, err)
				hhmm := time.Date(0, 1, 1, lc.Hour, lc.Minute, 0, 0, time.UTC).Format("15:04")
				assert.Contains(t, sc.times, hhmm)
			}
		}
	}
}

func TestNextFireInstantSkipsConsumedSlot(t *testing.T) {
	t.Parallel()
	s := mondaySlot()
	s.Times = []string{"22:30", "23:00"}
	now := almaty(t, 2024, 6, 3, 20, 0)
	last := almaty(t, 2024, 6, 3, 22, 30)
	s.LastRunAt = &last

	next, err := NextFireInstant(s, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, almaty(t, 2024, 6, 3, 23, 0).Equal(*next))
}

func TestNextFireInstantNil(t *testing.T) {
	t.Parallel()
	next, err := NextFireInstant(Schedule{TimeZone: "UTC", Times: []string{"10:00"}}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = NextFireInstant(Schedule{TimeZone: "UTC", DaysOfWeek: []string{"Mon"}}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestUpcoming(t *testing.T) {
	t.Parallel()
	s := mondaySlot()
	got, err := Upcoming(s, almaty(t, 2024, 6, 3, 12, 0), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, almaty(t, 2024, 6, 3, 22, 30).Equal(got[0]))
	assert.Equal(t, 7*24*time.Hour, got[1].Sub(got[0]))
	assert.Equal(t, 7*24*time.Hour, got[2].Sub(got[1]))
}

func TestSlotInstantConsumesTheFiredSlot(t *testing.T) {
	t.Parallel()
	now := almaty(t, 2024, 6, 4, 1, 50)
	s := mondaySlot()
	d, err := ShouldFire(Input{Schedule: s}, now)
	require.NoError(t, err)
	require.True(t, d.Fire)

	at, err := SlotInstant(d, s.TimeZone, now)
	require.NoError(t, err)
	assert.True(t, at.Equal(almaty(t, 2024, 6, 3, 22, 30)))

	s.LastRunAt = &at
	d, err = ShouldFire(Input{Schedule: s}, now)
	require.NoError(t, err)
	assert.False(t, d.Fire)

	_, err = SlotInstant(Decision{}, s.TimeZone, now)
	assert.Error(t, err)
}
