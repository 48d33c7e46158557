package daynight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/allsky/internal/astro"
)

var atlanta = astro.Observer{LatitudeDeg: 33.0, LongitudeDeg: -84.0}

func defaultThresholds() Thresholds {
	return Thresholds{
		NightSunAltDeg:   -6.0,
		DuskSunAltDeg:    0.0,
		MoonModeAltDeg:   0.0,
		MoonModePhasePct: 50.0,
	}
}

// Dawn crossing: step the clock across sunrise in 60s increments and require
// exactly one night->day boundary carrying the previous dayDate.
func TestDawnCrossingEmitsOneBoundary(t *testing.T) {
	m := New(atlanta, defaultThresholds(), nil)

	// 2024-03-15, starting 09:00 UTC (04:00 local, night) and walking to
	// 13:00 UTC (08:00 local, day). Civil dawn is in between.
	start := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	var boundaries []*Boundary
	nightBefore := true
	for i := 0; i <= 4*60; i++ {
		d := m.Update(start.Add(time.Duration(i) * time.Minute))
		if i == 0 {
			nightBefore = d.Regime.Night()
		}
		if d.Boundary != nil {
			boundaries = append(boundaries, d.Boundary)
		}
	}

	require.True(t, nightBefore, "window must start in night")
	require.Len(t, boundaries, 1, "exactly one boundary over dawn")
	b := boundaries[0]
	require.False(t, b.ToNight, "boundary must be night->day")
	require.True(t, b.WasNight)

	// The closed interval is the night of 2024-03-14: last solar transit
	// before dawn was the 14th's noon.
	require.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), b.DayDate)
}

// Polar day: above the arctic circle at the June solstice the sun never
// crosses -6 degrees, so no boundary may ever be emitted.
func TestPolarDayNoBoundary(t *testing.T) {
	polar := astro.Observer{LatitudeDeg: 80.0, LongitudeDeg: 0.0}
	m := New(polar, defaultThresholds(), nil)

	start := time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 24*60; i++ {
		d := m.Update(start.Add(time.Duration(i) * time.Minute))
		require.Nil(t, d.Boundary, "polar day must not emit boundaries")
		require.False(t, d.Regime.Night())
	}
}

// A backwards clock step across an already-emitted boundary must not emit a
// second event for the same crossing, and a forward jump that skips the
// crossing entirely must still emit it once.
func TestClockJumps(t *testing.T) {
	t.Run("backwards step", func(t *testing.T) {
		m := New(atlanta, defaultThresholds(), nil)

		// Establish night state, cross dawn, then step back before dawn and
		// forward again: total boundary count must be night->day, day->night,
		// night->day (each flip emits once; no duplicates within a state).
		times := []time.Time{
			time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),  // night
			time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC), // day (emit 1)
			time.Date(2024, 3, 15, 13, 5, 0, 0, time.UTC), // still day, no emit
			time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC), // stepped back: night again (emit 2)
			time.Date(2024, 3, 15, 9, 35, 0, 0, time.UTC), // still night, no emit
			time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC), // day (emit 3)
		}

		var count int
		for _, ts := range times {
			if d := m.Update(ts); d.Boundary != nil {
				count++
			}
		}
		require.Equal(t, 3, count)
	})

	t.Run("forward jump", func(t *testing.T) {
		m := New(atlanta, defaultThresholds(), nil)

		m.Update(time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)) // night
		// NTP step jumps straight past dawn by several hours.
		d := m.Update(time.Date(2024, 3, 15, 16, 0, 0, 0, time.UTC))
		require.NotNil(t, d.Boundary, "skipped boundary must be emitted on next tick")
		require.False(t, d.Boundary.ToNight)

		// And only once.
		d = m.Update(time.Date(2024, 3, 15, 16, 1, 0, 0, time.UTC))
		require.Nil(t, d.Boundary)
	})
}

func TestDayDateContiguousAcrossMidnight(t *testing.T) {
	// Before local midnight and after local midnight, same night: dayDate
	// must stay the date of the previous solar noon.
	before := time.Date(2024, 3, 15, 3, 0, 0, 0, time.UTC)  // Mar 14 22:00 local
	after := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)   // Mar 15 03:00 local
	morning := time.Date(2024, 3, 15, 19, 0, 0, 0, time.UTC) // Mar 15 14:00 local, past noon

	d1 := DayDate(before, atlanta)
	d2 := DayDate(after, atlanta)
	d3 := DayDate(morning, atlanta)

	require.Equal(t, d1, d2, "one night must share a dayDate")
	require.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), d1)
	require.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), d3)
}

func TestMoonModeRequiresAllConditions(t *testing.T) {
	th := defaultThresholds()
	th.MoonModePhasePct = 101.0 // unreachable phase
	m := New(atlanta, th, nil)

	// A full year of midnight samples can never classify as night-moon when
	// the phase condition is unreachable.
	start := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	for i := 0; i < 365; i++ {
		d := m.Update(start.AddDate(0, 0, i))
		require.NotEqual(t, RegimeNightMoon, d.Regime)
	}
}

func TestDuskDoesNotCountAsNight(t *testing.T) {
	m := New(atlanta, defaultThresholds(), nil)

	// Scan a full day at 1 min cadence; any dusk decision must report
	// Night()==false so it can never drive a CCD reconfigure.
	start := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	var sawDusk bool
	for i := 0; i < 24*60; i++ {
		d := m.Update(start.Add(time.Duration(i) * time.Minute))
		if d.Regime == RegimeDusk {
			sawDusk = true
			require.False(t, d.Regime.Night())
		}
	}
	require.True(t, sawDusk, "a mid-latitude day must pass through dusk")
}
