package astro

import (
	"math"
	"testing"
	"time"
)

var atlanta = Observer{LatitudeDeg: 33.0, LongitudeDeg: -84.0, ElevationM: 300}

func TestSunPositionEquinoxNoon(t *testing.T) {
	// 2024 March equinox was 2024-03-20 03:06 UTC. At local solar noon on the
	// equinox the sun's altitude equals 90 - |latitude| to within a fraction
	// of a degree.
	noon := SolarTransit(time.Date(2024, 3, 20, 20, 0, 0, 0, time.UTC), atlanta)
	pos := SunPosition(noon, atlanta)

	wantAlt := (90.0 - atlanta.LatitudeDeg) * degToRad
	if math.Abs(pos.AltitudeRad-wantAlt) > 1.0*degToRad {
		t.Fatalf("equinox noon altitude = %.2f deg, want %.2f deg +/- 1",
			pos.AltitudeRad*radToDeg, wantAlt*radToDeg)
	}
}

func TestSolarTransitAccuracy(t *testing.T) {
	// Solar noon in Atlanta (lon -84) is around 17:36 UTC; the equation of
	// time shifts it by up to ~16 minutes through the year. Check the transit
	// is a genuine hour-angle zero crossing and lands in a sane window.
	for _, day := range []time.Time{
		time.Date(2024, 1, 15, 20, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 15, 20, 0, 0, 0, time.UTC),
		time.Date(2024, 11, 3, 20, 0, 0, 0, time.UTC),
	} {
		transit := SolarTransit(day, atlanta)
		if transit.After(day) {
			t.Fatalf("transit %v is after query time %v", transit, day)
		}
		if day.Sub(transit) > 25*time.Hour {
			t.Fatalf("transit %v too far before %v", transit, day)
		}

		ha := sunEquatorial(transit).hourAngle(transit, atlanta)
		// One minute of time is ~0.25 degrees of hour angle.
		if math.Abs(ha) > 0.3*degToRad {
			t.Fatalf("hour angle at transit = %.4f deg, want ~0", ha*radToDeg)
		}
	}
}

func TestTransitOrdering(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	prev := SolarTransit(now, atlanta)
	next := NextTransit(now, atlanta)

	if !prev.Before(now) && !prev.Equal(now) {
		t.Fatalf("previous transit %v not at or before %v", prev, now)
	}
	if !next.After(now) {
		t.Fatalf("next transit %v not after %v", next, now)
	}
	gap := next.Sub(prev)
	if gap < 23*time.Hour || gap > 25*time.Hour {
		t.Fatalf("transit spacing = %v, want ~24h", gap)
	}
}

func TestAntiTransitOppositeTransit(t *testing.T) {
	now := time.Date(2024, 8, 10, 4, 0, 0, 0, time.UTC)
	anti := AntiTransit(now, atlanta)

	pos := SunPosition(anti, atlanta)
	// At solar midnight in mid-latitudes the sun is well below the horizon.
	if pos.AltitudeRad > -20*degToRad {
		t.Fatalf("sun altitude at anti-transit = %.1f deg, want below -20",
			pos.AltitudeRad*radToDeg)
	}
}

func TestMoonPhaseKnownDates(t *testing.T) {
	cases := []struct {
		name string
		when time.Time
		min  float64
		max  float64
	}{
		// 2024-04-23 full moon.
		{"full", time.Date(2024, 4, 23, 23, 49, 0, 0, time.UTC), 95, 100},
		// 2024-04-08 new moon (the North American total solar eclipse).
		{"new", time.Date(2024, 4, 8, 18, 0, 0, 0, time.UTC), 0, 5},
		// First quarter 2024-04-15.
		{"quarter", time.Date(2024, 4, 15, 19, 0, 0, 0, time.UTC), 35, 65},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pct := MoonPhase(tc.when)
			if pct < tc.min || pct > tc.max {
				t.Fatalf("phase = %.1f%%, want in [%.0f, %.0f]", pct, tc.min, tc.max)
			}
		})
	}
}

func TestMoonPositionBounded(t *testing.T) {
	// Sweep a day; altitude must stay physical and the moon must both rise
	// and set at mid-latitudes.
	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	var sawUp, sawDown bool
	for i := 0; i < 24*6; i++ {
		pos := MoonPosition(start.Add(time.Duration(i)*10*time.Minute), atlanta)
		if pos.AltitudeRad > math.Pi/2 || pos.AltitudeRad < -math.Pi/2 {
			t.Fatalf("unphysical altitude %.3f rad", pos.AltitudeRad)
		}
		if pos.AzimuthRad < 0 || pos.AzimuthRad >= 2*math.Pi {
			t.Fatalf("azimuth out of range: %.3f", pos.AzimuthRad)
		}
		if pos.AltitudeRad > 0 {
			sawUp = true
		} else {
			sawDown = true
		}
	}
	if !sawUp || !sawDown {
		t.Fatalf("moon never crossed horizon: up=%v down=%v", sawUp, sawDown)
	}
}

func TestGMSTNormalized(t *testing.T) {
	for i := 0; i < 48; i++ {
		g := GMST(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * 30 * time.Minute))
		if g < 0 || g >= 360 {
			t.Fatalf("GMST out of range: %f", g)
		}
	}
}
