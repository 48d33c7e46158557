package astro

import (
	"math"
	"time"
)

// sunEquatorial computes the geocentric solar position using the standard
// low-precision polynomial series (Astronomical Almanac, page C24 class).
// Good to roughly 0.01 degrees over a few decades around J2000.
func sunEquatorial(t time.Time) equatorial {
	n := daysSinceJ2000(t)

	// Mean longitude and mean anomaly of the sun, degrees.
	meanLon := normalizeDeg(280.460 + 0.9856474*n)
	meanAnom := normalizeDeg(357.528+0.9856003*n) * degToRad

	// Ecliptic longitude with the two largest correction terms.
	eclLon := (meanLon + 1.915*math.Sin(meanAnom) + 0.020*math.Sin(2*meanAnom)) * degToRad

	// Obliquity of the ecliptic.
	obliquity := (23.439 - 0.0000004*n) * degToRad

	ra := math.Atan2(math.Cos(obliquity)*math.Sin(eclLon), math.Cos(eclLon))
	dec := math.Asin(math.Sin(obliquity) * math.Sin(eclLon))

	return equatorial{ra: normalizeRad(ra), dec: dec}
}

// SunPosition returns the geometric (unrefracted) horizontal position of the
// sun for the observer at time t.
func SunPosition(t time.Time, obs Observer) Position {
	return sunEquatorial(t).toHorizontal(t, obs)
}

// sunEclipticLongitude is shared with the lunar illumination calculation.
func sunEclipticLongitude(t time.Time) float64 {
	n := daysSinceJ2000(t)
	meanLon := normalizeDeg(280.460 + 0.9856474*n)
	meanAnom := normalizeDeg(357.528+0.9856003*n) * degToRad
	return normalizeRad((meanLon + 1.915*math.Sin(meanAnom) + 0.020*math.Sin(2*meanAnom)) * degToRad)
}

// refineTransit iterates from a starting guess toward the instant where the
// solar hour angle crosses target (0 for transit, pi for anti-transit).
// Converges to well under a minute in three rounds.
func refineTransit(guess time.Time, obs Observer, target float64) time.Time {
	t := guess
	for i := 0; i < 4; i++ {
		ha := sunEquatorial(t).hourAngle(t, obs)
		delta := wrapPi(ha - target)
		// The sun's hour angle advances one full turn per solar day.
		correction := -delta / (2 * math.Pi) * solarDaySeconds
		t = t.Add(time.Duration(correction * float64(time.Second)))
		if math.Abs(correction) < 1.0 {
			break
		}
	}
	return t
}

// SolarTransit returns the most recent solar transit (local solar noon) at or
// before t.
func SolarTransit(t time.Time, obs Observer) time.Time {
	transit := refineTransit(t, obs, 0)
	if transit.After(t) {
		transit = refineTransit(transit.Add(-solarDaySeconds*time.Second), obs, 0)
	}
	return transit
}

// NextTransit returns the first solar transit strictly after t.
func NextTransit(t time.Time, obs Observer) time.Time {
	transit := refineTransit(t, obs, 0)
	if !transit.After(t) {
		transit = refineTransit(transit.Add(solarDaySeconds*time.Second), obs, 0)
	}
	return transit
}

// AntiTransit returns the most recent solar anti-transit (solar midnight) at
// or before t.
func AntiTransit(t time.Time, obs Observer) time.Time {
	anti := refineTransit(t, obs, math.Pi)
	if anti.After(t) {
		anti = refineTransit(anti.Add(-solarDaySeconds*time.Second), obs, math.Pi)
	}
	return anti
}
