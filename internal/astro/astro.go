// Package astro computes low-precision sun and moon ephemerides for a ground
// observer. Accuracy targets: solar transit to about one minute, lunar
// altitude to a few arc-minutes. Atmospheric refraction is intentionally not
// applied; regime thresholds in the rest of the system are tuned for
// geometric altitudes.
package astro

import (
	"math"
	"time"
)

// Observer is a fixed ground location.
type Observer struct {
	LatitudeDeg  float64
	LongitudeDeg float64 // east positive
	ElevationM   float64
}

// Position is a topocentric horizontal coordinate pair, in radians.
type Position struct {
	AltitudeRad float64
	AzimuthRad  float64 // measured from north through east
}

const (
	degToRad = math.Pi / 180.0
	radToDeg = 180.0 / math.Pi

	// j2000 is the Julian day of the J2000.0 epoch.
	j2000 = 2451545.0

	// solarDaySeconds is the mean solar day used when iterating transit times.
	solarDaySeconds = 86400.0
)

// JulianDay converts a wall-clock instant to a Julian day number (UTC based).
func JulianDay(t time.Time) float64 {
	return float64(t.UnixNano())/1e9/86400.0 + 2440587.5
}

// daysSinceJ2000 returns fractional days since the J2000.0 epoch.
func daysSinceJ2000(t time.Time) float64 {
	return JulianDay(t) - j2000
}

// GMST returns the Greenwich mean sidereal time in degrees, normalized to
// [0, 360).
func GMST(t time.Time) float64 {
	n := daysSinceJ2000(t)
	return normalizeDeg(280.46061837 + 360.98564736629*n)
}

// LocalSiderealTime returns the observer's local mean sidereal time in
// degrees.
func LocalSiderealTime(t time.Time, obs Observer) float64 {
	return normalizeDeg(GMST(t) + obs.LongitudeDeg)
}

// equatorial holds a geocentric right ascension / declination pair in radians.
type equatorial struct {
	ra  float64
	dec float64
}

// toHorizontal converts an equatorial position to the observer's horizontal
// frame at time t.
func (e equatorial) toHorizontal(t time.Time, obs Observer) Position {
	lst := LocalSiderealTime(t, obs) * degToRad
	ha := normalizeRad(lst - e.ra)

	lat := obs.LatitudeDeg * degToRad
	sinAlt := math.Sin(lat)*math.Sin(e.dec) + math.Cos(lat)*math.Cos(e.dec)*math.Cos(ha)
	alt := math.Asin(clamp(sinAlt, -1, 1))

	az := math.Atan2(
		-math.Sin(ha)*math.Cos(e.dec),
		math.Sin(e.dec)*math.Cos(lat)-math.Cos(e.dec)*math.Sin(lat)*math.Cos(ha),
	)
	if az < 0 {
		az += 2 * math.Pi
	}

	return Position{AltitudeRad: alt, AzimuthRad: az}
}

// hourAngle returns the observer's hour angle for the body, wrapped to
// (-pi, pi].
func (e equatorial) hourAngle(t time.Time, obs Observer) float64 {
	lst := LocalSiderealTime(t, obs) * degToRad
	return wrapPi(lst - e.ra)
}

func normalizeDeg(d float64) float64 {
	d = math.Mod(d, 360.0)
	if d < 0 {
		d += 360.0
	}
	return d
}

func normalizeRad(r float64) float64 {
	r = math.Mod(r, 2*math.Pi)
	if r < 0 {
		r += 2 * math.Pi
	}
	return r
}

// wrapPi wraps an angle to (-pi, pi].
func wrapPi(r float64) float64 {
	r = normalizeRad(r)
	if r > math.Pi {
		r -= 2 * math.Pi
	}
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
