package astro

import (
	"math"
	"time"
)

// moonEcliptic computes geocentric ecliptic lunar coordinates using a
// truncated periodic series (Astronomical Almanac low-precision form).
// Longitude/latitude are good to roughly 0.3 degrees; the horizontal
// parallax term lets us correct altitude to a few arc-minutes for the
// topocentric observer.
func moonEcliptic(t time.Time) (lonRad, latRad, parallaxRad float64) {
	// Julian centuries since J2000.
	T := daysSinceJ2000(t) / 36525.0

	sin := func(deg float64) float64 { return math.Sin(deg * degToRad) }
	cos := func(deg float64) float64 { return math.Cos(deg * degToRad) }

	lonDeg := 218.32 + 481267.883*T +
		6.29*sin(134.9+477198.85*T) -
		1.27*sin(259.2-413335.38*T) +
		0.66*sin(235.7+890534.23*T) +
		0.21*sin(269.9+954397.70*T) -
		0.19*sin(357.5+35999.05*T) -
		0.11*sin(186.6+966404.05*T)

	latDeg := 5.13*sin(93.3+483202.03*T) +
		0.28*sin(228.2+960400.87*T) -
		0.28*sin(318.3+6003.18*T) -
		0.17*sin(217.6-407332.20*T)

	parallaxDeg := 0.9508 +
		0.0518*cos(134.9+477198.85*T) +
		0.0095*cos(259.2-413335.38*T) +
		0.0078*cos(235.7+890534.23*T) +
		0.0028*cos(269.9+954397.70*T)

	return normalizeRad(lonDeg * degToRad), latDeg * degToRad, parallaxDeg * degToRad
}

// moonEquatorial converts the ecliptic lunar position to geocentric
// equatorial coordinates.
func moonEquatorial(t time.Time) (equatorial, float64) {
	lon, lat, parallax := moonEcliptic(t)

	n := daysSinceJ2000(t)
	obliquity := (23.439 - 0.0000004*n) * degToRad

	sinLon, cosLon := math.Sin(lon), math.Cos(lon)
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	sinObl, cosObl := math.Sin(obliquity), math.Cos(obliquity)

	ra := math.Atan2(sinLon*cosObl-math.Tan(lat)*sinObl, cosLon)
	dec := math.Asin(sinLat*cosObl + cosLat*sinObl*sinLon)

	return equatorial{ra: normalizeRad(ra), dec: dec}, parallax
}

// MoonPosition returns the topocentric horizontal position of the moon. The
// geocentric altitude is corrected for horizontal parallax, which matters
// close to the horizon where moon-mode decisions are made.
func MoonPosition(t time.Time, obs Observer) Position {
	eq, parallax := moonEquatorial(t)
	pos := eq.toHorizontal(t, obs)
	pos.AltitudeRad -= parallax * math.Cos(pos.AltitudeRad)
	return pos
}

// MoonPhase returns the illuminated fraction of the lunar disc as a
// percentage in [0, 100]. 0 is new moon, 100 is full.
func MoonPhase(t time.Time) float64 {
	moonLon, moonLat, _ := moonEcliptic(t)
	sunLon := sunEclipticLongitude(t)

	// Elongation between sun and moon on the celestial sphere.
	cosElong := math.Cos(moonLat) * math.Cos(moonLon-sunLon)
	elong := math.Acos(clamp(cosElong, -1, 1))

	// Illuminated fraction, treating the phase angle as pi - elongation.
	illum := (1.0 - math.Cos(elong)) / 2.0
	return illum * 100.0
}
