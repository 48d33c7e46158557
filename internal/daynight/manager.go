// Package daynight classifies each instant into a capture regime and emits
// day/night boundary events. All decisions are made in UTC; local time is a
// display concern handled elsewhere.
package daynight

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/allsky/internal/astro"
)

// Regime is the camera operating regime at an instant.
type Regime int

const (
	RegimeDay Regime = iota
	RegimeDusk
	RegimeNightNormal
	RegimeNightMoon
)

func (r Regime) String() string {
	switch r {
	case RegimeDay:
		return "day"
	case RegimeDusk:
		return "dusk"
	case RegimeNightNormal:
		return "night"
	case RegimeNightMoon:
		return "night-moon"
	default:
		return "unknown"
	}
}

// Night reports whether the regime is one of the night states. Dusk counts as
// day: it only affects annotation blending, never camera configuration.
func (r Regime) Night() bool {
	return r == RegimeNightNormal || r == RegimeNightMoon
}

// Boundary describes a single day/night transition.
type Boundary struct {
	At        time.Time
	ToNight   bool      // true: day->night, false: night->day
	DayDate   time.Time // dayDate of the interval that just closed
	WasNight  bool      // regime of the closed interval
	MoonPhase float64
}

// Decision is the output of one Update tick.
type Decision struct {
	Regime       Regime
	SunAltRad    float64
	MoonAltRad   float64
	MoonPhasePct float64
	DayDate      time.Time
	// Boundary is non-nil exactly once per night<->day crossing.
	Boundary *Boundary
}

// Thresholds configure the classifier.
type Thresholds struct {
	NightSunAltDeg   float64 // sun below this is night, typically -6
	DuskSunAltDeg    float64 // sun below this (but above night) is dusk, typically 0
	MoonModeAltDeg   float64
	MoonModePhasePct float64
}

// Manager tracks the previous regime so boundaries are emitted exactly once.
// It is driven from the capture loop's single goroutine and is not safe for
// concurrent use.
type Manager struct {
	obs        astro.Observer
	thresholds Thresholds
	log        *zap.Logger

	initialized  bool
	prevNight    bool
	prevDayDate  time.Time
	lastTick     time.Time
	lastBoundary time.Time
}

// New creates a manager for an observer.
func New(obs astro.Observer, th Thresholds, log *zap.Logger) *Manager {
	if th.DuskSunAltDeg == 0 && th.NightSunAltDeg < 0 {
		th.DuskSunAltDeg = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		obs:        obs,
		thresholds: th,
		log:        log.Named("daynight"),
	}
}

// DayDate returns the civil date of the most recent solar transit at or
// before t. This keeps a night contiguous across local midnight: every
// capture between one solar noon and the next shares a dayDate.
func DayDate(t time.Time, obs astro.Observer) time.Time {
	transit := astro.SolarTransit(t, obs)
	// Date is taken at the observer's mean solar time so the transit's civil
	// date matches the local calendar, without depending on tzdata.
	local := transit.Add(time.Duration(obs.LongitudeDeg / 15.0 * float64(time.Hour)))
	y, m, d := local.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Update classifies the instant and, when the night flag flips, emits a
// boundary for the interval that just closed.
//
// Clock-step behavior: a backwards step cannot double-emit because emission
// is keyed on the night flag flipping, not on time passing. A forward step
// that jumps across a boundary flips the flag on the next tick and emits
// exactly one event.
func (m *Manager) Update(now time.Time) Decision {
	sun := astro.SunPosition(now, m.obs)
	moon := astro.MoonPosition(now, m.obs)
	phase := astro.MoonPhase(now)

	sunAltDeg := sun.AltitudeRad * 180.0 / math.Pi
	moonAltDeg := moon.AltitudeRad * 180.0 / math.Pi

	night := sunAltDeg < m.thresholds.NightSunAltDeg
	moonMode := night &&
		moonAltDeg >= m.thresholds.MoonModeAltDeg &&
		phase >= m.thresholds.MoonModePhasePct

	var regime Regime
	switch {
	case night && moonMode:
		regime = RegimeNightMoon
	case night:
		regime = RegimeNightNormal
	case sunAltDeg < m.thresholds.DuskSunAltDeg:
		regime = RegimeDusk
	default:
		regime = RegimeDay
	}

	dayDate := DayDate(now, m.obs)

	d := Decision{
		Regime:       regime,
		SunAltRad:    sun.AltitudeRad,
		MoonAltRad:   moon.AltitudeRad,
		MoonPhasePct: phase,
		DayDate:      dayDate,
	}

	if !m.initialized {
		m.initialized = true
		m.prevNight = night
		m.prevDayDate = dayDate
		m.lastTick = now
		m.log.Info("initial regime",
			zap.String("regime", regime.String()),
			zap.Float64("sun_alt_deg", sunAltDeg),
			zap.Time("day_date", dayDate))
		return d
	}

	if night != m.prevNight {
		d.Boundary = &Boundary{
			At:        now,
			ToNight:   night,
			DayDate:   m.prevDayDate,
			WasNight:  m.prevNight,
			MoonPhase: phase,
		}
		m.lastBoundary = now
		m.log.Info("regime boundary",
			zap.Bool("to_night", night),
			zap.Time("closed_day_date", m.prevDayDate),
			zap.Float64("sun_alt_deg", sunAltDeg))
	}

	m.prevNight = night
	m.prevDayDate = dayDate
	m.lastTick = now
	return d
}
