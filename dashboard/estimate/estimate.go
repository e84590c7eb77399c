// Package estimate computes smoothed time-remaining predictions from
// progress sample history.
package estimate

import (
	"math"
	"time"
)

// Sample is one (timestamp, progress) observation.
type Sample struct {
	At      time.Time
	Current int64
}

// Config controls the estimator.
type Config struct {
	// Window is the number of trailing samples the rate is computed over.
	Window int
	// Alpha is the exponential smoothing factor applied against the
	// previous estimate (0 < Alpha <= 1; 1 disables smoothing).
	Alpha float64
	// Ceiling rejects estimates beyond this horizon as noise.
	Ceiling time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Window:  10,
		Alpha:   0.3,
		Ceiling: 24 * time.Hour,
	}
}

// Estimator derives remaining-duration estimates robust to bursty update
// cadence. It is a pure calculator: all state (sample history, previous
// smoothed value) is owned by the caller.
type Estimator struct {
	cfg Config
}

func New(cfg Config) *Estimator {
	if cfg.Window < 2 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultConfig().Alpha
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultConfig().Ceiling
	}
	return &Estimator{cfg: cfg}
}

// Input bundles everything one estimation round needs.
type Input struct {
	Samples []Sample
	Total   int64
	// PreviousSmoothed is the last estimate returned for this counter, or
	// < 0 when there is none yet.
	PreviousSmoothed time.Duration
	// StaticEstimate is an optional caller-supplied duration hint used as
	// fallback when no rate can be derived (0 = none).
	StaticEstimate time.Duration
	// Elapsed is the time the counter has already been running, consumed
	// together with StaticEstimate.
	Elapsed time.Duration
}

// Rate returns the observed progress rate in units/second over the trailing
// window, or 0 when it cannot be derived.
func (e *Estimator) Rate(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	window := samples
	if len(window) > e.cfg.Window {
		window = window[len(window)-e.cfg.Window:]
	}
	first, last := window[0], window[len(window)-1]
	dt := last.At.Sub(first.At).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.Current-first.Current) / dt
}

// Estimate returns the smoothed remaining duration and whether the result
// is usable. Unusable results (no rate and no static hint, negative values,
// values beyond the ceiling) report ok=false so callers surface "unknown"
// rather than a bogus number.
func (e *Estimator) Estimate(in Input) (time.Duration, bool) {
	var raw time.Duration

	rate := e.Rate(in.Samples)
	switch {
	case rate > 0:
		last := in.Samples[len(in.Samples)-1]
		remaining := float64(in.Total-last.Current) / rate
		if math.IsNaN(remaining) || math.IsInf(remaining, 0) {
			return 0, false
		}
		raw = time.Duration(remaining * float64(time.Second))
	case in.StaticEstimate > 0:
		raw = in.StaticEstimate - in.Elapsed
	default:
		return 0, false
	}

	if raw < 0 || raw > e.cfg.Ceiling {
		return 0, false
	}

	smoothed := raw
	if in.PreviousSmoothed >= 0 {
		smoothed = time.Duration(e.cfg.Alpha*float64(raw) + (1-e.cfg.Alpha)*float64(in.PreviousSmoothed))
	}
	if smoothed < 0 || smoothed > e.cfg.Ceiling {
		return 0, false
	}
	return smoothed, true
}
