package attendance

import (
	"math"
	"time"

	"liveclass/internal/session"
)

// Window returns the time span attendance is measured against: the actual
// start/end when stamped, the scheduled ones otherwise. Every call site goes
// through here so join, leave, and finalize can never disagree on the window.
func Window(s session.Session) (start, end time.Time) {
	start = s.ScheduledStart
	end = s.ScheduledEnd
	if s.ActualStart != nil {
		start = *s.ActualStart
	}
	if s.ActualEnd != nil {
		end = *s.ActualEnd
	}
	return start, end
}

// WindowMinutes returns the window length in minutes, zero when degenerate.
func WindowMinutes(s session.Session) float64 {
	start, end := Window(s)
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Minutes()
}

// DurationMinutes returns the rounded minutes between join and leave. A leave
// before the join is a clock anomaly: the delta clamps to zero and skew is
// reported so the caller can flag the record instead of failing.
func DurationMinutes(joined, left time.Time) (minutes int, skew bool) {
	d := left.Sub(joined)
	if d < 0 {
		return 0, true
	}
	return int(math.Round(d.Minutes())), false
}

// Percentage converts attended minutes into a share of the session window,
// clamped to [0, 100].
func Percentage(durationMinutes int, windowMinutes float64) float64 {
	if windowMinutes <= 0 {
		return 0
	}
	p := float64(durationMinutes) / windowMinutes * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Classify applies the threshold policy to a computed percentage.
func Classify(percentage, threshold float64) Status {
	switch {
	case percentage >= threshold:
		return StatusPresent
	case percentage > 0:
		return StatusLeftEarly
	default:
		return StatusAbsent
	}
}
