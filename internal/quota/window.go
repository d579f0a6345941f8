package quota

import (
	"fmt"
	"time"
)

// Horizon is a rate-limit time window.
type Horizon int

const (
	Minute Horizon = iota
	Hour
	Day
)

// Horizons lists every horizon, tightest first.
var Horizons = [...]Horizon{Minute, Hour, Day}

// Duration returns the length of the horizon.
func (h Horizon) Duration() time.Duration {
	switch h {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 0
	}
}

func (h Horizon) String() string {
	switch h {
	case Minute:
		return "rpm"
	case Hour:
		return "rph"
	case Day:
		return "rpd"
	default:
		return fmt.Sprintf("horizon(%d)", int(h))
	}
}

// ParseHorizon parses "rpm", "rph" or "rpd".
func ParseHorizon(s string) (Horizon, error) {
	for _, h := range Horizons {
		if h.String() == s {
			return h, nil
		}
	}
	return 0, fmt.Errorf("quota: unknown horizon %q", s)
}

// Window is a counter plus reset boundary for one horizon.
//
// Used never exceeds Limit through Reserve. A zero Start means the
// window has not been consumed yet.
type Window struct {
	Horizon Horizon
	Used    int64
	Limit   int64
	Start   time.Time
}

// NewWindow returns an unconsumed window.
func NewWindow(h Horizon, limit int64) Window {
	return Window{Horizon: h, Limit: limit}
}

// CheckAndReset resets the window if now has advanced past
// Start+Duration, then reports whether capacity remains.
func (w *Window) CheckAndReset(now time.Time) bool {
	if !w.Start.IsZero() && now.After(w.Start.Add(w.Horizon.Duration())) {
		w.Used = 0
		w.Start = now
	}
	return w.Used < w.Limit
}

// Reserve consumes one unit. On exhaustion it returns a
// *WindowExhaustedError and leaves the counter untouched.
func (w *Window) Reserve(now time.Time) error {
	if !w.CheckAndReset(now) {
		return &WindowExhaustedError{Horizon: w.Horizon, Used: w.Used, Limit: w.Limit}
	}
	if w.Start.IsZero() {
		w.Start = now
	}
	w.Used++
	return nil
}

// Remaining returns the capacity left at now without mutating w.
func (w Window) Remaining(now time.Time) int64 {
	w.CheckAndReset(now)
	if w.Used >= w.Limit {
		return 0
	}
	return w.Limit - w.Used
}

// ResetsAt returns the boundary after which the window resets, or the
// zero time for an unconsumed window.
func (w Window) ResetsAt() time.Time {
	if w.Start.IsZero() {
		return time.Time{}
	}
	return w.Start.Add(w.Horizon.Duration())
}

// setLimit changes the limit, clamping Used so it never exceeds it.
func (w *Window) setLimit(limit int64) {
	w.Limit = limit
	if w.Used > limit {
		w.Used = limit
	}
}

// Limits holds the per-horizon request limits of a model.
type Limits struct {
	RPM int64 `json:"rpm" mapstructure:"rpm"`
	RPH int64 `json:"rph" mapstructure:"rph"`
	RPD int64 `json:"rpd" mapstructure:"rpd"`
}

// For returns the limit for h.
func (l Limits) For(h Horizon) int64 {
	switch h {
	case Minute:
		return l.RPM
	case Hour:
		return l.RPH
	default:
		return l.RPD
	}
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	if l.RPM < 0 || l.RPH < 0 || l.RPD < 0 {
		return fmt.Errorf("%w: rpm=%d rph=%d rpd=%d", ErrInvalidLimit, l.RPM, l.RPH, l.RPD)
	}
	return nil
}
