package quota

import (
	"strings"
	"sync"
	"time"
)

// ModelSpec describes a model quota record to create under a key.
type ModelSpec struct {
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
	Limits   `mapstructure:",squash"`
	// AggregateLimit seeds the reporting limit; zero copies the RPD limit.
	AggregateLimit int64 `json:"limit,omitempty" mapstructure:"limit"`
	Disabled       bool  `json:"disabled,omitempty" mapstructure:"disabled"`
}

// Usage is the coarse daily aggregate shown in reports. Admission never
// reads it.
type Usage struct {
	Used  int64
	Limit int64
	Since time.Time
}

func (u *Usage) record(now time.Time) {
	if u.Since.IsZero() || now.After(u.Since.Add(Day.Duration())) {
		u.Used = 0
		u.Since = now
	}
	u.Used++
}

// Health is the soft-failure bookkeeping fed by Pool.Report.
type Health struct {
	Successes           int64
	Failures            int64
	ConsecutiveFailures int64
	LastError           string
	LastErrorAt         time.Time
	LastSuccessAt       time.Time
}

// Model is one usable backend exposed under a key, with its own RPM, RPH
// and RPD windows. All fields are guarded by mu, which is also the
// critical section for reserving the three windows.
type Model struct {
	mu       sync.Mutex
	id       string
	enabled  bool
	priority int
	seq      uint64
	windows  [len(Horizons)]Window
	usage    Usage
	health   Health
}

func newModel(spec ModelSpec, seq uint64) *Model {
	m := &Model{
		id:       strings.TrimSpace(spec.Model),
		enabled:  !spec.Disabled,
		priority: spec.Priority,
		seq:      seq,
	}
	for i, h := range Horizons {
		m.windows[i] = NewWindow(h, spec.Limits.For(h))
	}
	m.usage.Limit = spec.AggregateLimit
	if m.usage.Limit == 0 {
		m.usage.Limit = spec.RPD
	}
	return m
}

// ID returns the model identifier.
func (m *Model) ID() string {
	return m.id
}

func (m *Model) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Model) Priority() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priority
}

// Limits returns the authoritative per-horizon limits.
func (m *Model) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Limits{
		RPM: m.windows[Minute].Limit,
		RPH: m.windows[Hour].Limit,
		RPD: m.windows[Day].Limit,
	}
}

// Windows returns a copy of the in-process windows.
func (m *Model) Windows() [len(Horizons)]Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows
}

// IsAvailable reports whether the model is enabled and every window has
// capacity after the reset check. The minute window is checked first.
func (m *Model) IsAvailable(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return false
	}
	return m.checkLocked(now)
}

func (m *Model) checkLocked(now time.Time) bool {
	for i := range m.windows {
		if !m.windows[i].CheckAndReset(now) {
			return false
		}
	}
	return true
}

// ReserveAll reserves one unit on RPM, RPH and RPD in that order. If any
// window refuses, the windows reserved earlier in the call are restored
// and the refusing window's *WindowExhaustedError is returned.
func (m *Model) ReserveAll(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(now)
}

// reserveEnabled is ReserveAll that also refuses a model disabled since
// the caller's availability check.
func (m *Model) reserveEnabled(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return ErrModelDisabled
	}
	return m.reserveLocked(now)
}

func (m *Model) reserveLocked(now time.Time) error {
	var saved [len(Horizons)]Window
	for i := range m.windows {
		m.windows[i].CheckAndReset(now)
		saved[i] = m.windows[i]
		if err := m.windows[i].Reserve(now); err != nil {
			for j := 0; j < i; j++ {
				m.windows[j] = saved[j]
			}
			return err
		}
	}
	return nil
}

func (m *Model) recordGrant(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.record(now)
}

func (m *Model) recordOutcome(callErr error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if callErr == nil {
		m.health.Successes++
		m.health.ConsecutiveFailures = 0
		m.health.LastSuccessAt = now
		return
	}
	m.health.Failures++
	m.health.ConsecutiveFailures++
	m.health.LastError = callErr.Error()
	m.health.LastErrorAt = now
}

func (m *Model) setEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

func (m *Model) setPriority(priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority = priority
}

// setAggregateLimit edits the reporting limit only; window limits change
// through setLimits.
func (m *Model) setAggregateLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.Limit = limit
}

func (m *Model) setLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range Horizons {
		m.windows[i].setLimit(l.For(h))
	}
}

// ModelSnapshot is a point-in-time copy of a model record, used for
// persistence and reporting.
type ModelSnapshot struct {
	ID       string
	Enabled  bool
	Priority int
	Seq      uint64
	Windows  [len(Horizons)]Window
	Usage    Usage
	Health   Health
}

// Limits returns the per-horizon limits recorded in the snapshot.
func (s ModelSnapshot) Limits() Limits {
	return Limits{
		RPM: s.Windows[Minute].Limit,
		RPH: s.Windows[Hour].Limit,
		RPD: s.Windows[Day].Limit,
	}
}

// Snapshot copies the model state.
func (m *Model) Snapshot() ModelSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ModelSnapshot{
		ID:       m.id,
		Enabled:  m.enabled,
		Priority: m.priority,
		Seq:      m.seq,
		Windows:  m.windows,
		Usage:    m.usage,
		Health:   m.health,
	}
}

func restoreModel(s ModelSnapshot) *Model {
	m := &Model{
		id:       s.ID,
		enabled:  s.Enabled,
		priority: s.Priority,
		seq:      s.Seq,
		windows:  s.Windows,
		usage:    s.Usage,
		health:   s.Health,
	}
	for i, h := range Horizons {
		m.windows[i].Horizon = h
	}
	return m
}
