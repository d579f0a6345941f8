package quota

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModel_ReserveAllConsumesEveryHorizon(t *testing.T) {
	m := newModel(ModelSpec{Model: "m1", Limits: Limits{RPM: 2, RPH: 10, RPD: 100}}, 1)

	require.NoError(t, m.ReserveAll(t0))
	w := m.Windows()
	for _, h := range Horizons {
		assert.Equal(t, int64(1), w[h].Used, h.String())
		assert.Equal(t, t0, w[h].Start, h.String())
	}
}

func TestModel_ReserveAllRollsBackOnHourRefusal(t *testing.T) {
	m := newModel(ModelSpec{Model: "m1", Limits: Limits{RPM: 10, RPH: 1, RPD: 100}}, 1)
	require.NoError(t, m.ReserveAll(t0))

	before := m.Windows()
	err := m.ReserveAll(t0.Add(time.Second))

	var exhausted *WindowExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, Hour, exhausted.Horizon)
	assert.Equal(t, before, m.Windows(), "partial reservation must be undone")
}

func TestModel_ReserveAllRollsBackFreshWindow(t *testing.T) {
	// RPM window has never been consumed; rollback must restore its zero start.
	m := newModel(ModelSpec{Model: "m1", Limits: Limits{RPM: 10, RPH: 10, RPD: 0}}, 1)

	before := m.Windows()
	err := m.ReserveAll(t0)
	require.ErrorIs(t, err, ErrWindowExhausted)
	assert.Equal(t, before, m.Windows())
	assert.True(t, m.Windows()[Minute].Start.IsZero())
}

func TestModel_IsAvailable(t *testing.T) {
	m := newModel(ModelSpec{Model: "m1", Limits: Limits{RPM: 1, RPH: 10, RPD: 10}}, 1)
	assert.True(t, m.IsAvailable(t0))

	require.NoError(t, m.ReserveAll(t0))
	assert.False(t, m.IsAvailable(t0.Add(30*time.Second)))
	assert.True(t, m.IsAvailable(t0.Add(61*time.Second)))

	m.setEnabled(false)
	assert.False(t, m.IsAvailable(t0.Add(2*time.Minute)))
	assert.ErrorIs(t, m.reserveEnabled(t0.Add(2*time.Minute)), ErrModelDisabled)
}

func TestModel_AggregateLimitIndependentOfWindows(t *testing.T) {
	m := newModel(ModelSpec{Model: "m1", Limits: Limits{RPM: 5, RPH: 50, RPD: 500}}, 1)
	assert.Equal(t, int64(500), m.Snapshot().Usage.Limit, "aggregate defaults to rpd")

	m.setAggregateLimit(42)
	s := m.Snapshot()
	assert.Equal(t, int64(42), s.Usage.Limit)
	assert.Equal(t, int64(500), s.Limits().RPD)

	m.setLimits(Limits{RPM: 5, RPH: 50, RPD: 7})
	assert.Equal(t, int64(42), m.Snapshot().Usage.Limit)
	assert.Equal(t, int64(7), m.Limits().RPD)
}

func TestModel_RecordOutcome(t *testing.T) {
	m := newModel(ModelSpec{Model: "m1", Limits: Limits{RPM: 5, RPH: 5, RPD: 5}}, 1)

	m.recordOutcome(errors.New("upstream 500"), t0)
	m.recordOutcome(errors.New("upstream 503"), t0.Add(time.Second))
	h := m.Snapshot().Health
	assert.Equal(t, int64(2), h.Failures)
	assert.Equal(t, int64(2), h.ConsecutiveFailures)
	assert.Equal(t, "upstream 503", h.LastError)

	m.recordOutcome(nil, t0.Add(2*time.Second))
	h = m.Snapshot().Health
	assert.Equal(t, int64(1), h.Successes)
	assert.Equal(t, int64(0), h.ConsecutiveFailures)
	assert.Equal(t, t0.Add(2*time.Second), h.LastSuccessAt)
}

func TestModel_SnapshotRestore(t *testing.T) {
	m := newModel(ModelSpec{Model: "m1", Priority: 3, Limits: Limits{RPM: 5, RPH: 5, RPD: 5}}, 7)
	require.NoError(t, m.ReserveAll(t0))
	m.recordGrant(t0)

	restored := restoreModel(m.Snapshot())
	assert.Equal(t, m.Snapshot(), restored.Snapshot())
}
