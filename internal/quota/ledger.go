package quota

import (
	"context"
	"time"
)

// Ledger is the authoritative store of usage windows. Reserve must consume
// one unit on all three horizons of a (key, model) pair atomically, or
// nothing at all.
type Ledger interface {
	// Available reports whether every window of the pair has capacity
	// after the reset check. It never consumes capacity.
	Available(ctx context.Context, keyID string, m *Model, now time.Time) (bool, error)
	// Reserve consumes one unit on every horizon. A refusal is reported
	// as an error wrapping ErrWindowExhausted or ErrModelDisabled.
	Reserve(ctx context.Context, keyID string, m *Model, now time.Time) error
	// Windows returns the current windows of the pair.
	Windows(ctx context.Context, keyID string, m *Model, now time.Time) ([len(Horizons)]Window, error)
	// Forget drops the usage state of a deleted pair.
	Forget(ctx context.Context, keyID, modelID string) error
}

// MemoryLedger keeps windows on the in-process model records, each
// guarded by its own mutex.
type MemoryLedger struct{}

// NewMemoryLedger returns the in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (MemoryLedger) Available(_ context.Context, _ string, m *Model, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(now), nil
}

func (MemoryLedger) Reserve(_ context.Context, _ string, m *Model, now time.Time) error {
	return m.reserveEnabled(now)
}

func (MemoryLedger) Windows(_ context.Context, _ string, m *Model, now time.Time) ([len(Horizons)]Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLocked(now)
	return m.windows, nil
}

func (MemoryLedger) Forget(context.Context, string, string) error {
	return nil
}

// Repository persists key records between restarts.
type Repository interface {
	LoadKeys(ctx context.Context) ([]KeySnapshot, error)
	SaveKey(ctx context.Context, key KeySnapshot) error
	DeleteKey(ctx context.Context, id string) error
}

// Recorder observes admission events.
type Recorder interface {
	OnGrant(scope Scope, model string)
	OnExhausted(scope Scope, reason string)
	OnConflict(scope Scope, model string)
	OnInvalidKey(keyID string)
	OnReport(model string, success bool)
}

// Validator checks a credential against its upstream. Failures never
// block registration; validity is established on first real use.
type Validator interface {
	Validate(ctx context.Context, secret string) error
}

type noopRepository struct{}

func (noopRepository) LoadKeys(context.Context) ([]KeySnapshot, error) { return nil, nil }
func (noopRepository) SaveKey(context.Context, KeySnapshot) error      { return nil }
func (noopRepository) DeleteKey(context.Context, string) error         { return nil }

type noopRecorder struct{}

func (noopRecorder) OnGrant(Scope, string)     {}
func (noopRecorder) OnExhausted(Scope, string) {}
func (noopRecorder) OnConflict(Scope, string)  {}
func (noopRecorder) OnInvalidKey(string)       {}
func (noopRecorder) OnReport(string, bool)     {}
