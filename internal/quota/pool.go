package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Grant is the result of a successful admission.
type Grant struct {
	ID         string    `json:"id"`
	KeyID      string    `json:"key_id"`
	Scope      Scope     `json:"-"`
	Model      string    `json:"model"`
	Credential string    `json:"-"`
	GrantedAt  time.Time `json:"granted_at"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithLedger replaces the in-process usage ledger.
func WithLedger(l Ledger) Option {
	return func(p *Pool) { p.ledger = l }
}

// WithRepository sets the durable key store.
func WithRepository(r Repository) Option {
	return func(p *Pool) { p.repo = r }
}

// WithRecorder sets the admission event recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithValidator enables optimistic credential validation on AddKey.
func WithValidator(v Validator) Option {
	return func(p *Pool) { p.validator = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool holds every key record and runs admission over them.
//
// mu guards the key list, which is replaced on every structural change so
// Acquire can range over a snapshot without holding it. Usage windows are
// guarded per model record; two acquisitions only contend when they race
// for the same model.
type Pool struct {
	mu      sync.RWMutex
	keys    []*Key // sorted by (priority, seq)
	nextSeq uint64

	logger    *zap.Logger
	ledger    Ledger
	repo      Repository
	recorder  Recorder
	validator Validator
	now       func() time.Time

	flushMu sync.Mutex
}

// NewPool creates an empty pool.
func NewPool(logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		logger:   logger,
		ledger:   NewMemoryLedger(),
		repo:     noopRepository{},
		recorder: noopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load replaces the pool content with the repository's keys.
func (p *Pool) Load(ctx context.Context) error {
	snaps, err := p.repo.LoadKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}

	keys := make([]*Key, 0, len(snaps))
	var seq uint64
	for _, s := range snaps {
		k := RestoreKey(s)
		if err := k.scope.Validate(); err != nil {
			p.logger.Error("Loaded key with invalid scope configuration",
				zap.String("key_id", k.id),
				zap.String("scope_kind", string(k.scope.Kind)),
				zap.String("tenant_id", k.scope.TenantID))
		}
		if k.seq == 0 {
			seq++
			k.seq = seq
		}
		seq = max(seq, k.seq)
		keys = append(keys, k)
	}
	sortKeys(keys)

	p.mu.Lock()
	p.keys = keys
	p.nextSeq = seq
	p.mu.Unlock()

	p.logger.Info("Loaded key pool", zap.Int("keys", len(keys)))
	return nil
}

// Acquire admits one unit of work in scope, optionally restricted to
// model. It returns an *ExhaustedError when nothing has capacity and a
// *ScopeError when scope itself is malformed.
func (p *Pool) Acquire(ctx context.Context, scope Scope, model string) (Grant, error) {
	return p.AcquireAt(ctx, scope, model, p.now())
}

// AcquireAt is Acquire at an explicit instant.
//
// Keys are walked in priority order and, within a key, models in priority
// order. The first model whose reservation succeeds wins. A reservation
// refused after a positive availability check is a conflict with a
// concurrent caller; the walk continues with the next model.
func (p *Pool) AcquireAt(ctx context.Context, scope Scope, model string, now time.Time) (Grant, error) {
	if err := scope.Validate(); err != nil {
		return Grant{}, err
	}
	model = strings.TrimSpace(model)

	p.mu.RLock()
	keys := p.keys
	p.mu.RUnlock()

	diag := &ExhaustedError{Scope: scope, Model: model}
	for _, k := range keys {
		if err := k.scope.Validate(); err != nil {
			diag.InvalidKeys++
			p.rejectKey(k)
			continue
		}
		if !scope.Contains(k.scope) {
			continue
		}
		if !k.Active() {
			diag.KeysInactive++
			continue
		}
		diag.KeysExamined++

		for m := range k.candidates(model, func(m *Model) bool {
			return p.available(ctx, k, m, now, diag)
		}) {
			err := p.ledger.Reserve(ctx, k.id, m, now)
			if err == nil {
				return p.grant(k, m, scope, now), nil
			}
			diag.Conflicts++
			if errors.Is(err, ErrWindowExhausted) || errors.Is(err, ErrModelDisabled) {
				p.recorder.OnConflict(scope, m.id)
				p.logger.Debug("Reservation conflict",
					zap.String("key_id", k.id),
					zap.String("model", m.id),
					zap.Error(err))
				continue
			}
			p.logger.Warn("Ledger reserve failed",
				zap.String("key_id", k.id),
				zap.String("model", m.id),
				zap.Error(err))
		}
	}

	p.recorder.OnExhausted(scope, diag.Reason())
	p.logger.Debug("Pool exhausted",
		zap.String("scope", scope.String()),
		zap.String("model", model),
		zap.String("reason", diag.Reason()),
		zap.Int("keys_examined", diag.KeysExamined),
		zap.Int("keys_inactive", diag.KeysInactive),
		zap.Int("models_examined", diag.ModelsExamined))
	return Grant{}, diag
}

func (p *Pool) available(ctx context.Context, k *Key, m *Model, now time.Time, diag *ExhaustedError) bool {
	diag.ModelsExamined++
	if !m.Enabled() {
		diag.ModelsDisabled++
		return false
	}
	ok, err := p.ledger.Available(ctx, k.id, m, now)
	if err != nil {
		p.logger.Warn("Ledger availability check failed",
			zap.String("key_id", k.id),
			zap.String("model", m.id),
			zap.Error(err))
		return false
	}
	if !ok {
		diag.ModelsLimited++
	}
	return ok
}

func (p *Pool) grant(k *Key, m *Model, scope Scope, now time.Time) Grant {
	m.recordGrant(now)
	k.markDirty()
	p.recorder.OnGrant(scope, m.id)
	return Grant{
		ID:         uuid.New().String(),
		KeyID:      k.id,
		Scope:      k.scope,
		Model:      m.id,
		Credential: k.secret,
		GrantedAt:  now,
	}
}

func (p *Pool) rejectKey(k *Key) {
	p.recorder.OnInvalidKey(k.id)
	p.logger.Error("Rejected key with invalid scope configuration",
		zap.String("key_id", k.id),
		zap.String("scope_kind", string(k.scope.Kind)),
		zap.String("tenant_id", k.scope.TenantID),
		zap.Error(&ScopeError{KeyID: k.id, Scope: k.scope}))
}

// Report records the outcome of the call made with grant. Capacity is
// never refunded and nothing is retried.
func (p *Pool) Report(ctx context.Context, grant Grant, callErr error) error {
	k, err := p.lookup(grant.KeyID)
	if err != nil {
		return err
	}
	m, ok := k.Model(grant.Model)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, grant.Model)
	}
	m.recordOutcome(callErr, p.now())
	k.markDirty()
	p.recorder.OnReport(m.id, callErr == nil)
	if callErr != nil {
		p.logger.Info("Upstream call failed",
			zap.String("key_id", k.id),
			zap.String("model", m.id),
			zap.Error(callErr))
	}
	return nil
}

// AddKey registers a key. A zero priority places it after every key of
// its scope. When a validator is configured the credential is probed; a
// failed probe is recorded on the key but never rejects it.
func (p *Pool) AddKey(ctx context.Context, spec KeySpec) (KeySnapshot, error) {
	k, err := NewKey(spec, p.now())
	if err != nil {
		return KeySnapshot{}, err
	}
	if p.validator != nil {
		verr := p.validator.Validate(ctx, k.secret)
		k.setValidation(verr)
		if verr != nil {
			p.logger.Warn("Key validation failed, accepting optimistically",
				zap.String("key_id", k.id),
				zap.String("secret", maskSecret(k.secret)),
				zap.Error(verr))
		}
	}

	p.mu.Lock()
	if k.priority == 0 {
		k.priority = p.nextKeyPriorityLocked(k.scope)
	}
	p.nextSeq++
	k.seq = p.nextSeq
	p.publishLocked(append(slices.Clone(p.keys), k))
	p.mu.Unlock()

	snap := k.Snapshot()
	if err := p.repo.SaveKey(ctx, snap); err != nil {
		p.removeKey(k.id)
		return KeySnapshot{}, fmt.Errorf("failed to save key: %w", err)
	}
	p.logger.Info("Key added",
		zap.String("key_id", k.id),
		zap.String("scope", k.scope.String()),
		zap.Int("priority", k.priority),
		zap.String("secret", maskSecret(k.secret)))
	return snap, nil
}

// nextKeyPriorityLocked returns one past the highest priority in scope.
func (p *Pool) nextKeyPriorityLocked(scope Scope) int {
	hi := 0
	for _, k := range p.keys {
		if k.scope == scope {
			hi = max(hi, k.Priority())
		}
	}
	return hi + 1
}

// DeleteKey removes a key and every model it owns. The repository is
// updated first; on failure the key stays in the pool untouched.
func (p *Pool) DeleteKey(ctx context.Context, id string) error {
	if _, err := p.lookup(id); err != nil {
		return err
	}
	if err := p.repo.DeleteKey(ctx, id); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	k := p.removeKey(id)
	if k == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	for _, m := range k.Models() {
		if err := p.ledger.Forget(ctx, k.id, m.id); err != nil {
			p.logger.Warn("Failed to forget model usage",
				zap.String("key_id", k.id),
				zap.String("model", m.id),
				zap.Error(err))
		}
	}
	p.logger.Info("Key deleted", zap.String("key_id", id))
	return nil
}

func (p *Pool) removeKey(id string) *Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.IndexFunc(p.keys, func(k *Key) bool { return k.id == id })
	if i < 0 {
		return nil
	}
	k := p.keys[i]
	p.keys = slices.Delete(slices.Clone(p.keys), i, i+1)
	return k
}

// SetKeyActive activates or deactivates a key.
func (p *Pool) SetKeyActive(ctx context.Context, id string, active bool) error {
	return p.mutateKey(ctx, id, func(k *Key) error {
		k.setActive(active)
		return nil
	})
}

// SetKeyPriority moves a key within its scope's order.
func (p *Pool) SetKeyPriority(ctx context.Context, id string, priority int) error {
	if priority < 0 {
		return ErrInvalidPriority
	}
	return p.mutateKey(ctx, id, func(k *Key) error {
		k.setPriority(priority)
		p.mu.Lock()
		p.publishLocked(slices.Clone(p.keys))
		p.mu.Unlock()
		return nil
	})
}

// DisableTenant deactivates every key of a tenant and returns how many
// keys changed.
func (p *Pool) DisableTenant(ctx context.Context, tenantID string) (int, error) {
	return p.setTenantActive(ctx, tenantID, false)
}

// EnableTenant reactivates every key of a tenant.
func (p *Pool) EnableTenant(ctx context.Context, tenantID string) (int, error) {
	return p.setTenantActive(ctx, tenantID, true)
}

func (p *Pool) setTenantActive(ctx context.Context, tenantID string, active bool) (int, error) {
	scope := Tenant(tenantID)
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	changed := 0
	var errs []error
	for _, k := range p.snapshotKeys() {
		if k.scope != scope || k.Active() == active {
			continue
		}
		k.setActive(active)
		changed++
		if err := p.repo.SaveKey(ctx, k.Snapshot()); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("Tenant keys updated",
		zap.String("tenant_id", tenantID),
		zap.Bool("active", active),
		zap.Int("keys", changed))
	if err := errors.Join(errs...); err != nil {
		return changed, fmt.Errorf("failed to save keys: %w", err)
	}
	return changed, nil
}

// AddModel adds a model under a key.
func (p *Pool) AddModel(ctx context.Context, keyID string, spec ModelSpec) (ModelSnapshot, error) {
	var snap ModelSnapshot
	err := p.mutateKey(ctx, keyID, func(k *Key) error {
		m, err := k.addModel(spec)
		if err != nil {
			return err
		}
		snap = m.Snapshot()
		return nil
	})
	if err != nil {
		return ModelSnapshot{}, err
	}
	p.logger.Info("Model added",
		zap.String("key_id", keyID),
		zap.String("model", snap.ID),
		zap.Int64("rpm", snap.Windows[Minute].Limit),
		zap.Int64("rph", snap.Windows[Hour].Limit),
		zap.Int64("rpd", snap.Windows[Day].Limit))
	return snap, nil
}

// SeedModels adds every catalogue entry the key does not have yet and
// returns how many were added.
func (p *Pool) SeedModels(ctx context.Context, keyID string, catalog []ModelSpec) (int, error) {
	added := 0
	err := p.mutateKey(ctx, keyID, func(k *Key) error {
		for _, spec := range catalog {
			_, err := k.addModel(spec)
			if errors.Is(err, ErrModelExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("seed %s: %w", spec.Model, err)
			}
			added++
		}
		return nil
	})
	if err != nil {
		return added, err
	}
	p.logger.Info("Models seeded", zap.String("key_id", keyID), zap.Int("added", added))
	return added, nil
}

// SetModelEnabled shows or hides a model from admission.
func (p *Pool) SetModelEnabled(ctx context.Context, keyID, model string, enabled bool) error {
	return p.mutateModel(ctx, keyID, model, func(_ *Key, m *Model) error {
		m.setEnabled(enabled)
		return nil
	})
}

// SetModelPriority moves a model within its key's order.
func (p *Pool) SetModelPriority(ctx context.Context, keyID, model string, priority int) error {
	if priority < 0 {
		return ErrInvalidPriority
	}
	return p.mutateModel(ctx, keyID, model, func(k *Key, m *Model) error {
		m.setPriority(priority)
		k.resort()
		return nil
	})
}

// SetModelLimit edits the aggregate reporting limit of a model. The
// per-horizon window limits that govern admission are not touched; use
// SetWindowLimits to change those.
func (p *Pool) SetModelLimit(ctx context.Context, keyID, model string, limit int64) error {
	if limit < 0 {
		return ErrInvalidLimit
	}
	return p.mutateModel(ctx, keyID, model, func(_ *Key, m *Model) error {
		m.setAggregateLimit(limit)
		return nil
	})
}

// SetWindowLimits replaces the per-horizon limits. A used count above
// its new limit is clamped so the window reads as exhausted.
func (p *Pool) SetWindowLimits(ctx context.Context, keyID, model string, limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	return p.mutateModel(ctx, keyID, model, func(_ *Key, m *Model) error {
		m.setLimits(limits)
		return nil
	})
}

// DeleteModel removes a model from a key.
func (p *Pool) DeleteModel(ctx context.Context, keyID, model string) error {
	err := p.mutateKey(ctx, keyID, func(k *Key) error {
		if !k.removeModel(model) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, model)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.ledger.Forget(ctx, keyID, model); err != nil {
		p.logger.Warn("Failed to forget model usage",
			zap.String("key_id", keyID),
			zap.String("model", model),
			zap.Error(err))
	}
	return nil
}

// mutateKey applies fn to a key and persists it synchronously.
func (p *Pool) mutateKey(ctx context.Context, id string, fn func(*Key) error) error {
	k, err := p.lookup(id)
	if err != nil {
		return err
	}
	if err := fn(k); err != nil {
		return err
	}
	if err := p.repo.SaveKey(ctx, k.Snapshot()); err != nil {
		k.markDirty()
		return fmt.Errorf("failed to save key: %w", err)
	}
	return nil
}

func (p *Pool) mutateModel(ctx context.Context, keyID, model string, fn func(*Key, *Model) error) error {
	return p.mutateKey(ctx, keyID, func(k *Key) error {
		m, ok := k.Model(model)
		if !ok {
			return fmt.Errorf("%w: %s", ErrModelNotFound, model)
		}
		return fn(k, m)
	})
}

func (p *Pool) lookup(id string) (*Key, error) {
	for _, k := range p.snapshotKeys() {
		if k.id == id {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
}

func (p *Pool) snapshotKeys() []*Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keys
}

func (p *Pool) publishLocked(keys []*Key) {
	sortKeys(keys)
	p.keys = keys
}

// Key returns a snapshot of one key with its current windows.
func (p *Pool) Key(ctx context.Context, id string) (KeySnapshot, error) {
	k, err := p.lookup(id)
	if err != nil {
		return KeySnapshot{}, err
	}
	return p.snapshot(ctx, k), nil
}

// Keys returns snapshots of every key matching filter, in priority
// order. A nil filter matches every key.
func (p *Pool) Keys(ctx context.Context, filter func(Scope) bool) []KeySnapshot {
	var out []KeySnapshot
	for _, k := range p.snapshotKeys() {
		if filter != nil && !filter(k.scope) {
			continue
		}
		out = append(out, p.snapshot(ctx, k))
	}
	return out
}

func (p *Pool) snapshot(ctx context.Context, k *Key) KeySnapshot {
	s := k.Snapshot()
	now := p.now()
	for i, m := range k.Models() {
		if i >= len(s.Models) || s.Models[i].ID != m.id {
			break
		}
		w, err := p.ledger.Windows(ctx, k.id, m, now)
		if err != nil {
			p.logger.Warn("Failed to read model windows",
				zap.String("key_id", k.id),
				zap.String("model", m.id),
				zap.Error(err))
			continue
		}
		s.Models[i].Windows = w
	}
	return s
}

// Stats summarises a scope.
type Stats struct {
	Keys            int `json:"keys"`
	ActiveKeys      int `json:"active_keys"`
	InvalidKeys     int `json:"invalid_keys"`
	UnverifiedKeys  int `json:"unverified_keys"`
	Models          int `json:"models"`
	EnabledModels   int `json:"enabled_models"`
	AvailableModels int `json:"available_models"`
}

// Stats counts keys and models in scope; invalid keys are counted in
// every scope.
func (p *Pool) Stats(ctx context.Context, scope Scope) Stats {
	var st Stats
	now := p.now()
	for _, k := range p.snapshotKeys() {
		if k.scope.Validate() != nil {
			st.InvalidKeys++
			continue
		}
		if !scope.Contains(k.scope) {
			continue
		}
		st.Keys++
		active := k.Active()
		if active {
			st.ActiveKeys++
		}
		if snap := k.Snapshot(); !snap.Verified && snap.ValidationError != "" {
			st.UnverifiedKeys++
		}
		for _, m := range k.Models() {
			st.Models++
			if !m.Enabled() {
				continue
			}
			st.EnabledModels++
			if !active {
				continue
			}
			if ok, err := p.ledger.Available(ctx, k.id, m, now); err == nil && ok {
				st.AvailableModels++
			}
		}
	}
	return st
}

// Flush writes every key changed by admission since the last flush.
func (p *Pool) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	var errs []error
	for _, k := range p.snapshotKeys() {
		if !k.takeDirty() {
			continue
		}
		if err := p.repo.SaveKey(ctx, k.Snapshot()); err != nil {
			k.markDirty()
			errs = append(errs, fmt.Errorf("key %s: %w", k.id, err))
		}
	}
	return errors.Join(errs...)
}

// StartFlusher flushes dirty keys every interval until ctx is done.
func (p *Pool) StartFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Flush(ctx); err != nil {
					p.logger.Warn("Failed to flush key usage", zap.Error(err))
				}
			}
		}
	}()
}

func sortKeys(keys []*Key) {
	slices.SortStableFunc(keys, func(a, b *Key) int {
		if pa, pb := a.Priority(), b.Priority(); pa != pb {
			return pa - pb
		}
		return compareSeq(a.seq, b.seq)
	})
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
