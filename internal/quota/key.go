package quota

import (
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeySpec describes a key to register.
type KeySpec struct {
	Secret   string
	Scope    Scope
	Priority int
}

// Key is one external credential and the ordered models it exposes.
type Key struct {
	mu              sync.RWMutex
	id              string
	secret          string
	scope           Scope
	active          bool
	priority        int
	seq             uint64
	verified        bool
	validationError string
	createdAt       time.Time

	models    []*Model // sorted by (priority, seq)
	nextModel uint64
	dirty     bool
}

// NewKey builds an active key. A central key carrying a tenant id, or a
// tenant key without one, is rejected with a *ScopeError.
func NewKey(spec KeySpec, now time.Time) (*Key, error) {
	if err := spec.Scope.Validate(); err != nil {
		return nil, err
	}
	secret := strings.TrimSpace(spec.Secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if spec.Priority < 0 {
		return nil, ErrInvalidPriority
	}
	return &Key{
		id:        uuid.New().String(),
		secret:    secret,
		scope:     spec.Scope,
		active:    true,
		priority:  spec.Priority,
		createdAt: now,
	}, nil
}

func (k *Key) ID() string {
	return k.id
}

// Secret returns the opaque credential.
func (k *Key) Secret() string {
	return k.secret
}

func (k *Key) Scope() Scope {
	return k.scope
}

func (k *Key) Active() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

func (k *Key) Priority() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.priority
}

// Model returns the model record with the given identifier.
func (k *Key) Model(id string) (*Model, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, m := range k.models {
		if m.id == id {
			return m, true
		}
	}
	return nil, false
}

// Models returns the models in selection order.
func (k *Key) Models() []*Model {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Clone(k.models)
}

// AvailableModels yields the key's models that are available at now,
// restricted to requested when it is non-empty, in ascending priority
// with ties in creation order. The sequence ranges over a snapshot of
// the model list taken when iteration starts and never reserves
// anything; each iteration re-evaluates availability.
func (k *Key) AvailableModels(now time.Time, requested string) iter.Seq[*Model] {
	return k.candidates(requested, func(m *Model) bool {
		return m.IsAvailable(now)
	})
}

// candidates yields the models matching requested for which ok returns true.
func (k *Key) candidates(requested string, ok func(*Model) bool) iter.Seq[*Model] {
	return func(yield func(*Model) bool) {
		for _, m := range k.Models() {
			if requested != "" && m.id != requested {
				continue
			}
			if !ok(m) {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// addModel inserts a model unless one with the same identifier exists.
func (k *Key) addModel(spec ModelSpec) (*Model, error) {
	if strings.TrimSpace(spec.Model) == "" {
		return nil, ErrModelNotFound
	}
	if spec.Priority < 0 {
		return nil, ErrInvalidPriority
	}
	if err := spec.Limits.Validate(); err != nil {
		return nil, err
	}
	if spec.AggregateLimit < 0 {
		return nil, ErrInvalidLimit
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	id := strings.TrimSpace(spec.Model)
	for _, m := range k.models {
		if m.id == id {
			return nil, ErrModelExists
		}
	}
	k.nextModel++
	m := newModel(spec, k.nextModel)
	if m.priority == 0 {
		m.priority = nextModelPriority(k.models)
	}
	k.models = append(slices.Clone(k.models), m)
	sortModels(k.models)
	return m, nil
}

func (k *Key) removeModel(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	i := slices.IndexFunc(k.models, func(m *Model) bool { return m.id == id })
	if i < 0 {
		return false
	}
	k.models = slices.Delete(slices.Clone(k.models), i, i+1)
	return true
}

// resort reorders models after a priority change. The slice is replaced
// so iterators holding the previous snapshot are unaffected.
func (k *Key) resort() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.models = slices.Clone(k.models)
	sortModels(k.models)
}

func (k *Key) setActive(active bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active = active
}

func (k *Key) setPriority(priority int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.priority = priority
}

func (k *Key) setValidation(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.verified = err == nil
	k.validationError = ""
	if err != nil {
		k.validationError = err.Error()
	}
}

func (k *Key) markDirty() {
	k.mu.Lock()
	k.dirty = true
	k.mu.Unlock()
}

// takeDirty clears and returns the dirty flag.
func (k *Key) takeDirty() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	d := k.dirty
	k.dirty = false
	return d
}

// nextModelPriority returns one past the highest priority in use, so a
// model added without an explicit priority is tried last.
func nextModelPriority(models []*Model) int {
	hi := 0
	for _, m := range models {
		if p := m.Priority(); p > hi {
			hi = p
		}
	}
	return hi + 1
}

func sortModels(models []*Model) {
	slices.SortStableFunc(models, func(a, b *Model) int {
		if pa, pb := a.Priority(), b.Priority(); pa != pb {
			return pa - pb
		}
		return compareSeq(a.seq, b.seq)
	})
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// KeySnapshot is a point-in-time copy of a key and its models.
type KeySnapshot struct {
	ID              string
	Secret          string
	Scope           Scope
	Active          bool
	Priority        int
	Seq             uint64
	Verified        bool
	ValidationError string
	CreatedAt       time.Time
	Models          []ModelSnapshot
}

// Snapshot copies the key state.
func (k *Key) Snapshot() KeySnapshot {
	k.mu.RLock()
	s := KeySnapshot{
		ID:              k.id,
		Secret:          k.secret,
		Scope:           k.scope,
		Active:          k.active,
		Priority:        k.priority,
		Seq:             k.seq,
		Verified:        k.verified,
		ValidationError: k.validationError,
		CreatedAt:       k.createdAt,
	}
	models := k.models
	k.mu.RUnlock()

	s.Models = make([]ModelSnapshot, 0, len(models))
	for _, m := range models {
		s.Models = append(s.Models, m.Snapshot())
	}
	return s
}

// RestoreKey rebuilds a key from a snapshot without validating its
// scope, so corrupted records stay visible to the pool's guard.
func RestoreKey(s KeySnapshot) *Key {
	k := &Key{
		id:              s.ID,
		secret:          s.Secret,
		scope:           s.Scope,
		active:          s.Active,
		priority:        s.Priority,
		seq:             s.Seq,
		verified:        s.Verified,
		validationError: s.ValidationError,
		createdAt:       s.CreatedAt,
	}
	if k.id == "" {
		k.id = uuid.New().String()
	}
	for _, ms := range s.Models {
		k.models = append(k.models, restoreModel(ms))
		if ms.Seq > k.nextModel {
			k.nextModel = ms.Seq
		}
	}
	sortModels(k.models)
	return k
}
