package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey_ScopeExclusivity(t *testing.T) {
	_, err := NewKey(KeySpec{Secret: "sk-central", Scope: Scope{Kind: ScopeCentral, TenantID: "t1"}}, t0)
	var scopeErr *ScopeError
	require.ErrorAs(t, err, &scopeErr)
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = NewKey(KeySpec{Secret: "sk-tenant", Scope: Scope{Kind: ScopeTenant}}, t0)
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = NewKey(KeySpec{Secret: "sk-x", Scope: Scope{Kind: "shared"}}, t0)
	assert.ErrorIs(t, err, ErrInvalidScope)

	k, err := NewKey(KeySpec{Secret: " sk-ok ", Scope: Tenant("t1")}, t0)
	require.NoError(t, err)
	assert.Equal(t, "sk-ok", k.Secret())
	assert.True(t, k.Active())
	assert.NotEmpty(t, k.ID())
}

func TestNewKey_RejectsEmptySecret(t *testing.T) {
	_, err := NewKey(KeySpec{Secret: "  ", Scope: Central()}, t0)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestKey_AvailableModelsOrder(t *testing.T) {
	k, err := NewKey(KeySpec{Secret: "sk", Scope: Central()}, t0)
	require.NoError(t, err)

	limits := Limits{RPM: 1, RPH: 10, RPD: 10}
	_, err = k.addModel(ModelSpec{Model: "late", Priority: 2, Limits: limits})
	require.NoError(t, err)
	_, err = k.addModel(ModelSpec{Model: "tie-a", Priority: 1, Limits: limits})
	require.NoError(t, err)
	_, err = k.addModel(ModelSpec{Model: "tie-b", Priority: 1, Limits: limits})
	require.NoError(t, err)
	_, err = k.addModel(ModelSpec{Model: "off", Priority: 1, Limits: limits, Disabled: true})
	require.NoError(t, err)

	var got []string
	for m := range k.AvailableModels(t0, "") {
		got = append(got, m.ID())
	}
	assert.Equal(t, []string{"tie-a", "tie-b", "late"}, got)

	got = nil
	for m := range k.AvailableModels(t0, "late") {
		got = append(got, m.ID())
	}
	assert.Equal(t, []string{"late"}, got)
}

func TestKey_AvailableModelsIsRestartable(t *testing.T) {
	k, err := NewKey(KeySpec{Secret: "sk", Scope: Central()}, t0)
	require.NoError(t, err)
	m, err := k.addModel(ModelSpec{Model: "m1", Limits: Limits{RPM: 1, RPH: 1, RPD: 1}})
	require.NoError(t, err)

	seq := k.AvailableModels(t0, "")
	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	assert.Equal(t, 1, count())
	assert.Equal(t, 1, count(), "iterating does not reserve")

	require.NoError(t, m.ReserveAll(t0))
	assert.Equal(t, 0, count())
}

func TestKey_AddModelDefaultsAndDuplicates(t *testing.T) {
	k, err := NewKey(KeySpec{Secret: "sk", Scope: Central()}, t0)
	require.NoError(t, err)

	a, err := k.addModel(ModelSpec{Model: "a", Priority: 4, Limits: Limits{RPM: 1, RPH: 1, RPD: 1}})
	require.NoError(t, err)
	b, err := k.addModel(ModelSpec{Model: "b", Limits: Limits{RPM: 1, RPH: 1, RPD: 1}})
	require.NoError(t, err)
	assert.Equal(t, 4, a.Priority())
	assert.Equal(t, 5, b.Priority())

	_, err = k.addModel(ModelSpec{Model: "a", Limits: Limits{RPM: 1, RPH: 1, RPD: 1}})
	assert.ErrorIs(t, err, ErrModelExists)
	_, err = k.addModel(ModelSpec{Model: "c", Limits: Limits{RPM: -1}})
	assert.ErrorIs(t, err, ErrInvalidLimit)

	assert.True(t, k.removeModel("a"))
	assert.False(t, k.removeModel("a"))
	assert.Len(t, k.Models(), 1)
}

func TestKey_SnapshotRestore(t *testing.T) {
	k, err := NewKey(KeySpec{Secret: "sk-restore", Scope: Tenant("t9"), Priority: 3}, t0)
	require.NoError(t, err)
	_, err = k.addModel(ModelSpec{Model: "m2", Priority: 2, Limits: Limits{RPM: 1, RPH: 1, RPD: 1}})
	require.NoError(t, err)
	_, err = k.addModel(ModelSpec{Model: "m1", Priority: 1, Limits: Limits{RPM: 1, RPH: 1, RPD: 1}})
	require.NoError(t, err)

	restored := RestoreKey(k.Snapshot())
	assert.Equal(t, k.Snapshot(), restored.Snapshot())

	_, err = restored.addModel(ModelSpec{Model: "m3", Limits: Limits{RPM: 1, RPH: 1, RPD: 1}})
	require.NoError(t, err)
	m3, _ := restored.Model("m3")
	assert.Equal(t, uint64(3), m3.seq)
}

func TestRestoreKey_KeepsInvalidScope(t *testing.T) {
	k := RestoreKey(KeySnapshot{ID: "bad", Secret: "sk", Scope: Scope{Kind: ScopeCentral, TenantID: "t1"}, Active: true})
	assert.ErrorIs(t, k.Scope().Validate(), ErrInvalidScope)
}

func TestScope_Contains(t *testing.T) {
	assert.True(t, Central().Contains(Central()))
	assert.True(t, Tenant("t1").Contains(Tenant("t1")))
	assert.False(t, Tenant("t1").Contains(Tenant("t2")))
	assert.False(t, Tenant("t1").Contains(Central()))
	assert.False(t, Central().Contains(Tenant("t1")))
	assert.False(t, Central().Contains(Scope{Kind: ScopeCentral, TenantID: "t1"}))
	assert.Equal(t, Central(), ParseScope(""))
	assert.Equal(t, "tenant:t1", ParseScope("t1").String())
}
