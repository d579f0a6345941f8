package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageStore_RecordsAndHistory(t *testing.T) {
	store := NewUsageStore(t.TempDir())
	now := t0
	store.now = func() time.Time { return now }

	require.NoError(t, store.RecordGrant("key-1", "m1"))
	require.NoError(t, store.RecordGrant("key-1", "m1"))
	require.NoError(t, store.RecordOutcome("key-1", "m1", true))
	require.NoError(t, store.RecordOutcome("key-1", "m1", false))
	require.NoError(t, store.RecordGrant("key-2", "m2"))

	now = t0.AddDate(0, 0, 1)
	require.NoError(t, store.RecordGrant("key-1", "m1"))

	records, err := store.GetUsageHistory(7)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "2026-03-02", records[0].Date)
	assert.Equal(t, "2026-03-01", records[1].Date)
	assert.Equal(t, "key-1", records[1].KeyID)
	assert.Equal(t, ModelUsage{Grants: 2, Successes: 1, Failures: 1}, *records[1].Models["m1"])

	now = t0.AddDate(0, 0, 30)
	records, err = store.GetUsageHistory(7)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUsageStore_EmptyAndInvalid(t *testing.T) {
	store := NewUsageStore(t.TempDir() + "/missing")
	records, err := store.GetUsageHistory(7)
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.Error(t, store.RecordGrant("../x", "m"))
	assert.Error(t, store.RecordGrant("a_b", "m"))
}
