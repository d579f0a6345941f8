package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity/keypool/internal/quota"
)

func newTestLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLedger(client, WithKeyPrefix("test:")), mr
}

func newLedgerPool(t *testing.T, ledger quota.Ledger, limits quota.Limits) (*quota.Pool, string, *quota.Model) {
	t.Helper()
	ctx := context.Background()
	pool := quota.NewPool(nil, quota.WithLedger(ledger), quota.WithClock(func() time.Time { return t0 }))
	k, err := pool.AddKey(ctx, quota.KeySpec{Secret: "sk-redis-ledger", Scope: quota.Central()})
	require.NoError(t, err)
	_, err = pool.AddModel(ctx, k.ID, quota.ModelSpec{Model: "m", Limits: limits})
	require.NoError(t, err)

	snap, err := pool.Key(ctx, k.ID)
	require.NoError(t, err)
	restored := quota.RestoreKey(snap)
	m, ok := restored.Model("m")
	require.True(t, ok)
	return pool, k.ID, m
}

func TestRedisLedger_ReserveAndExhaust(t *testing.T) {
	ledger, mr := newTestLedger(t)
	_, keyID, m := newLedgerPool(t, ledger, quota.Limits{RPM: 2, RPH: 10, RPD: 10})
	ctx := context.Background()

	ok, err := ledger.Available(ctx, keyID, m, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("test:"+keyID+":m"), "a check writes nothing")

	require.NoError(t, ledger.Reserve(ctx, keyID, m, t0))
	require.NoError(t, ledger.Reserve(ctx, keyID, m, t0.Add(time.Second)))

	err = ledger.Reserve(ctx, keyID, m, t0.Add(2*time.Second))
	var exhausted *quota.WindowExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, quota.Minute, exhausted.Horizon)

	w, err := ledger.Windows(ctx, keyID, m, t0.Add(2*time.Second))
	require.NoError(t, err)
	for _, h := range quota.Horizons {
		assert.Equal(t, int64(2), w[h].Used, h.String())
		assert.Equal(t, t0, w[h].Start, h.String())
	}
	assert.Equal(t, int64(2), w[quota.Minute].Limit)
}

func TestRedisLedger_RefusalReservesNothing(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, keyID, m := newLedgerPool(t, ledger, quota.Limits{RPM: 10, RPH: 1, RPD: 10})
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, keyID, m, t0))
	err := ledger.Reserve(ctx, keyID, m, t0.Add(time.Second))
	var exhausted *quota.WindowExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, quota.Hour, exhausted.Horizon)

	w, err := ledger.Windows(ctx, keyID, m, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), w[quota.Minute].Used, "minute window not consumed by the refused call")
}

func TestRedisLedger_ResetAfterHorizon(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, keyID, m := newLedgerPool(t, ledger, quota.Limits{RPM: 1, RPH: 10, RPD: 10})
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, keyID, m, t0))

	ok, err := ledger.Available(ctx, keyID, m, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "boundary instant is not past")

	ok, err = ledger.Available(ctx, keyID, m, t0.Add(time.Minute+time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, ledger.Reserve(ctx, keyID, m, t0.Add(time.Minute+time.Millisecond)))

	w, err := ledger.Windows(ctx, keyID, m, t0.Add(time.Minute+time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), w[quota.Minute].Used)
	assert.Equal(t, int64(2), w[quota.Hour].Used)
}

func TestRedisLedger_Forget(t *testing.T) {
	ledger, mr := newTestLedger(t)
	_, keyID, m := newLedgerPool(t, ledger, quota.Limits{RPM: 1, RPH: 1, RPD: 1})
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, keyID, m, t0))
	require.True(t, mr.Exists("test:"+keyID+":m"))
	require.NoError(t, ledger.Forget(ctx, keyID, "m"))
	assert.False(t, mr.Exists("test:"+keyID+":m"))
}

func TestRedisLedger_PoolAdmissionIsAtomic(t *testing.T) {
	ledger, _ := newTestLedger(t)
	const limit, callers = 7, 40

	// Two pools over one ledger stand in for two processes.
	poolA, keyID, _ := newLedgerPool(t, ledger, quota.Limits{RPM: limit, RPH: 100, RPD: 100})
	snap, err := poolA.Key(context.Background(), keyID)
	require.NoError(t, err)
	poolB := quota.NewPool(nil, quota.WithLedger(ledger), quota.WithRepository(staticRepo{snap}),
		quota.WithClock(func() time.Time { return t0 }))
	require.NoError(t, poolB.Load(context.Background()))

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := poolA
			if i%2 == 1 {
				p = poolB
			}
			if _, err := p.Acquire(context.Background(), quota.Central(), ""); err == nil {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(limit), granted.Load())
}

type staticRepo struct{ key quota.KeySnapshot }

func (r staticRepo) LoadKeys(context.Context) ([]quota.KeySnapshot, error) {
	return []quota.KeySnapshot{r.key}, nil
}
func (staticRepo) SaveKey(context.Context, quota.KeySnapshot) error { return nil }
func (staticRepo) DeleteKey(context.Context, string) error          { return nil }
