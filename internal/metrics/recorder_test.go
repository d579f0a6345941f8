package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity/keypool/internal/quota"
)

func TestRecorder_CountsPoolEvents(t *testing.T) {
	rec := NewRecorder()
	pool := quota.NewPool(nil, quota.WithRecorder(rec))
	ctx := context.Background()

	k, err := pool.AddKey(ctx, quota.KeySpec{Secret: "sk-metrics-key", Scope: quota.Central()})
	require.NoError(t, err)
	_, err = pool.AddModel(ctx, k.ID, quota.ModelSpec{Model: "m1", Limits: quota.Limits{RPM: 1, RPH: 1, RPD: 1}})
	require.NoError(t, err)

	g, err := pool.Acquire(ctx, quota.Central(), "")
	require.NoError(t, err)
	_, err = pool.Acquire(ctx, quota.Central(), "")
	require.True(t, quota.IsExhausted(err))
	_, err = pool.Acquire(ctx, quota.Tenant("t1"), "")
	require.True(t, quota.IsExhausted(err))
	require.NoError(t, pool.Report(ctx, g, nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.grants.WithLabelValues("central", "m1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.exhausted.WithLabelValues("central", quota.ReasonRateLimited)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.exhausted.WithLabelValues("tenant", quota.ReasonNoKeys)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.reports.WithLabelValues("m1", "success")))
}

func TestRecorder_Handler(t *testing.T) {
	rec := NewRecorder()
	rec.OnInvalidKey("k")
	rec.OnConflict(quota.Central(), "m")

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body := w.Body.String()
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, body, "keypool_invalid_keys_total 1")
	assert.Contains(t, body, `keypool_reservation_conflicts_total{scope="central"} 1`)
}

func TestModelLabel(t *testing.T) {
	assert.Equal(t, "any", modelLabel("  "))
	assert.Equal(t, "gemini-2.0-flash", modelLabel("gemini-2.0-flash"))
	assert.Len(t, modelLabel(strings.Repeat("a", maxModelLabelLen+10)), maxModelLabelLen)
}
