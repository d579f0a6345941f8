package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity/keypool/internal/models"
	"github.com/antigravity/keypool/internal/quota"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleKey() quota.KeySnapshot {
	return quota.KeySnapshot{
		ID:              "key-1",
		Secret:          "sk-sample-secret",
		Scope:           quota.Tenant("t1"),
		Active:          true,
		Priority:        2,
		Seq:             4,
		ValidationError: "401 unauthorized",
		CreatedAt:       t0,
		Models: []quota.ModelSnapshot{
			{
				ID:       "gemini-2.0-flash",
				Enabled:  true,
				Priority: 1,
				Seq:      1,
				Windows: [len(quota.Horizons)]quota.Window{
					{Horizon: quota.Minute, Used: 2, Limit: 15, Start: t0},
					{Horizon: quota.Hour, Used: 2, Limit: 900, Start: t0},
					{Horizon: quota.Day, Used: 2, Limit: 1500, Start: t0},
				},
				Usage: quota.Usage{Used: 2, Limit: 1000, Since: t0},
				Health: quota.Health{
					Failures:            1,
					ConsecutiveFailures: 1,
					LastError:           "upstream 503",
					LastErrorAt:         t0.Add(time.Second),
				},
			},
			{
				ID:       "gemini-2.5-pro",
				Priority: 2,
				Seq:      2,
				Windows: [len(quota.Horizons)]quota.Window{
					{Horizon: quota.Minute, Limit: 5},
					{Horizon: quota.Hour, Limit: 100},
					{Horizon: quota.Day, Limit: 100},
				},
				Usage: quota.Usage{Limit: 100},
			},
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	key := sampleKey()
	doc := EncodeKey(key)

	assert.Equal(t, "tenant", doc.Scope)
	assert.Equal(t, "t1", doc.TenantID)
	require.Len(t, doc.Models, 2)
	assert.Nil(t, doc.Models[1].RPM.WindowStart, "unconsumed window has no start")
	assert.Nil(t, doc.Models[1].ErrorTracking)
	require.NotNil(t, doc.Models[0].RPM.WindowStart)
	assert.Equal(t, t0.UnixMilli(), *doc.Models[0].RPM.WindowStart)

	got, err := DecodeKey(doc)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestCodec_RejectsCorruptWindows(t *testing.T) {
	cases := map[string]func(*models.KeyDocument){
		"used over limit":   func(d *models.KeyDocument) { d.Models[0].RPH.Used = 901 },
		"negative used":     func(d *models.KeyDocument) { d.Models[0].RPM.Used = -1 },
		"negative limit":    func(d *models.KeyDocument) { d.Models[1].RPD.Limit = -5 },
		"start missing":     func(d *models.KeyDocument) { d.Models[0].RPD.WindowStart = nil },
		"unknown scope":     func(d *models.KeyDocument) { d.Scope = "shared" },
		"missing id":        func(d *models.KeyDocument) { d.ID = "" },
		"duplicate model":   func(d *models.KeyDocument) { d.Models[1].Model = d.Models[0].Model },
		"unnamed model":     func(d *models.KeyDocument) { d.Models[0].Model = "" },
		"negative priority": func(d *models.KeyDocument) { d.Models[0].Priority = -1 },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			doc := EncodeKey(sampleKey())
			corrupt(&doc)
			_, err := DecodeKey(doc)
			assert.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}

func TestCodec_PassesThroughScopeMismatch(t *testing.T) {
	doc := EncodeKey(sampleKey())
	doc.Scope = "central"

	got, err := DecodeKey(doc)
	require.NoError(t, err, "scope/tenant disagreement is left for the pool to reject")
	assert.ErrorIs(t, got.Scope.Validate(), quota.ErrInvalidScope)
}
