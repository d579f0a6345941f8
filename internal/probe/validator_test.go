package probe

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newUpstream(t *testing.T, gz bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models" {
			http.NotFound(w, r)
			return
		}
		switch r.Header.Get("x-goog-api-key") {
		case "good":
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
			return
		default:
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body := `{"models":[{"name":"models/gemini-2.0-flash"},{"name":"models/gemini-2.5-pro"}]}`
		w.Header().Set("Content-Type", "application/json")
		if !gz {
			w.Write([]byte(body))
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		zw.Write([]byte(body))
		zw.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPValidator_ListModels(t *testing.T) {
	for _, gz := range []bool{false, true} {
		srv := newUpstream(t, gz)
		v := NewHTTPValidator(srv.URL+"/", time.Second, zap.NewNop())

		ids, err := v.ListModels(context.Background(), "good")
		require.NoError(t, err)
		assert.Equal(t, []string{"gemini-2.0-flash", "gemini-2.5-pro"}, ids)
		assert.NoError(t, v.Validate(context.Background(), "good"))
	}
}

func TestHTTPValidator_Rejections(t *testing.T) {
	srv := newUpstream(t, false)
	v := NewHTTPValidator(srv.URL, time.Second, zap.NewNop())

	err := v.Validate(context.Background(), "revoked")
	assert.ErrorIs(t, err, ErrRejected)

	err = v.Validate(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}
