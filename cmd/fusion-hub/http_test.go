package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/cache"
	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
	"memory-fusion-hub/internal/telemetry"
)

func TestHTTPHandler(t *testing.T) {
	repo := storage.NewMemoryRepository()
	metrics := telemetry.NewMetrics("mfh_test")
	svc := fusion.New(repo, cache.NewMemoryCache(time.Minute), eventlog.NewMemoryLog(), fusion.WithMetrics(metrics))
	_, err := svc.Put(context.Background(), "k1", model.NewMemoryItem("k1", "v", model.MemoryTypeContext), "")
	require.NoError(t, err)

	srv := httptest.NewServer(newHTTPHandler(svc, metrics))
	defer srv.Close()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var h fusion.HealthStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		assert.Equal(t, fusion.StatusHealthy, h.Status)
		assert.Equal(t, int64(1), h.Telemetry.Operations["put"].Count)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unhealthy", func(t *testing.T) {
		repo.FailWith(storage.ErrInjected)
		defer repo.FailWith(nil)

		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
