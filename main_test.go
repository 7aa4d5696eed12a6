package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tokopay/internal/config"
)

func testConfig(t *testing.T, overrides map[string]any) config.Config {
	t.Helper()
	v := viper.New()
	v.Set("DATABASE_DRIVER", "sqlite")
	v.Set("DATABASE_DSN", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	v.Set("JWT_SECRET", "test_jwt_secret")
	v.Set("SWEEP_INTERVAL", "20ms")
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func newTestApplication(t *testing.T, overrides map[string]any) *application {
	t.Helper()
	app, err := newApplication(testConfig(t, overrides), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func get(t *testing.T, a *application, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := a.http.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealthCheck(t *testing.T) {
	a := newTestApplication(t, nil)

	resp, body := get(t, a, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "up", health.Checks["database"])
	assert.NotContains(t, health.Checks, "redis")
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	a := newTestApplication(t, nil)

	for _, path := range []string{"/api/v1/orders/", "/api/v1/auth/me", "/api/v1/wallets/me"} {
		resp, _ := get(t, a, path)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestPaymentCallbackIsPublic(t *testing.T) {
	a := newTestApplication(t, nil)

	resp, _ := get(t, a, "/api/v1/payments/unknown/callback")
	assert.NotEqual(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApplication(t, nil)

	resp, body := get(t, a, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
	assert.Contains(t, string(body), "tokopay_sweep_runs_total")
}

func TestRedisLockBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApplication(t, map[string]any{
		"LOCK_BACKEND": "redis",
		"REDIS_ADDR":   mr.Addr(),
	})

	resp, body := get(t, a, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"redis":"up"`)

	mr.Close()
	resp, _ = get(t, a, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUnreachableRedisFailsStartup(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := newApplication(testConfig(t, map[string]any{
		"LOCK_BACKEND": "redis",
		"REDIS_ADDR":   addr,
	}), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach redis")
}

func TestUnsupportedDriverFailsStartup(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.DBDriver = "mysql"

	_, err := newApplication(cfg, zap.NewNop())
	require.Error(t, err)
}

var sweepRan = regexp.MustCompile(`(?m)^tokopay_sweep_runs_total [1-9]`)

func TestWorkersRunSweepUntilCancelled(t *testing.T) {
	a := newTestApplication(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.startWorkers(ctx))

	assert.Eventually(t, func() bool {
		resp, err := a.http.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
		if err != nil {
			return false
		}
		body, err := io.ReadAll(resp.Body)
		return err == nil && sweepRan.Match(body)
	}, 2*time.Second, 20*time.Millisecond)
}
