package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/cowfork/internal/api/middleware"
	"github.com/GriffinCanCode/cowfork/internal/infrastructure/config"
	"github.com/GriffinCanCode/cowfork/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

type fixture struct {
	k       *kernel.Kernel
	metrics *monitoring.Metrics
	srv     *Server
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Logging.Development = true
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	k, err := kernel.New(kernel.Config{MaxEnvs: 16, PhysPages: 512}, zaptest.NewLogger(t))
	require.NoError(t, err)
	metrics := monitoring.NewMetrics()
	k.WithMetrics(metrics)

	t.Cleanup(func() {
		k.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Wait(ctx)
	})

	return &fixture{k: k, metrics: metrics, srv: New(cfg, k, metrics, zaptest.NewLogger(t))}
}

// spawnBlocked starts an env that waits for a message forever.
func (f *fixture) spawnBlocked(t *testing.T, name string) kernel.EnvID {
	t.Helper()
	envID, err := f.k.Spawn(name, kernel.Image{}, func(s *kernel.Sys) {
		_, _ = s.IPCRecv(s.Context(), mem.UTOP)
	})
	require.NoError(t, err)
	return envID
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, f.k.MachineID().String(), body["machine"])
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestRoot(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body["endpoints"], "GET /envs")
}

func TestEnvLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	envID := f.spawnBlocked(t, "sleeper")

	require.Eventually(t, func() bool {
		for _, env := range f.k.Snapshot() {
			if env.ID == envID && env.Recving {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	w, body := f.do(t, http.MethodGet, "/envs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	envs := body["envs"].([]any)
	env := envs[0].(map[string]any)
	assert.Equal(t, envID.String(), env["id"])
	assert.Equal(t, "sleeper", env["name"])
	assert.Equal(t, true, env["recving"])

	w, body = f.do(t, http.MethodGet, "/envs/"+envID.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, envID.String(), body["env"].(map[string]any)["id"])

	w, _ = f.do(t, http.MethodDelete, "/envs/"+envID.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = f.do(t, http.MethodGet, "/envs/"+envID.String(), "")
	assert.Equal(t, http.StatusGone, w.Code)
	exit := body["exit"].(map[string]any)
	assert.Equal(t, string(kernel.ExitKilled), exit["reason"])

	w, _ = f.do(t, http.MethodDelete, "/envs/"+envID.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = f.do(t, http.MethodGet, "/exits", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.EqualValues(t, 1, body["total"])
}

func TestBadEnvID(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/envs/zzz", "/envs/0", "/envs/123456789"} {
		w, _ := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	w, _ := f.do(t, http.MethodGet, "/envs/00001fff", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartSieve(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodPost, "/sieve", `{"limit": 30}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, body["env"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.k.Wait(ctx))

	w, body = f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := body["kernel"].(map[string]any)
	assert.EqualValues(t, 10, stats["forks"], "one fork per prime up to 30")
	assert.EqualValues(t, 0, stats["live"])
	metrics := body["metrics"].(map[string]any)
	assert.EqualValues(t, 10, metrics["forks"])
}

func TestStartSieveRejectsBadLimits(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{`{}`, `{"limit": 1}`, `{"limit": 1000000}`, `not json`} {
		w, _ := f.do(t, http.MethodPost, "/sieve", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	f.k.Shutdown()
	w, _ := f.do(t, http.MethodPost, "/sieve", `{"limit": 10}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	f.do(t, http.MethodGet, "/health", "")
	w, _ := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cowfork_http_requests_total")
	assert.Contains(t, w.Body.String(), `path="/health"`)
}

func TestRateLimitEnabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerSecond = 1
		cfg.RateLimit.Burst = 1
	})

	w, _ := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestServeShutsDownWithContext(t *testing.T) {
	f := newFixture(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestAddr(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Server.Host = "0.0.0.0"
		cfg.Server.Port = "9090"
	})
	assert.Equal(t, "0.0.0.0:9090", f.srv.Addr())
}
