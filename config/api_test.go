package config

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiEnvelope struct {
	Success bool       `json:"success"`
	Data    configData `json:"data"`
	Error   *ErrorInfo `json:"error"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) apiEnvelope {
	t.Helper()
	var resp apiEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func newAPIServer(t *testing.T, cfg *Config, apiKey string, opts ...HotReloadOption) (*HotReloadManager, *http.ServeMux) {
	t.Helper()
	m := NewHotReloadManager(cfg, opts...)
	mux := http.NewServeMux()
	NewConfigAPIHandler(m).RegisterRoutes(mux, apiKey)
	return m, mux
}

func TestConfigAPI_GetConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Password = "hunter2"
	_, mux := newAPIServer(t, cfg, "")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	resp := decodeEnvelope(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Data.Version)
	db := resp.Data.Config["database"].(map[string]any)
	assert.Equal(t, "[REDACTED]", db["password"])
}

func TestConfigAPI_UpdateConfig(t *testing.T) {
	m, mux := newAPIServer(t, DefaultConfig(), "")

	body := `{"pool": {"max_connections_per_partition": 20, "partition_count": 2}}`
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeEnvelope(t, w)
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.RequiresRestart)
	assert.Len(t, resp.Data.Changes, 2)
	assert.Equal(t, 2, resp.Data.Version)

	cfg := m.GetConfig()
	assert.Equal(t, 20, cfg.Pool.MaxConnectionsPerPartition)
	assert.Equal(t, 2, cfg.Pool.PartitionCount)
	// 未提交的字段保持原值
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestConfigAPI_UpdateConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "malformed json", body: `{"pool":`, code: "INVALID_REQUEST"},
		{name: "unknown field", body: `{"pool": {"max_pool_size": 3}}`, code: "INVALID_REQUEST"},
		{name: "fails validation", body: `{"pool": {"min_connections_per_partition": 50}}`, code: "INVALID_CONFIG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, mux := newAPIServer(t, DefaultConfig(), "")

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(tt.body)))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeEnvelope(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, 1, m.GetCurrentVersion())
		})
	}
}

func TestConfigAPI_UpdateConfigCallbackFailure(t *testing.T) {
	m, mux := newAPIServer(t, DefaultConfig(), "")
	m.OnReload(func(_, _ *Config) error { return assert.AnError })

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/config",
		strings.NewReader(`{"log": {"level": "debug"}}`)))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "info", m.GetConfig().Log.Level)
}

func TestConfigAPI_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  acquire_increment: 5\n"), 0644))

	m, mux := newAPIServer(t, DefaultConfig(), "", WithConfigPath(path))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/config/reload", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeEnvelope(t, w).Success)
	assert.Equal(t, 5, m.GetConfig().Pool.AcquireIncrement)
}

func TestConfigAPI_ReloadWithoutPath(t *testing.T) {
	_, mux := newAPIServer(t, DefaultConfig(), "")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/config/reload", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeEnvelope(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
}

func TestConfigAPI_Fields(t *testing.T) {
	_, mux := newAPIServer(t, DefaultConfig(), "")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/config/fields", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeEnvelope(t, w)
	field, ok := resp.Data.Fields["Pool.PartitionCount"]
	require.True(t, ok)
	assert.True(t, field.RequiresRestart)
}

func TestConfigAPI_Changes(t *testing.T) {
	m, mux := newAPIServer(t, DefaultConfig(), "")
	for _, level := range []string{"debug", "warn", "error"} {
		next := m.GetConfig()
		next.Log.Level = level
		require.NoError(t, m.ApplyConfig(next, "api"))
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/config/changes?limit=2", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeEnvelope(t, w)
	require.Len(t, resp.Data.Changes, 2)
	assert.Equal(t, "error", resp.Data.Changes[1].NewValue)
}

func TestConfigAPI_MethodNotAllowed(t *testing.T) {
	_, mux := newAPIServer(t, DefaultConfig(), "")

	for _, tc := range []struct{ method, path string }{
		{http.MethodDelete, "/api/v1/config"},
		{http.MethodGet, "/api/v1/config/reload"},
		{http.MethodPost, "/api/v1/config/fields"},
		{http.MethodPut, "/api/v1/config/changes"},
	} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestConfigAPIMiddleware_RequireAuth(t *testing.T) {
	_, mux := newAPIServer(t, DefaultConfig(), "test-api-key")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// query 参数不被接受
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/config?api_key=test-api-key", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("X-API-Key", "test-api-key")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogRequests(t *testing.T) {
	var (
		gotMethod, gotPath string
		gotStatus          int
	)
	h := LogRequests(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), func(method, path string, status int, _ time.Duration) {
		gotMethod, gotPath, gotStatus = method, path, status
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/stats", nil))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/stats", gotPath)
	assert.Equal(t, http.StatusTeapot, gotStatus)

	// 未显式写状态码时记为 200
	h = LogRequests(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), func(_, _ string, status int, _ time.Duration) {
		gotStatus = status
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, gotStatus)
}
