package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nameko/internal/runtime/wire"
	"github.com/drblury/nameko/transport/memory"
)

func TestStatusAPIRunner(t *testing.T) {
	broker := memory.NewBroker()
	r, _ := newTestRunner(t, broker, RunnerDependencies{})
	r.Conf.WebUICORSAllowedOrigins = []string{"*"}
	require.NoError(t, r.AddService(greeterDefinition()))
	require.NoError(t, r.Start(context.Background()))

	rec := httptest.NewRecorder()
	r.withCORS(func() any { return r.Status() }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runner", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body map[string]any
	require.NoError(t, wire.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, []any{"greeter"}, body["services"])
	assert.Equal(t, "memory", body["transport"])
	assert.NotEmpty(t, body["started_at"])
	resources, ok := body["resources"].(map[string]any)
	require.True(t, ok)
	assert.NotZero(t, resources["goroutines"])
}

func TestStatusAPIServices(t *testing.T) {
	broker := memory.NewBroker()
	r, _ := newTestRunner(t, broker, RunnerDependencies{})
	require.NoError(t, r.AddService(greeterDefinition()))
	require.NoError(t, r.AddService(ServiceDefinition{Name: "caller", ProxyTargets: []string{"greeter"}}))
	require.NoError(t, r.Start(context.Background()))

	caller, _ := r.Container("caller")
	proxy, err := caller.Proxy("greeter")
	require.NoError(t, err)
	_, err = proxy.Call(context.Background(), "hello", "status")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.withCORS(func() any { return r.ServiceStatuses() }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var services []map[string]any
	require.NoError(t, wire.Unmarshal(rec.Body.Bytes(), &services))
	require.Len(t, services, 2)
	assert.Equal(t, "greeter", services[0]["service"])
	assert.Equal(t, "rpc-greeter", services[0]["rpc_queue"])
	assert.Equal(t, "caller", services[1]["service"])
	assert.NotEmpty(t, services[1]["reply_queue"])

	var hello map[string]any
	for _, ep := range services[0]["entrypoints"].([]any) {
		entry := ep.(map[string]any)
		if entry["name"] == "hello" {
			hello = entry
		}
	}
	require.NotNil(t, hello)
	assert.Equal(t, "rpc", hello["kind"])
	assert.Equal(t, float64(1), hello["processed"])
}

func TestStatusAPICORS(t *testing.T) {
	r := NewRunner(testConfig(), nil, RunnerDependencies{})
	r.Conf.WebUICORSAllowedOrigins = []string{"https://dash.example.com"}
	handler := r.withCORS(func() any { return r.Status() })

	req := httptest.NewRequest(http.MethodOptions, "/api/runner", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodGet, "/api/runner", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runner", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusAPINoCORSConfigured(t *testing.T) {
	r := NewRunner(testConfig(), nil, RunnerDependencies{})
	rec := httptest.NewRecorder()
	r.withCORS(func() any { return r.Status() }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runner", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRegisterStatusAPIOnlyWhenEnabled(t *testing.T) {
	r := NewRunner(testConfig(), nil, RunnerDependencies{})
	r.registerStatusAPI()
	assert.Empty(t, r.httpServers)

	r.Conf.WebUIEnabled = true
	r.Conf.WebUIPort = 18081
	r.registerStatusAPI()
	require.Contains(t, r.httpServers, 18081)

	rec := httptest.NewRecorder()
	r.httpServers[18081].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runner", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
