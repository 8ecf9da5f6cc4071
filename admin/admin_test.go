package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SridarDhandapani/onvifd/platform"
	"github.com/SridarDhandapani/onvifd/service"
	"github.com/SridarDhandapani/onvifd/soap"
)

func TestLogRingTail(t *testing.T) {
	ring := NewLogRing(4)
	for i := 1; i <= 6; i++ {
		fmt.Fprintf(ring, "line %d\n", i)
	}

	assert.Equal(t, []string{"line 3", "line 4", "line 5", "line 6"}, ring.Tail(0))
	assert.Equal(t, []string{"line 5", "line 6"}, ring.Tail(2))
}

func TestLogRingPartialFill(t *testing.T) {
	ring := NewLogRing(8)
	fmt.Fprintf(ring, "only\n")
	assert.Equal(t, []string{"only"}, ring.Tail(0))
	assert.Empty(t, NewLogRing(8).Tail(0))
}

func TestLogRingAsZerologTarget(t *testing.T) {
	ring := NewLogRing(16)
	log := zerolog.New(ring)
	log.Info().Str("component", "test").Msg("hello")

	lines := ring.Tail(0)
	require.Len(t, lines, 1)

	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &event))
	assert.Equal(t, "hello", event["message"])
	assert.Equal(t, "test", event["component"])
}

func get(t *testing.T, engine http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	engine.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	engine := NewRouter(Options{}, zerolog.Nop())
	w := get(t, engine, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime_ms")
}

func TestLogsEndpoint(t *testing.T) {
	ring := NewLogRing(16)
	log := zerolog.New(ring)
	log.Warn().Msg("something happened")

	engine := NewRouter(Options{Ring: ring}, zerolog.Nop())
	w := get(t, engine, "/logs?tail=10")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "something happened")
}

func TestLogsEndpointWithoutRing(t *testing.T) {
	engine := NewRouter(Options{}, zerolog.Nop())
	w := get(t, engine, "/logs")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatsEndpointListsServices(t *testing.T) {
	h := service.NewHandler(soap.ServiceDevice, nil, zerolog.Nop())
	engine := NewRouter(Options{Handlers: []*service.Handler{h}}, zerolog.Nop())

	w := get(t, engine, "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	services, ok := body["services"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, services, soap.ServiceDevice.String())
}

func TestUtilizationEndpoint(t *testing.T) {
	engine := NewRouter(Options{SysInfo: platform.NewSysInfo()}, zerolog.Nop())
	w := get(t, engine, "/utilization")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memory_total")
}
