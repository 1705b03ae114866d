package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/attendance-engine/pkg/logger"
)

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	s := NewServer(DefaultConfig(), Dependencies{Logger: logger.Nop(), Version: "1.2.3"})

	rec := serve(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
}

func TestServer_Ready(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks []ReadinessCheck
		want   int
	}{
		{"all healthy", []ReadinessCheck{{Name: "store", Critical: true, Check: ok}}, http.StatusOK},
		{"critical failing", []ReadinessCheck{{Name: "store", Critical: true, Check: down}}, http.StatusServiceUnavailable},
		{"optional failing", []ReadinessCheck{
			{Name: "store", Critical: true, Check: ok},
			{Name: "event_log", Check: down},
		}, http.StatusOK},
		{"no checks", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultConfig(), Dependencies{Logger: logger.Nop(), Checks: tt.checks})
			rec := serve(t, s, "/readyz")
			assert.Equal(t, tt.want, rec.Code)

			var body readyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.want == http.StatusOK, body.Ready)
			assert.Len(t, body.Checks, len(tt.checks))
		})
	}
}

func TestServer_ReadyReportsFailure(t *testing.T) {
	s := NewServer(DefaultConfig(), Dependencies{Logger: logger.Nop(), Checks: []ReadinessCheck{
		{Name: "redis", Check: func(context.Context) error { return errors.New("timeout") }},
	}})
	var body readyResponse
	require.NoError(t, json.NewDecoder(serve(t, s, "/readyz").Body).Decode(&body))
	assert.Equal(t, "failing", body.Checks["redis"].Status)
	assert.Equal(t, "timeout", body.Checks["redis"].Error)
}

func TestServer_MetricsStatusAndNotFound(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("attendance_engine_batch_runs_total 3\n"))
	})
	s := NewServer(DefaultConfig(), Dependencies{
		Logger:  logger.Nop(),
		Metrics: metrics,
		Status: map[string]StatusFunc{
			"lastBatch": func() any { return map[string]int{"students": 12} },
		},
	})

	rec := serve(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "batch_runs_total 3")

	rec = serve(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"lastBatch":{"students":12}}`, rec.Body.String())

	rec = serve(t, s, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	s := NewServer(DefaultConfig(), Dependencies{Logger: logger.Nop(), Status: map[string]StatusFunc{
		"broken": func() any { panic("nil report") },
	}})
	rec := serve(t, s, "/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_MetricsDisabled(t *testing.T) {
	s := NewServer(DefaultConfig(), Dependencies{Logger: logger.Nop()})
	assert.Equal(t, http.StatusNotFound, serve(t, s, "/metrics").Code)
}
