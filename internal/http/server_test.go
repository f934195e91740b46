package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamory/diamory-backend/internal/model"
)

type fakeRuns struct {
	sweeper string
	limit   int
	err     error
}

func (f *fakeRuns) Insert(context.Context, model.SweepRun) error { return nil }

func (f *fakeRuns) ListRecent(_ context.Context, sweeper string, limit int) ([]model.SweepRun, error) {
	f.sweeper, f.limit = sweeper, limit
	if f.err != nil {
		return nil, f.err
	}
	return []model.SweepRun{{ID: "r1", Sweeper: sweeper, StartedAt: time.Unix(0, 0).UTC()}}, nil
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, NewServer(Options{}), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadyz(t *testing.T) {
	s := NewServer(Options{Checks: map[string]Check{
		"mysql": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	}})

	rec := get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["mysql"])
	assert.Contains(t, body["redis"], "refused")
}

func TestSweepRuns(t *testing.T) {
	runs := &fakeRuns{}
	s := NewServer(Options{Runs: runs})

	rec := get(t, s, "/ops/sweeps?sweeper=removal&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "removal", runs.sweeper)
	assert.Equal(t, 5, runs.limit)
	assert.Contains(t, rec.Body.String(), `"r1"`)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/ops/sweeps?limit=x").Code)

	runs.err = errors.New("clickhouse down")
	assert.Equal(t, http.StatusInternalServerError, get(t, s, "/ops/sweeps").Code)

	assert.Equal(t, http.StatusNotFound, get(t, NewServer(Options{}), "/ops/sweeps").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, NewServer(Options{}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
