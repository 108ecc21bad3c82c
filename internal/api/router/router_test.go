package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/cuongbtq/image-job-worker/internal/api/handler"
	"github.com/cuongbtq/image-job-worker/internal/api/storage"
	worker "github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

type emptyJobs struct{}

func (emptyJobs) GetJobByID(ctx context.Context, id string) (*worker.Job, error) {
	return &worker.Job{ID: id}, nil
}

func (emptyJobs) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*worker.Job, error) {
	return nil, nil
}

func (emptyJobs) CountByStatus(ctx context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func TestSetupRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	r := SetupRouter(&handler.Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Jobs:        emptyJobs{},
		Gatherer:    reg,
		ServiceName: "image-worker",
		StartedAt:   time.Now(),
	})

	tests := []struct {
		method   string
		path     string
		wantCode int
		contains string
	}{
		{http.MethodGet, "/health", http.StatusOK, `"status":"ok"`},
		{http.MethodHead, "/health", http.StatusOK, ""},
		{http.MethodGet, "/ready", http.StatusOK, "ready"},
		{http.MethodGet, "/metrics", http.StatusOK, "router_test_total 1"},
		{http.MethodGet, "/api/v1/jobs", http.StatusOK, `"jobs":[]`},
		{http.MethodGet, "/api/v1/jobs/3f1c9a52-8a55-4cf5-9f3e-2f1f8b9d6c11", http.StatusOK, "3f1c9a52"},
		{http.MethodGet, "/api/v1/stats", http.StatusOK, "counts"},
		{http.MethodPost, "/api/v1/jobs", http.StatusNotFound, ""},
		{http.MethodOptions, "/api/v1/jobs", http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.contains != "" {
				assert.Contains(t, w.Body.String(), tt.contains)
			}
			if tt.method == http.MethodGet {
				assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestSetupRouter_HealthOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := SetupRouter(&handler.Dependencies{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
