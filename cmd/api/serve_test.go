package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/docstream/internal/config"
	"github.com/yourusername/docstream/internal/jobs"
	"github.com/yourusername/docstream/internal/pipeline"
	"github.com/yourusername/docstream/pkg/log"
)

type stubService struct{}

func (stubService) DefaultConfig() jobs.Config { return jobs.Config{} }

func (stubService) Submit(context.Context, pipeline.Upload, jobs.Config) (*pipeline.SubmitResult, error) {
	return nil, &pipeline.Error{Code: pipeline.CodeInternal, Message: "unused"}
}

func (stubService) Status(_ context.Context, id string) (*jobs.Job, error) {
	if id == "known" {
		return &jobs.Job{ID: id, Status: jobs.StatusProcessing, Progress: 40}, nil
	}
	return nil, &pipeline.Error{Code: pipeline.CodeJobNotFound, Message: "指定されたジョブは存在しません。"}
}

func testConfig(t *testing.T, tokenHash string) *config.Config {
	t.Helper()
	return &config.Config{
		GinMode:            gin.TestMode,
		CORSAllowedOrigins: "http://localhost:5173",
		APITokenHash:       tokenHash,
		MetricsEnabled:     true,
	}
}

func TestRouterHealthAndMetrics(t *testing.T) {
	router := newRouter(testConfig(t, ""), stubService{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get(log.RequestIDHeader))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "docstream_"), "custom metrics are exported")
}

func TestRouterMetricsDisabled(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.MetricsEnabled = false
	router := newRouter(cfg, stubService{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterRequiresTokenForAPI(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("token"), bcrypt.MinCost)
	require.NoError(t, err)
	router := newRouter(testConfig(t, string(hash)), stubService{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/known", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/known", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"progress":40`)

	req = httptest.NewRequest(http.MethodGet, "/api/documents/missing", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), pipeline.CodeJobNotFound)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health check stays public")
}

func TestProgressPrinterWritesChangesOnly(t *testing.T) {
	var out strings.Builder
	p := &progressPrinter{w: &out}
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, &jobs.Job{Progress: 20, Status: jobs.StatusFastPathDone}))
	require.NoError(t, p.Save(ctx, &jobs.Job{Progress: 20, Status: jobs.StatusFastPathDone}))
	require.NoError(t, p.Save(ctx, &jobs.Job{Progress: 60, Status: jobs.StatusProcessing}))
	require.NoError(t, p.Save(ctx, &jobs.Job{Progress: 100, Status: jobs.StatusCompleted}))

	assert.Equal(t, " 20% fast_path_done\n 60% processing\n100% completed\n", out.String())
}
