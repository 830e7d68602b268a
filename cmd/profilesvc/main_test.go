package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/profilesync/internal/config"
	"github.com/jmerrifield20/profilesync/internal/health"
	"github.com/jmerrifield20/profilesync/internal/jobs"
	"github.com/jmerrifield20/profilesync/internal/profiles/handler"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/profiles/service"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter(cfg config.HTTPConfig) *gin.Engine {
	logger := zap.NewNop()
	svc := service.NewProfileService(repository.NewMemoryStore(), logger)
	return newRouter(cfg, handler.NewProfileHandler(svc, nil, logger), health.New(health.Config{FailThreshold: 1}, logger), logger)
}

func TestRouter_Healthz(t *testing.T) {
	r := testRouter(config.HTTPConfig{Port: 8080})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"service":"profilesync"`) {
		t.Errorf("body = %s", w.Body.String())
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestRouter_Metrics(t *testing.T) {
	r := testRouter(config.HTTPConfig{Port: 8080})

	// Record at least one request so the counters are exported.
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "profilesync_requests_total") {
		t.Error("metrics output missing profilesync_requests_total")
	}
}

func TestRouter_APIMounted(t *testing.T) {
	r := testRouter(config.HTTPConfig{Port: 8080})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/people/7/profiles", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestRouter_BodyLimit(t *testing.T) {
	r := testRouter(config.HTTPConfig{Port: 8080})

	body := `{"network":"twitter","uid":"` + strings.Repeat("x", 2<<20) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/profiles", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestContainsWildcard(t *testing.T) {
	if containsWildcard([]string{"http://localhost:3000"}) {
		t.Error("expected false without *")
	}
	if !containsWildcard([]string{"http://localhost:3000", "*"}) {
		t.Error("expected true with *")
	}
}

func TestNewLocker_InProcess(t *testing.T) {
	locker, rdb, err := newLocker(context.Background(), config.RedisConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newLocker: %v", err)
	}
	if rdb != nil {
		t.Error("expected no redis client without an address")
	}
	if _, ok := locker.(*jobs.MemoryLocker); !ok {
		t.Errorf("locker = %T, want *jobs.MemoryLocker", locker)
	}
}

func TestRouter_Readyz(t *testing.T) {
	logger := zap.NewNop()
	checker := health.New(health.Config{FailThreshold: 1}, logger)
	down := false
	checker.Register("postgres", func(context.Context) error {
		if down {
			return errors.New("connection refused")
		}
		return nil
	})
	svc := service.NewProfileService(repository.NewMemoryStore(), logger)
	r := newRouter(config.HTTPConfig{Port: 8080}, handler.NewProfileHandler(svc, nil, logger), checker, logger)

	checker.CheckAll(context.Background())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	down = true
	checker.CheckAll(context.Background())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"postgres":"degraded"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}
