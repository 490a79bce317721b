package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func okProbe(name string) Probe {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func failingProbe(name, detail string) Probe {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: false, Detail: detail}
	}
}

func TestRegistryCheck(t *testing.T) {
	reg := NewRegistry()
	reg.Register("store", okProbe("store"))
	reg.Register("bus", okProbe("bus"))

	healthy, statuses := reg.Check(context.Background())
	if !healthy {
		t.Error("expected healthy aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}

	reg.Register("database", failingProbe("database", "connection refused"))
	healthy, statuses = reg.Check(context.Background())
	if healthy {
		t.Error("one failing probe should degrade the aggregate")
	}
	if len(statuses) != 3 {
		t.Fatalf("statuses = %d, want 3", len(statuses))
	}
	if statuses[2].Detail != "connection refused" {
		t.Errorf("detail = %q", statuses[2].Detail)
	}
}

func TestRegistryEmptyIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().Check(context.Background())
	if !healthy {
		t.Error("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("statuses = %d, want 0", len(statuses))
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reg := NewRegistry()
	reg.Register("store", okProbe("store"))

	r := gin.New()
	r.GET("/health", reg.Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", w.Code)
	}

	reg.Register("database", failingProbe("database", "down"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", w.Code)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestDBProbe(t *testing.T) {
	s := DBProbe(fakePinger{})(context.Background())
	if !s.Healthy || s.Name != "database" {
		t.Errorf("status = %+v", s)
	}

	s = DBProbe(fakePinger{err: errors.New("dial tcp: refused")})(context.Background())
	if s.Healthy {
		t.Error("expected unhealthy on ping failure")
	}
	if s.Detail == "" {
		t.Error("expected error detail")
	}
}
