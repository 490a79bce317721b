// Package health aggregates named subsystem probes behind one endpoint.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status reports the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Probe checks one subsystem.
type Probe func(ctx context.Context) Status

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	probes []namedProbe
}

type namedProbe struct {
	name  string
	probe Probe
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named probe.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, namedProbe{name: name, probe: p})
	r.mu.Unlock()
}

// Check runs every probe and reports the aggregate plus per-subsystem
// results. Each probe gets a bounded slice of the request deadline.
func (r *Registry) Check(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := make([]namedProbe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, len(probes))
	for i, np := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		statuses[i] = np.probe(probeCtx)
		cancel()
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Handler returns a gin handler serving the aggregate health report.
// Unhealthy aggregates answer 503 so load balancers stop routing here.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.Check(c.Request.Context())
		code := http.StatusOK
		state := "ok"
		if !healthy {
			code = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(code, gin.H{
			"status":     state,
			"subsystems": statuses,
		})
	}
}

// DBProbe returns a probe that pings anything with a PingContext method.
func DBProbe(pinger interface {
	PingContext(ctx context.Context) error
}) Probe {
	return func(ctx context.Context) Status {
		s := Status{Name: "database", Healthy: true}
		if err := pinger.PingContext(ctx); err != nil {
			s.Healthy = false
			s.Detail = err.Error()
		}
		return s
	}
}
