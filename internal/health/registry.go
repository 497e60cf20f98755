// Package health tracks whether each external backend is reachable.
// Results are cached with a TTL and shared read-only across sessions.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lexiqai/voice-session/internal/observability"
)

// Probe performs one lightweight reachability check.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// Status is the cached health of one backend.
type Status struct {
	Service   string
	Reachable bool
	Err       error
	CheckedAt time.Time
}

// Registry caches probe results per service.
type Registry struct {
	ttl     time.Duration
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	probes map[string]Probe
	cache  map[string]Status
	group  singleflight.Group
}

// NewRegistry creates a registry whose results stay fresh for ttl.
func NewRegistry(ttl, timeout time.Duration, logger zerolog.Logger) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{
		ttl:     ttl,
		timeout: timeout,
		logger:  logger.With().Str("component", "health").Logger(),
		now:     time.Now,
		probes:  make(map[string]Probe),
		cache:   make(map[string]Status),
	}
}

// Register installs the probe for a service, replacing any previous one.
func (r *Registry) Register(service string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[service] = probe
	delete(r.cache, service)
}

// Reachable reports whether service is usable. A service with no probe is assumed reachable.
func (r *Registry) Reachable(ctx context.Context, service string) bool {
	return r.Status(ctx, service).Reachable
}

// Status returns the cached status, probing when it is missing or stale.
// Concurrent callers for the same service share one probe.
func (r *Registry) Status(ctx context.Context, service string) Status {
	r.mu.RLock()
	probe, ok := r.probes[service]
	cached, fresh := r.cache[service]
	r.mu.RUnlock()

	if !ok {
		return Status{Service: service, Reachable: true, CheckedAt: r.now()}
	}
	if fresh && r.now().Sub(cached.CheckedAt) < r.ttl {
		return cached
	}

	v, _, _ := r.group.Do(service, func() (interface{}, error) {
		return r.refresh(ctx, service, probe), nil
	})
	return v.(Status)
}

// MarkUnreachable records a failure observed outside a probe, such as a
// connection error during real traffic, so other sessions skip the backend
// until the next refresh.
func (r *Registry) MarkUnreachable(service string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[service] = Status{Service: service, Reachable: false, Err: err, CheckedAt: r.now()}
}

func (r *Registry) refresh(ctx context.Context, service string, probe Probe) Status {
	// Detached from the first caller so its cancellation is not cached as an outage.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	start := r.now()
	err := probe.Check(ctx)
	observability.ObserveStage(observability.StageHealthProbe, time.Since(start))

	status := Status{Service: service, Reachable: err == nil, Err: err, CheckedAt: r.now()}
	if err != nil {
		r.logger.Warn().Err(err).Str("backend", service).Msg("Backend health probe failed")
	}

	r.mu.Lock()
	prev, had := r.cache[service]
	r.cache[service] = status
	r.mu.Unlock()

	if had && prev.Reachable != status.Reachable && status.Reachable {
		r.logger.Info().Str("backend", service).Msg("Backend reachable again")
	}
	return status
}

// Services lists registered services in stable order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checks exposes every registered service as a readiness check.
func (r *Registry) Checks() map[string]observability.HealthCheckFunc {
	checks := make(map[string]observability.HealthCheckFunc)
	for _, name := range r.Services() {
		service := name
		checks[service] = func(ctx context.Context) (bool, error) {
			st := r.Status(ctx, service)
			return st.Reachable, st.Err
		}
	}
	return checks
}

// HTTPProbe issues a GET and treats any non-5xx answer as reachable.
// Authentication failures still prove the backend is up.
type HTTPProbe struct {
	URL    string
	Header http.Header
	Client *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	for k, vals := range p.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}
