package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/catalystcommunity/pierre/internal/metrics"
)

// Key names the breaker for a provider, optionally scoped to a tenant.
func Key(tenantID, provider string) string {
	if tenantID == "" {
		return provider
	}
	return tenantID + ":" + provider
}

// Status is a point in time view of one breaker.
type Status struct {
	Name           string
	State          State
	FailureCount   uint32
	SuccessCount   uint32
	RetryAfterSecs uint64
}

// Registry hands out one shared breaker per key.
type Registry struct {
	mu       sync.RWMutex
	config   Config
	opts     []Option
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates breakers on demand with config. Every breaker reports
// its state to the breaker metrics.
func NewRegistry(config Config, opts ...Option) *Registry {
	return &Registry{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it closed on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	opts := append([]Option{WithStateChange(recordTransition)}, r.opts...)
	cb = New(key, r.config, opts...)
	r.breakers[key] = cb
	metrics.SetCircuitBreakerState(key, float64(Closed))
	return cb
}

// Statuses lists every breaker sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	statuses := make([]Status, 0, len(r.breakers))
	for name, cb := range r.breakers {
		statuses = append(statuses, Status{
			Name:           name,
			State:          cb.State(),
			FailureCount:   cb.FailureCount(),
			SuccessCount:   cb.SuccessCount(),
			RetryAfterSecs: cb.TimeUntilRecovery(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

func recordTransition(name string, from, to State) {
	metrics.SetCircuitBreakerState(name, float64(to))
	metrics.RecordCircuitBreakerTransition(name, from.String(), to.String())
}
