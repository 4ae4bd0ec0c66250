// Package breaker wraps sony/gobreaker's generic CircuitBreaker with the
// per-dependency-name registry shape the error handler (C5) needs: one
// breaker per external dependency (warehouse, sink, AI endpoint), each
// tripping after FailThreshold consecutive failures (counts reset every
// FailWindow) and cycling closed -> open -> half-open.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Config tunes one dependency's breaker.
type Config struct {
	FailThreshold uint32        // consecutive failures before opening
	Cooldown      time.Duration // time spent open before a half-open probe
	FailWindow    time.Duration // rolling window used to reset counts
}

// DefaultConfig matches the spec's "too many failures in a sliding window"
// language (§4.5) with conservative defaults.
func DefaultConfig() Config {
	return Config{
		FailThreshold: 5,
		Cooldown:      30 * time.Second,
		FailWindow:    60 * time.Second,
	}
}

// Registry holds one gobreaker.CircuitBreaker[any] per external dependency
// name, lazily created. It is a process-wide singleton per dependency, as
// required by §5's shared-resource policy.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewRegistry creates a breaker registry with cfg applied to every
// dependency created through it.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open probe, matching §4.5's "periodic half-open probe"
		Interval:    r.cfg.FailWindow,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailThreshold
		},
	})
	r.breakers[name] = cb
	return cb
}

// Do runs fn through the named dependency's breaker, translating gobreaker's
// open-state rejection into domain.AICircuitOpen so callers can classify it
// uniformly with the rest of the C5 taxonomy (§4.5's circuit-open kind).
func (r *Registry) Do(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	cb := r.get(name)
	result, err := cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.AICircuitOpen
	}
	return result, err
}

// State reports the breaker's current state for the named dependency,
// primarily for progress reporting (C10).
func (r *Registry) State(name string) gobreaker.State {
	return r.get(name).State()
}
