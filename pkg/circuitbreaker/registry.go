package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry hands out one breaker per key, typically a callback host.
// Breakers are created on first use and share the registry's Config.
type Registry struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{config: cfg, breakers: map[string]*Breaker{}}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.config)
		r.breakers[key] = b
	}
	return b
}

// Stats counts breakers per state. OpenKeys lists the keys whose breaker
// is open, sorted.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
	OpenKeys []string
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for key, b := range r.breakers {
		s.Total++
		switch b.State() {
		case Open:
			s.Open++
			s.OpenKeys = append(s.OpenKeys, key)
		case HalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
	}
	slices.Sort(s.OpenKeys)
	return s
}
