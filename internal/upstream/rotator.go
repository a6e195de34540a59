package upstream

import (
	"errors"
	"strings"
	"sync"
)

// Rotator cycles through equivalent endpoints.
type Rotator struct {
	mu        sync.Mutex
	endpoints []string
	idx       int
}

// NewRotator returns a Rotator positioned at the first endpoint.
func NewRotator(endpoints []string) (*Rotator, error) {
	cleaned := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimRight(strings.TrimSpace(ep), "/")
		if ep != "" {
			cleaned = append(cleaned, ep)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("at least one upstream endpoint is required")
	}
	return &Rotator{endpoints: cleaned}, nil
}

// Current returns the endpoint in use.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoints[r.idx]
}

// Advance moves to the next endpoint and returns it.
func (r *Rotator) Advance() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idx = (r.idx + 1) % len(r.endpoints)
	return r.endpoints[r.idx]
}

// Len reports how many endpoints are configured.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}
