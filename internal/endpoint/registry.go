package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// ErrNoEndpoints is returned when a connection is requested with an empty endpoint list.
var ErrNoEndpoints = errors.New("no endpoints available")

// Endpoint describes one candidate event-stream server. Immutable once fetched.
type Endpoint struct {
	Host string
	Port int
	WSS  bool
}

// URL renders the WebSocket URL for the stream's subscription path.
func (e Endpoint) URL() string {
	scheme := "ws"
	if e.WSS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/sub", scheme, net.JoinHostPort(normaliseHost(e.Host), strconv.Itoa(e.Port)))
}

func normaliseHost(host string) string {
	trimmed := strings.TrimSpace(host)
	switch trimmed {
	case "", "0.0.0.0", "::", "[::]":
		return "localhost"
	}
	return trimmed
}

// Registry holds the ranked endpoint candidates and the failover cursor.
// The cursor only moves forward on reported failures, so every consumer
// observes a stable active endpoint between attempts.
type Registry struct {
	mu        sync.Mutex
	endpoints []Endpoint
	active    int
}

// NewRegistry builds a registry over the ranked endpoint list.
func NewRegistry(endpoints []Endpoint) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	//1.- Copy the slice so later caller mutations cannot reorder the ranking.
	owned := make([]Endpoint, len(endpoints))
	copy(owned, endpoints)
	return &Registry{endpoints: owned}, nil
}

// Len reports how many candidates the registry holds.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}

// Active returns the endpoint the next connection attempt should use.
func (r *Registry) Active() Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoints[r.active]
}

// ActiveIndex exposes the failover cursor for observability.
func (r *Registry) ActiveIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Advance moves the cursor to the next candidate after a failed attempt and
// returns the newly active endpoint. The cursor wraps modulo the list length
// so the registry keeps cycling rather than giving up.
func (r *Registry) Advance() Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = (r.active + 1) % len(r.endpoints)
	return r.endpoints[r.active]
}

// Reset rewinds the cursor to the highest-ranked candidate.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = 0
}
