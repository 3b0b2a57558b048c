package scraper

import (
	"context"
	"sync"

	"mediarelay/internal/media"
	"mediarelay/internal/selector"
)

// Actor is one platform's scraping adapter. Implementations live outside
// this package; errors raised by Download must be classified Failures so the
// dispatcher can decide between retry and give-up.
type Actor interface {
	// Download fetches the job's media and returns one item per artifact.
	// Timeouts are enforced inside the call and surface as KindTimeout.
	Download(ctx context.Context, job *media.Job) ([]media.Item, error)
	// ValidateSession performs a cheap authenticated request, returning the
	// number of platform requests it spent.
	ValidateSession(ctx context.Context) (int, error)
	// ScrollRelated browses content adjacent to seed the way a human would,
	// returning the number of platform requests spent. Platforms that don't
	// benefit return (0, nil).
	ScrollRelated(ctx context.Context, seed int64) (int, error)
}

// Credentials is everything an actor needs to impersonate the currently
// selected account.
type Credentials struct {
	Account      selector.Account
	AccountIndex int
	Proxy        *selector.Proxy
	SessionID    string
}

// Factory constructs an actor bound to one set of credentials.
type Factory func(creds Credentials) Actor

// Registry maps origins to actor factories at compile time. There is no
// dynamic lookup: an origin without a registered factory simply has no actor.
type Registry struct {
	mu sync.RWMutex
	m  map[media.Origin]Factory
}

func NewRegistry() *Registry {
	return &Registry{m: map[media.Origin]Factory{}}
}

func (r *Registry) Register(origin media.Origin, f Factory) {
	r.mu.Lock()
	r.m[origin] = f
	r.mu.Unlock()
}

// New builds an actor for origin, reporting false when none is registered.
func (r *Registry) New(origin media.Origin, creds Credentials) (Actor, bool) {
	r.mu.RLock()
	f := r.m[origin]
	r.mu.RUnlock()
	if f == nil {
		return nil, false
	}
	return f(creds), true
}

// defaultRegistry serves package-level registration, so actor packages can
// self-register from init() the way database drivers do.
var defaultRegistry = NewRegistry()

// Register adds a factory to the default registry.
func Register(origin media.Origin, f Factory) { defaultRegistry.Register(origin, f) }

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }
