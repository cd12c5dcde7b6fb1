package telemetry

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// StartFunc creates a new server-side session, typically a closure over
// Client.StartSession. A (nil, nil) result is the fail-silent sentinel and
// is never cached.
type StartFunc func(ctx context.Context) (*uuid.UUID, error)

// SessionResolver maps a caller-supplied external conversation identifier to
// a server session identifier, so that multiple independent stateless
// invocations (separate tool calls in one conversation) accumulate into a
// single telemetry session.
//
// An empty external id yields a fresh anonymous session on every call.
// Forget evicts the mapping when a session ends; subsequent calls with the
// same external id start a new session.
type SessionResolver interface {
	GetOrCreate(ctx context.Context, externalID string, start StartFunc) (*uuid.UUID, error)
	Forget(ctx context.Context, externalID string) error
}

// MemoryResolver is the in-process SessionResolver. It is scoped to a single
// process: multi-process deployments must externalize the mapping (see
// RedisResolver) to preserve conversation continuity.
type MemoryResolver struct {
	mu      sync.Mutex
	entries map[string]*resolverEntry
}

type resolverEntry struct {
	once sync.Once
	id   *uuid.UUID
	err  error
}

// NewMemoryResolver creates an empty in-process resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{entries: make(map[string]*resolverEntry)}
}

// GetOrCreate returns the cached session id for externalID, creating one via
// start on first sight. Concurrent calls for the same external id share a
// single creation call; failed or fail-silent creations are not cached, so
// the next call retries.
func (r *MemoryResolver) GetOrCreate(ctx context.Context, externalID string, start StartFunc) (*uuid.UUID, error) {
	if externalID == "" {
		return start(ctx)
	}

	r.mu.Lock()
	entry, ok := r.entries[externalID]
	if !ok {
		entry = &resolverEntry{}
		r.entries[externalID] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.id, entry.err = start(ctx)
	})

	if entry.err != nil || entry.id == nil {
		r.mu.Lock()
		if r.entries[externalID] == entry {
			delete(r.entries, externalID)
		}
		r.mu.Unlock()
	}

	return entry.id, entry.err
}

// Forget removes the mapping for externalID.
func (r *MemoryResolver) Forget(_ context.Context, externalID string) error {
	if externalID == "" {
		return nil
	}
	r.mu.Lock()
	delete(r.entries, externalID)
	r.mu.Unlock()
	return nil
}
