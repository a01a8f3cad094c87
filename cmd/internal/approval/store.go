package approval

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Status is the lifecycle state of a connection request.
type Status int

const (
	StatusPending Status = iota
	StatusAccepted
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusDenied:
		return "denied"
	default:
		return "pending"
	}
}

// Request is one connection waiting for (or past) the host's decision.
type Request struct {
	ID        string
	ConnID    string
	Addr      string
	CreatedAt time.Time
	DecidedAt time.Time
	Status    Status
}

// Grant is the password issued to an accepted connection. Password stays in memory so the host
// can read it back to the remote user; Hash is what Verify checks against.
type Grant struct {
	ConnID   string
	Password string
	Hash     string
	IssuedAt time.Time
}

// Store is the persistence boundary for requests and grants.
type Store interface {
	PutRequest(ctx context.Context, r Request) error
	GetRequest(ctx context.Context, id string) (Request, error)
	ListRequests(ctx context.Context) ([]Request, error)
	PutGrant(ctx context.Context, g Grant) error
	GetGrant(ctx context.Context, connID string) (Grant, error)
	ListGrants(ctx context.Context) ([]Grant, error)
	// DeleteConn removes every request and grant owned by connID.
	DeleteConn(ctx context.Context, connID string) error
}

// MemoryStore keeps requests and grants for the lifetime of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]Request
	grants   map[string]Grant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]Request),
		grants:   make(map[string]Grant),
	}
}

func (m *MemoryStore) PutRequest(_ context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListRequests(_ context.Context) ([]Request, error) {
	m.mu.RLock()
	out := make([]Request, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PutGrant(_ context.Context, g Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.ConnID] = g
	return nil
}

func (m *MemoryStore) GetGrant(_ context.Context, connID string) (Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[connID]
	if !ok {
		return Grant{}, ErrNoPassword
	}
	return g, nil
}

func (m *MemoryStore) ListGrants(_ context.Context) ([]Grant, error) {
	m.mu.RLock()
	out := make([]Grant, 0, len(m.grants))
	for _, g := range m.grants {
		out = append(out, g)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Grant) int { return a.IssuedAt.Compare(b.IssuedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteConn(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, connID)
	for id, r := range m.requests {
		if r.ConnID == connID {
			delete(m.requests, id)
		}
	}
	return nil
}
