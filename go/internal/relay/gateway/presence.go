package gateway

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Presence is where a registered user is connected.
type Presence struct {
	UserID   string    `json:"user_id"`
	Instance string    `json:"instance"`
	ConnID   string    `json:"conn_id"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceStore tracks registered users. A store may be shared by several
// gateway instances.
type PresenceStore interface {
	// Register records p, replacing any previous registration of the user.
	Register(ctx context.Context, p Presence) error
	// Touch refreshes the last-seen time of a registered user. It reports
	// false when the user is not registered.
	Touch(ctx context.Context, userID string, now time.Time) (bool, error)
	// Remove deletes the registration if it still belongs to connID.
	Remove(ctx context.Context, userID, connID string) (bool, error)
	Lookup(ctx context.Context, userID string) (Presence, bool, error)
	Online(ctx context.Context) ([]string, error)
	// Sweep deletes users not seen since cutoff and returns them.
	Sweep(ctx context.Context, cutoff time.Time) ([]string, error)
}

// MemoryPresence is a PresenceStore for a single gateway instance.
type MemoryPresence struct {
	mu    sync.RWMutex
	users map[string]Presence
}

// NewMemoryPresence creates an empty in-process store.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{users: make(map[string]Presence)}
}

func (m *MemoryPresence) Register(ctx context.Context, p Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[p.UserID] = p
	return nil
}

func (m *MemoryPresence) Touch(ctx context.Context, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	p.LastSeen = now
	m.users[userID] = p
	return true, nil
}

func (m *MemoryPresence) Remove(ctx context.Context, userID, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[userID]
	if !ok || p.ConnID != connID {
		return false, nil
	}
	delete(m.users, userID)
	return true, nil
}

func (m *MemoryPresence) Lookup(ctx context.Context, userID string) (Presence, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[userID]
	return p, ok, nil
}

func (m *MemoryPresence) Online(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]string, 0, len(m.users))
	for id := range m.users {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (m *MemoryPresence) Sweep(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, p := range m.users {
		if p.LastSeen.Before(cutoff) {
			delete(m.users, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}
