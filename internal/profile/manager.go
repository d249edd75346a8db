// Package profile provides cached access to the identity profile stored in
// SQLite: who the user is and which organization they belong to. The identity
// feeds both the leading system message and template variables.
package profile

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// IdentityStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type IdentityStore interface {
	SetProfileKey(key, value string) error
	GetProfileKey(key string) (string, error)
	GetAllProfileKeys() (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Identity is the resolved user/org identity.
type Identity struct {
	DisplayName string
	FirstName   string
	LastName    string
	OrgName     string
	OrgDomain   string
}

// Manager provides cached, structured access to the identity profile.
type Manager struct {
	store IdentityStore
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Identity
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store IdentityStore) *Manager {
	return &Manager{
		store: store,
		clock: realClock{},
		ttl:   60 * time.Second,
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store IdentityStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
	}
}

// GetIdentity reads all profile keys from storage (or cache) and assembles
// an Identity. Returns a zero-value Identity on an empty store.
func (m *Manager) GetIdentity() (Identity, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		id := *m.cached
		m.mu.RUnlock()
		return id, nil
	}
	m.mu.RUnlock()

	// Slow path: write lock for cache miss.
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return *m.cached, nil
	}

	keys, err := m.store.GetAllProfileKeys()
	if err != nil {
		return Identity{}, fmt.Errorf("loading profile keys: %w", err)
	}

	id := buildIdentity(keys)
	m.cached = &id
	m.cachedAt = m.clock.Now()
	return id, nil
}

// SetField persists a profile key and invalidates the cache.
func (m *Manager) SetField(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetProfileKey(key, value); err != nil {
		return fmt.Errorf("setting profile key %q: %w", key, err)
	}

	m.cached = nil
	return nil
}

// SystemLine returns the identity rendered as a one-line system message,
// e.g. "You are assisting Ada Lovelace (Analytical Engines Ltd)."
func (m *Manager) SystemLine() (string, error) {
	id, err := m.GetIdentity()
	if err != nil {
		return "", fmt.Errorf("getting identity: %w", err)
	}
	return id.SystemLine(), nil
}

// SystemLine renders the identity for the leading system message.
func (id Identity) SystemLine() string {
	name := id.DisplayName
	if name == "" {
		name = strings.TrimSpace(id.FirstName + " " + id.LastName)
	}
	switch {
	case name == "" && id.OrgName == "":
		return "You are a helpful assistant."
	case id.OrgName == "":
		return fmt.Sprintf("You are assisting %s.", name)
	case name == "":
		return fmt.Sprintf("You are assisting a member of %s.", id.OrgName)
	default:
		return fmt.Sprintf("You are assisting %s (%s).", name, id.OrgName)
	}
}

// buildIdentity assembles an Identity from flat dot-notation key-value pairs.
func buildIdentity(keys map[string]string) Identity {
	return Identity{
		DisplayName: keys["user.display_name"],
		FirstName:   keys["user.first_name"],
		LastName:    keys["user.last_name"],
		OrgName:     keys["org.name"],
		OrgDomain:   keys["org.domain"],
	}
}
