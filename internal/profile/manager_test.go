package profile

import (
	"sync/atomic"
	"testing"
	"time"
)

// --- mock store ---

type mockStore struct {
	keys     map[string]string
	getCalls atomic.Int32
}

func newMockStore() *mockStore {
	return &mockStore{keys: make(map[string]string)}
}

func (m *mockStore) SetProfileKey(key, value string) error {
	m.keys[key] = value
	return nil
}

func (m *mockStore) GetProfileKey(key string) (string, error) {
	return m.keys[key], nil
}

func (m *mockStore) GetAllProfileKeys() (map[string]string, error) {
	m.getCalls.Add(1)
	out := make(map[string]string, len(m.keys))
	for k, v := range m.keys {
		out[k] = v
	}
	return out, nil
}

// --- mock clock ---

type mockClock struct {
	now time.Time
}

func (c *mockClock) Now() time.Time { return c.now }

func (c *mockClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// --- tests ---

func TestGetIdentityAssemblesKeys(t *testing.T) {
	store := newMockStore()
	store.keys["user.display_name"] = "Ada Lovelace"
	store.keys["user.first_name"] = "Ada"
	store.keys["org.name"] = "Analytical Engines"
	store.keys["org.domain"] = "engines.example"

	m := NewManager(store)
	id, err := m.GetIdentity()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.DisplayName != "Ada Lovelace" {
		t.Errorf("DisplayName = %q, want %q", id.DisplayName, "Ada Lovelace")
	}
	if id.OrgName != "Analytical Engines" {
		t.Errorf("OrgName = %q, want %q", id.OrgName, "Analytical Engines")
	}
	if id.OrgDomain != "engines.example" {
		t.Errorf("OrgDomain = %q, want %q", id.OrgDomain, "engines.example")
	}
}

func TestGetIdentityEmptyStore(t *testing.T) {
	m := NewManager(newMockStore())
	id, err := m.GetIdentity()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != (Identity{}) {
		t.Errorf("identity = %+v, want zero value", id)
	}
}

func TestGetIdentityCaches(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	m := NewManagerWithClock(store, clock, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := m.GetIdentity(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := store.getCalls.Load(); got != 1 {
		t.Errorf("store reads = %d, want 1 (cache should absorb repeats)", got)
	}

	clock.advance(2 * time.Minute)
	if _, err := m.GetIdentity(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.getCalls.Load(); got != 2 {
		t.Errorf("store reads = %d, want 2 (TTL expiry should refresh)", got)
	}
}

func TestSetFieldInvalidatesCache(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	m := NewManagerWithClock(store, clock, time.Minute)

	if _, err := m.GetIdentity(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.SetField("user.display_name", "Grace Hopper"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, err := m.GetIdentity()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.DisplayName != "Grace Hopper" {
		t.Errorf("DisplayName = %q, want %q after invalidation", id.DisplayName, "Grace Hopper")
	}
}

func TestSystemLine(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{"empty", Identity{}, "You are a helpful assistant."},
		{"display name only", Identity{DisplayName: "Ada"}, "You are assisting Ada."},
		{"first and last fall back", Identity{FirstName: "Ada", LastName: "Lovelace"}, "You are assisting Ada Lovelace."},
		{"org only", Identity{OrgName: "Acme"}, "You are assisting a member of Acme."},
		{"name and org", Identity{DisplayName: "Ada", OrgName: "Acme"}, "You are assisting Ada (Acme)."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.SystemLine(); got != tt.want {
				t.Errorf("SystemLine() = %q, want %q", got, tt.want)
			}
		})
	}
}
