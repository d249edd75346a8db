package catalog

import (
	"errors"
	"testing"
)

func TestResolveExactMatch(t *testing.T) {
	cat := Default()

	m, err := cat.Resolve("openai/gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "openai/gpt-4o" {
		t.Errorf("resolved ID = %q, want %q", m.ID, "openai/gpt-4o")
	}
	if m.TokenLimit != 128000 {
		t.Errorf("TokenLimit = %d, want 128000", m.TokenLimit)
	}
}

func TestResolveSubstringAlias(t *testing.T) {
	cat := Default()

	m, err := cat.Resolve("claude-opus-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "anthropic/claude-opus-4" {
		t.Errorf("resolved ID = %q, want %q", m.ID, "anthropic/claude-opus-4")
	}
}

func TestResolveExactBeatsSubstring(t *testing.T) {
	// "openai/gpt-4" is a substring of "openai/gpt-4o"; the exact entry
	// must win even though the 4o entry appears earlier in the table.
	cat := Default()

	m, err := cat.Resolve("openai/gpt-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "openai/gpt-4" {
		t.Errorf("resolved ID = %q, want %q", m.ID, "openai/gpt-4")
	}
	if m.TokenLimit != 8192 {
		t.Errorf("TokenLimit = %d, want 8192", m.TokenLimit)
	}
}

func TestResolveUnknown(t *testing.T) {
	cat := Default()

	_, err := cat.Resolve("not-a-real-model")
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
	var unavailable *ErrModelUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("error type = %T, want *ErrModelUnavailable", err)
	}
}

func TestResolveEmpty(t *testing.T) {
	cat := Default()
	if _, err := cat.Resolve(""); err == nil {
		t.Fatal("expected error for empty model id")
	}
}

func TestResolveDisabled(t *testing.T) {
	cat := New([]ModelInfo{
		{ID: "legacy/model", TokenLimit: 2048, Enabled: false},
	})

	_, err := cat.Resolve("legacy/model")
	if err == nil {
		t.Fatal("expected error for disabled model")
	}
	var unavailable *ErrModelUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("error type = %T, want *ErrModelUnavailable", err)
	}
	if unavailable.Reason != "disabled" {
		t.Errorf("Reason = %q, want %q", unavailable.Reason, "disabled")
	}
}

func TestTokenLimitFallback(t *testing.T) {
	cat := Default()

	if got := cat.TokenLimit("unknown/model"); got != 4096 {
		t.Errorf("TokenLimit(unknown) = %d, want 4096", got)
	}
	if got := cat.TokenLimit("anthropic/claude-opus-4"); got != 200000 {
		t.Errorf("TokenLimit(claude-opus-4) = %d, want 200000", got)
	}
}

func TestListCopies(t *testing.T) {
	cat := Default()
	list := cat.List()
	if len(list) == 0 {
		t.Fatal("empty default catalog")
	}
	list[0].ID = "mutated"
	if cat.List()[0].ID == "mutated" {
		t.Error("List returned the internal slice, not a copy")
	}
}
