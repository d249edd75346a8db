package template

import (
	"testing"
	"time"

	"github.com/loomchat/loom/internal/profile"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/upstream"
)

func testVars() Vars {
	return VarsFrom(profile.Identity{
		DisplayName: "Ada Lovelace",
		FirstName:   "Ada",
		LastName:    "Lovelace",
		OrgName:     "Analytical Engines",
		OrgDomain:   "engines.example",
	}, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), "compute this")
}

func TestRenderSubstitutesWhitelist(t *testing.T) {
	tmpl := storage.PromptTemplate{
		ID: "tpl-1",
		Messages: []storage.TemplateMessage{
			{Role: "system", Content: "You assist {{user_name}} at {{org_name}}. Today is {{current_date}}.", Position: 0},
			{Role: "user", Content: "{{prompt}}", Position: 1},
		},
	}

	msgs := Render(tmpl, testVars())
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	wantSystem := "You assist Ada Lovelace at Analytical Engines. Today is 2026-03-14."
	if msgs[0].Content != wantSystem {
		t.Errorf("system content = %q, want %q", msgs[0].Content, wantSystem)
	}
	if msgs[1].Content != "compute this" {
		t.Errorf("user content = %q, want %q", msgs[1].Content, "compute this")
	}
	if msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Errorf("roles = %q/%q, want system/user", msgs[0].Role, msgs[1].Role)
	}
}

func TestRenderUnknownVariableIsEmpty(t *testing.T) {
	tmpl := storage.PromptTemplate{
		Messages: []storage.TemplateMessage{
			{Role: "system", Content: "a {{secret_key}} b"},
		},
	}

	msgs := Render(tmpl, testVars())
	if msgs[0].Content != "a  b" {
		t.Errorf("content = %q, want %q", msgs[0].Content, "a  b")
	}
}

func TestRenderUnterminatedDegrades(t *testing.T) {
	tmpl := storage.PromptTemplate{
		Messages: []storage.TemplateMessage{
			{Role: "system", Content: "broken {{user_name", Position: 0},
			{Role: "user", Content: "{{prompt}}", Position: 1},
		},
	}

	msgs := Render(tmpl, testVars())
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (rendering must continue past the fault)", len(msgs))
	}
	if msgs[0].Content != "[template message failed to render]" {
		t.Errorf("faulted content = %q, want placeholder", msgs[0].Content)
	}
	if msgs[1].Content != "compute this" {
		t.Errorf("later message = %q, want it rendered normally", msgs[1].Content)
	}
}

func TestRenderWhitespaceInReference(t *testing.T) {
	tmpl := storage.PromptTemplate{
		Messages: []storage.TemplateMessage{
			{Role: "user", Content: "{{ first_name }} {{ last_name }}"},
		},
	}

	msgs := Render(tmpl, testVars())
	if msgs[0].Content != "Ada Lovelace" {
		t.Errorf("content = %q, want %q", msgs[0].Content, "Ada Lovelace")
	}
}

func TestSpliceIndex(t *testing.T) {
	tests := []struct {
		name string
		msgs []upstream.Message
		want int
	}{
		{"empty", nil, 0},
		{"last user", []upstream.Message{
			{Role: "system"}, {Role: "user"}, {Role: "assistant"}, {Role: "user"},
		}, 3},
		{"single user", []upstream.Message{
			{Role: "system"}, {Role: "user"},
		}, 1},
		{"no user splices before final", []upstream.Message{
			{Role: "system"}, {Role: "system"},
		}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SpliceIndex(tt.msgs); got != tt.want {
				t.Errorf("SpliceIndex = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSpliceHistory(t *testing.T) {
	rendered := []upstream.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "final question"},
	}
	history := []upstream.Message{
		{Role: "user", Content: "old q"},
		{Role: "assistant", Content: "old a"},
	}

	out := SpliceHistory(rendered, history)
	wantContents := []string{"sys", "old q", "old a", "final question"}
	if len(out) != len(wantContents) {
		t.Fatalf("got %d messages, want %d", len(out), len(wantContents))
	}
	for i, want := range wantContents {
		if out[i].Content != want {
			t.Errorf("out[%d].Content = %q, want %q", i, out[i].Content, want)
		}
	}
}
