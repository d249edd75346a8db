// Package template renders prompt templates. The template language is
// variable interpolation only: a fixed whitelist of context variables, no
// control flow, no function calls, so a template can never execute anything.
package template

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/profile"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/upstream"
)

// renderFault replaces the content of a message whose skeleton could not be
// rendered. Rendering continues for the remaining messages.
const renderFault = "[template message failed to render]"

// Vars is the whitelisted rendering context.
type Vars struct {
	UserName    string
	FirstName   string
	LastName    string
	OrgName     string
	OrgDomain   string
	CurrentDate string
	Prompt      string
}

// VarsFrom builds the rendering context from an identity, the clock, and the
// raw current prompt.
func VarsFrom(id profile.Identity, now time.Time, prompt string) Vars {
	return Vars{
		UserName:    id.DisplayName,
		FirstName:   id.FirstName,
		LastName:    id.LastName,
		OrgName:     id.OrgName,
		OrgDomain:   id.OrgDomain,
		CurrentDate: now.Format("2006-01-02"),
		Prompt:      prompt,
	}
}

func (v Vars) lookup() map[string]string {
	return map[string]string{
		"user_name":    v.UserName,
		"first_name":   v.FirstName,
		"last_name":    v.LastName,
		"org_name":     v.OrgName,
		"org_domain":   v.OrgDomain,
		"current_date": v.CurrentDate,
		"prompt":       v.Prompt,
	}
}

// Render substitutes vars into each template message skeleton, in sort order.
// A skeleton that fails to render degrades to a visible placeholder instead
// of aborting the request. References to variables outside the whitelist
// render as empty.
func Render(tmpl storage.PromptTemplate, vars Vars) []upstream.Message {
	lookup := vars.lookup()
	msgs := make([]upstream.Message, 0, len(tmpl.Messages))
	for _, skeleton := range tmpl.Messages {
		content, err := substitute(skeleton.Content, lookup)
		if err != nil {
			slog.Warn("template message failed to render",
				"template_id", tmpl.ID, "position", skeleton.Position, "error", err)
			content = renderFault
		}
		msgs = append(msgs, upstream.Message{Role: skeleton.Role, Content: content})
	}
	return msgs
}

// SpliceIndex returns where conversation history must be inserted: before the
// last message whose role is "user", so the model always sees history then
// the final user turn. Templates without a user message splice before their
// final message; an empty template splices at 0.
func SpliceIndex(msgs []upstream.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return i
		}
	}
	if len(msgs) == 0 {
		return 0
	}
	return len(msgs) - 1
}

// SpliceHistory inserts the history block at the splice point of rendered.
func SpliceHistory(rendered, history []upstream.Message) []upstream.Message {
	idx := SpliceIndex(rendered)
	out := make([]upstream.Message, 0, len(rendered)+len(history))
	out = append(out, rendered[:idx]...)
	out = append(out, history...)
	out = append(out, rendered[idx:]...)
	return out
}

// substitute replaces {{name}} references using the whitelist lookup.
// Unknown names yield empty strings; an unterminated reference is an error.
func substitute(text string, lookup map[string]string) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(text, "{{")
		if start == -1 {
			b.WriteString(text)
			return b.String(), nil
		}
		b.WriteString(text[:start])

		rest := text[start+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return "", fmt.Errorf("unterminated variable reference at offset %d", start)
		}

		name := strings.TrimSpace(rest[:end])
		b.WriteString(lookup[name])
		text = rest[end+2:]
	}
}
