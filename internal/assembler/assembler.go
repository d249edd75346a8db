// Package assembler composes the token-bounded message list actually sent to
// a model: identity system message, selected or compressed history, and the
// current prompt. All paths are pure computation over an already-loaded
// history snapshot; concurrent completions against the same thread may see an
// overlapping but not-yet-updated snapshot (eventual consistency of context).
package assembler

import (
	"sort"
	"strings"

	"github.com/loomchat/loom/internal/catalog"
	"github.com/loomchat/loom/internal/relevance"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/tokens"
	"github.com/loomchat/loom/internal/upstream"
)

const (
	// summaryPrefix marks the compressed-history system message.
	summaryPrefix = "PREVIOUS CONVERSATION SUMMARY: "

	// budgetRatio of the model's token limit available for the context window;
	// the rest is headroom for the reply.
	budgetRatio = 0.75

	defaultMaxMessages = 10
	defaultCompressAt  = 30
	defaultRecentTail  = 5
)

// Selection picks the strategy used when the direct-path candidate set
// exceeds the message cap.
type Selection string

const (
	// SelectionSandwich alternates picks from the oldest and newest ends.
	SelectionSandwich Selection = "sandwich"
	// SelectionRelevance keeps the top-scoring exchanges for the prompt.
	SelectionRelevance Selection = "relevance"
)

// familyRule appends a fixed instruction to the leading system message for a
// model family, matched by substring on the model id. A lookup table instead
// of a conditional chain so new families are one line each.
type familyRule struct {
	pattern string
	suffix  string
}

var familyRules = []familyRule{
	{pattern: "claude", suffix: " Be concise and accurate."},
	{pattern: "gpt", suffix: " Provide accurate, well-structured answers."},
}

// Config tunes the assembler. Zero values fall back to defaults.
type Config struct {
	MaxMessages int       // direct-path message cap before selection kicks in
	CompressAt  int       // exchange count at which the compressed path is used
	RecentTail  int       // raw exchanges kept on the compressed path
	Selection   Selection // sandwich (default) or relevance
}

// Assembler builds context windows under a per-model token budget.
type Assembler struct {
	catalog     *catalog.Catalog
	scorer      *relevance.Scorer
	maxMessages int
	compressAt  int
	recentTail  int
	selection   Selection
}

// New creates an Assembler.
func New(cat *catalog.Catalog, scorer *relevance.Scorer, cfg Config) *Assembler {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = defaultMaxMessages
	}
	if cfg.CompressAt <= 0 {
		cfg.CompressAt = defaultCompressAt
	}
	if cfg.RecentTail <= 0 {
		cfg.RecentTail = defaultRecentTail
	}
	if cfg.Selection == "" {
		cfg.Selection = SelectionSandwich
	}
	return &Assembler{
		catalog:     cat,
		scorer:      scorer,
		maxMessages: cfg.MaxMessages,
		compressAt:  cfg.CompressAt,
		recentTail:  cfg.RecentTail,
		selection:   cfg.Selection,
	}
}

// BuildContext returns the ordered message list for one model: history block,
// current prompt, and per-family formatting. thread may be nil (stateless
// chat), in which case the result is the bare prompt. exchanges must be in
// chronological order; summary is the thread's latest or nil.
func (a *Assembler) BuildContext(thread *storage.Thread, summary *storage.ConversationSummary, exchanges []storage.ChatExchange, identityLine, currentPrompt, modelID string) []upstream.Message {
	if thread == nil {
		return []upstream.Message{{Role: "user", Content: currentPrompt}}
	}

	msgs := a.History(summary, exchanges, identityLine, currentPrompt, modelID)
	msgs = append(msgs, upstream.Message{Role: "user", Content: currentPrompt})
	return ApplyModelFormatting(msgs, modelID)
}

// History builds the history block (identity system message plus selected or
// compressed exchange pairs) without the trailing prompt message. Used
// directly by the template renderer to fill the splice point.
func (a *Assembler) History(summary *storage.ConversationSummary, exchanges []storage.ChatExchange, identityLine, currentPrompt, modelID string) []upstream.Message {
	if len(exchanges) >= a.compressAt {
		return a.compressed(summary, exchanges, identityLine)
	}
	return a.direct(exchanges, identityLine, currentPrompt, modelID)
}

// compressed: identity, summary (when present), then the raw recent tail.
func (a *Assembler) compressed(summary *storage.ConversationSummary, exchanges []storage.ChatExchange, identityLine string) []upstream.Message {
	msgs := []upstream.Message{{Role: "system", Content: identityLine}}
	if summary != nil {
		msgs = append(msgs, upstream.Message{Role: "system", Content: summaryPrefix + summary.Content})
	}

	tail := exchanges
	if len(tail) > a.recentTail {
		tail = tail[len(tail)-a.recentTail:]
	}
	return appendPairs(msgs, tail)
}

// direct: chronological pairs accumulated under the token budget, switching
// to sandwich/relevance selection when the candidate set exceeds the cap.
func (a *Assembler) direct(exchanges []storage.ChatExchange, identityLine, currentPrompt, modelID string) []upstream.Message {
	budget := int(budgetRatio * float64(a.catalog.TokenLimit(modelID)))
	used := tokens.Estimate(identityLine) + tokens.Estimate(currentPrompt)

	var candidates []storage.ChatExchange
	for _, ex := range exchanges {
		cost := pairCost(ex)
		if used+cost > budget {
			break
		}
		used += cost
		candidates = append(candidates, ex)
	}

	if len(candidates)*2 > a.maxMessages {
		if a.selection == SelectionRelevance && a.scorer != nil {
			candidates = a.relevanceSelect(currentPrompt, exchanges, budget, identityLine)
		} else {
			candidates = a.sandwichSelect(exchanges, budget, identityLine, currentPrompt)
		}
	}

	msgs := []upstream.Message{{Role: "system", Content: identityLine}}
	return appendPairs(msgs, candidates)
}

// sandwichSelect keeps the most recent exchange, then alternately pulls one
// exchange from the oldest and newest remaining ends (oldest first) under the
// token budget, and re-sorts the picks chronologically. Picks are deduped by
// exchange id so an exchange can never appear twice.
func (a *Assembler) sandwichSelect(exchanges []storage.ChatExchange, budget int, identityLine, currentPrompt string) []storage.ChatExchange {
	if len(exchanges) == 0 {
		return nil
	}

	used := tokens.Estimate(identityLine) + tokens.Estimate(currentPrompt)
	picked := make(map[string]bool)
	var selected []storage.ChatExchange

	take := func(ex storage.ChatExchange) bool {
		if picked[ex.ID] {
			return true // already selected; skip without charging the budget
		}
		cost := pairCost(ex)
		if used+cost > budget {
			return false
		}
		used += cost
		picked[ex.ID] = true
		selected = append(selected, ex)
		return true
	}

	// The most recent exchange is always kept first.
	if !take(exchanges[len(exchanges)-1]) {
		return nil
	}

	lo, hi := 0, len(exchanges)-2
	for lo <= hi {
		if !take(exchanges[lo]) {
			break
		}
		lo++
		if lo > hi {
			break
		}
		if !take(exchanges[hi]) {
			break
		}
		hi--
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].CreatedAt.Before(selected[j].CreatedAt)
	})
	return selected
}

// relevanceSelect keeps the top-scoring exchanges for the prompt under the
// token budget, re-sorted chronologically.
func (a *Assembler) relevanceSelect(currentPrompt string, exchanges []storage.ChatExchange, budget int, identityLine string) []storage.ChatExchange {
	used := tokens.Estimate(identityLine) + tokens.Estimate(currentPrompt)

	var selected []storage.ChatExchange
	for _, ex := range a.scorer.TopK(currentPrompt, exchanges, a.maxMessages/2) {
		cost := pairCost(ex)
		if used+cost > budget {
			continue
		}
		used += cost
		selected = append(selected, ex)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].CreatedAt.Before(selected[j].CreatedAt)
	})
	return selected
}

// ApplyModelFormatting appends the family-specific instruction to the leading
// system message. Unrecognized families pass through unchanged.
func ApplyModelFormatting(msgs []upstream.Message, modelID string) []upstream.Message {
	if len(msgs) == 0 || msgs[0].Role != "system" {
		return msgs
	}
	lower := strings.ToLower(modelID)
	for _, rule := range familyRules {
		if strings.Contains(lower, rule.pattern) {
			msgs[0].Content += rule.suffix
			break
		}
	}
	return msgs
}

func appendPairs(msgs []upstream.Message, exchanges []storage.ChatExchange) []upstream.Message {
	for _, ex := range exchanges {
		msgs = append(msgs,
			upstream.Message{Role: "user", Content: ex.Prompt},
			upstream.Message{Role: "assistant", Content: ex.Response},
		)
	}
	return msgs
}

func pairCost(ex storage.ChatExchange) int {
	return tokens.Estimate(ex.Prompt) + tokens.Estimate(ex.Response)
}
