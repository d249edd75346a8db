// Package relevance ranks past exchanges by relevance to the current prompt.
// Scoring is deterministic arithmetic over keyword sets; there is no model
// call involved, so it is safe to run inline on the request path.
package relevance

import (
	"sort"
	"strings"
	"unicode"

	"github.com/loomchat/loom/internal/storage"
)

// Score weights. Recency dominates: in practice a follow-up question refers
// to the last few exchanges far more often than keyword overlap suggests.
const (
	recencyWeight     = 0.5
	keywordWeight     = 0.3
	interactionWeight = 0.2
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "can": {}, "do": {}, "for": {}, "from": {}, "had": {},
	"has": {}, "have": {}, "he": {}, "her": {}, "his": {}, "how": {}, "i": {},
	"if": {}, "in": {}, "is": {}, "it": {}, "its": {}, "me": {}, "my": {},
	"no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "our": {}, "she": {},
	"so": {}, "that": {}, "the": {}, "their": {}, "them": {}, "then": {},
	"there": {}, "these": {}, "they": {}, "this": {}, "to": {}, "was": {},
	"we": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"who": {}, "will": {}, "with": {}, "would": {}, "you": {}, "your": {},
}

var continuationPhrases = []string{"continue", "go on", "tell me more", "next", "and then"}

var backReferencePhrases = []string{"you said", "earlier", "previous", "before", "last time"}

// Scored pairs an exchange with its composite relevance score.
type Scored struct {
	Exchange storage.ChatExchange
	Score    float64
	Recency  float64
	Keyword  float64
	Pattern  float64
}

// Scorer ranks exchanges against a prompt.
type Scorer struct{}

// New returns a Scorer.
func New() *Scorer {
	return &Scorer{}
}

// Rank scores every exchange and returns them sorted by composite score
// descending. history must be in chronological order. The result is NOT in
// temporal order; callers that need chronology must re-sort.
func (s *Scorer) Rank(currentPrompt string, history []storage.ChatExchange) []Scored {
	if len(history) == 0 {
		return nil
	}

	promptKeywords := Keywords(currentPrompt)
	n := len(history)

	scored := make([]Scored, 0, n)
	for i, ex := range history {
		recency := float64(i+1) / float64(n)
		keyword := jaccard(promptKeywords, Keywords(ex.Prompt+" "+ex.Response))
		pattern := interactionScore(currentPrompt, ex.Prompt)

		scored = append(scored, Scored{
			Exchange: ex,
			Recency:  recency,
			Keyword:  keyword,
			Pattern:  pattern,
			Score:    recencyWeight*recency + keywordWeight*keyword + interactionWeight*pattern,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

// TopK returns the k highest-scoring exchanges, in score order.
func (s *Scorer) TopK(currentPrompt string, history []storage.ChatExchange, k int) []storage.ChatExchange {
	if k <= 0 {
		return nil
	}
	ranked := s.Rank(currentPrompt, history)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]storage.ChatExchange, len(ranked))
	for i, r := range ranked {
		out[i] = r.Exchange
	}
	return out
}

// Keywords extracts the keyword set from text: lower-cased, punctuation
// stripped, stop words removed, tokens of length <= 1 discarded.
func Keywords(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) <= 1 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

// jaccard is |A ∩ B| / |A ∪ B|; 0 when either set is empty.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// interactionScore detects conversational patterns linking the current prompt
// to a past one. Additive, capped at 1.0.
func interactionScore(currentPrompt, pastPrompt string) float64 {
	current := strings.ToLower(currentPrompt)
	score := 0.0

	// A past question followed by another question, or a why/how follow-up.
	if strings.Contains(pastPrompt, "?") {
		if strings.Contains(current, "?") || strings.HasPrefix(current, "why") || strings.HasPrefix(current, "how") {
			score += 0.3
		}
	}

	for _, p := range continuationPhrases {
		if strings.Contains(current, p) {
			score += 0.2
			break
		}
	}

	for _, p := range backReferencePhrases {
		if strings.Contains(current, p) {
			score += 0.4
			break
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
