// Package summarize compresses long threads: older exchanges are condensed
// into a persisted summary by a fast model so context assembly can replace
// them with a single system message. Compression is best-effort and never
// mutates the thread's history.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/completion"
	"github.com/loomchat/loom/internal/costs"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/upstream"
)

const (
	defaultThreshold  = 20
	defaultMaxAge     = 24 * time.Hour
	defaultKeepRecent = 5

	instruction = "Condense the following conversation into a compact summary. " +
		"Preserve decisions, facts, names, and open questions; drop pleasantries. " +
		"Write plain prose, no headings."
)

// ThreadStore is the persistence surface the summarizer needs.
// Implemented by storage.Store.
type ThreadStore interface {
	ListExchanges(threadID string) ([]storage.ChatExchange, error)
	LatestSummary(threadID string) (storage.ConversationSummary, error)
	SaveSummary(s storage.ConversationSummary) error
}

// Completer issues the auxiliary completion call.
// Implemented by completion.Client.
type Completer interface {
	Complete(ctx context.Context, modelID string, msgs []upstream.Message) (completion.Result, error)
}

// Summarizer compresses threads that have outgrown the raw-history window.
type Summarizer struct {
	store      ThreadStore
	completer  Completer
	sink       costs.Sink
	model      string // fast/cheap model for summarization
	threshold  int
	maxAge     time.Duration
	keepRecent int
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Summarizer using the given fast model.
func New(store ThreadStore, completer Completer, sink costs.Sink, model string) *Summarizer {
	return &Summarizer{
		store:      store,
		completer:  completer,
		sink:       sink,
		model:      model,
		threshold:  defaultThreshold,
		maxAge:     defaultMaxAge,
		keepRecent: defaultKeepRecent,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// SetPolicy overrides the compression policy knobs (for tests and config).
func (s *Summarizer) SetPolicy(threshold int, maxAge time.Duration, keepRecent int) {
	if threshold > 0 {
		s.threshold = threshold
	}
	if maxAge > 0 {
		s.maxAge = maxAge
	}
	if keepRecent > 0 {
		s.keepRecent = keepRecent
	}
}

// SetClock overrides the time source (for tests).
func (s *Summarizer) SetClock(now func() time.Time) {
	s.now = now
}

// CompressIfNeeded compresses the thread's older exchanges when the thread is
// long enough and no sufficiently recent summary exists. Returns whether
// compression ran. Upstream failures are logged and swallowed: compression is
// best-effort and must never surface into the chat path. The recency check
// doubles as the guard against two concurrent compressions of one thread.
func (s *Summarizer) CompressIfNeeded(ctx context.Context, threadID string) (bool, error) {
	exchanges, err := s.store.ListExchanges(threadID)
	if err != nil {
		return false, fmt.Errorf("listing exchanges: %w", err)
	}
	if len(exchanges) < s.threshold {
		return false, nil
	}

	latest, err := s.store.LatestSummary(threadID)
	switch {
	case err == nil:
		if s.now().Sub(latest.CreatedAt) < s.maxAge {
			return false, nil
		}
	case err == storage.ErrNotFound:
		// No summary yet; proceed.
	default:
		return false, fmt.Errorf("loading latest summary: %w", err)
	}

	head := exchanges
	if len(head) > s.keepRecent {
		head = head[:len(head)-s.keepRecent]
	} else {
		head = nil
	}
	if len(head) == 0 {
		return false, nil
	}

	res, err := s.completer.Complete(ctx, s.model, []upstream.Message{
		{Role: "system", Content: instruction},
		{Role: "user", Content: renderTranscript(head)},
	})
	if err != nil {
		s.logger.Warn("summarization call failed, keeping raw history",
			"thread_id", threadID, "model", s.model, "error", err)
		return false, nil
	}
	if res.Content == "" {
		s.logger.Warn("summarization returned empty content, keeping raw history",
			"thread_id", threadID, "model", s.model)
		return false, nil
	}

	summary := storage.ConversationSummary{
		ID:            uuid.New().String(),
		ThreadID:      threadID,
		Content:       res.Content,
		ExchangeCount: len(head),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.SaveSummary(summary); err != nil {
		return false, fmt.Errorf("saving summary: %w", err)
	}

	if s.sink != nil && res.UpstreamID != "" {
		s.sink.Publish(res.UpstreamID, summary.ID, "summary")
	}

	s.logger.Info("thread compressed",
		"thread_id", threadID, "exchanges_covered", summary.ExchangeCount)
	return true, nil
}

// renderTranscript flattens exchanges into alternating User:/Assistant: lines.
func renderTranscript(exchanges []storage.ChatExchange) string {
	var b strings.Builder
	for _, ex := range exchanges {
		b.WriteString("User: ")
		b.WriteString(ex.Prompt)
		b.WriteString("\nAssistant: ")
		b.WriteString(ex.Response)
		b.WriteString("\n")
	}
	return b.String()
}
