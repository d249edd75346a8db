package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/loomchat/loom/internal/completion"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/upstream"
)

// --- mocks ---

type mockStore struct {
	exchanges []storage.ChatExchange
	latest    *storage.ConversationSummary
	saved     []storage.ConversationSummary
	saveErr   error
}

func (m *mockStore) ListExchanges(threadID string) ([]storage.ChatExchange, error) {
	return m.exchanges, nil
}

func (m *mockStore) LatestSummary(threadID string) (storage.ConversationSummary, error) {
	if m.latest == nil {
		return storage.ConversationSummary{}, storage.ErrNotFound
	}
	return *m.latest, nil
}

func (m *mockStore) SaveSummary(s storage.ConversationSummary) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, s)
	m.latest = &s
	return nil
}

type mockCompleter struct {
	completeFn func(ctx context.Context, modelID string, msgs []upstream.Message) (completion.Result, error)
	calls      int
}

func (m *mockCompleter) Complete(ctx context.Context, modelID string, msgs []upstream.Message) (completion.Result, error) {
	m.calls++
	if m.completeFn != nil {
		return m.completeFn(ctx, modelID, msgs)
	}
	return completion.Result{ModelID: modelID, Content: "a summary", UpstreamID: "gen-sum"}, nil
}

type mockSink struct {
	events [][3]string
}

func (m *mockSink) Publish(upstreamID, recordID, kind string) {
	m.events = append(m.events, [3]string{upstreamID, recordID, kind})
}

func makeExchanges(n int) []storage.ChatExchange {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.ChatExchange, n)
	for i := range out {
		out[i] = storage.ChatExchange{
			ID:        fmt.Sprintf("ex-%d", i),
			Prompt:    fmt.Sprintf("q%d", i),
			Response:  fmt.Sprintf("a%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func newSummarizer(store *mockStore, completer *mockCompleter, sink *mockSink) *Summarizer {
	var s *Summarizer
	if sink != nil {
		s = New(store, completer, sink, "openai/gpt-4o-mini")
	} else {
		s = New(store, completer, nil, "openai/gpt-4o-mini")
	}
	return s
}

// --- tests ---

func TestCompressBelowThresholdIsNoop(t *testing.T) {
	store := &mockStore{exchanges: makeExchanges(10)}
	completer := &mockCompleter{}
	s := newSummarizer(store, completer, nil)

	ran, err := s.CompressIfNeeded(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("compression ran below the threshold")
	}
	if completer.calls != 0 {
		t.Errorf("completer called %d times, want 0", completer.calls)
	}
}

func TestCompressLongThread(t *testing.T) {
	store := &mockStore{exchanges: makeExchanges(25)}
	completer := &mockCompleter{}
	sink := &mockSink{}
	s := newSummarizer(store, completer, sink)

	ran, err := s.CompressIfNeeded(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected compression to run")
	}

	if len(store.saved) != 1 {
		t.Fatalf("saved %d summaries, want 1", len(store.saved))
	}
	saved := store.saved[0]
	if saved.Content != "a summary" {
		t.Errorf("summary content = %q", saved.Content)
	}
	// 25 exchanges minus the recent tail of 5.
	if saved.ExchangeCount != 20 {
		t.Errorf("ExchangeCount = %d, want 20", saved.ExchangeCount)
	}

	if len(sink.events) != 1 {
		t.Fatalf("published %d events, want 1", len(sink.events))
	}
	if sink.events[0][0] != "gen-sum" || sink.events[0][1] != saved.ID || sink.events[0][2] != "summary" {
		t.Errorf("event = %v", sink.events[0])
	}
}

func TestCompressSendsTranscriptWithoutRecentTail(t *testing.T) {
	store := &mockStore{exchanges: makeExchanges(25)}
	var gotTranscript string
	completer := &mockCompleter{
		completeFn: func(ctx context.Context, modelID string, msgs []upstream.Message) (completion.Result, error) {
			if len(msgs) != 2 || msgs[0].Role != "system" {
				t.Errorf("messages = %+v, want instruction + transcript", msgs)
			}
			gotTranscript = msgs[1].Content
			return completion.Result{Content: "s"}, nil
		},
	}
	s := newSummarizer(store, completer, nil)

	if _, err := s.CompressIfNeeded(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(gotTranscript, "User: q0\nAssistant: a0\n") {
		t.Errorf("transcript missing oldest exchange:\n%s", gotTranscript)
	}
	if !strings.Contains(gotTranscript, "User: q19") {
		t.Error("transcript missing last head exchange q19")
	}
	if strings.Contains(gotTranscript, "q20") {
		t.Error("transcript includes the recent tail; it must stay raw")
	}
}

func TestCompressIdempotentWithFreshSummary(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{
		exchanges: makeExchanges(25),
		latest: &storage.ConversationSummary{
			ID:        "sum-1",
			CreatedAt: now.Add(-time.Hour),
		},
	}
	completer := &mockCompleter{}
	s := newSummarizer(store, completer, nil)
	s.SetClock(func() time.Time { return now })

	ran, err := s.CompressIfNeeded(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("compression re-ran against a fresh summary")
	}
	if completer.calls != 0 {
		t.Errorf("completer called %d times, want 0", completer.calls)
	}
}

func TestCompressRefreshesStaleSummary(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{
		exchanges: makeExchanges(25),
		latest: &storage.ConversationSummary{
			ID:        "sum-old",
			CreatedAt: now.Add(-48 * time.Hour),
		},
	}
	s := newSummarizer(store, &mockCompleter{}, nil)
	s.SetClock(func() time.Time { return now })

	ran, err := s.CompressIfNeeded(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Error("expected a stale summary to be refreshed")
	}
}

func TestCompressUpstreamFailureIsSwallowed(t *testing.T) {
	store := &mockStore{exchanges: makeExchanges(25)}
	completer := &mockCompleter{
		completeFn: func(ctx context.Context, modelID string, msgs []upstream.Message) (completion.Result, error) {
			return completion.Result{}, errors.New("upstream down")
		},
	}
	s := newSummarizer(store, completer, nil)

	ran, err := s.CompressIfNeeded(context.Background(), "t1")
	if err != nil {
		t.Fatalf("upstream failure must not surface: %v", err)
	}
	if ran {
		t.Error("compression reported success despite the failure")
	}
	if len(store.saved) != 0 {
		t.Errorf("saved %d summaries, want 0", len(store.saved))
	}
}

func TestCompressEmptyContentIsSwallowed(t *testing.T) {
	store := &mockStore{exchanges: makeExchanges(25)}
	completer := &mockCompleter{
		completeFn: func(ctx context.Context, modelID string, msgs []upstream.Message) (completion.Result, error) {
			return completion.Result{Content: ""}, nil
		},
	}
	s := newSummarizer(store, completer, nil)

	ran, err := s.CompressIfNeeded(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran || len(store.saved) != 0 {
		t.Error("empty summary content must not be persisted")
	}
}

func TestCompressSaveFailureSurfaces(t *testing.T) {
	store := &mockStore{exchanges: makeExchanges(25), saveErr: errors.New("disk full")}
	s := newSummarizer(store, &mockCompleter{}, nil)

	if _, err := s.CompressIfNeeded(context.Background(), "t1"); err == nil {
		t.Fatal("expected storage error to surface")
	}
}

func TestCompressPolicyOverride(t *testing.T) {
	store := &mockStore{exchanges: makeExchanges(8)}
	completer := &mockCompleter{}
	s := newSummarizer(store, completer, nil)
	s.SetPolicy(6, 0, 3)

	ran, err := s.CompressIfNeeded(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected compression at the lowered threshold")
	}
	if store.saved[0].ExchangeCount != 5 {
		t.Errorf("ExchangeCount = %d, want 5 (8 minus tail of 3)", store.saved[0].ExchangeCount)
	}
}
