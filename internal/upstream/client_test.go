package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testRequest() ChatRequest {
	return ChatRequest{
		Model: "openai/gpt-4o",
		Messages: []Message{
			{Role: "user", Content: "hello"},
		},
	}
}

func TestChatSendsWireRequest(t *testing.T) {
	var gotAuth, gotTitle, gotContentType string
	var gotBody ChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTitle = r.Header.Get("X-Title")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.Write([]byte(`{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	rc, err := c.Chat(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer test-key")
	}
	if gotTitle != "loom" {
		t.Errorf("X-Title = %q, want %q", gotTitle, "loom")
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if gotBody.Model != "openai/gpt-4o" {
		t.Errorf("request model = %q, want openai/gpt-4o", gotBody.Model)
	}
	if len(gotBody.Messages) != 1 || gotBody.Messages[0].Content != "hello" {
		t.Errorf("request messages = %+v", gotBody.Messages)
	}

	var resp ChatResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ID != "gen-1" {
		t.Errorf("response ID = %q, want gen-1", resp.ID)
	}
}

func TestChatRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"id":"gen-2"}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	rc, err := c.Chat(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	rc.Close()

	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (one retry)", got)
	}
}

func TestChatGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	_, err := c.Chat(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("upstream calls = %d, want 3", got)
	}
}

func TestChatStatusErrorPreservesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	_, err := c.Chat(context.Background(), testRequest())

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error type = %T, want *StatusError", err)
	}
	if statusErr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", statusErr.Status)
	}
	if statusErr.Body != `{"error":{"message":"bad model","type":"invalid_request_error"}}` {
		t.Errorf("Body = %q, want the verbatim error body", statusErr.Body)
	}
}

func TestChatStreamingBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	req := testRequest()
	req.Stream = true

	rc, err := c.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if len(raw) == 0 {
		t.Error("empty stream body")
	}
}

func TestChatNoClientLevelTimeout(t *testing.T) {
	// A Timeout on http.Client bounds the whole body read, which would kill
	// long-lived SSE streams at the blocking deadline. The per-request
	// context deadline is the only bound.
	c := NewClient("k")
	if c.httpClient.Timeout != 0 {
		t.Errorf("httpClient.Timeout = %v, want 0", c.httpClient.Timeout)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q, want /models", r.URL.Path)
		}
		w.Write([]byte(`{"object":"list","data":[{"id":"openai/gpt-4o","object":"model"}]}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "openai/gpt-4o" {
		t.Errorf("models = %+v", models)
	}
}

func TestListModelsEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object":"list"}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if models == nil {
		t.Error("ListModels returned nil, want empty slice")
	}
	if len(models) != 0 {
		t.Errorf("models = %+v, want none", models)
	}
}
