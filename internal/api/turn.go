package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/assembler"
	"github.com/loomchat/loom/internal/catalog"
	"github.com/loomchat/loom/internal/completion"
	"github.com/loomchat/loom/internal/profile"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/template"
	"github.com/loomchat/loom/internal/upstream"
	"github.com/loomchat/loom/internal/worker"
)

// Deps holds the collaborators the HTTP layer wires together.
type Deps struct {
	Store        *storage.Store
	Catalog      *catalog.Catalog
	Assembler    *assembler.Assembler
	Profile      *profile.Manager
	Completions  *completion.Client
	Token        string // bearer token for management routes; empty disables auth
	OwnerID      string // owner of threads in this deployment
	OrgID        string // org scope for template authorization
	DefaultModel string
}

// turnRequest is the "complete chat turn" operation input.
type turnRequest struct {
	ThreadID   string   `json:"thread_id,omitempty"`
	Prompt     string   `json:"prompt"`
	ModelIDs   []string `json:"model_ids,omitempty"`
	TemplateID string   `json:"template_id,omitempty"`
	Stream     bool     `json:"stream,omitempty"`
	PromptID   string   `json:"prompt_id,omitempty"`
}

// modelSlot is one model's entry in the non-streaming response map.
type modelSlot struct {
	Content    string          `json:"content,omitempty"`
	Usage      *upstream.Usage `json:"usage,omitempty"`
	ExchangeID string          `json:"exchange_id,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type turnResponse struct {
	ThreadID  string               `json:"thread_id"`
	PromptID  string               `json:"prompt_id"`
	Responses map[string]modelSlot `json:"responses"`
}

func handleChatTurn(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}
		if req.PromptID == "" {
			req.PromptID = uuid.New().String()
		}

		// Resolve the template first: a scope mismatch aborts the whole
		// request before any assembly happens.
		var tmpl *storage.PromptTemplate
		if req.TemplateID != "" {
			t, err := deps.Store.FindTemplate(req.TemplateID)
			if err == storage.ErrNotFound {
				httpError(w, http.StatusNotFound, "not_found", "template %s not found", req.TemplateID)
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "loading template: %v", err)
				return
			}
			if !templateAuthorized(t, deps.OwnerID, deps.OrgID) {
				httpError(w, http.StatusForbidden, "authorization_error", "template %s is not accessible", req.TemplateID)
				return
			}
			tmpl = &t
		}

		models := req.ModelIDs
		if len(models) == 0 {
			if tmpl != nil && tmpl.DefaultModel != "" {
				models = []string{tmpl.DefaultModel}
			} else {
				models = []string{deps.DefaultModel}
			}
		}

		// Unknown thread ids abort the request; a missing id starts a thread.
		var thread storage.Thread
		if req.ThreadID != "" {
			t, err := deps.Store.FindThread(req.ThreadID, deps.OwnerID)
			if err == storage.ErrNotFound {
				httpError(w, http.StatusNotFound, "not_found", "thread %s not found", req.ThreadID)
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "loading thread: %v", err)
				return
			}
			thread = t
		} else {
			thread = storage.Thread{
				ID:        uuid.New().String(),
				OwnerID:   deps.OwnerID,
				Title:     threadTitle(req.Prompt),
				CreatedAt: time.Now().UTC(),
			}
			if err := deps.Store.CreateThread(thread); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "creating thread: %v", err)
				return
			}
		}

		// Snapshot the history once; all models assemble from the same view.
		exchanges, err := deps.Store.ListExchanges(thread.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading exchanges: %v", err)
			return
		}
		var summary *storage.ConversationSummary
		if thread.LatestSummaryID != "" {
			if s, err := deps.Store.LatestSummary(thread.ID); err == nil {
				summary = &s
			} else {
				slog.Warn("latest summary unavailable, assembling without it",
					"thread_id", thread.ID, "error", err)
			}
		}

		identity, err := deps.Profile.GetIdentity()
		if err != nil {
			slog.Warn("identity unavailable, assembling with defaults", "error", err)
		}
		identityLine := identity.SystemLine()

		buildRequest := func(modelID string) (completion.Request, error) {
			resolved, err := deps.Catalog.Resolve(modelID)
			if err != nil {
				return completion.Request{}, err
			}

			var msgs []upstream.Message
			if tmpl != nil {
				vars := template.VarsFrom(identity, time.Now(), req.Prompt)
				rendered := template.Render(*tmpl, vars)
				history := deps.Assembler.History(summary, exchanges, identityLine, req.Prompt, resolved.ID)
				msgs = template.SpliceHistory(rendered, history)
				if !hasUserMessage(rendered) {
					msgs = append(msgs, upstream.Message{Role: "user", Content: req.Prompt})
				}
				msgs = assembler.ApplyModelFormatting(msgs, resolved.ID)
			} else {
				msgs = deps.Assembler.BuildContext(&thread, summary, exchanges, identityLine, req.Prompt, resolved.ID)
			}

			return completion.Request{
				ThreadID:   thread.ID,
				PromptID:   req.PromptID,
				TemplateID: req.TemplateID,
				Prompt:     req.Prompt,
				ModelID:    resolved.ID,
				Kind:       "chat",
				Messages:   msgs,
				Stream:     req.Stream && resolved.SupportsStreaming,
			}, nil
		}

		if req.Stream {
			streamTurn(w, r, deps, thread.ID, req, models, buildRequest)
			return
		}

		results := deps.Completions.CompleteTurn(r.Context(), models, buildRequest, nil)
		enqueueSummarize(deps, thread.ID)

		resp := turnResponse{
			ThreadID:  thread.ID,
			PromptID:  req.PromptID,
			Responses: make(map[string]modelSlot, len(results)),
		}
		for modelID, res := range results {
			slot := modelSlot{}
			if res.Err != nil {
				slot.Error = res.Err.Error()
			} else {
				usage := res.Usage
				slot.Content = res.Content
				slot.Usage = &usage
				slot.ExchangeID = res.ExchangeID
			}
			resp.Responses[modelID] = slot
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// streamTurn writes newline-delimited `data: {...}` frames terminated by
// `data: [DONE]`, mirroring the upstream wire shape so browser-side parsing
// is reusable. Frames from concurrent models are serialized by a mutex;
// within one model, delta order is arrival order.
func streamTurn(w http.ResponseWriter, r *http.Request, deps Deps, threadID string, req turnRequest, models []string, buildRequest func(string) (completion.Request, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var mu sync.Mutex
	writeFrame := func(v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			slog.Error("marshaling stream frame", "error", err)
			return
		}
		mu.Lock()
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		mu.Unlock()
	}

	onDelta := func(modelID, delta string) {
		writeFrame(map[string]any{
			"model":   modelID,
			"choices": []map[string]any{{"delta": map[string]string{"content": delta}}},
		})
	}

	results := deps.Completions.CompleteTurn(r.Context(), models, buildRequest, onDelta)
	enqueueSummarize(deps, threadID)

	// One closing frame per model carries usage, ids, and any error.
	for modelID, res := range results {
		// A model that cannot stream runs blocking inside a streamed turn;
		// its whole response goes out as a single delta so the client's
		// frame handling stays uniform.
		if res.Err == nil && !res.Streamed && res.Content != "" {
			onDelta(modelID, res.Content)
		}
		frame := map[string]any{
			"model":     modelID,
			"thread_id": threadID,
			"prompt_id": req.PromptID,
			"done":      true,
		}
		if res.Err != nil {
			frame["error"] = map[string]string{"message": res.Err.Error()}
		} else {
			frame["usage"] = res.Usage
			frame["exchange_id"] = res.ExchangeID
		}
		writeFrame(frame)
	}

	mu.Lock()
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	mu.Unlock()
}

// enqueueSummarize queues background compression for the thread. Best-effort:
// a full queue or closed store only costs us a summary, not the turn.
func enqueueSummarize(deps Deps, threadID string) {
	payload, err := json.Marshal(worker.Payload{ThreadID: threadID})
	if err != nil {
		slog.Error("marshaling summarize payload", "error", err)
		return
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        worker.JobType,
		PayloadJSON: string(payload),
	}
	if err := deps.Store.EnqueueJob(job); err != nil {
		slog.Warn("enqueueing summarize job failed", "thread_id", threadID, "error", err)
	}
}

// templateAuthorized checks the template's ownership scope against the
// caller. Templates with neither scope are shared.
func templateAuthorized(t storage.PromptTemplate, ownerID, orgID string) bool {
	if t.OwnerID != "" {
		return t.OwnerID == ownerID
	}
	if t.OrgID != "" {
		return t.OrgID == orgID
	}
	return true
}

func hasUserMessage(msgs []upstream.Message) bool {
	for _, m := range msgs {
		if m.Role == "user" {
			return true
		}
	}
	return false
}

// threadTitle derives a title from the first prompt.
func threadTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if len(title) <= 80 {
		return title
	}
	// Truncate on a rune boundary so a multi-byte character is never split.
	cut := 80
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}
