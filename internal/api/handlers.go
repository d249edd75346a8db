// Package api exposes the HTTP surface: the chat-turn endpoint (JSON or SSE),
// read endpoints for threads and templates, and the MCP server.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomchat/loom/internal/catalog"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/upstream"
)

const maxRequestBodySize = 1 << 20 // 1MB

// NewHandler returns the top-level http.Handler. Management routes require
// the bearer token when one is configured; the chat endpoint is open, like
// the completion surface it fronts.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/v1/models", handleModels(deps.Catalog))
	r.Post("/v1/chat/turns", handleChatTurn(deps))

	r.Group(func(mgmt chi.Router) {
		mgmt.Use(BearerAuth(deps.Token))
		mgmt.Get("/v1/threads", handleListThreads(deps))
		mgmt.Get("/v1/threads/{id}", handleGetThread(deps))
		mgmt.Get("/v1/templates/{id}", handleGetTemplate(deps))
		mgmt.Put("/v1/profile", handleSetProfile(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := cat.List()
		models := make([]upstream.Model, 0, len(entries))
		for _, m := range entries {
			if !m.Enabled {
				continue
			}
			models = append(models, upstream.Model{ID: m.ID, Object: "model"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(upstream.ModelList{Object: "list", Data: models})
	}
}

type threadResponse struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	CreatedAt string             `json:"created_at"`
	Exchanges []exchangeResponse `json:"exchanges,omitempty"`
}

type exchangeResponse struct {
	ID        string `json:"id"`
	PromptID  string `json:"prompt_id,omitempty"`
	Prompt    string `json:"prompt"`
	Response  string `json:"response"`
	ModelID   string `json:"model_id"`
	CreatedAt string `json:"created_at"`
}

func handleListThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threads, err := deps.Store.ListThreads(deps.OwnerID, 100)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing threads: %v", err)
			return
		}

		out := make([]threadResponse, 0, len(threads))
		for _, t := range threads {
			out = append(out, threadResponse{
				ID:        t.ID,
				Title:     t.Title,
				CreatedAt: t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		thread, err := deps.Store.FindThread(id, deps.OwnerID)
		if err == storage.ErrNotFound {
			httpError(w, http.StatusNotFound, "not_found", "thread %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading thread: %v", err)
			return
		}

		exchanges, err := deps.Store.ListExchanges(thread.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading exchanges: %v", err)
			return
		}

		out := threadResponse{
			ID:        thread.ID,
			Title:     thread.Title,
			CreatedAt: thread.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		for _, e := range exchanges {
			out.Exchanges = append(out.Exchanges, exchangeResponse{
				ID:        e.ID,
				PromptID:  e.PromptID,
				Prompt:    e.Prompt,
				Response:  e.Response,
				ModelID:   e.ModelID,
				CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetTemplate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		tmpl, err := deps.Store.FindTemplate(id)
		if err == storage.ErrNotFound {
			httpError(w, http.StatusNotFound, "not_found", "template %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading template: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":            tmpl.ID,
			"name":          tmpl.Name,
			"default_model": tmpl.DefaultModel,
			"messages":      tmpl.Messages,
		})
	}
}

func handleSetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid body: %v", err)
			return
		}
		if req.Key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "key is required")
			return
		}
		if err := deps.Profile.SetField(req.Key, req.Value); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "setting profile: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
