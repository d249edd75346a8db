package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomchat/loom/internal/completion"
	"github.com/loomchat/loom/internal/storage"
)

// NewMCPServer creates an MCP server exposing loom's chat threads as tools,
// served over stdio alongside the HTTP API.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("loom: persisted multi-model chat threads with context assembly."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a prompt to a model within a persisted thread; returns the response and the thread id."),
			mcp.WithString("prompt", mcp.Description("The user prompt"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Existing thread to continue; omit to start a new one")),
			mcp.WithString("model", mcp.Description("Model id; defaults to the configured model")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("list_threads",
			mcp.WithDescription("List recent conversation threads."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of threads (default 20)")),
		),
		mcpListThreads(deps),
	)

	s.AddTool(
		mcp.NewTool("get_thread",
			mcp.WithDescription("Fetch one thread with its exchanges."),
			mcp.WithString("thread_id", mcp.Description("Thread id"), mcp.Required()),
		),
		mcpGetThread(deps),
	)

	return s
}

func mcpChat(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		modelID := req.GetString("model", deps.DefaultModel)
		resolved, err := deps.Catalog.Resolve(modelID)
		if err != nil {
			return mcpError(fmt.Sprintf("model unavailable: %v", err)), nil
		}

		var thread storage.Thread
		if threadID := req.GetString("thread_id", ""); threadID != "" {
			thread, err = deps.Store.FindThread(threadID, deps.OwnerID)
			if err != nil {
				return mcpError(fmt.Sprintf("thread %s not found", threadID)), nil
			}
		} else {
			thread = storage.Thread{
				ID:        uuid.New().String(),
				OwnerID:   deps.OwnerID,
				Title:     threadTitle(prompt),
				CreatedAt: time.Now().UTC(),
			}
			if err := deps.Store.CreateThread(thread); err != nil {
				return mcpError(fmt.Sprintf("creating thread: %v", err)), nil
			}
		}

		exchanges, err := deps.Store.ListExchanges(thread.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("loading exchanges: %v", err)), nil
		}
		var summary *storage.ConversationSummary
		if thread.LatestSummaryID != "" {
			if s, err := deps.Store.LatestSummary(thread.ID); err == nil {
				summary = &s
			}
		}

		identity, _ := deps.Profile.GetIdentity()
		msgs := deps.Assembler.BuildContext(&thread, summary, exchanges, identity.SystemLine(), prompt, resolved.ID)

		res := deps.Completions.Run(ctx, completion.Request{
			ThreadID: thread.ID,
			PromptID: uuid.New().String(),
			Prompt:   prompt,
			ModelID:  resolved.ID,
			Kind:     "chat",
			Messages: msgs,
		}, nil)
		if res.Err != nil {
			return mcpError(fmt.Sprintf("completion failed: %v", res.Err)), nil
		}

		enqueueSummarize(deps, thread.ID)

		out, err := json.Marshal(map[string]string{
			"thread_id": thread.ID,
			"model":     resolved.ID,
			"content":   res.Content,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("marshaling result: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpListThreads(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		threads, err := deps.Store.ListThreads(deps.OwnerID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing threads: %v", err)), nil
		}

		type entry struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			CreatedAt string `json:"created_at"`
		}
		out := make([]entry, 0, len(threads))
		for _, t := range threads {
			out = append(out, entry{ID: t.ID, Title: t.Title, CreatedAt: t.CreatedAt.Format(time.RFC3339)})
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("marshaling threads: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetThread(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}

		thread, err := deps.Store.FindThread(threadID, deps.OwnerID)
		if err != nil {
			return mcpError(fmt.Sprintf("thread %s not found", threadID)), nil
		}
		exchanges, err := deps.Store.ListExchanges(thread.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("loading exchanges: %v", err)), nil
		}

		type pair struct {
			Prompt   string `json:"prompt"`
			Response string `json:"response"`
			Model    string `json:"model"`
		}
		out := struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Exchanges []pair `json:"exchanges"`
		}{ID: thread.ID, Title: thread.Title}
		for _, e := range exchanges {
			out.Exchanges = append(out.Exchanges, pair{Prompt: e.Prompt, Response: e.Response, Model: e.ModelID})
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("marshaling thread: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
