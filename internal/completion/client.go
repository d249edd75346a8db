// Package completion drives upstream completion calls: blocking or streaming,
// fan-out across models, exchange persistence, and cost-event emission. Each
// model in a turn completes independently; one model's failure, timeout, or
// slow stream never blocks or invalidates its siblings.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomchat/loom/internal/costs"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/upstream"
)

const (
	// defaultStreamTimeout bounds one whole streaming operation; on expiry the
	// stream is treated as a hard transport error.
	defaultStreamTimeout = 60 * time.Second

	maxConcurrentModels = 4
)

// Chatter is the upstream provider surface the client needs.
// Implemented by upstream.Client.
type Chatter interface {
	Chat(ctx context.Context, req upstream.ChatRequest) (io.ReadCloser, error)
}

// ExchangeStore persists completed exchanges. Implemented by storage.Store.
type ExchangeStore interface {
	AppendExchange(e storage.ChatExchange) error
}

// Request describes one model's completion call within a turn.
type Request struct {
	ThreadID   string // empty for stateless calls; nothing is persisted then
	PromptID   string
	TemplateID string
	Prompt     string // the raw user prompt, stored on the exchange
	ModelID    string
	Kind       string // request kind carried on the cost event ("chat", "summary")
	Messages   []upstream.Message
	Stream     bool
}

// Result is one model's slot in the turn response. Err is set for a failed
// model; it never aborts sibling models.
type Result struct {
	ModelID    string
	Content    string
	Usage      upstream.Usage
	UpstreamID string
	ExchangeID string
	Streamed   bool // content was delivered incrementally via onDelta
	Err        error
}

// Client executes completion requests against the upstream provider.
type Client struct {
	chatter       Chatter
	store         ExchangeStore
	sink          costs.Sink
	streamTimeout time.Duration
	logger        *slog.Logger
}

// NewClient creates a completion client. store and sink may be nil for
// callers that handle persistence themselves (e.g. the summarizer).
func NewClient(chatter Chatter, store ExchangeStore, sink costs.Sink) *Client {
	return &Client{
		chatter:       chatter,
		store:         store,
		sink:          sink,
		streamTimeout: defaultStreamTimeout,
		logger:        slog.Default(),
	}
}

// SetStreamTimeout overrides the wall-clock bound on streaming operations.
func (c *Client) SetStreamTimeout(d time.Duration) {
	if d > 0 {
		c.streamTimeout = d
	}
}

// Complete issues a blocking completion call and extracts content, usage, and
// the upstream request id. Nothing is persisted and no event is emitted: this
// is the raw building block the summarizer reuses.
func (c *Client) Complete(ctx context.Context, modelID string, msgs []upstream.Message) (Result, error) {
	rc, err := c.chatter.Chat(ctx, upstream.ChatRequest{
		Model:    modelID,
		Messages: msgs,
	})
	if err != nil {
		return Result{ModelID: modelID}, err
	}
	defer rc.Close()

	var resp upstream.ChatResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return Result{ModelID: modelID}, fmt.Errorf("decoding completion response: %w", err)
	}

	res := Result{ModelID: modelID, UpstreamID: resp.ID}
	if len(resp.Choices) > 0 {
		res.Content = resp.Choices[0].Message.Content
	}
	if resp.Usage != nil {
		res.Usage = *resp.Usage
	}
	return res, nil
}

// Run executes one model's completion per the request: blocking or streaming,
// with partial-failure-safe persistence and cost-event emission. onDelta
// receives streamed content fragments in arrival order; pass nil for blocking
// requests.
func (c *Client) Run(ctx context.Context, req Request, onDelta func(delta string)) Result {
	if req.Stream {
		return c.runStreaming(ctx, req, onDelta)
	}
	return c.runBlocking(ctx, req)
}

func (c *Client) runBlocking(ctx context.Context, req Request) Result {
	res, err := c.Complete(ctx, req.ModelID, req.Messages)
	if err != nil {
		res.Err = err
		return res
	}
	c.persistAndEmit(req, &res)
	return res
}

func (c *Client) runStreaming(ctx context.Context, req Request, onDelta func(delta string)) Result {
	streamCtx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	rc, err := c.chatter.Chat(streamCtx, upstream.ChatRequest{
		Model:         req.ModelID,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &upstream.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return Result{ModelID: req.ModelID, Err: err}
	}
	defer rc.Close()

	out := consumeStream(rc, onDelta)

	res := Result{
		ModelID:    req.ModelID,
		Content:    out.content,
		Usage:      out.usage,
		UpstreamID: out.upstreamID,
		Streamed:   true,
	}

	if out.state == stateAborted {
		if out.content == "" {
			// Nothing reached the caller; no exchange is created.
			res.Err = out.err
			return res
		}
		// Content the caller already received survives the abort.
		c.logger.Warn("stream aborted mid-flight, persisting partial content",
			"model", req.ModelID, "thread_id", req.ThreadID, "error", out.err)
	}

	if out.content != "" {
		c.persistAndEmit(req, &res)
	}
	return res
}

// persistAndEmit writes the exchange (when the request belongs to a thread)
// and publishes the cost event when an upstream id was obtained. A
// persistence failure is logged at high severity but the generated content is
// still returned to the caller.
func (c *Client) persistAndEmit(req Request, res *Result) {
	if c.store == nil || req.ThreadID == "" {
		return
	}

	sent, err := json.Marshal(req.Messages)
	if err != nil {
		c.logger.Error("marshaling sent messages for audit", "error", err)
		sent = []byte("[]")
	}

	exchange := storage.ChatExchange{
		ID:               uuid.New().String(),
		ThreadID:         req.ThreadID,
		PromptID:         req.PromptID,
		Prompt:           req.Prompt,
		Response:         res.Content,
		ModelID:          req.ModelID,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
		UpstreamID:       res.UpstreamID,
		SentMessages:     string(sent),
		TemplateID:       req.TemplateID,
		CreatedAt:        time.Now().UTC(),
	}

	if err := c.store.AppendExchange(exchange); err != nil {
		// The content was already generated; losing the record is bad but the
		// user-visible response still stands.
		c.logger.Error("persisting exchange failed, conversation record lost",
			"thread_id", req.ThreadID, "model", req.ModelID, "error", err)
		return
	}
	res.ExchangeID = exchange.ID

	if c.sink != nil && res.UpstreamID != "" {
		c.sink.Publish(res.UpstreamID, exchange.ID, req.Kind)
	}
}

// CompleteTurn fans one prompt out across models. buildRequest prepares each
// model's request (context assembly differs per model); onDelta, when
// non-nil, receives streamed fragments tagged with the producing model.
// Every model gets a slot in the returned map, error or not.
func (c *Client) CompleteTurn(ctx context.Context, models []string, buildRequest func(modelID string) (Request, error), onDelta func(modelID, delta string)) map[string]Result {
	var mu sync.Mutex
	results := make(map[string]Result, len(models))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentModels)

	for _, modelID := range models {
		g.Go(func() error {
			var res Result
			req, err := buildRequest(modelID)
			if err != nil {
				res = Result{ModelID: modelID, Err: err}
			} else {
				var deltaFn func(string)
				if onDelta != nil {
					deltaFn = func(delta string) { onDelta(modelID, delta) }
				}
				res = c.Run(gCtx, req, deltaFn)
			}

			mu.Lock()
			results[modelID] = res
			mu.Unlock()

			// Per-model failures are isolated; never cancel siblings.
			return nil
		})
	}

	_ = g.Wait() // workers never return an error
	return results
}
