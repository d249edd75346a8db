package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Thread is one conversation. Only the title and the latest-summary pointer
// change after creation; exchanges are append-only.
type Thread struct {
	ID              string
	OwnerID         string
	Title           string
	LatestSummaryID string // empty until the first compression runs
	CreatedAt       time.Time
}

// ChatExchange is one prompt/response unit against a single model.
// Immutable once written; a retried call creates a new exchange.
type ChatExchange struct {
	ID               string
	ThreadID         string
	PromptID         string // client correlation id grouping multi-model fan-out
	Prompt           string
	Response         string
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	UpstreamID       string // empty when the upstream call never returned an id
	SentMessages     string // JSON array of the API messages actually sent
	TemplateID       string
	CreatedAt        time.Time
}

// ConversationSummary is a compressed digest of a thread's older exchanges.
// Superseded by newer summaries, never mutated or deleted.
type ConversationSummary struct {
	ID            string
	ThreadID      string
	Content       string
	ExchangeCount int // how many exchanges the summary covers
	CreatedAt     time.Time
}

// PromptTemplate is an ordered message skeleton with variable placeholders.
// Read-only from the completion pipeline's perspective.
type PromptTemplate struct {
	ID           string
	OwnerID      string // private scope; empty when org-shared
	OrgID        string // org scope; empty when private
	Name         string
	DefaultModel string
	Messages     []TemplateMessage
	CreatedAt    time.Time
}

// TemplateMessage is a single role-tagged skeleton within a template.
type TemplateMessage struct {
	Role     string
	Content  string
	Position int
}

// Job is a unit of background work in the SQLite-backed queue.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
