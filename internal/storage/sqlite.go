package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// exchangeTimeFormat is RFC 3339 with fixed-width nanoseconds. RFC3339Nano
// trims trailing zeros, which breaks the lexicographic ORDER BY for
// sub-second neighbors ("…0.95Z" sorts before "…0.9Z").
const exchangeTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database with methods for threads, exchanges,
// summaries, templates, the user profile, and the job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "loom.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// AppliedMigrations returns the applied schema versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Threads ---

func (s *Store) CreateThread(t Thread) error {
	_, err := s.db.Exec(`
		INSERT INTO threads (id, owner_id, title, latest_summary_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, t.LatestSummaryID, t.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// FindThread looks up a thread by id, scoped to its owner. Returns ErrNotFound
// both for missing ids and for ids owned by someone else.
func (s *Store) FindThread(id, ownerID string) (Thread, error) {
	var t Thread
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, owner_id, title, latest_summary_id, created_at
		FROM threads WHERE id = ? AND owner_id = ?`, id, ownerID,
	).Scan(&t.ID, &t.OwnerID, &t.Title, &t.LatestSummaryID, &createdAt)
	if err == sql.ErrNoRows {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Thread{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, nil
}

func (s *Store) ListThreads(ownerID string, limit int) ([]Thread, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, title, latest_summary_id, created_at
		FROM threads WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`, ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Thread
	for rows.Next() {
		var t Thread
		var createdAt string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.LatestSummaryID, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func (s *Store) SetThreadTitle(id, title string) error {
	res, err := s.db.Exec(`UPDATE threads SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Exchanges ---

// AppendExchange writes one exchange as a single atomic insert. Readers never
// observe a partial exchange.
func (s *Store) AppendExchange(e ChatExchange) error {
	_, err := s.db.Exec(`
		INSERT INTO exchanges (id, thread_id, prompt_id, prompt, response, model_id,
			prompt_tokens, completion_tokens, total_tokens, upstream_id, sent_messages, template_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ThreadID, e.PromptID, e.Prompt, e.Response, e.ModelID,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.UpstreamID, e.SentMessages, e.TemplateID,
		e.CreatedAt.UTC().Format(exchangeTimeFormat),
	)
	return err
}

// ListExchanges returns a thread's exchanges in chronological order.
func (s *Store) ListExchanges(threadID string) ([]ChatExchange, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, prompt_id, prompt, response, model_id,
			prompt_tokens, completion_tokens, total_tokens, upstream_id, sent_messages, template_id, created_at
		FROM exchanges WHERE thread_id = ? ORDER BY created_at ASC, id ASC`, threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ChatExchange
	for rows.Next() {
		var e ChatExchange
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.PromptID, &e.Prompt, &e.Response, &e.ModelID,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.UpstreamID, &e.SentMessages, &e.TemplateID, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (s *Store) CountExchanges(threadID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM exchanges WHERE thread_id = ?`, threadID).Scan(&n)
	return n, err
}

// --- Summaries ---

// SaveSummary persists a new summary and links it as the thread's latest in
// one transaction. Older summaries are retained for audit.
func (s *Store) SaveSummary(sum ConversationSummary) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning summary transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO summaries (id, thread_id, content, exchange_count, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sum.ID, sum.ThreadID, sum.Content, sum.ExchangeCount, sum.CreatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting summary: %w", err)
	}

	res, err := tx.Exec(`UPDATE threads SET latest_summary_id = ? WHERE id = ?`, sum.ID, sum.ThreadID)
	if err != nil {
		return fmt.Errorf("linking summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// LatestSummary returns the thread's most recent summary, or ErrNotFound when
// the thread has never been compressed.
func (s *Store) LatestSummary(threadID string) (ConversationSummary, error) {
	var sum ConversationSummary
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, thread_id, content, exchange_count, created_at
		FROM summaries WHERE thread_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, threadID,
	).Scan(&sum.ID, &sum.ThreadID, &sum.Content, &sum.ExchangeCount, &createdAt)
	if err == sql.ErrNoRows {
		return ConversationSummary{}, ErrNotFound
	}
	if err != nil {
		return ConversationSummary{}, err
	}
	if sum.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ConversationSummary{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return sum, nil
}

// --- Templates ---

func (s *Store) SaveTemplate(t PromptTemplate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning template transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO templates (id, owner_id, org_id, name, default_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.OrgID, t.Name, t.DefaultModel, t.CreatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting template: %w", err)
	}

	for _, m := range t.Messages {
		if _, err := tx.Exec(`
			INSERT INTO template_messages (template_id, position, role, content)
			VALUES (?, ?, ?, ?)`,
			t.ID, m.Position, m.Role, m.Content,
		); err != nil {
			return fmt.Errorf("inserting template message %d: %w", m.Position, err)
		}
	}

	return tx.Commit()
}

func (s *Store) FindTemplate(id string) (PromptTemplate, error) {
	var t PromptTemplate
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, owner_id, org_id, name, default_model, created_at
		FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.OwnerID, &t.OrgID, &t.Name, &t.DefaultModel, &createdAt)
	if err == sql.ErrNoRows {
		return PromptTemplate{}, ErrNotFound
	}
	if err != nil {
		return PromptTemplate{}, err
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return PromptTemplate{}, fmt.Errorf("parsing created_at: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT position, role, content FROM template_messages
		WHERE template_id = ? ORDER BY position ASC`, id,
	)
	if err != nil {
		return PromptTemplate{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var m TemplateMessage
		if err := rows.Scan(&m.Position, &m.Role, &m.Content); err != nil {
			return PromptTemplate{}, err
		}
		t.Messages = append(t.Messages, m)
	}
	return t, rows.Err()
}

// --- User Profile ---

func (s *Store) SetProfileKey(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_profile (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetProfileKey(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM user_profile WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) GetAllProfileKeys() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM user_profile")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob claims the oldest runnable job of the given types, flipping it
// to "running" transactionally so only one worker ever holds it.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
