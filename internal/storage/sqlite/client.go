package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		source TEXT,
		parent_chunk_id TEXT,
		hit_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_updated ON cache_entries(updated_at);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		entity_name TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		text TEXT NOT NULL,
		source_id TEXT,
		citation TEXT,
		tags TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_entity ON document_chunks(entity_name);
	CREATE INDEX IF NOT EXISTS idx_chunks_created ON document_chunks(created_at);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		session_id TEXT,
		cache_status TEXT,
		result_count INTEGER,
		phi_detected INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		detail TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);

	CREATE TABLE IF NOT EXISTS phi_audit_log (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		operation TEXT NOT NULL,
		match_count INTEGER NOT NULL,
		categories TEXT,
		processing_location TEXT NOT NULL,
		model TEXT,
		data_egress INTEGER NOT NULL CHECK (data_egress = 0),
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_phi_audit_session ON phi_audit_log(session_id);
	CREATE INDEX IF NOT EXISTS idx_phi_audit_created ON phi_audit_log(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// VerifyIndexes confirms the expected indexes exist; the maintenance
// manager calls this on every sweep.
func (c *Client) VerifyIndexes(ctx context.Context) ([]string, error) {
	required := []string{
		"idx_cache_updated",
		"idx_chunks_entity",
		"idx_chunks_created",
		"idx_sessions_updated",
		"idx_audit_session",
		"idx_audit_created",
		"idx_phi_audit_session",
		"idx_phi_audit_created",
	}

	rows, err := c.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'index'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		present[name] = true
	}

	var missing []string
	for _, name := range required {
		if !present[name] {
			missing = append(missing, name)
		}
	}

	return missing, nil
}

func (c *Client) UpsertCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	now := time.Now()
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	query := `
		INSERT INTO cache_entries (fingerprint, payload, source, parent_chunk_id, hit_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			payload = excluded.payload,
			source = excluded.source,
			parent_chunk_id = excluded.parent_chunk_id,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		entry.Fingerprint,
		entry.Payload,
		entry.Source,
		entry.ParentChunkID,
		entry.HitCount,
		createdAt.Unix(),
		updatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	logger.Debug("Cache entry upserted", zap.String("fingerprint", entry.Fingerprint))
	return nil
}

func (c *Client) GetCacheEntry(ctx context.Context, fp string) (*models.CacheEntry, error) {
	query := `
		SELECT fingerprint, payload, source, parent_chunk_id, hit_count, created_at, updated_at
		FROM cache_entries WHERE fingerprint = ?
	`

	var entry models.CacheEntry
	var createdAt, updatedAt int64

	err := c.db.QueryRowContext(ctx, query, fp).Scan(
		&entry.Fingerprint,
		&entry.Payload,
		&entry.Source,
		&entry.ParentChunkID,
		&entry.HitCount,
		&createdAt,
		&updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	entry.CreatedAt = time.Unix(createdAt, 0)
	entry.UpdatedAt = time.Unix(updatedAt, 0)

	return &entry, nil
}

func (c *Client) TouchCacheEntry(ctx context.Context, fp string) error {
	_, err := c.db.ExecContext(
		ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE fingerprint = ?`,
		fp,
	)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

func (c *Client) InsertChunk(ctx context.Context, chunk *models.DocumentChunk) error {
	tagsJSON, _ := json.Marshal(chunk.Tags)

	query := `
		INSERT INTO document_chunks (id, entity_name, entity_type, text, source_id, citation, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		chunk.ID,
		chunk.EntityName,
		chunk.EntityType,
		chunk.Text,
		chunk.SourceID,
		chunk.Citation,
		string(tagsJSON),
		chunk.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	return nil
}

func (c *Client) GetChunk(ctx context.Context, id string) (*models.DocumentChunk, error) {
	query := `
		SELECT id, entity_name, entity_type, text, source_id, citation, tags, created_at
		FROM document_chunks WHERE id = ?
	`

	var chunk models.DocumentChunk
	var tagsJSON string
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&chunk.ID,
		&chunk.EntityName,
		&chunk.EntityType,
		&chunk.Text,
		&chunk.SourceID,
		&chunk.Citation,
		&tagsJSON,
		&createdAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}

	json.Unmarshal([]byte(tagsJSON), &chunk.Tags)
	chunk.CreatedAt = time.Unix(createdAt, 0)

	return &chunk, nil
}

func (c *Client) UpsertSession(ctx context.Context, session *models.SessionRecord) error {
	query := `
		INSERT INTO sessions (id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		session.ID,
		session.UserID,
		session.CreatedAt.Unix(),
		session.UpdatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	return nil
}

func (c *Client) InsertAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	query := `
		INSERT INTO audit_log (id, event_type, session_id, cache_status, result_count, phi_detected, degraded, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	phiDetected := 0
	if entry.PHIDetected {
		phiDetected = 1
	}
	degraded := 0
	if entry.Degraded {
		degraded = 1
	}

	_, err := c.db.ExecContext(
		ctx,
		query,
		entry.ID,
		entry.EventType,
		entry.SessionID,
		entry.CacheStatus,
		entry.ResultCount,
		phiDetected,
		degraded,
		entry.Detail,
		entry.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

func (c *Client) InsertPHIAuditEntry(ctx context.Context, entry *models.PHIAuditLogEntry) error {
	categoriesJSON, _ := json.Marshal(entry.Categories)

	// data_egress is hard-wired to 0; the schema CHECK rejects anything else.
	query := `
		INSERT INTO phi_audit_log (id, session_id, operation, match_count, categories, processing_location, model, data_egress, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		entry.ID,
		entry.SessionID,
		entry.Operation,
		entry.MatchCount,
		string(categoriesJSON),
		entry.ProcessingLocation,
		entry.Model,
		entry.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert PHI audit entry: %w", err)
	}

	return nil
}

func (c *Client) GetAuditEntries(ctx context.Context, sessionID string, limit int) ([]models.AuditLogEntry, error) {
	query := `
		SELECT id, event_type, session_id, cache_status, result_count, phi_detected, degraded, detail, created_at
		FROM audit_log
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var phiDetected, degraded int
		var createdAt int64

		err := rows.Scan(&e.ID, &e.EventType, &e.SessionID, &e.CacheStatus, &e.ResultCount, &phiDetected, &degraded, &e.Detail, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		e.PHIDetected = phiDetected == 1
		e.Degraded = degraded == 1
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}

	return entries, nil
}

// DeleteCacheEntriesBefore removes cache entries last updated before the
// cutoff and returns their fingerprints so the vector index and hot cache
// can evict the same keys. Audit tables have no counterpart: they are
// exempt from retention by design.
func (c *Client) DeleteCacheEntriesBefore(ctx context.Context, cutoff time.Time) (int64, []string, error) {
	fingerprints, err := c.collectExpired(ctx,
		`SELECT fingerprint FROM cache_entries WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, nil, err
	}

	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to delete cache entries: %w", err)
	}

	count, _ := res.RowsAffected()
	return count, fingerprints, nil
}

func (c *Client) DeleteChunksBefore(ctx context.Context, cutoff time.Time) (int64, []string, error) {
	ids, err := c.collectExpired(ctx,
		`SELECT id FROM document_chunks WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, nil, err
	}

	res, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to delete chunks: %w", err)
	}

	count, _ := res.RowsAffected()
	return count, ids, nil
}

func (c *Client) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) collectExpired(ctx context.Context, query string, cutoff time.Time) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired rows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
