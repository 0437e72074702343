package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/pkg/logger"
)

// Event types recorded per pipeline branch.
const (
	EventCacheHit        = "cache_hit"
	EventCacheMiss       = "cache_miss"
	EventQueryRejected   = "query_rejected"
	EventQueryFallback   = "query_fallback"
	EventFetchDegraded   = "fetch_degraded"
	EventGraphUpsert     = "graph_upsert"
	EventValidationRun   = "validation_run"
	EventRetentionSweep  = "retention_sweep"
	EventPHIProcessed    = "phi_processed"
	EventQueryCompleted  = "query_completed"
	EventStorageDegraded = "storage_degraded"
)

// StreamEvent is the shape broadcast to live audit subscribers. It carries
// the same fields as the durable entry, never more.
type StreamEvent struct {
	ID          string    `json:"id"`
	EventType   string    `json:"event_type"`
	SessionID   string    `json:"session_id"`
	CacheStatus string    `json:"cache_status,omitempty"`
	ResultCount int       `json:"result_count"`
	PHIDetected bool      `json:"phi_detected"`
	Degraded    bool      `json:"degraded"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists audit entries.
type Store interface {
	InsertAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error
	InsertPHIAuditEntry(ctx context.Context, entry *models.PHIAuditLogEntry) error
	GetAuditEntries(ctx context.Context, sessionID string, limit int) ([]models.AuditLogEntry, error)
}

// Logger writes append-only audit entries and fans them out to live
// subscribers. Durability comes first: the store write must succeed before
// the event is broadcast or the caller proceeds.
type Logger struct {
	store Store

	mu          sync.Mutex
	subscribers map[chan StreamEvent]struct{}
}

func NewLogger(store Store) *Logger {
	return &Logger{
		store:       store,
		subscribers: make(map[chan StreamEvent]struct{}),
	}
}

// Record persists one pipeline event. The entry ID and timestamp are
// assigned here.
func (l *Logger) Record(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := l.store.InsertAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}

	l.broadcast(StreamEvent{
		ID:          entry.ID,
		EventType:   entry.EventType,
		SessionID:   entry.SessionID,
		CacheStatus: entry.CacheStatus,
		ResultCount: entry.ResultCount,
		PHIDetected: entry.PHIDetected,
		Degraded:    entry.Degraded,
		Detail:      entry.Detail,
		CreatedAt:   entry.CreatedAt,
	})

	return nil
}

// RecordPHIEvent persists a PHI processing event. It satisfies the
// detector's audit dependency; DataEgress is forced false regardless of
// input.
func (l *Logger) RecordPHIEvent(ctx context.Context, entry *models.PHIAuditLogEntry) error {
	entry.DataEgress = false
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := l.store.InsertPHIAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to record PHI audit event: %w", err)
	}

	l.broadcast(StreamEvent{
		ID:          entry.ID,
		EventType:   EventPHIProcessed,
		SessionID:   entry.SessionID,
		PHIDetected: entry.MatchCount > 0,
		CreatedAt:   entry.CreatedAt,
	})

	return nil
}

// History returns recent entries for a session, newest first.
func (l *Logger) History(ctx context.Context, sessionID string, limit int) ([]models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetAuditEntries(ctx, sessionID, limit)
}

// Subscribe registers a live event channel. The returned cancel function
// must be called when the subscriber goes away.
func (l *Logger) Subscribe() (<-chan StreamEvent, func()) {
	ch := make(chan StreamEvent, 32)

	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subscribers[ch]; ok {
			delete(l.subscribers, ch)
			close(ch)
		}
		l.mu.Unlock()
	}

	return ch, cancel
}

// broadcast delivers to every subscriber without blocking; a slow consumer
// drops events rather than stalling the pipeline.
func (l *Logger) broadcast(event StreamEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ch := range l.subscribers {
		select {
		case ch <- event:
		default:
			logger.Debug("Audit subscriber lagging, event dropped",
				zap.String("event_type", event.EventType),
			)
		}
	}
}
