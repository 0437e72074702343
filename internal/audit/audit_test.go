package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgraph/backend/internal/storage/models"
)

type memAuditStore struct {
	entries    []models.AuditLogEntry
	phiEntries []models.PHIAuditLogEntry
	err        error
}

func (m *memAuditStore) InsertAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memAuditStore) InsertPHIAuditEntry(ctx context.Context, entry *models.PHIAuditLogEntry) error {
	if m.err != nil {
		return m.err
	}
	m.phiEntries = append(m.phiEntries, *entry)
	return nil
}

func (m *memAuditStore) GetAuditEntries(ctx context.Context, sessionID string, limit int) ([]models.AuditLogEntry, error) {
	var out []models.AuditLogEntry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestRecordAssignsIDAndPersists(t *testing.T) {
	store := &memAuditStore{}
	l := NewLogger(store)

	err := l.Record(context.Background(), &models.AuditLogEntry{
		EventType: EventCacheHit,
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	require.Len(t, store.entries, 1)
	assert.NotEmpty(t, store.entries[0].ID)
	assert.False(t, store.entries[0].CreatedAt.IsZero())
}

func TestRecordPropagatesStoreFailure(t *testing.T) {
	l := NewLogger(&memAuditStore{err: errors.New("disk full")})

	err := l.Record(context.Background(), &models.AuditLogEntry{EventType: EventCacheMiss})
	assert.Error(t, err)
}

func TestRecordPHIEventForcesNoEgress(t *testing.T) {
	store := &memAuditStore{}
	l := NewLogger(store)

	err := l.RecordPHIEvent(context.Background(), &models.PHIAuditLogEntry{
		SessionID:  "sess-1",
		Operation:  "redact",
		MatchCount: 2,
		DataEgress: true,
	})
	require.NoError(t, err)

	require.Len(t, store.phiEntries, 1)
	assert.False(t, store.phiEntries[0].DataEgress)
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	l := NewLogger(&memAuditStore{})

	events, cancel := l.Subscribe()
	defer cancel()

	err := l.Record(context.Background(), &models.AuditLogEntry{
		EventType: EventQueryCompleted,
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, EventQueryCompleted, event.EventType)
		assert.Equal(t, "sess-1", event.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast event")
	}
}

func TestSlowSubscriberDoesNotBlockRecord(t *testing.T) {
	l := NewLogger(&memAuditStore{})

	_, cancel := l.Subscribe()
	defer cancel()

	// Fill well past the subscriber buffer; Record must never stall.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = l.Record(context.Background(), &models.AuditLogEntry{EventType: EventCacheMiss})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("record blocked on slow subscriber")
	}
}

func TestCancelledSubscriberIsRemoved(t *testing.T) {
	l := NewLogger(&memAuditStore{})

	events, cancel := l.Subscribe()
	cancel()

	_, open := <-events
	assert.False(t, open)

	// Recording after cancellation must not panic on the closed channel.
	err := l.Record(context.Background(), &models.AuditLogEntry{EventType: EventCacheHit})
	assert.NoError(t, err)
}
