package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/audit"
	"github.com/medgraph/backend/internal/metrics"
	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/pkg/config"
	"github.com/medgraph/backend/pkg/logger"
)

// SweepStore is the durable side of a retention sweep.
type SweepStore interface {
	DeleteCacheEntriesBefore(ctx context.Context, cutoff time.Time) (int64, []string, error)
	DeleteChunksBefore(ctx context.Context, cutoff time.Time) (int64, []string, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	VerifyIndexes(ctx context.Context) ([]string, error)
}

// VectorJanitor evicts vectors whose durable rows were removed.
type VectorJanitor interface {
	DeleteQueryEmbeddings(ctx context.Context, fingerprints []string) error
	DeleteChunkEmbeddings(ctx context.Context, chunkIDs []string) error
}

// HotCacheJanitor evicts hot-cache keys whose durable rows were removed.
type HotCacheJanitor interface {
	DeletePayloads(ctx context.Context, fingerprints []string) error
}

// GraphJanitor removes stale graph entities and reports constraint drift.
type GraphJanitor interface {
	DeleteStaleNodes(ctx context.Context, cutoff time.Time) (int, error)
	VerifyConstraints(ctx context.Context) ([]string, error)
}

// LivenessProbe checks the local inference runtime.
type LivenessProbe interface {
	Ping(ctx context.Context) error
}

// SweepReport summarizes one retention pass.
type SweepReport struct {
	CacheEntriesDeleted int64     `json:"cache_entries_deleted"`
	ChunksDeleted       int64     `json:"chunks_deleted"`
	SessionsDeleted     int64     `json:"sessions_deleted"`
	GraphNodesDeleted   int       `json:"graph_nodes_deleted"`
	MissingIndexes      []string  `json:"missing_indexes,omitempty"`
	MissingConstraints  []string  `json:"missing_constraints,omitempty"`
	InferenceHealthy    bool      `json:"inference_healthy"`
	RanAt               time.Time `json:"ran_at"`
}

// Alert is pushed on the alert channel when a sweep finds something that
// needs operator attention.
type Alert struct {
	Kind   string
	Detail string
}

// Manager runs periodic retention sweeps and health checks. Audit tables
// are intentionally never swept.
type Manager struct {
	store    SweepStore
	vectors  VectorJanitor
	hotCache HotCacheJanitor
	graph    GraphJanitor
	probe    LivenessProbe
	audit    *audit.Logger
	cfg      config.RetentionConfig

	alerts chan Alert
}

func NewManager(
	store SweepStore,
	vectors VectorJanitor,
	hotCache HotCacheJanitor,
	graph GraphJanitor,
	probe LivenessProbe,
	auditLogger *audit.Logger,
	cfg config.RetentionConfig,
) *Manager {
	return &Manager{
		store:    store,
		vectors:  vectors,
		hotCache: hotCache,
		graph:    graph,
		probe:    probe,
		audit:    auditLogger,
		cfg:      cfg,
		alerts:   make(chan Alert, 16),
	}
}

// Alerts exposes the alert stream for operator wiring.
func (m *Manager) Alerts() <-chan Alert {
	return m.alerts
}

// Start runs sweeps on the configured interval until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := time.Duration(m.cfg.SweepHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Maintenance manager started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Maintenance manager stopped")
			return
		case <-ticker.C:
			if _, err := m.RunSweep(ctx); err != nil {
				logger.Error("Maintenance sweep failed", zap.Error(err))
			}
		}
	}
}

// RunSweep executes one full retention and health pass. Partial failures
// are reported but do not abort the remaining steps.
func (m *Manager) RunSweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{RanAt: time.Now()}

	m.sweepCache(ctx, report)
	m.sweepChunks(ctx, report)
	m.sweepSessions(ctx, report)
	m.sweepGraph(ctx, report)
	m.checkIndexes(ctx, report)
	m.checkInference(ctx, report)

	if err := m.audit.Record(ctx, &models.AuditLogEntry{
		EventType:   audit.EventRetentionSweep,
		ResultCount: int(report.CacheEntriesDeleted + report.ChunksDeleted + report.SessionsDeleted),
		Degraded:    !report.InferenceHealthy,
	}); err != nil {
		return report, err
	}

	logger.Info("Retention sweep completed",
		zap.Int64("cache_entries", report.CacheEntriesDeleted),
		zap.Int64("chunks", report.ChunksDeleted),
		zap.Int64("sessions", report.SessionsDeleted),
		zap.Int("graph_nodes", report.GraphNodesDeleted),
	)

	return report, nil
}

func (m *Manager) sweepCache(ctx context.Context, report *SweepReport) {
	cutoff := time.Now().AddDate(0, 0, -m.cfg.CacheDays)

	count, fingerprints, err := m.store.DeleteCacheEntriesBefore(ctx, cutoff)
	if err != nil {
		logger.Error("Cache sweep failed", zap.Error(err))
		return
	}
	report.CacheEntriesDeleted = count
	metrics.RetentionDeletionsTotal.WithLabelValues("cache_entries").Add(float64(count))

	if len(fingerprints) == 0 {
		return
	}
	if m.vectors != nil {
		if err := m.vectors.DeleteQueryEmbeddings(ctx, fingerprints); err != nil {
			logger.Warn("Vector eviction failed for cache sweep", zap.Error(err))
		}
	}
	if m.hotCache != nil {
		if err := m.hotCache.DeletePayloads(ctx, fingerprints); err != nil {
			logger.Warn("Hot cache eviction failed for cache sweep", zap.Error(err))
		}
	}
}

func (m *Manager) sweepChunks(ctx context.Context, report *SweepReport) {
	cutoff := time.Now().AddDate(0, 0, -m.cfg.CacheDays)

	count, ids, err := m.store.DeleteChunksBefore(ctx, cutoff)
	if err != nil {
		logger.Error("Chunk sweep failed", zap.Error(err))
		return
	}
	report.ChunksDeleted = count
	metrics.RetentionDeletionsTotal.WithLabelValues("document_chunks").Add(float64(count))

	if len(ids) > 0 && m.vectors != nil {
		if err := m.vectors.DeleteChunkEmbeddings(ctx, ids); err != nil {
			logger.Warn("Vector eviction failed for chunk sweep", zap.Error(err))
		}
	}
}

func (m *Manager) sweepSessions(ctx context.Context, report *SweepReport) {
	cutoff := time.Now().AddDate(0, 0, -m.cfg.SessionDays)

	count, err := m.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		logger.Error("Session sweep failed", zap.Error(err))
		return
	}
	report.SessionsDeleted = count
	metrics.RetentionDeletionsTotal.WithLabelValues("sessions").Add(float64(count))
}

func (m *Manager) sweepGraph(ctx context.Context, report *SweepReport) {
	if m.graph == nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -m.cfg.GraphDays)

	count, err := m.graph.DeleteStaleNodes(ctx, cutoff)
	if err != nil {
		logger.Error("Graph sweep failed", zap.Error(err))
		return
	}
	report.GraphNodesDeleted = count
	metrics.RetentionDeletionsTotal.WithLabelValues("graph_nodes").Add(float64(count))
}

func (m *Manager) checkIndexes(ctx context.Context, report *SweepReport) {
	missing, err := m.store.VerifyIndexes(ctx)
	if err != nil {
		logger.Error("Index verification failed", zap.Error(err))
		return
	}
	report.MissingIndexes = missing
	if len(missing) > 0 {
		m.alert(Alert{Kind: "missing_indexes", Detail: missing[0]})
	}

	if m.graph == nil {
		return
	}
	missingConstraints, err := m.graph.VerifyConstraints(ctx)
	if err != nil {
		logger.Warn("Constraint verification failed", zap.Error(err))
		return
	}
	report.MissingConstraints = missingConstraints
	if len(missingConstraints) > 0 {
		m.alert(Alert{Kind: "missing_constraints", Detail: missingConstraints[0]})
	}
}

func (m *Manager) checkInference(ctx context.Context, report *SweepReport) {
	if m.probe == nil {
		report.InferenceHealthy = true
		return
	}

	if err := m.probe.Ping(ctx); err != nil {
		report.InferenceHealthy = false
		m.alert(Alert{Kind: "inference_unreachable", Detail: err.Error()})
		return
	}
	report.InferenceHealthy = true
}

func (m *Manager) alert(a Alert) {
	select {
	case m.alerts <- a:
	default:
		logger.Warn("Alert channel full, dropping alert", zap.String("kind", a.Kind))
	}
}
