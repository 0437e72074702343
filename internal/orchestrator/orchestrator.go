package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/audit"
	"github.com/medgraph/backend/internal/cache"
	"github.com/medgraph/backend/internal/cypher"
	"github.com/medgraph/backend/internal/fetch"
	"github.com/medgraph/backend/internal/metrics"
	"github.com/medgraph/backend/internal/phi"
	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/internal/validation"
	"github.com/medgraph/backend/pkg/fingerprint"
	"github.com/medgraph/backend/pkg/logger"
)

// ErrStorageFailure signals that a durable write needed for compliance did
// not happen; the request fails rather than proceeding unaudited.
var ErrStorageFailure = errors.New("storage failure")

// graphSchema is the description handed to the query synthesizer.
const graphSchema = `Nodes: Gene(name, symbol, organism, function), Drug(name, generic_name, drug_class, mechanism), Condition(name, icd10_code, category), MedicalRecord(name, record_type, summary)
Relationships: (Drug)-[:TREATS]->(Condition), (Drug)-[:TARGETS]->(Gene), (Drug)-[:INTERACTS_WITH]->(Drug), (Gene)-[:CAUSES]->(Condition), (Drug)-[:PREVENTS]->(Condition), (Gene)-[:ASSOCIATED_WITH]->(Condition), any-[:RELATES_TO]->any`

// Compliance is attached to every response so callers can verify handling
// without seeing internals.
type Compliance struct {
	PHIDetected      bool   `json:"phi_detected"`
	ProcessedLocally bool   `json:"processed_locally"`
	DataEgress       bool   `json:"data_egress"`
	AuditID          string `json:"audit_id,omitempty"`
}

// Response is the result of one orchestrated query.
type Response struct {
	QueryID     string           `json:"query_id"`
	SessionID   string           `json:"session_id"`
	CacheStatus cache.Status     `json:"cache_status"`
	Results     []map[string]any `json:"result"`
	Citations   []string         `json:"citations,omitempty"`
	Degraded    bool             `json:"degraded"`
	Fallback    bool             `json:"fallback_query"`
	Compliance  Compliance       `json:"compliance"`
}

// Redactor produces the redacted form of a query and its audit trail.
type Redactor interface {
	Process(ctx context.Context, sessionID, operation, text string) (*phi.Result, error)
}

// Synthesizer generates Cypher candidates from redacted text.
type Synthesizer interface {
	SynthesizeCypher(ctx context.Context, redactedQuery, graphSchema string) (string, error)
}

// CacheResolver is the layered lookup/fill surface.
type CacheResolver interface {
	Lookup(ctx context.Context, fp, redactedText string) (*cache.Hit, error)
	Fill(ctx context.Context, fp, redactedText, payload, source, parentChunkID string) error
	BeginFill(ctx context.Context, fp string) (*cache.Flight, error)
	EndFill(fp string, token *cache.Flight)
}

// GraphStore executes sanitized reads and idempotent writes.
type GraphStore interface {
	ExecuteRead(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	UpsertEntity(ctx context.Context, entity *models.GraphEntity) error
	UpsertRelationship(ctx context.Context, rel *models.Relationship) error
}

// Fetcher pulls documents from the external aggregator.
type Fetcher interface {
	Search(ctx context.Context, redactedQuery string) ([]fetch.Result, error)
}

// Ingestor persists fetched documents as indexed chunks.
type Ingestor interface {
	Ingest(ctx context.Context, entityName, entityType string, results []fetch.Result) ([]models.DocumentChunk, error)
}

// GraphBuilder extracts graph candidates from chunks.
type GraphBuilder interface {
	Build(ctx context.Context, chunks []models.DocumentChunk) ([]models.GraphEntity, []models.Relationship, error)
}

// Validator gates candidates before they reach the graph.
type Validator interface {
	Validate(ctx context.Context, sessionID string, entities []models.GraphEntity, mode validation.Mode) (*models.ValidationReport, error)
}

// SessionStore tracks sessions for retention.
type SessionStore interface {
	UpsertSession(ctx context.Context, session *models.SessionRecord) error
}

// Orchestrator drives the query pipeline: redact, resolve from cache,
// otherwise generate a safe graph query, enrich from external sources, and
// cache the outcome. Raw query text never crosses this boundary.
type Orchestrator struct {
	redactor  Redactor
	synth     Synthesizer
	sanitizer *cypher.Sanitizer
	cache     CacheResolver
	graph     GraphStore
	fetcher   Fetcher
	ingestor  Ingestor
	builder   GraphBuilder
	validator Validator
	sessions  SessionStore
	audit     *audit.Logger
}

func New(
	redactor Redactor,
	synth Synthesizer,
	sanitizer *cypher.Sanitizer,
	cacheResolver CacheResolver,
	graph GraphStore,
	fetcher Fetcher,
	ingestor Ingestor,
	builder GraphBuilder,
	validator Validator,
	sessions SessionStore,
	auditLogger *audit.Logger,
) *Orchestrator {
	return &Orchestrator{
		redactor:  redactor,
		synth:     synth,
		sanitizer: sanitizer,
		cache:     cacheResolver,
		graph:     graph,
		fetcher:   fetcher,
		ingestor:  ingestor,
		builder:   builder,
		validator: validator,
		sessions:  sessions,
		audit:     auditLogger,
	}
}

// HandleQuery runs the full pipeline for one natural-language query.
func (o *Orchestrator) HandleQuery(ctx context.Context, sessionID, userID, rawText string) (*Response, error) {
	started := time.Now()
	defer func() {
		metrics.QueryDuration.Observe(time.Since(started).Seconds())
	}()

	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if err := o.sessions.UpsertSession(ctx, &models.SessionRecord{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	phiResult, err := o.redactor.Process(ctx, sessionID, "query", rawText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	for _, m := range phiResult.Matches {
		metrics.PHIDetectionsTotal.WithLabelValues(string(m.Category)).Inc()
	}

	query := &models.Query{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		UserID:       userID,
		RedactedText: phiResult.RedactedText,
		Redacted:     phiResult.IsPHI,
		Fingerprint:  fingerprint.Compute(phiResult.RedactedText),
		CreatedAt:    time.Now(),
	}

	// Resolve from cache or take ownership of the fill. A nil token means
	// another request completed a fill while we waited, so look up again
	// before retrying; a degraded fill leaves the cache cold, in which case
	// the next BeginFill grants ownership.
	var token *cache.Flight
	for {
		if hit, err := o.cache.Lookup(ctx, query.Fingerprint, query.RedactedText); err == nil && hit != nil {
			return o.respondFromCache(ctx, query, phiResult, hit)
		}

		var err error
		if token, err = o.cache.BeginFill(ctx, query.Fingerprint); err != nil {
			return nil, fmt.Errorf("cache fill wait interrupted: %w", err)
		}
		if token != nil {
			break
		}
	}
	defer o.cache.EndFill(query.Fingerprint, token)

	return o.fillAndRespond(ctx, query, phiResult)
}

func (o *Orchestrator) respondFromCache(ctx context.Context, query *models.Query, phiResult *phi.Result, hit *cache.Hit) (*Response, error) {
	metrics.QueriesTotal.WithLabelValues(string(hit.Status)).Inc()

	var results []map[string]any
	if err := json.Unmarshal([]byte(hit.Payload), &results); err != nil {
		// Hybrid hits carry chunk text rather than structured rows.
		results = []map[string]any{{"content": hit.Payload}}
	}

	var citations []string
	if hit.Citation != "" {
		citations = append(citations, hit.Citation)
	}

	entry := &models.AuditLogEntry{
		EventType:   audit.EventCacheHit,
		SessionID:   query.SessionID,
		CacheStatus: string(hit.Status),
		ResultCount: len(results),
		PHIDetected: phiResult.IsPHI,
		Detail:      fmt.Sprintf("score=%.3f", hit.Score),
	}
	if err := o.audit.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return &Response{
		QueryID:     query.ID,
		SessionID:   query.SessionID,
		CacheStatus: hit.Status,
		Results:     results,
		Citations:   citations,
		Compliance: Compliance{
			PHIDetected:      phiResult.IsPHI,
			ProcessedLocally: true,
			DataEgress:       false,
			AuditID:          entry.ID,
		},
	}, nil
}

func (o *Orchestrator) fillAndRespond(ctx context.Context, query *models.Query, phiResult *phi.Result) (*Response, error) {
	if err := o.audit.Record(ctx, &models.AuditLogEntry{
		EventType:   audit.EventCacheMiss,
		SessionID:   query.SessionID,
		CacheStatus: string(cache.StatusMiss),
		PHIDetected: phiResult.IsPHI,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	graphQuery, params, usedFallback, err := o.buildGraphQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := o.graph.ExecuteRead(ctx, graphQuery, params)
	if err != nil {
		logger.Warn("Graph read failed",
			zap.String("session_id", query.SessionID),
			zap.Error(err),
		)
		results = nil
	}

	degraded := false
	var citations []string

	if len(results) == 0 {
		enriched, enrichedCitations, enrichErr := o.enrich(ctx, query)
		if enrichErr != nil {
			degraded = true
			if auditErr := o.audit.Record(ctx, &models.AuditLogEntry{
				EventType: audit.EventFetchDegraded,
				SessionID: query.SessionID,
				Degraded:  true,
				Detail:    enrichErr.Error(),
			}); auditErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrStorageFailure, auditErr)
			}
		} else {
			citations = enrichedCitations
			// Re-read after enrichment so the response reflects the graph.
			if reread, err := o.graph.ExecuteRead(ctx, graphQuery, params); err == nil && len(reread) > 0 {
				results = reread
			} else {
				results = enriched
			}
		}
	}

	payload, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}

	if !degraded {
		if err := o.cache.Fill(ctx, query.Fingerprint, query.RedactedText, string(payload), "pipeline", ""); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}

	metrics.QueriesTotal.WithLabelValues(string(cache.StatusMiss)).Inc()

	entry := &models.AuditLogEntry{
		EventType:   audit.EventQueryCompleted,
		SessionID:   query.SessionID,
		CacheStatus: string(cache.StatusMiss),
		ResultCount: len(results),
		PHIDetected: phiResult.IsPHI,
		Degraded:    degraded,
	}
	if err := o.audit.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return &Response{
		QueryID:     query.ID,
		SessionID:   query.SessionID,
		CacheStatus: cache.StatusMiss,
		Results:     results,
		Citations:   citations,
		Degraded:    degraded,
		Fallback:    usedFallback,
		Compliance: Compliance{
			PHIDetected:      phiResult.IsPHI,
			ProcessedLocally: true,
			DataEgress:       false,
			AuditID:          entry.ID,
		},
	}, nil
}

// buildGraphQuery synthesizes a Cypher candidate and gates it through the
// sanitizer, falling back to the safe template when synthesis fails or the
// candidate is rejected.
func (o *Orchestrator) buildGraphQuery(ctx context.Context, query *models.Query) (string, map[string]any, bool, error) {
	candidate, err := o.synth.SynthesizeCypher(ctx, query.RedactedText, graphSchema)
	if err != nil {
		logger.Warn("Query synthesis unavailable, using fallback",
			zap.String("session_id", query.SessionID),
			zap.Error(err),
		)
		return o.fallback(ctx, query, "synthesis unavailable")
	}

	verdict := o.sanitizer.Sanitize(candidate)
	if !verdict.Safe {
		metrics.SanitizerRejectionsTotal.Inc()
		logger.Warn("Generated query rejected",
			zap.String("session_id", query.SessionID),
			zap.String("reason", verdict.Rejected),
		)
		return o.fallback(ctx, query, verdict.Rejected)
	}

	return verdict.Query, nil, false, nil
}

func (o *Orchestrator) fallback(ctx context.Context, query *models.Query, reason string) (string, map[string]any, bool, error) {
	if err := o.audit.Record(ctx, &models.AuditLogEntry{
		EventType: audit.EventQueryFallback,
		SessionID: query.SessionID,
		Detail:    reason,
	}); err != nil {
		return "", nil, false, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	fallbackQuery, paramName := o.sanitizer.FallbackQuery()
	return fallbackQuery, map[string]any{paramName: query.RedactedText}, true, nil
}

// enrich fetches external documents for a cache miss with no graph
// coverage, ingests them, and upserts validated candidates.
func (o *Orchestrator) enrich(ctx context.Context, query *models.Query) ([]map[string]any, []string, error) {
	fetched, err := o.fetcher.Search(ctx, query.RedactedText)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("failure").Inc()
		return nil, nil, err
	}
	metrics.FetchesTotal.WithLabelValues("success").Inc()

	chunks, err := o.ingestor.Ingest(ctx, query.RedactedText, "query", fetched)
	if err != nil {
		return nil, nil, err
	}

	entities, relationships, err := o.builder.Build(ctx, chunks)
	if err != nil {
		return nil, nil, err
	}

	report, err := o.validator.Validate(ctx, query.SessionID, entities, validation.ModeSchema)
	if err != nil {
		return nil, nil, err
	}
	metrics.ValidationReportsTotal.WithLabelValues(fmt.Sprintf("%t", report.HIPAACompliant)).Inc()

	if auditErr := o.audit.Record(ctx, &models.AuditLogEntry{
		EventType:   audit.EventValidationRun,
		SessionID:   query.SessionID,
		ResultCount: len(report.Records),
		PHIDetected: !report.HIPAACompliant,
		Detail:      fmt.Sprintf("quality=%.2f", report.QualityScore),
	}); auditErr != nil {
		return nil, nil, auditErr
	}

	passing := validation.FilterPassing(entities, report)
	passingNames := make(map[string]bool, len(passing))

	upserted := 0
	for i := range passing {
		if err := o.graph.UpsertEntity(ctx, &passing[i]); err != nil {
			logger.Warn("Entity upsert failed",
				zap.String("name", passing[i].Name),
				zap.Error(err),
			)
			continue
		}
		passingNames[string(passing[i].Kind)+"|"+passing[i].Name] = true
		metrics.GraphUpsertsTotal.WithLabelValues("entity").Inc()
		upserted++
	}

	for i := range relationships {
		rel := &relationships[i]
		// Only connect nodes that passed validation.
		if !passingNames[string(rel.SubjectKind)+"|"+rel.SubjectName] ||
			!passingNames[string(rel.ObjectKind)+"|"+rel.ObjectName] {
			continue
		}
		if err := o.graph.UpsertRelationship(ctx, rel); err != nil {
			logger.Warn("Relationship upsert failed", zap.Error(err))
			continue
		}
		metrics.GraphUpsertsTotal.WithLabelValues("relationship").Inc()
	}

	if auditErr := o.audit.Record(ctx, &models.AuditLogEntry{
		EventType:   audit.EventGraphUpsert,
		SessionID:   query.SessionID,
		ResultCount: upserted,
	}); auditErr != nil {
		return nil, nil, auditErr
	}

	var rows []map[string]any
	var citations []string
	seen := make(map[string]bool)
	for _, chunk := range chunks {
		rows = append(rows, map[string]any{
			"content":  chunk.Text,
			"citation": chunk.Citation,
		})
		if chunk.Citation != "" && !seen[chunk.Citation] {
			seen[chunk.Citation] = true
			citations = append(citations, chunk.Citation)
		}
	}

	return rows, citations, nil
}
