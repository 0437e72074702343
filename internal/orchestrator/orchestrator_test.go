package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgraph/backend/internal/audit"
	"github.com/medgraph/backend/internal/cache"
	"github.com/medgraph/backend/internal/cypher"
	"github.com/medgraph/backend/internal/fetch"
	"github.com/medgraph/backend/internal/phi"
	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/internal/validation"
)

type fakeRedactor struct {
	isPHI bool
	err   error
}

func (f *fakeRedactor) Process(ctx context.Context, sessionID, operation, text string) (*phi.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	redacted := strings.ReplaceAll(text, "John Doe", "[NAME_REDACTED]")
	return &phi.Result{IsPHI: f.isPHI, RedactedText: redacted}, nil
}

type fakeSynth struct {
	query string
	err   error
}

func (f *fakeSynth) SynthesizeCypher(ctx context.Context, redactedQuery, graphSchema string) (string, error) {
	return f.query, f.err
}

type fakeCache struct {
	hit        *cache.Hit
	hitQueue   []*cache.Hit
	tokenQueue []*cache.Flight
	queueOnly  bool
	lookups    int
	beginCalls int
	fills      int
	lastFilled string
}

func (f *fakeCache) Lookup(ctx context.Context, fp, redactedText string) (*cache.Hit, error) {
	f.lookups++
	if len(f.hitQueue) > 0 {
		hit := f.hitQueue[0]
		f.hitQueue = f.hitQueue[1:]
		return hit, nil
	}
	return f.hit, nil
}

func (f *fakeCache) Fill(ctx context.Context, fp, redactedText, payload, source, parentChunkID string) error {
	f.fills++
	f.lastFilled = payload
	return nil
}

func (f *fakeCache) BeginFill(ctx context.Context, fp string) (*cache.Flight, error) {
	f.beginCalls++
	if len(f.tokenQueue) > 0 {
		token := f.tokenQueue[0]
		f.tokenQueue = f.tokenQueue[1:]
		return token, nil
	}
	if f.queueOnly {
		return nil, context.DeadlineExceeded
	}
	return &cache.Flight{}, nil
}

func (f *fakeCache) EndFill(fp string, token *cache.Flight) {}

type fakeGraph struct {
	rows         []map[string]any
	lastQuery    string
	lastParams   map[string]any
	entityCount  int
	relCount     int
	entitiesSeen []string
}

func (f *fakeGraph) ExecuteRead(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	f.lastQuery = query
	f.lastParams = params
	return f.rows, nil
}

func (f *fakeGraph) UpsertEntity(ctx context.Context, entity *models.GraphEntity) error {
	f.entityCount++
	f.entitiesSeen = append(f.entitiesSeen, entity.Name)
	return nil
}

func (f *fakeGraph) UpsertRelationship(ctx context.Context, rel *models.Relationship) error {
	f.relCount++
	return nil
}

type fakeFetcher struct {
	results []fetch.Result
	err     error
}

func (f *fakeFetcher) Search(ctx context.Context, redactedQuery string) ([]fetch.Result, error) {
	return f.results, f.err
}

type fakeIngestor struct {
	chunks []models.DocumentChunk
}

func (f *fakeIngestor) Ingest(ctx context.Context, entityName, entityType string, results []fetch.Result) ([]models.DocumentChunk, error) {
	return f.chunks, nil
}

type fakeBuilder struct {
	entities      []models.GraphEntity
	relationships []models.Relationship
}

func (f *fakeBuilder) Build(ctx context.Context, chunks []models.DocumentChunk) ([]models.GraphEntity, []models.Relationship, error) {
	return f.entities, f.relationships, nil
}

type fakeValidator struct {
	report *models.ValidationReport
}

func (f *fakeValidator) Validate(ctx context.Context, sessionID string, entities []models.GraphEntity, mode validation.Mode) (*models.ValidationReport, error) {
	if f.report != nil {
		return f.report, nil
	}
	report := &models.ValidationReport{Valid: true, HIPAACompliant: true, QualityScore: 1}
	for i := range entities {
		report.Records = append(report.Records, models.RecordValidation{Index: i, Passed: true})
	}
	return report, nil
}

type fakeSessions struct {
	err error
}

func (f *fakeSessions) UpsertSession(ctx context.Context, session *models.SessionRecord) error {
	return f.err
}

type memAuditStore struct {
	entries []models.AuditLogEntry
	failOn  string
}

func (m *memAuditStore) InsertAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	if m.failOn != "" && entry.EventType == m.failOn {
		return errors.New("disk full")
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memAuditStore) InsertPHIAuditEntry(ctx context.Context, entry *models.PHIAuditLogEntry) error {
	return nil
}

func (m *memAuditStore) GetAuditEntries(ctx context.Context, sessionID string, limit int) ([]models.AuditLogEntry, error) {
	return nil, nil
}

func (m *memAuditStore) eventTypes() []string {
	var out []string
	for _, e := range m.entries {
		out = append(out, e.EventType)
	}
	return out
}

type fixture struct {
	redactor *fakeRedactor
	synth    *fakeSynth
	cache    *fakeCache
	graph    *fakeGraph
	fetcher  *fakeFetcher
	ingestor *fakeIngestor
	builder  *fakeBuilder
	sessions *fakeSessions
	store    *memAuditStore
	orch     *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		redactor: &fakeRedactor{},
		synth:    &fakeSynth{query: "MATCH (n:Gene) RETURN n LIMIT 5"},
		cache:    &fakeCache{},
		graph:    &fakeGraph{},
		fetcher:  &fakeFetcher{},
		ingestor: &fakeIngestor{},
		builder:  &fakeBuilder{},
		sessions: &fakeSessions{},
		store:    &memAuditStore{},
	}
	f.orch = New(
		f.redactor,
		f.synth,
		cypher.NewSanitizer(25),
		f.cache,
		f.graph,
		f.fetcher,
		f.ingestor,
		f.builder,
		&fakeValidator{},
		f.sessions,
		audit.NewLogger(f.store),
	)
	return f
}

func TestHandleQueryCacheHit(t *testing.T) {
	f := newFixture()
	f.redactor.isPHI = true
	f.cache.hit = &cache.Hit{Status: cache.StatusExact, Payload: `[{"gene":"BRCA1"}]`, Score: 1}

	resp, err := f.orch.HandleQuery(context.Background(), "sess-1", "user-1", "Patient John Doe needs BRCA1 results")
	require.NoError(t, err)

	assert.Equal(t, cache.StatusExact, resp.CacheStatus)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Compliance.PHIDetected)
	assert.True(t, resp.Compliance.ProcessedLocally)
	assert.False(t, resp.Compliance.DataEgress)
	assert.NotEmpty(t, resp.Compliance.AuditID)
	assert.Zero(t, f.cache.fills)
	assert.Contains(t, f.store.eventTypes(), audit.EventCacheHit)
}

func TestHandleQueryMissFillsCache(t *testing.T) {
	f := newFixture()
	f.graph.rows = []map[string]any{{"gene": "BRCA1"}}

	resp, err := f.orch.HandleQuery(context.Background(), "sess-2", "", "what drugs target brca1")
	require.NoError(t, err)

	assert.Equal(t, cache.StatusMiss, resp.CacheStatus)
	assert.False(t, resp.Degraded)
	assert.False(t, resp.Fallback)
	assert.Equal(t, 1, f.cache.fills)
	assert.Contains(t, f.cache.lastFilled, "BRCA1")

	events := f.store.eventTypes()
	assert.Contains(t, events, audit.EventCacheMiss)
	assert.Contains(t, events, audit.EventQueryCompleted)
}

func TestHandleQueryRejectedCandidateUsesFallback(t *testing.T) {
	f := newFixture()
	f.synth.query = "MATCH (n) DETACH DELETE n"
	f.graph.rows = []map[string]any{{"n": "something"}}

	resp, err := f.orch.HandleQuery(context.Background(), "sess-3", "", "tell me about brca1")
	require.NoError(t, err)

	assert.True(t, resp.Fallback)
	assert.NotContains(t, f.graph.lastQuery, "DELETE")
	assert.Contains(t, f.graph.lastQuery, "CONTAINS")
	require.NotNil(t, f.graph.lastParams)
	assert.Equal(t, "tell me about brca1", f.graph.lastParams["term"])
	assert.Contains(t, f.store.eventTypes(), audit.EventQueryFallback)
}

func TestHandleQuerySynthesisFailureUsesFallback(t *testing.T) {
	f := newFixture()
	f.synth.err = errors.New("model offline")
	f.graph.rows = []map[string]any{{"n": "row"}}

	resp, err := f.orch.HandleQuery(context.Background(), "sess-4", "", "tell me about tp53")
	require.NoError(t, err)
	assert.True(t, resp.Fallback)
}

func TestHandleQueryFetchFailureDegradesWithoutCaching(t *testing.T) {
	f := newFixture()
	f.fetcher.err = fetch.ErrFetchFailure

	resp, err := f.orch.HandleQuery(context.Background(), "sess-5", "", "obscure question with no graph data")
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.Zero(t, f.cache.fills, "degraded results must not be cached")
	assert.Contains(t, f.store.eventTypes(), audit.EventFetchDegraded)
}

func TestHandleQueryEnrichmentUpsertsValidatedCandidates(t *testing.T) {
	f := newFixture()
	f.fetcher.results = []fetch.Result{{SourceID: "pmid-1", Title: "BRCA1 study", Citation: "J Med Genet 2024"}}
	f.ingestor.chunks = []models.DocumentChunk{{ID: "c1", Text: "BRCA1 chunk", Citation: "J Med Genet 2024"}}
	f.builder.entities = []models.GraphEntity{
		{Kind: models.KindGene, Name: "BRCA1", Gene: &models.GenePayload{Symbol: "BRCA1"}},
	}

	resp, err := f.orch.HandleQuery(context.Background(), "sess-6", "", "what is known about brca1")
	require.NoError(t, err)

	assert.False(t, resp.Degraded)
	assert.Equal(t, 1, f.graph.entityCount)
	assert.Contains(t, resp.Citations, "J Med Genet 2024")
	assert.Equal(t, 1, f.cache.fills)

	events := f.store.eventTypes()
	assert.Contains(t, events, audit.EventValidationRun)
	assert.Contains(t, events, audit.EventGraphUpsert)
}

func TestHandleQueryRetriesFillOwnershipAfterColdWake(t *testing.T) {
	f := newFixture()
	f.graph.rows = []map[string]any{{"n": "row"}}
	// Two waits end with the cache still cold (degraded fills); ownership
	// is granted on the third attempt.
	f.cache.tokenQueue = []*cache.Flight{nil, nil, {}}
	f.cache.queueOnly = true

	resp, err := f.orch.HandleQuery(context.Background(), "sess-8", "", "what drugs target brca1")
	require.NoError(t, err)

	assert.Equal(t, cache.StatusMiss, resp.CacheStatus)
	assert.Equal(t, 3, f.cache.beginCalls)
	assert.Equal(t, 3, f.cache.lookups, "cache must be re-checked before every ownership attempt")
	assert.Equal(t, 1, f.cache.fills)
}

func TestHandleQueryServesWarmCacheAfterWake(t *testing.T) {
	f := newFixture()
	f.cache.tokenQueue = []*cache.Flight{nil}
	f.cache.queueOnly = true
	f.cache.hitQueue = []*cache.Hit{
		nil,
		{Status: cache.StatusExact, Payload: `[{"gene":"BRCA1"}]`, Score: 1},
	}

	resp, err := f.orch.HandleQuery(context.Background(), "sess-9", "", "what drugs target brca1")
	require.NoError(t, err)

	assert.Equal(t, cache.StatusExact, resp.CacheStatus)
	assert.Zero(t, f.cache.fills)
	assert.Contains(t, f.store.eventTypes(), audit.EventCacheHit)
}

func TestHandleQueryFallbackAuditFailureSurfaces(t *testing.T) {
	f := newFixture()
	f.synth.query = "MATCH (n) DETACH DELETE n"
	f.store.failOn = audit.EventQueryFallback

	_, err := f.orch.HandleQuery(context.Background(), "sess-10", "", "tell me about brca1")
	assert.ErrorIs(t, err, ErrStorageFailure)
}

func TestHandleQueryStorageFailureSurfaces(t *testing.T) {
	f := newFixture()
	f.sessions.err = errors.New("disk full")

	_, err := f.orch.HandleQuery(context.Background(), "sess-7", "", "any question")
	assert.ErrorIs(t, err, ErrStorageFailure)
}

func TestHandleQueryGeneratesSessionID(t *testing.T) {
	f := newFixture()
	f.graph.rows = []map[string]any{{"n": "row"}}

	resp, err := f.orch.HandleQuery(context.Background(), "", "", "what drugs target brca1")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
}
