package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/internal/vector/milvus"
	"github.com/medgraph/backend/pkg/config"
	"github.com/medgraph/backend/pkg/logger"
)

// Status classifies how a lookup was satisfied.
type Status string

const (
	StatusExact    Status = "exact"
	StatusSemantic Status = "semantic"
	StatusHybrid   Status = "hybrid"
	StatusMiss     Status = "miss"
)

// Hit is a successful cache resolution. Score is the similarity that
// justified a semantic or hybrid hit; exact hits carry 1.0.
type Hit struct {
	Status      Status
	Payload     string
	Fingerprint string
	ChunkID     string
	Citation    string
	Score       float64
}

// Store is the durable cache layer.
type Store interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (*models.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	TouchCacheEntry(ctx context.Context, fingerprint string) error
	GetChunk(ctx context.Context, id string) (*models.DocumentChunk, error)
}

// VectorIndex is the similarity layer.
type VectorIndex interface {
	InsertQueryEmbedding(ctx context.Context, fingerprint string, embedding []float32) error
	SearchSimilarQueries(ctx context.Context, embedding []float32, topK int, threshold float32) ([]milvus.QueryHit, error)
	SearchChunks(ctx context.Context, embedding []float32, topK int) ([]milvus.ChunkHit, error)
}

// Embedder produces query embeddings for similarity search.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Resolver layers the exact fingerprint cache (Redis in front of SQLite)
// over semantic query similarity and hybrid chunk retrieval. All text it
// touches is already redacted.
type Resolver struct {
	store   Store
	vectors VectorIndex
	embed   Embedder
	redis   *RedisClient
	safety  config.SafetyConfig
	lock    *flightLock
}

func NewResolver(store Store, vectors VectorIndex, embed Embedder, redis *RedisClient, safety config.SafetyConfig) *Resolver {
	return &Resolver{
		store:   store,
		vectors: vectors,
		embed:   embed,
		redis:   redis,
		safety:  safety,
		lock:    newFlightLock(30 * time.Second),
	}
}

// Lookup tries exact, then semantic, then hybrid resolution. A nil hit
// with nil error is a clean miss.
func (r *Resolver) Lookup(ctx context.Context, fingerprint, redactedText string) (*Hit, error) {
	if hit := r.lookupExact(ctx, fingerprint); hit != nil {
		return hit, nil
	}

	embedding, err := r.embed.GenerateEmbedding(ctx, redactedText)
	if err != nil {
		// Similarity layers are best-effort: an embedding failure turns
		// the lookup into a miss rather than a request failure.
		logger.Warn("Embedding unavailable, skipping similarity lookup", zap.Error(err))
		return nil, nil
	}

	if hit := r.lookupSemantic(ctx, fingerprint, embedding); hit != nil {
		return hit, nil
	}

	if hit := r.lookupHybrid(ctx, redactedText, embedding); hit != nil {
		return hit, nil
	}

	return nil, nil
}

func (r *Resolver) lookupExact(ctx context.Context, fingerprint string) *Hit {
	if r.redis != nil {
		payload, err := r.redis.GetPayload(ctx, fingerprint)
		if err != nil {
			logger.Warn("Redis lookup failed, falling through", zap.Error(err))
		} else if payload != "" {
			if err := r.store.TouchCacheEntry(ctx, fingerprint); err != nil {
				logger.Warn("Failed to bump cache hit count", zap.Error(err))
			}
			return &Hit{Status: StatusExact, Payload: payload, Fingerprint: fingerprint, Score: 1.0}
		}
	}

	entry, err := r.store.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		logger.Warn("Durable cache lookup failed", zap.Error(err))
		return nil
	}
	if entry == nil {
		return nil
	}

	if err := r.store.TouchCacheEntry(ctx, fingerprint); err != nil {
		logger.Warn("Failed to bump cache hit count", zap.Error(err))
	}
	r.backfillRedis(ctx, fingerprint, entry.Payload)

	return &Hit{Status: StatusExact, Payload: entry.Payload, Fingerprint: fingerprint, Score: 1.0}
}

func (r *Resolver) lookupSemantic(ctx context.Context, fingerprint string, embedding []float32) *Hit {
	hits, err := r.vectors.SearchSimilarQueries(ctx, embedding,
		r.safety.SimilarityTopK, float32(r.safety.SimilarityThreshold))
	if err != nil {
		logger.Warn("Semantic lookup failed", zap.Error(err))
		return nil
	}

	for _, h := range hits {
		if h.Fingerprint == fingerprint {
			continue
		}
		entry, err := r.store.GetCacheEntry(ctx, h.Fingerprint)
		if err != nil || entry == nil {
			continue
		}
		if err := r.store.TouchCacheEntry(ctx, h.Fingerprint); err != nil {
			logger.Warn("Failed to bump cache hit count", zap.Error(err))
		}

		logger.Debug("Semantic cache hit",
			zap.String("matched_fingerprint", h.Fingerprint),
			zap.Float32("score", h.Score),
		)

		return &Hit{
			Status:      StatusSemantic,
			Payload:     entry.Payload,
			Fingerprint: h.Fingerprint,
			Score:       float64(h.Score),
		}
	}

	return nil
}

// lookupHybrid scores document chunks with a weighted blend of lexical and
// vector similarity. A chunk qualifies when the blend clears the similarity
// threshold or its vector score alone clears the hybrid gate.
func (r *Resolver) lookupHybrid(ctx context.Context, redactedText string, embedding []float32) *Hit {
	hits, err := r.vectors.SearchChunks(ctx, embedding, r.safety.SimilarityTopK)
	if err != nil {
		logger.Warn("Hybrid chunk search failed", zap.Error(err))
		return nil
	}

	var best *Hit
	for _, h := range hits {
		chunk, err := r.store.GetChunk(ctx, h.ChunkID)
		if err != nil || chunk == nil {
			continue
		}

		textScore := trigramSimilarity(redactedText, chunk.Text)
		combined := r.safety.HybridTextWeight*textScore + r.safety.HybridVectorWeight*float64(h.Score)

		if combined < r.safety.SimilarityThreshold && float64(h.Score) < r.safety.HybridVectorGate {
			continue
		}

		if best == nil || combined > best.Score {
			best = &Hit{
				Status:   StatusHybrid,
				Payload:  chunk.Text,
				ChunkID:  chunk.ID,
				Citation: chunk.Citation,
				Score:    combined,
			}
		}
	}

	if best != nil {
		logger.Debug("Hybrid cache hit",
			zap.String("chunk_id", best.ChunkID),
			zap.Float64("score", best.Score),
		)
	}

	return best
}

// Fill stores a freshly computed payload under its fingerprint across all
// three layers.
func (r *Resolver) Fill(ctx context.Context, fingerprint, redactedText, payload, source, parentChunkID string) error {
	entry := &models.CacheEntry{
		Fingerprint:   fingerprint,
		Payload:       payload,
		Source:        source,
		ParentChunkID: parentChunkID,
	}

	if err := r.store.UpsertCacheEntry(ctx, entry); err != nil {
		return err
	}

	if embedding, err := r.embed.GenerateEmbedding(ctx, redactedText); err != nil {
		logger.Warn("Skipping vector index fill", zap.Error(err))
	} else if err := r.vectors.InsertQueryEmbedding(ctx, fingerprint, embedding); err != nil {
		logger.Warn("Failed to index query embedding", zap.Error(err))
	}

	r.backfillRedis(ctx, fingerprint, payload)

	return nil
}

func (r *Resolver) backfillRedis(ctx context.Context, fingerprint, payload string) {
	if r.redis == nil {
		return
	}
	if err := r.redis.SetPayload(ctx, fingerprint, payload); err != nil {
		logger.Warn("Redis backfill failed", zap.Error(err))
	}
}

// BeginFill claims the single-flight slot for a fingerprint. A nil token
// means another caller finished a fill while we waited: re-run Lookup
// before fetching upstream.
func (r *Resolver) BeginFill(ctx context.Context, fingerprint string) (*Flight, error) {
	return r.lock.acquire(ctx, fingerprint)
}

// EndFill releases the slot claimed by BeginFill.
func (r *Resolver) EndFill(fingerprint string, token *Flight) {
	r.lock.release(fingerprint, token)
}

// trigramSimilarity is the lexical half of the hybrid score: Jaccard
// overlap of character trigrams over normalized text.
func trigramSimilarity(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for t := range ta {
		if tb[t] {
			intersection++
		}
	}

	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}

	return float64(intersection) / float64(union)
}

func trigrams(s string) map[string]bool {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	out := make(map[string]bool)
	runes := []rune(s)
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = true
	}
	return out
}
