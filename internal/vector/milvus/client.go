package milvus

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/medgraph/backend/pkg/config"
	"github.com/medgraph/backend/pkg/logger"
	"github.com/medgraph/backend/pkg/retry"
)

// Client wraps the Milvus connection and owns the two collections used by
// the pipeline: query-fingerprint embeddings for semantic cache lookups and
// document chunks for hybrid retrieval.
type Client struct {
	conn            client.Client
	queryCollection string
	chunkCollection string
	vectorDim       int
	retryConfig     retry.Config
}

// QueryHit is one semantic cache neighbor.
type QueryHit struct {
	Fingerprint string
	Score       float32
}

// ChunkHit is one document chunk neighbor.
type ChunkHit struct {
	ChunkID string
	Score   float32
}

func NewClient(ctx context.Context, cfg config.MilvusConfig) (*Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := client.NewClient(connectCtx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}

	c := &Client{
		conn:            conn,
		queryCollection: cfg.QueryCollection,
		chunkCollection: cfg.ChunkCollection,
		vectorDim:       cfg.VectorDim,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}

	if err := c.ensureCollections(ctx); err != nil {
		return nil, err
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.Int("vector_dim", cfg.VectorDim),
	)

	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) ensureCollections(ctx context.Context) error {
	if err := c.ensureCollection(ctx, c.queryCollection, "fingerprint", 64); err != nil {
		return err
	}
	return c.ensureCollection(ctx, c.chunkCollection, "chunk_id", 64)
}

func (c *Client) ensureCollection(ctx context.Context, name, idField string, idMaxLen int) error {
	exists, err := c.conn.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if exists {
		if err := c.conn.LoadCollection(ctx, name, false); err != nil {
			return fmt.Errorf("failed to load collection %s: %w", name, err)
		}
		return nil
	}

	schema := &entity.Schema{
		CollectionName: name,
		Fields: []*entity.Field{
			{
				Name:       idField,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{
					entity.TypeParamMaxLength: fmt.Sprintf("%d", idMaxLen),
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					entity.TypeParamDim: fmt.Sprintf("%d", c.vectorDim),
				},
			},
		},
	}

	if err := c.conn.CreateCollection(ctx, schema, 1); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	index, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
	if err != nil {
		return fmt.Errorf("failed to build index definition: %w", err)
	}
	if err := c.conn.CreateIndex(ctx, name, "embedding", index, false); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", name, err)
	}

	if err := c.conn.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection %s: %w", name, err)
	}

	logger.Info("Milvus collection created", zap.String("collection", name))

	return nil
}

// InsertQueryEmbedding stores the embedding for a cache fingerprint. Upsert
// keeps re-fills of the same fingerprint idempotent.
func (c *Client) InsertQueryEmbedding(ctx context.Context, fingerprint string, embedding []float32) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		idCol := entity.NewColumnVarChar("fingerprint", []string{fingerprint})
		vecCol := entity.NewColumnFloatVector("embedding", c.vectorDim, [][]float32{embedding})

		if _, err := c.conn.Upsert(ctx, c.queryCollection, "", idCol, vecCol); err != nil {
			return fmt.Errorf("failed to upsert query embedding: %w", err)
		}
		return nil
	})
}

// SearchSimilarQueries returns cached fingerprints whose embeddings score at
// or above threshold, best first.
func (c *Client) SearchSimilarQueries(ctx context.Context, embedding []float32, topK int, threshold float32) ([]QueryHit, error) {
	results, err := c.search(ctx, c.queryCollection, "fingerprint", embedding, topK)
	if err != nil {
		return nil, err
	}

	var hits []QueryHit
	for _, r := range results {
		if r.score < threshold {
			continue
		}
		hits = append(hits, QueryHit{Fingerprint: r.id, Score: r.score})
	}
	return hits, nil
}

// InsertChunkEmbeddings stores chunk vectors in one batch.
func (c *Client) InsertChunkEmbeddings(ctx context.Context, ids []string, embeddings [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(embeddings) {
		return fmt.Errorf("id/embedding count mismatch: %d vs %d", len(ids), len(embeddings))
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		idCol := entity.NewColumnVarChar("chunk_id", ids)
		vecCol := entity.NewColumnFloatVector("embedding", c.vectorDim, embeddings)

		if _, err := c.conn.Upsert(ctx, c.chunkCollection, "", idCol, vecCol); err != nil {
			return fmt.Errorf("failed to upsert chunk embeddings: %w", err)
		}
		return nil
	})
}

// SearchChunks returns the nearest document chunks regardless of threshold;
// the hybrid scorer applies its own gate.
func (c *Client) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]ChunkHit, error) {
	results, err := c.search(ctx, c.chunkCollection, "chunk_id", embedding, topK)
	if err != nil {
		return nil, err
	}

	hits := make([]ChunkHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, ChunkHit{ChunkID: r.id, Score: r.score})
	}
	return hits, nil
}

// DeleteQueryEmbeddings removes expired fingerprints during retention
// sweeps.
func (c *Client) DeleteQueryEmbeddings(ctx context.Context, fingerprints []string) error {
	return c.deleteByIDs(ctx, c.queryCollection, "fingerprint", fingerprints)
}

// DeleteChunkEmbeddings removes expired chunk vectors during retention
// sweeps.
func (c *Client) DeleteChunkEmbeddings(ctx context.Context, chunkIDs []string) error {
	return c.deleteByIDs(ctx, c.chunkCollection, "chunk_id", chunkIDs)
}

func (c *Client) deleteByIDs(ctx context.Context, collection, idField string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	expr := fmt.Sprintf("%s in [", idField)
	for i, id := range ids {
		if i > 0 {
			expr += ", "
		}
		expr += fmt.Sprintf("%q", id)
	}
	expr += "]"

	if err := c.conn.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", collection, err)
	}

	logger.Debug("Vector entries deleted",
		zap.String("collection", collection),
		zap.Int("count", len(ids)),
	)

	return nil
}

type searchResult struct {
	id    string
	score float32
}

func (c *Client) search(ctx context.Context, collection, idField string, embedding []float32, topK int) ([]searchResult, error) {
	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var out []searchResult

	err = retry.Do(ctx, c.retryConfig, func() error {
		results, err := c.conn.Search(
			ctx,
			collection,
			nil,
			"",
			[]string{idField},
			[]entity.Vector{entity.FloatVector(embedding)},
			"embedding",
			entity.COSINE,
			topK,
			sp,
		)
		if err != nil {
			return fmt.Errorf("failed to search %s: %w", collection, err)
		}

		out = out[:0]
		for _, result := range results {
			idCol, ok := result.Fields.GetColumn(idField).(*entity.ColumnVarChar)
			if !ok {
				continue
			}
			for i := 0; i < result.ResultCount; i++ {
				id, err := idCol.ValueByIdx(i)
				if err != nil {
					continue
				}
				out = append(out, searchResult{id: id, score: result.Scores[i]})
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}
