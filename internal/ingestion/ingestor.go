package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/fetch"
	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/pkg/logger"
)

const (
	maxChunkChars = 900
	minChunkChars = 80
)

// ChunkStore persists document chunks.
type ChunkStore interface {
	InsertChunk(ctx context.Context, chunk *models.DocumentChunk) error
}

// ChunkIndex stores chunk vectors for hybrid retrieval.
type ChunkIndex interface {
	InsertChunkEmbeddings(ctx context.Context, ids []string, embeddings [][]float32) error
}

// BatchEmbedder turns chunk texts into vectors in one round trip.
type BatchEmbedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Ingestor turns fetched documents into stored, indexed chunks with
// provenance. Chunks are immutable: a re-fetch writes new rows under new
// ids rather than touching old ones.
type Ingestor struct {
	store ChunkStore
	index ChunkIndex
	embed BatchEmbedder
}

func NewIngestor(store ChunkStore, index ChunkIndex, embed BatchEmbedder) *Ingestor {
	return &Ingestor{store: store, index: index, embed: embed}
}

// Ingest chunks the fetched documents, embeds them in batch, and persists
// text and vectors. It returns the stored chunks for downstream use.
func (in *Ingestor) Ingest(ctx context.Context, entityName, entityType string, results []fetch.Result) ([]models.DocumentChunk, error) {
	var chunks []models.DocumentChunk

	for _, r := range results {
		text := strings.TrimSpace(r.Title + "\n" + r.Abstract)
		for _, piece := range splitChunks(text) {
			chunks = append(chunks, models.DocumentChunk{
				ID:         uuid.New().String(),
				EntityName: entityName,
				EntityType: entityType,
				Text:       piece,
				SourceID:   r.SourceID,
				Citation:   r.Citation,
				CreatedAt:  time.Now(),
			})
		}
	}

	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	embeddings, err := in.embed.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(embeddings))
	}

	ids := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
		ids[i] = chunks[i].ID

		if err := in.store.InsertChunk(ctx, &chunks[i]); err != nil {
			return nil, fmt.Errorf("failed to store chunk: %w", err)
		}
	}

	if err := in.index.InsertChunkEmbeddings(ctx, ids, embeddings); err != nil {
		return nil, fmt.Errorf("failed to index chunks: %w", err)
	}

	logger.Debug("Documents ingested",
		zap.String("entity", entityName),
		zap.Int("chunk_count", len(chunks)),
	)

	return chunks, nil
}

// splitChunks breaks text on sentence boundaries into pieces no longer
// than maxChunkChars, discarding fragments too short to carry meaning.
func splitChunks(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChunkChars {
		if len(text) < minChunkChars {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	for _, sentence := range splitSentences(text) {
		if current.Len()+len(sentence) > maxChunkChars && current.Len() > 0 {
			chunk := strings.TrimSpace(current.String())
			if len(chunk) >= minChunkChars {
				chunks = append(chunks, chunk)
			}
			current.Reset()
		}
		current.WriteString(sentence)
		current.WriteString(" ")
	}

	if chunk := strings.TrimSpace(current.String()); len(chunk) >= minChunkChars {
		chunks = append(chunks, chunk)
	}

	return chunks
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '.' || text[i] == '!' || text[i] == '?' || text[i] == '\n' {
			end := i + 1
			s := strings.TrimSpace(text[start:end])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = end
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
