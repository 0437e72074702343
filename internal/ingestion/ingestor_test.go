package ingestion

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgraph/backend/internal/fetch"
	"github.com/medgraph/backend/internal/storage/models"
)

type memStore struct {
	chunks []models.DocumentChunk
}

func (m *memStore) InsertChunk(ctx context.Context, chunk *models.DocumentChunk) error {
	m.chunks = append(m.chunks, *chunk)
	return nil
}

type memIndex struct {
	ids []string
}

func (m *memIndex) InsertChunkEmbeddings(ctx context.Context, ids []string, embeddings [][]float32) error {
	m.ids = append(m.ids, ids...)
	return nil
}

type stubEmbedder struct{}

func (stubEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func TestIngestStoresAndIndexesChunks(t *testing.T) {
	store := &memStore{}
	index := &memIndex{}
	ing := NewIngestor(store, index, stubEmbedder{})

	results := []fetch.Result{
		{
			SourceID: "pmid-100",
			Title:    "BRCA1 and hereditary breast cancer",
			Abstract: "Pathogenic BRCA1 variants substantially increase lifetime breast cancer risk. Carriers benefit from enhanced screening protocols.",
			Citation: "J Med Genet 2024",
		},
	}

	chunks, err := ing.Ingest(context.Background(), "BRCA1", "Gene", results)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	assert.Len(t, store.chunks, len(chunks))
	assert.Len(t, index.ids, len(chunks))

	for _, chunk := range chunks {
		assert.Equal(t, "BRCA1", chunk.EntityName)
		assert.Equal(t, "pmid-100", chunk.SourceID)
		assert.Equal(t, "J Med Genet 2024", chunk.Citation)
		assert.NotEmpty(t, chunk.ID)
		assert.NotEmpty(t, chunk.Embedding)
	}
}

func TestIngestSkipsEmptyResults(t *testing.T) {
	ing := NewIngestor(&memStore{}, &memIndex{}, stubEmbedder{})

	chunks, err := ing.Ingest(context.Background(), "BRCA1", "Gene", nil)
	require.NoError(t, err)
	assert.Nil(t, chunks)
}

func TestSplitChunksRespectsMaxSize(t *testing.T) {
	sentence := "BRCA1 participates in homologous recombination repair of DNA double strand breaks. "
	long := strings.Repeat(sentence, 30)

	chunks := splitChunks(long)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), maxChunkChars)
		assert.GreaterOrEqual(t, len(chunk), minChunkChars)
	}
}

func TestSplitChunksDropsFragments(t *testing.T) {
	assert.Nil(t, splitChunks("Too short."))
	assert.Nil(t, splitChunks(""))
}
