package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgraph/backend/internal/inference"
	"github.com/medgraph/backend/internal/storage/models"
)

type fakeExtractor struct {
	extraction *inference.Extraction
	err        error
}

func (f *fakeExtractor) ExtractGraph(ctx context.Context, text string) (*inference.Extraction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.extraction, nil
}

func chunk(id, text string) models.DocumentChunk {
	return models.DocumentChunk{ID: id, Text: text, SourceID: "pmid-1"}
}

func TestBuildMapsExtractionToCandidates(t *testing.T) {
	b := NewBuilder(&fakeExtractor{extraction: &inference.Extraction{
		Entities: []inference.ExtractedEntity{
			{Kind: "Drug", Name: "Olaparib", Properties: map[string]string{"drug_class": "PARP inhibitor"}},
			{Kind: "gene", Name: "BRCA1", Properties: map[string]string{"symbol": "BRCA1"}},
		},
		Relationships: []inference.ExtractedRelationship{
			{SubjectKind: "Drug", Subject: "Olaparib", Predicate: "TARGETS", ObjectKind: "Gene", Object: "BRCA1"},
		},
	}})

	entities, relationships, err := b.Build(context.Background(), []models.DocumentChunk{chunk("c1", "text")})
	require.NoError(t, err)

	require.Len(t, entities, 2)
	assert.Equal(t, models.KindDrug, entities[0].Kind)
	require.NotNil(t, entities[0].Drug)
	assert.Equal(t, "PARP inhibitor", entities[0].Drug.DrugClass)
	assert.Equal(t, models.KindGene, entities[1].Kind)
	assert.Equal(t, "pmid-1", entities[1].Source)

	require.Len(t, relationships, 1)
	assert.Equal(t, models.PredicateTargets, relationships[0].Predicate)
}

func TestBuildDeduplicatesAcrossChunks(t *testing.T) {
	b := NewBuilder(&fakeExtractor{extraction: &inference.Extraction{
		Entities: []inference.ExtractedEntity{
			{Kind: "Gene", Name: "BRCA1"},
			{Kind: "Gene", Name: "brca1"},
		},
	}})

	entities, _, err := b.Build(context.Background(), []models.DocumentChunk{
		chunk("c1", "first"),
		chunk("c2", "second"),
	})
	require.NoError(t, err)
	assert.Len(t, entities, 1)
}

func TestBuildNormalizesUnknownPredicate(t *testing.T) {
	b := NewBuilder(&fakeExtractor{extraction: &inference.Extraction{
		Entities: []inference.ExtractedEntity{
			{Kind: "Gene", Name: "BRCA1"},
			{Kind: "Condition", Name: "Breast cancer"},
		},
		Relationships: []inference.ExtractedRelationship{
			{SubjectKind: "Gene", Subject: "BRCA1", Predicate: "linked to", ObjectKind: "Condition", Object: "Breast cancer"},
		},
	}})

	_, relationships, err := b.Build(context.Background(), []models.DocumentChunk{chunk("c1", "text")})
	require.NoError(t, err)
	require.Len(t, relationships, 1)
	assert.Equal(t, models.PredicateRelatesTo, relationships[0].Predicate)
}

func TestBuildDropsInvalidCandidates(t *testing.T) {
	b := NewBuilder(&fakeExtractor{extraction: &inference.Extraction{
		Entities: []inference.ExtractedEntity{
			{Kind: "Planet", Name: "Mars"},
			{Kind: "Gene", Name: "   "},
		},
		Relationships: []inference.ExtractedRelationship{
			{SubjectKind: "Gene", Subject: "", Predicate: "TREATS", ObjectKind: "Condition", Object: "X"},
		},
	}})

	entities, relationships, err := b.Build(context.Background(), []models.DocumentChunk{chunk("c1", "text")})
	require.NoError(t, err)
	assert.Empty(t, entities)
	assert.Empty(t, relationships)
}

func TestBuildSurvivesExtractorFailure(t *testing.T) {
	b := NewBuilder(&fakeExtractor{err: errors.New("model unavailable")})

	entities, relationships, err := b.Build(context.Background(), []models.DocumentChunk{chunk("c1", "text")})
	require.NoError(t, err)
	assert.Empty(t, entities)
	assert.Empty(t, relationships)
}

func TestCandidateBuildsTypedPayload(t *testing.T) {
	entity, ok := Candidate("Condition", "Breast cancer", map[string]string{"icd10_code": "C50"}, "api")
	require.True(t, ok)
	require.NotNil(t, entity.Condition)
	assert.Equal(t, "C50", entity.Condition.ICD10Code)

	_, ok = Candidate("Spaceship", "Voyager", nil, "api")
	assert.False(t, ok)
}
