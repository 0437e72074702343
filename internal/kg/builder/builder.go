package builder

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/inference"
	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/pkg/logger"
)

// Extractor turns free text into structured graph candidates.
type Extractor interface {
	ExtractGraph(ctx context.Context, text string) (*inference.Extraction, error)
}

// Builder converts document chunks into graph entity and relationship
// candidates. Everything it emits still has to pass validation before it
// may be upserted.
type Builder struct {
	extractor Extractor
}

func NewBuilder(extractor Extractor) *Builder {
	return &Builder{extractor: extractor}
}

// Build extracts candidates from the given chunks, deduplicating entities
// by (kind, name) and relationships by (subject, predicate, object).
func (b *Builder) Build(ctx context.Context, chunks []models.DocumentChunk) ([]models.GraphEntity, []models.Relationship, error) {
	seenEntities := make(map[string]bool)
	seenRels := make(map[string]bool)

	var entities []models.GraphEntity
	var relationships []models.Relationship

	for _, chunk := range chunks {
		extraction, err := b.extractor.ExtractGraph(ctx, chunk.Text)
		if err != nil {
			// One unreadable chunk should not sink the batch.
			logger.Warn("Extraction failed for chunk",
				zap.String("chunk_id", chunk.ID),
				zap.Error(err),
			)
			continue
		}

		for _, e := range extraction.Entities {
			entity, ok := toEntity(e, chunk.SourceID)
			if !ok {
				continue
			}
			key := string(entity.Kind) + "|" + strings.ToLower(entity.Name)
			if seenEntities[key] {
				continue
			}
			seenEntities[key] = true
			entities = append(entities, entity)
		}

		for _, r := range extraction.Relationships {
			rel, ok := toRelationship(r, chunk.SourceID)
			if !ok {
				continue
			}
			key := string(rel.SubjectKind) + "|" + strings.ToLower(rel.SubjectName) + "|" +
				string(rel.Predicate) + "|" +
				string(rel.ObjectKind) + "|" + strings.ToLower(rel.ObjectName)
			if seenRels[key] {
				continue
			}
			seenRels[key] = true
			relationships = append(relationships, rel)
		}
	}

	logger.Debug("Graph candidates built",
		zap.Int("entity_count", len(entities)),
		zap.Int("relationship_count", len(relationships)),
	)

	return entities, relationships, nil
}

// Candidate builds a graph entity from externally supplied fields, for
// callers that accept records directly rather than extracting them.
func Candidate(kind, name string, properties map[string]string, source string) (models.GraphEntity, bool) {
	return toEntity(inference.ExtractedEntity{
		Kind:       kind,
		Name:       name,
		Properties: properties,
	}, source)
}

func toEntity(e inference.ExtractedEntity, source string) (models.GraphEntity, bool) {
	kind, ok := normalizeKind(e.Kind)
	if !ok || strings.TrimSpace(e.Name) == "" {
		return models.GraphEntity{}, false
	}

	entity := models.GraphEntity{
		Kind:      kind,
		Name:      strings.TrimSpace(e.Name),
		Source:    source,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	switch kind {
	case models.KindGene:
		entity.Gene = &models.GenePayload{
			Symbol:   orDefault(e.Properties["symbol"], entity.Name),
			Organism: e.Properties["organism"],
			Function: e.Properties["function"],
		}
	case models.KindDrug:
		entity.Drug = &models.DrugPayload{
			GenericName: orDefault(e.Properties["generic_name"], entity.Name),
			DrugClass:   e.Properties["drug_class"],
			Mechanism:   e.Properties["mechanism"],
		}
	case models.KindCondition:
		entity.Condition = &models.ConditionPayload{
			ICD10Code: e.Properties["icd10_code"],
			Category:  e.Properties["category"],
		}
	case models.KindMedicalRecord:
		entity.MedicalRecord = &models.MedicalRecordPayload{
			RecordType: orDefault(e.Properties["record_type"], "note"),
			Summary:    e.Properties["summary"],
		}
	}

	return entity, true
}

func toRelationship(r inference.ExtractedRelationship, source string) (models.Relationship, bool) {
	subjectKind, okS := normalizeKind(r.SubjectKind)
	objectKind, okO := normalizeKind(r.ObjectKind)
	if !okS || !okO {
		return models.Relationship{}, false
	}
	if strings.TrimSpace(r.Subject) == "" || strings.TrimSpace(r.Object) == "" {
		return models.Relationship{}, false
	}

	return models.Relationship{
		SubjectKind: subjectKind,
		SubjectName: strings.TrimSpace(r.Subject),
		Predicate:   normalizePredicate(r.Predicate),
		ObjectKind:  objectKind,
		ObjectName:  strings.TrimSpace(r.Object),
		Source:      source,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}, true
}

func normalizeKind(kind string) (models.EntityKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(kind))
	for _, k := range models.KnownEntityKinds() {
		if strings.ToLower(string(k)) == normalized {
			return k, true
		}
	}
	return "", false
}

// normalizePredicate maps unknown predicates to the catch-all rather than
// dropping the edge.
func normalizePredicate(predicate string) models.Predicate {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(predicate), " ", "_"))
	for _, p := range models.KnownPredicates() {
		if string(p) == normalized {
			return p
		}
	}
	return models.PredicateRelatesTo
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
