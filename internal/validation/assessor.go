package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/inference"
	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/pkg/logger"
)

// ErrValidationFailure signals that a batch failed validation outright and
// must not reach the graph.
var ErrValidationFailure = errors.New("validation failed")

// Mode selects how deep a validation pass goes.
type Mode string

const (
	// ModeSchema checks structure and PHI leakage only.
	ModeSchema Mode = "schema"
	// ModeFull additionally scores each record for medical accuracy.
	ModeFull Mode = "full"
)

// PHIScanner re-checks candidate records for identifier leakage before
// they are persisted.
type PHIScanner interface {
	Classify(ctx context.Context, sessionID, text string) (bool, []models.PHIMatch, error)
}

// AccuracyModel scores statements for plausibility in full mode.
type AccuracyModel interface {
	AssessAccuracy(ctx context.Context, statement string) (*inference.AccuracyAssessment, error)
}

const accuracyPassThreshold = 0.6

// Assessor validates candidate graph entities before upsert. A PHI leak in
// any record marks the whole report non-compliant, independent of schema
// results.
type Assessor struct {
	scanner  PHIScanner
	accuracy AccuracyModel
}

func NewAssessor(scanner PHIScanner, accuracy AccuracyModel) *Assessor {
	return &Assessor{scanner: scanner, accuracy: accuracy}
}

func (a *Assessor) Validate(ctx context.Context, sessionID string, entities []models.GraphEntity, mode Mode) (*models.ValidationReport, error) {
	report := &models.ValidationReport{
		ID:             uuid.New().String(),
		HIPAACompliant: true,
		CreatedAt:      time.Now(),
	}

	passed := 0
	for i, entity := range entities {
		rec := models.RecordValidation{Index: i, Kind: entity.Kind}

		rec.SchemaErrors = validateSchema(&entity)
		rec.SchemaValid = len(rec.SchemaErrors) == 0

		// An unverifiable record must not reach the graph: scanner failure
		// fails the whole batch rather than passing unchecked text through.
		leak, leakFields, err := a.scanRecord(ctx, sessionID, &entity)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d leak scan: %v", ErrValidationFailure, i, err)
		}
		rec.PHILeak = leak
		rec.LeakFields = leakFields
		if leak {
			report.HIPAACompliant = false
		}

		rec.Passed = rec.SchemaValid && !rec.PHILeak

		if mode == ModeFull && rec.Passed {
			assessment, err := a.accuracy.AssessAccuracy(ctx, describeEntity(&entity))
			if err != nil {
				// Accuracy scoring is advisory; an unreachable model does
				// not block an otherwise valid record.
				logger.Warn("Accuracy assessment unavailable",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
				rec.Accuracy = -1
			} else {
				rec.Accuracy = assessment.Score
				if assessment.Score < accuracyPassThreshold {
					rec.Passed = false
				}
			}
		}

		if rec.Passed {
			passed++
		}
		report.Records = append(report.Records, rec)
	}

	if len(entities) > 0 {
		report.QualityScore = float64(passed) / float64(len(entities))
	}
	report.Valid = report.HIPAACompliant && passed == len(entities)

	logger.Debug("Validation completed",
		zap.String("session_id", sessionID),
		zap.Bool("valid", report.Valid),
		zap.Bool("hipaa_compliant", report.HIPAACompliant),
		zap.Float64("quality_score", report.QualityScore),
	)

	return report, nil
}

// FilterPassing returns only the entities whose records passed.
func FilterPassing(entities []models.GraphEntity, report *models.ValidationReport) []models.GraphEntity {
	var out []models.GraphEntity
	for _, rec := range report.Records {
		if rec.Passed && rec.Index < len(entities) {
			out = append(out, entities[rec.Index])
		}
	}
	return out
}

func validateSchema(entity *models.GraphEntity) []string {
	var errs []string

	if entity.Name == "" {
		errs = append(errs, "name is required")
	}

	known := false
	for _, k := range models.KnownEntityKinds() {
		if entity.Kind == k {
			known = true
			break
		}
	}
	if !known {
		errs = append(errs, fmt.Sprintf("unknown entity kind %q", entity.Kind))
		return errs
	}

	payloads := 0
	if entity.Gene != nil {
		payloads++
	}
	if entity.Drug != nil {
		payloads++
	}
	if entity.Condition != nil {
		payloads++
	}
	if entity.MedicalRecord != nil {
		payloads++
	}
	if payloads != 1 {
		errs = append(errs, fmt.Sprintf("expected exactly one payload, found %d", payloads))
		return errs
	}

	switch entity.Kind {
	case models.KindGene:
		if entity.Gene == nil {
			errs = append(errs, "kind Gene requires gene payload")
		} else if entity.Gene.Symbol == "" {
			errs = append(errs, "gene symbol is required")
		}
	case models.KindDrug:
		if entity.Drug == nil {
			errs = append(errs, "kind Drug requires drug payload")
		} else if entity.Drug.GenericName == "" {
			errs = append(errs, "drug generic name is required")
		}
	case models.KindCondition:
		if entity.Condition == nil {
			errs = append(errs, "kind Condition requires condition payload")
		}
	case models.KindMedicalRecord:
		if entity.MedicalRecord == nil {
			errs = append(errs, "kind MedicalRecord requires record payload")
		} else if entity.MedicalRecord.Summary == "" {
			errs = append(errs, "record summary is required")
		}
	}

	return errs
}

// scanRecord runs the PHI scanner over every free-text field of the
// entity.
func (a *Assessor) scanRecord(ctx context.Context, sessionID string, entity *models.GraphEntity) (bool, []string, error) {
	fields := textFields(entity)

	leak := false
	var leakFields []string
	for name, value := range fields {
		if value == "" {
			continue
		}
		isPHI, _, err := a.scanner.Classify(ctx, sessionID, value)
		if err != nil {
			return false, nil, err
		}
		if isPHI {
			leak = true
			leakFields = append(leakFields, name)
		}
	}

	return leak, leakFields, nil
}

func textFields(entity *models.GraphEntity) map[string]string {
	fields := map[string]string{"name": entity.Name}

	switch {
	case entity.Gene != nil:
		fields["function"] = entity.Gene.Function
	case entity.Drug != nil:
		fields["mechanism"] = entity.Drug.Mechanism
	case entity.MedicalRecord != nil:
		fields["summary"] = entity.MedicalRecord.Summary
	}

	return fields
}

func describeEntity(entity *models.GraphEntity) string {
	switch {
	case entity.Gene != nil:
		return fmt.Sprintf("Gene %s (%s): %s", entity.Name, entity.Gene.Symbol, entity.Gene.Function)
	case entity.Drug != nil:
		return fmt.Sprintf("Drug %s (%s): %s", entity.Name, entity.Drug.DrugClass, entity.Drug.Mechanism)
	case entity.Condition != nil:
		return fmt.Sprintf("Condition %s (ICD-10 %s)", entity.Name, entity.Condition.ICD10Code)
	case entity.MedicalRecord != nil:
		return fmt.Sprintf("Medical record (%s): %s", entity.MedicalRecord.RecordType, entity.MedicalRecord.Summary)
	}
	return entity.Name
}
