package validation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgraph/backend/internal/inference"
	"github.com/medgraph/backend/internal/storage/models"
)

type fakeScanner struct {
	leakOn string
	err    error
}

func (f *fakeScanner) Classify(ctx context.Context, sessionID, text string) (bool, []models.PHIMatch, error) {
	if f.err != nil {
		return false, nil, f.err
	}
	if f.leakOn != "" && strings.Contains(text, f.leakOn) {
		return true, []models.PHIMatch{{Category: models.PHIName}}, nil
	}
	return false, nil, nil
}

type fakeAccuracy struct {
	score float64
}

func (f *fakeAccuracy) AssessAccuracy(ctx context.Context, statement string) (*inference.AccuracyAssessment, error) {
	return &inference.AccuracyAssessment{Score: f.score, Pass: f.score >= 0.6}, nil
}

func geneEntity(name, function string) models.GraphEntity {
	return models.GraphEntity{
		Kind: models.KindGene,
		Name: name,
		Gene: &models.GenePayload{Symbol: name, Function: function},
	}
}

func TestValidatePassesCleanRecords(t *testing.T) {
	a := NewAssessor(&fakeScanner{}, &fakeAccuracy{score: 0.9})

	entities := []models.GraphEntity{
		geneEntity("BRCA1", "DNA repair"),
		geneEntity("TP53", "tumor suppression"),
	}

	report, err := a.Validate(context.Background(), "sess-1", entities, ModeSchema)
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.True(t, report.HIPAACompliant)
	assert.Equal(t, 1.0, report.QualityScore)
	require.Len(t, report.Records, 2)
	for _, rec := range report.Records {
		assert.True(t, rec.Passed)
		assert.False(t, rec.PHILeak)
	}
}

func TestValidateFlagsPHILeakAsNonCompliant(t *testing.T) {
	a := NewAssessor(&fakeScanner{leakOn: "John Doe"}, &fakeAccuracy{score: 0.9})

	entities := []models.GraphEntity{
		geneEntity("BRCA1", "DNA repair"),
		{
			Kind: models.KindMedicalRecord,
			Name: "record-1",
			MedicalRecord: &models.MedicalRecordPayload{
				RecordType: "note",
				Summary:    "Follow-up for John Doe scheduled next month",
			},
		},
	}

	report, err := a.Validate(context.Background(), "sess-2", entities, ModeSchema)
	require.NoError(t, err)

	assert.False(t, report.HIPAACompliant)
	assert.False(t, report.Valid)
	require.Len(t, report.Records, 2)
	assert.True(t, report.Records[0].Passed)
	assert.True(t, report.Records[1].PHILeak)
	assert.False(t, report.Records[1].Passed)
	assert.Contains(t, report.Records[1].LeakFields, "summary")
}

func TestValidateRejectsSchemaViolations(t *testing.T) {
	a := NewAssessor(&fakeScanner{}, &fakeAccuracy{score: 0.9})

	entities := []models.GraphEntity{
		{Kind: models.KindGene, Name: "BRCA1"},
		{Kind: "Planet", Name: "Mars"},
		{Kind: models.KindDrug, Name: ""},
	}

	report, err := a.Validate(context.Background(), "sess-3", entities, ModeSchema)
	require.NoError(t, err)

	assert.True(t, report.HIPAACompliant)
	assert.False(t, report.Valid)
	assert.Equal(t, 0.0, report.QualityScore)
	for _, rec := range report.Records {
		assert.False(t, rec.SchemaValid)
		assert.NotEmpty(t, rec.SchemaErrors)
	}
}

func TestValidateFullModeAppliesAccuracyGate(t *testing.T) {
	a := NewAssessor(&fakeScanner{}, &fakeAccuracy{score: 0.3})

	entities := []models.GraphEntity{geneEntity("BRCA1", "DNA repair")}

	report, err := a.Validate(context.Background(), "sess-4", entities, ModeFull)
	require.NoError(t, err)

	assert.True(t, report.HIPAACompliant)
	assert.False(t, report.Valid)
	require.Len(t, report.Records, 1)
	assert.False(t, report.Records[0].Passed)
	assert.InDelta(t, 0.3, report.Records[0].Accuracy, 0.001)
}

func TestValidateFailsBatchWhenScannerUnavailable(t *testing.T) {
	a := NewAssessor(&fakeScanner{err: errors.New("classifier offline")}, &fakeAccuracy{score: 0.9})

	_, err := a.Validate(context.Background(), "sess-5",
		[]models.GraphEntity{geneEntity("BRCA1", "DNA repair")}, ModeSchema)

	assert.ErrorIs(t, err, ErrValidationFailure)
}

func TestFilterPassingKeepsOnlyPassedRecords(t *testing.T) {
	entities := []models.GraphEntity{
		geneEntity("BRCA1", "DNA repair"),
		geneEntity("TP53", "tumor suppression"),
	}
	report := &models.ValidationReport{
		Records: []models.RecordValidation{
			{Index: 0, Passed: false},
			{Index: 1, Passed: true},
		},
	}

	passing := FilterPassing(entities, report)
	require.Len(t, passing, 1)
	assert.Equal(t, "TP53", passing[0].Name)
}
