package phi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgraph/backend/internal/storage/models"
)

type fakeClassifier struct {
	isPHI bool
	err   error
	calls int
}

func (f *fakeClassifier) ClassifyPHI(ctx context.Context, text string) (bool, error) {
	f.calls++
	return f.isPHI, f.err
}

func (f *fakeClassifier) ModelName() string { return "test-model" }

type fakeAuditSink struct {
	entries []*models.PHIAuditLogEntry
	err     error
}

func (f *fakeAuditSink) RecordPHIEvent(ctx context.Context, entry *models.PHIAuditLogEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func TestProcessRedactsPatientIdentifiers(t *testing.T) {
	sink := &fakeAuditSink{}
	detector := NewDetector(&fakeClassifier{}, sink)

	result, err := detector.Process(context.Background(), "sess-1", "query",
		"Patient John Doe, DOB 01/15/1980, MRN AB123456, needs BRCA1 test results")
	require.NoError(t, err)

	assert.True(t, result.IsPHI)
	assert.NotContains(t, result.RedactedText, "John Doe")
	assert.NotContains(t, result.RedactedText, "01/15/1980")
	assert.NotContains(t, result.RedactedText, "AB123456")
	assert.Contains(t, result.RedactedText, "[NAME_REDACTED]")
	assert.Contains(t, result.RedactedText, "[DATE_REDACTED]")
	assert.Contains(t, result.RedactedText, "[MRN_REDACTED]")
	assert.Contains(t, result.RedactedText, "BRCA1")
}

func TestProcessLeavesResearchQueryUntouched(t *testing.T) {
	sink := &fakeAuditSink{}
	classifier := &fakeClassifier{}
	detector := NewDetector(classifier, sink)

	text := "What drugs target the BRCA1 gene in breast cancer research?"
	result, err := detector.Process(context.Background(), "sess-2", "query", text)
	require.NoError(t, err)

	assert.False(t, result.IsPHI)
	assert.Equal(t, text, result.RedactedText)
	assert.Zero(t, classifier.calls)
}

func TestProcessEscalatesAmbiguousMedicalContext(t *testing.T) {
	sink := &fakeAuditSink{}
	classifier := &fakeClassifier{isPHI: false}
	detector := NewDetector(classifier, sink)

	_, err := detector.Process(context.Background(), "sess-3", "query",
		"Summarize outcomes for the patient cohort discussed last week")
	require.NoError(t, err)

	assert.Equal(t, 1, classifier.calls)
}

func TestProcessRedactsConservativelyWhenClassifierDown(t *testing.T) {
	sink := &fakeAuditSink{}
	classifier := &fakeClassifier{err: errors.New("connection refused")}
	detector := NewDetector(classifier, sink)

	result, err := detector.Process(context.Background(), "sess-4", "query",
		"The patient was admitted with identifier 884512 last month")
	require.NoError(t, err)

	assert.True(t, result.Conservative)
	assert.True(t, result.IsPHI)
	assert.NotContains(t, result.RedactedText, "884512")
}

func TestClassifySignalsUnavailableClassifier(t *testing.T) {
	sink := &fakeAuditSink{}
	classifier := &fakeClassifier{err: errors.New("connection refused")}
	detector := NewDetector(classifier, sink)

	isPHI, _, err := detector.Classify(context.Background(), "sess-4",
		"The patient was admitted with identifier 884512 last month")

	assert.ErrorIs(t, err, ErrDetectionUnavailable)
	assert.True(t, isPHI, "conservative verdict must still treat the text as PHI")
}

func TestClassifyReturnsCleanVerdictWithoutError(t *testing.T) {
	detector := NewDetector(&fakeClassifier{}, &fakeAuditSink{})

	isPHI, matches, err := detector.Classify(context.Background(), "sess-4",
		"BRCA1 gene therapy options")
	require.NoError(t, err)
	assert.False(t, isPHI)
	assert.Empty(t, matches)
}

func TestProcessWritesAuditEntryBeforeReturning(t *testing.T) {
	sink := &fakeAuditSink{}
	detector := NewDetector(&fakeClassifier{}, sink)

	_, err := detector.Process(context.Background(), "sess-5", "query",
		"Patient record for SSN 123-45-6789")
	require.NoError(t, err)

	require.Len(t, sink.entries, 1)
	entry := sink.entries[0]
	assert.Equal(t, "sess-5", entry.SessionID)
	assert.Equal(t, "local", entry.ProcessingLocation)
	assert.False(t, entry.DataEgress)
	assert.Contains(t, entry.Categories, models.PHISSN)
	assert.NotEmpty(t, entry.ID)
}

func TestProcessFailsWhenAuditWriteFails(t *testing.T) {
	sink := &fakeAuditSink{err: errors.New("disk full")}
	detector := NewDetector(&fakeClassifier{}, sink)

	_, err := detector.Process(context.Background(), "sess-6", "query", "plain text")
	assert.Error(t, err)
}

func TestDetectCoversCommonCategories(t *testing.T) {
	detector := NewDetector(&fakeClassifier{}, &fakeAuditSink{})

	cases := []struct {
		name     string
		text     string
		category models.PHICategory
	}{
		{"ssn", "SSN 123-45-6789 on file", models.PHISSN},
		{"email", "contact jane.doe@example.org for records", models.PHIEmail},
		{"phone", "call (415) 555-0132 to confirm", models.PHIPhone},
		{"ip", "accessed from 192.168.10.44", models.PHIIPAddress},
		{"address", "lives at 42 Maple Street", models.PHIGeographic},
		{"age over 89", "subject is 92 years old", models.PHIOtherIdentifier},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			matches := detector.detect(tc.text)
			require.NotEmpty(t, matches, "expected a match in %q", tc.text)

			found := false
			for _, m := range matches {
				if m.Category == tc.category {
					found = true
				}
			}
			assert.True(t, found, "expected category %s in %q", tc.category, tc.text)
		})
	}
}

func TestDedupeOverlapsKeepsLongestSpan(t *testing.T) {
	matches := []models.PHIMatch{
		{Category: models.PHIMRN, Start: 10, End: 14},
		{Category: models.PHIMRN, Start: 4, End: 16},
		{Category: models.PHIDate, Start: 20, End: 30},
	}

	out := dedupeOverlaps(matches)
	require.Len(t, out, 2)
	assert.Equal(t, 4, out[0].Start)
	assert.Equal(t, 16, out[0].End)
	assert.Equal(t, 20, out[1].Start)
}
