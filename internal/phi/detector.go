package phi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/pkg/logger"
)

// ErrDetectionUnavailable signals that the local classifier could not be
// reached during escalation. Process degrades to conservative redaction
// instead of failing; Classify returns it alongside the conservative
// answer so callers that need a definitive verdict can tell the
// difference.
var ErrDetectionUnavailable = errors.New("phi classifier unavailable")

// Classifier is the local inference collaborator used for ambiguous text.
// Implementations must run at temperature 0.
type Classifier interface {
	ClassifyPHI(ctx context.Context, text string) (bool, error)
	ModelName() string
}

// AuditSink receives the PHI audit entry before redacted text is used
// anywhere downstream.
type AuditSink interface {
	RecordPHIEvent(ctx context.Context, entry *models.PHIAuditLogEntry) error
}

type Result struct {
	IsPHI        bool
	RedactedText string
	Matches      []models.PHIMatch
	Conservative bool
}

type Detector struct {
	classifier Classifier
	audit      AuditSink
}

func NewDetector(classifier Classifier, audit AuditSink) *Detector {
	return &Detector{
		classifier: classifier,
		audit:      audit,
	}
}

// Process detects and redacts identifiers in text, records the PHI audit
// entry, and returns the redacted form. The original text must not be used
// by the caller after this returns.
func (d *Detector) Process(ctx context.Context, sessionID, operation, text string) (*Result, error) {
	matches := d.detect(text)

	conservative := false
	if len(matches) == 0 && medicalContext.MatchString(text) {
		isPHI, err := d.classifier.ClassifyPHI(ctx, text)
		if err != nil {
			// Availability failures must never leak PHI: assume the worst.
			logger.Warn("PHI classifier unreachable, redacting conservatively",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			matches = d.conservativeMatches(text)
			conservative = true
		} else if isPHI {
			matches = d.conservativeMatches(text)
		}
	}

	redacted := redact(text, matches)

	result := &Result{
		IsPHI:        len(matches) > 0,
		RedactedText: redacted,
		Matches:      matches,
		Conservative: conservative,
	}

	entry := &models.PHIAuditLogEntry{
		ID:                 uuid.New().String(),
		SessionID:          sessionID,
		Operation:          operation,
		MatchCount:         len(matches),
		Categories:         categoriesOf(matches),
		ProcessingLocation: "local",
		Model:              d.classifier.ModelName(),
		DataEgress:         false,
		CreatedAt:          time.Now(),
	}

	if err := d.audit.RecordPHIEvent(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record PHI audit entry: %w", err)
	}

	logger.Debug("PHI processing completed",
		zap.String("session_id", sessionID),
		zap.Bool("phi_detected", result.IsPHI),
		zap.Int("match_count", len(matches)),
	)

	return result, nil
}

// Classify runs detection without redacting; used by the /phi/process
// classify operation and the validation assessor's leak scan. When the
// verdict rests on a conservative guess because the classifier was down,
// the result is returned together with ErrDetectionUnavailable.
func (d *Detector) Classify(ctx context.Context, sessionID, text string) (bool, []models.PHIMatch, error) {
	result, err := d.Process(ctx, sessionID, "classify", text)
	if err != nil {
		return false, nil, err
	}
	if result.Conservative {
		return result.IsPHI, result.Matches, ErrDetectionUnavailable
	}
	return result.IsPHI, result.Matches, nil
}

func (d *Detector) detect(text string) []models.PHIMatch {
	var matches []models.PHIMatch

	for _, p := range categoryPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			matches = append(matches, models.PHIMatch{
				Category:    p.category,
				Start:       loc[0],
				End:         loc[1],
				Replacement: ReplacementToken(p.category),
			})
		}
	}

	matches = append(matches, contextNames(text)...)
	matches = append(matches, d.nameMatches(text)...)

	return dedupeOverlaps(matches)
}

// contextNames catches the unambiguous case of a capitalized name directly
// following a patient/provider marker, independent of the NER model.
func contextNames(text string) []models.PHIMatch {
	var matches []models.PHIMatch
	for _, loc := range nameContextRe.FindAllStringSubmatchIndex(text, -1) {
		// group 1 is the name itself
		if loc[2] < 0 {
			continue
		}
		matches = append(matches, models.PHIMatch{
			Category:    models.PHIName,
			Start:       loc[2],
			End:         loc[3],
			Replacement: ReplacementToken(models.PHIName),
		})
	}
	return matches
}

// nameMatches runs NER over the text and flags person entities. Plain
// person names in a research question are not PHI on their own; they count
// when the text also carries medical context or another identifier nearby.
func (d *Detector) nameMatches(text string) []models.PHIMatch {
	if !medicalContext.MatchString(text) {
		return nil
	}

	doc, err := prose.NewDocument(text)
	if err != nil {
		logger.Debug("NER pass failed", zap.Error(err))
		return nil
	}

	var matches []models.PHIMatch
	offset := 0
	for _, ent := range doc.Entities() {
		if ent.Label != "PERSON" {
			continue
		}
		idx := strings.Index(text[offset:], ent.Text)
		if idx < 0 {
			continue
		}
		start := offset + idx
		matches = append(matches, models.PHIMatch{
			Category:    models.PHIName,
			Start:       start,
			End:         start + len(ent.Text),
			Replacement: ReplacementToken(models.PHIName),
		})
		offset = start + len(ent.Text)
	}

	return matches
}

// conservativeMatches is the stricter fallback: redact person names plus
// every digit run long enough to be an identifier.
func (d *Detector) conservativeMatches(text string) []models.PHIMatch {
	matches := d.nameMatches(text)

	digitRun := 0
	start := -1
	for i, r := range text {
		if r >= '0' && r <= '9' {
			if digitRun == 0 {
				start = i
			}
			digitRun++
			continue
		}
		if digitRun >= 4 {
			matches = append(matches, models.PHIMatch{
				Category:    models.PHIOtherIdentifier,
				Start:       start,
				End:         i,
				Replacement: ReplacementToken(models.PHIOtherIdentifier),
			})
		}
		digitRun = 0
	}
	if digitRun >= 4 {
		matches = append(matches, models.PHIMatch{
			Category:    models.PHIOtherIdentifier,
			Start:       start,
			End:         len(text),
			Replacement: ReplacementToken(models.PHIOtherIdentifier),
		})
	}

	return dedupeOverlaps(matches)
}

func redact(text string, matches []models.PHIMatch) string {
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	cursor := 0
	for _, m := range matches {
		if m.Start < cursor {
			continue
		}
		b.WriteString(text[cursor:m.Start])
		b.WriteString(m.Replacement)
		cursor = m.End
	}
	b.WriteString(text[cursor:])

	return b.String()
}

// dedupeOverlaps sorts matches by position and drops spans contained in or
// overlapping an earlier, longer one.
func dedupeOverlaps(matches []models.PHIMatch) []models.PHIMatch {
	if len(matches) <= 1 {
		return matches
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].End > matches[j].End
	})

	out := matches[:1]
	for _, m := range matches[1:] {
		last := out[len(out)-1]
		if m.Start < last.End {
			continue
		}
		out = append(out, m)
	}

	return out
}

func categoriesOf(matches []models.PHIMatch) []models.PHICategory {
	seen := make(map[models.PHICategory]bool)
	var categories []models.PHICategory
	for _, m := range matches {
		if !seen[m.Category] {
			seen[m.Category] = true
			categories = append(categories, m.Category)
		}
	}
	return categories
}
