package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeStableAcrossFormatting(t *testing.T) {
	a := Compute("What drugs target BRCA1?")
	b := Compute("  what   drugs target brca1 ")

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestComputeDistinguishesQueries(t *testing.T) {
	a := Compute("what drugs target brca1")
	b := Compute("what drugs target tp53")

	assert.NotEqual(t, a, b)
}

func TestNormalizeKeepsRedactionPlaceholders(t *testing.T) {
	normalized := Normalize("Records for [NAME_REDACTED], MRN [MRN_REDACTED]")

	assert.Contains(t, normalized, "[name_redacted]")
	assert.Contains(t, normalized, "[mrn_redacted]")
	assert.NotContains(t, normalized, ",")
}

func TestComputeSeparatesRedactedFromRaw(t *testing.T) {
	raw := Compute("records for john doe")
	redacted := Compute("records for [NAME_REDACTED]")

	assert.NotEqual(t, raw, redacted)
}
