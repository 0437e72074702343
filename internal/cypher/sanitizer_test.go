package cypher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeAcceptsReadOnlyQuery(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (g:Gene {name: 'BRCA1'})-[r]-(m) RETURN g, r, m LIMIT 10")
	require.True(t, verdict.Safe)
	assert.Empty(t, verdict.Rejected)
	assert.Contains(t, verdict.Query, "LIMIT 10")
}

func TestSanitizeRejectsDelete(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (n) DETACH DELETE n")
	require.False(t, verdict.Safe)
	assert.Contains(t, verdict.Rejected, "DETACH")
}

func TestSanitizeRejectsWriteClauses(t *testing.T) {
	s := NewSanitizer(25)

	cases := []string{
		"CREATE (n:Gene {name: 'X'})",
		"MATCH (n) SET n.name = 'y' RETURN n",
		"MERGE (n:Drug {name: 'aspirin'}) RETURN n",
		"MATCH (n) REMOVE n.name RETURN n",
		"DROP CONSTRAINT gene_name",
	}

	for _, query := range cases {
		verdict := s.Sanitize(query)
		assert.False(t, verdict.Safe, "expected rejection for %q", query)
	}
}

func TestSanitizeRejectsProcedureCalls(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (n) WITH n RETURN apoc.create.node(['X'], {})")
	assert.False(t, verdict.Safe)
}

func TestSanitizeAllowsSchemaReadProcedures(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("CALL db.labels() YIELD label RETURN label LIMIT 10")
	require.True(t, verdict.Safe, "rejected: %s", verdict.Rejected)
	assert.Contains(t, verdict.Query, "db.labels")
}

func TestSanitizeRejectsUnvettedCallTargets(t *testing.T) {
	s := NewSanitizer(25)

	cases := []string{
		"CALL apoc.load.json('http://x') YIELD value RETURN value",
		"CALL dbms.listConfig() YIELD name RETURN name",
		"CALL db.clearQueryCaches() RETURN 1",
		"CALL custom.proc() YIELD x RETURN x",
		"CALL { MATCH (n) RETURN n } RETURN 1",
	}

	for _, query := range cases {
		verdict := s.Sanitize(query)
		assert.False(t, verdict.Safe, "expected rejection for %q", query)
	}
}

func TestSanitizeRejectsBareProjectionEntryPoints(t *testing.T) {
	s := NewSanitizer(25)

	for _, query := range []string{
		"RETURN 1",
		"WITH 1 AS x RETURN x",
		"UNWIND [1,2] AS x RETURN x",
	} {
		verdict := s.Sanitize(query)
		assert.False(t, verdict.Safe, "expected rejection for %q", query)
	}
}

func TestSanitizeRejectsMultipleStatements(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (n) RETURN n; MATCH (m) RETURN m")
	require.False(t, verdict.Safe)
	assert.Equal(t, "multiple statements", verdict.Rejected)
}

func TestSanitizeRequiresReturn(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (n:Gene)")
	require.False(t, verdict.Safe)
	assert.Contains(t, verdict.Rejected, "RETURN")
}

func TestSanitizeAppendsMissingLimit(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (n:Drug) RETURN n")
	require.True(t, verdict.Safe)
	assert.True(t, strings.HasSuffix(verdict.Query, "LIMIT 25"))
}

func TestSanitizeClampsExcessiveLimit(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (n:Drug) RETURN n LIMIT 5000")
	require.True(t, verdict.Safe)
	assert.Contains(t, verdict.Query, "LIMIT 25")
	assert.NotContains(t, verdict.Query, "5000")
}

func TestSanitizeIgnoresKeywordsInsideLiterals(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (n) WHERE n.name = 'offset delete set' RETURN n LIMIT 5")
	assert.True(t, verdict.Safe)
}

func TestSanitizeClampsLimitShadowedByLiteral(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (n) WHERE n.name = 'limit 3' RETURN n LIMIT 5000")
	require.True(t, verdict.Safe)
	assert.NotContains(t, verdict.Query, "LIMIT 5000")
	assert.Contains(t, verdict.Query, "LIMIT 25")
	assert.Contains(t, verdict.Query, "'limit 3'", "literal content must survive the clamp untouched")
}

func TestSanitizeStripsCommentsAndFences(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("MATCH (n:Gene) // find genes\nRETURN n LIMIT 5")
	assert.True(t, verdict.Safe)
}

func TestSanitizeRejectsEmptyInput(t *testing.T) {
	s := NewSanitizer(25)

	verdict := s.Sanitize("   ")
	require.False(t, verdict.Safe)
	assert.Equal(t, "empty query", verdict.Rejected)
}

func TestSanitizeIsDeterministic(t *testing.T) {
	s := NewSanitizer(25)
	query := "MATCH (n:Condition) RETURN n"

	first := s.Sanitize(query)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Sanitize(query))
	}
}

func TestFallbackQueryIsSelfSafe(t *testing.T) {
	s := NewSanitizer(25)

	query, param := s.FallbackQuery()
	assert.Equal(t, "term", param)

	verdict := s.Sanitize(query)
	assert.True(t, verdict.Safe)
}
