package cypher

import (
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the sanitizer outcome: exactly one of Safe or Rejected holds.
// A rejected candidate carries the reason; a safe one carries the query as
// it should be executed, with a LIMIT guaranteed.
type Verdict struct {
	Safe     bool
	Query    string
	Rejected string
}

// Sanitizer gates model-generated Cypher before it reaches the graph. It is
// pure: same input, same verdict, no I/O. Anything not provably read-only
// is rejected.
type Sanitizer struct {
	resultLimit int
}

var (
	// Write and procedure keywords that disqualify a candidate outright.
	// Matched as whole words, case-insensitive, after string literals are
	// blanked so quoted text cannot cause false rejections.
	writeKeywordRe = regexp.MustCompile(`(?i)\b(create|merge|delete|detach|set|remove|drop|foreach|load\s+csv)\b`)

	bannedProcRe = regexp.MustCompile(`(?i)\b(apoc|dbms)\b`)
	dbProcRe     = regexp.MustCompile(`(?i)\bdb(?:\.\w+)+`)

	callKeywordRe = regexp.MustCompile(`(?i)\bcall\b`)
	callTargetRe  = regexp.MustCompile(`(?i)\bcall\s+([a-zA-Z][\w.]*)`)

	entryPointRe = regexp.MustCompile(`(?i)^\s*(match|optional\s+match|call)\b`)

	limitRe = regexp.MustCompile(`(?i)\blimit\s+(\d+)\b`)

	stringLiteralRe = regexp.MustCompile(`'[^']*'|"[^"]*"`)

	commentRe = regexp.MustCompile(`//[^\n]*|/\*[\s\S]*?\*/`)

	returnRe = regexp.MustCompile(`(?i)\breturn\b`)
)

// readProcedures is the allow-list of schema-introspection procedures a
// candidate may CALL. Everything else, including all of apoc and dbms, is
// rejected.
var readProcedures = map[string]bool{
	"db.labels":                    true,
	"db.relationshiptypes":         true,
	"db.propertykeys":              true,
	"db.schema.nodetypeproperties": true,
	"db.schema.reltypeproperties":  true,
}

func NewSanitizer(resultLimit int) *Sanitizer {
	if resultLimit <= 0 {
		resultLimit = 25
	}
	return &Sanitizer{resultLimit: resultLimit}
}

// Sanitize validates a candidate query. Multi-statement input, write
// clauses, unvetted procedure calls, and unknown entry points are all
// rejected; passing queries get a LIMIT clamped to the configured ceiling.
func (s *Sanitizer) Sanitize(candidate string) Verdict {
	query := strings.TrimSpace(commentRe.ReplaceAllString(candidate, " "))
	if query == "" {
		return Verdict{Rejected: "empty query"}
	}

	if strings.Count(query, ";") > 1 || (strings.Contains(query, ";") && !strings.HasSuffix(query, ";")) {
		return Verdict{Rejected: "multiple statements"}
	}
	query = strings.TrimSuffix(query, ";")

	// Screen structure with literal contents blanked so 'SET' inside a
	// quoted value does not trip the keyword check. Blanking keeps each
	// literal's length, so offsets into structural address the same
	// positions in the original query.
	structural := blankLiterals(query)

	if !entryPointRe.MatchString(structural) {
		return Verdict{Rejected: "query must start with MATCH, OPTIONAL MATCH, or CALL"}
	}

	if m := writeKeywordRe.FindString(structural); m != "" {
		return Verdict{Rejected: fmt.Sprintf("write clause not permitted: %s", strings.ToUpper(m))}
	}

	if reason := screenProcedures(structural); reason != "" {
		return Verdict{Rejected: reason}
	}

	if !returnRe.MatchString(structural) {
		return Verdict{Rejected: "query has no RETURN clause"}
	}

	query = s.enforceLimit(query, structural)

	return Verdict{Safe: true, Query: query}
}

// blankLiterals replaces the contents of string literals with spaces,
// keeping the surrounding quotes and the overall length.
func blankLiterals(query string) string {
	return stringLiteralRe.ReplaceAllStringFunc(query, func(lit string) string {
		if len(lit) <= 2 {
			return lit
		}
		return lit[:1] + strings.Repeat(" ", len(lit)-2) + lit[len(lit)-1:]
	})
}

// screenProcedures admits only the allow-listed read procedures. Every CALL
// must name one of them, and no apoc/dbms reference may appear anywhere.
func screenProcedures(structural string) string {
	if m := bannedProcRe.FindString(structural); m != "" {
		return fmt.Sprintf("procedure call not permitted: %s", m)
	}

	for _, proc := range dbProcRe.FindAllString(structural, -1) {
		if !readProcedures[strings.ToLower(proc)] {
			return fmt.Sprintf("procedure call not permitted: %s", proc)
		}
	}

	targets := callTargetRe.FindAllStringSubmatch(structural, -1)
	if len(callKeywordRe.FindAllString(structural, -1)) != len(targets) {
		return "procedure call not permitted"
	}
	for _, t := range targets {
		if !readProcedures[strings.ToLower(t[1])] {
			return fmt.Sprintf("procedure call not permitted: %s", t[1])
		}
	}

	return ""
}

func (s *Sanitizer) enforceLimit(query, structural string) string {
	// Match against the blanked form so a "limit 3" inside a string literal
	// cannot shadow the real clause; the indices carry over to the original
	// because blanking preserves length.
	m := limitRe.FindStringSubmatchIndex(structural)
	if m == nil {
		return fmt.Sprintf("%s LIMIT %d", query, s.resultLimit)
	}

	var n int
	fmt.Sscanf(structural[m[2]:m[3]], "%d", &n)
	if n > s.resultLimit || n <= 0 {
		return query[:m[0]] + fmt.Sprintf("LIMIT %d", s.resultLimit) + query[m[1]:]
	}

	return query
}

// FallbackQuery is the safe template used when a candidate is rejected:
// a broad neighborhood match on the extracted entity name, parameterized
// to avoid injection through the term itself.
func (s *Sanitizer) FallbackQuery() (string, string) {
	query := fmt.Sprintf(
		"MATCH (n) WHERE toLower(n.name) CONTAINS toLower($term) "+
			"OPTIONAL MATCH (n)-[r]-(m) "+
			"RETURN n, r, m LIMIT %d", s.resultLimit)
	return query, "term"
}
