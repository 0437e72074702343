package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Extraction is the model's structured reading of a document chunk.
type Extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

type ExtractedEntity struct {
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
}

type ExtractedRelationship struct {
	SubjectKind string `json:"subject_kind"`
	Subject     string `json:"subject"`
	Predicate   string `json:"predicate"`
	ObjectKind  string `json:"object_kind"`
	Object      string `json:"object"`
}

// ExtractGraph asks the chat model for entities and relationships in a
// de-identified document chunk.
func (c *Client) ExtractGraph(ctx context.Context, text string) (*Extraction, error) {
	systemPrompt := `You are a biomedical information extractor. Extract entities and relationships from the text.

Entity kinds: Gene, Drug, Condition, MedicalRecord.
Predicates: TREATS, TARGETS, INTERACTS_WITH, CAUSES, PREVENTS, ASSOCIATED_WITH, RELATES_TO.

Return JSON only:
{
  "entities": [{"kind": "Gene", "name": "...", "properties": {"symbol": "..."}}],
  "relationships": [{"subject_kind": "Drug", "subject": "...", "predicate": "TREATS", "object_kind": "Condition", "object": "..."}]
}`

	content, err := c.complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   text,
		Temperature:  0.1,
		MaxTokens:    600,
	})
	if err != nil {
		return nil, err
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in extraction response")
	}

	var extraction Extraction
	if err := json.Unmarshal([]byte(content[start:end+1]), &extraction); err != nil {
		return nil, fmt.Errorf("failed to parse extraction: %w", err)
	}

	return &extraction, nil
}
