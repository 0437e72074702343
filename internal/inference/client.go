package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/medgraph/backend/pkg/circuitbreaker"
	"github.com/medgraph/backend/pkg/config"
	"github.com/medgraph/backend/pkg/logger"
	"github.com/medgraph/backend/pkg/retry"
)

// Client talks to a local OpenAI-compatible runtime. The base URL is the
// only network destination this package ever uses; redacted query text may
// pass through here, raw text never does for generation calls.
type Client struct {
	client         *openai.Client
	chatModel      string
	codeModel      string
	embeddingModel string
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

func NewClient(cfg config.InferenceConfig) *Client {
	clientConfig := openai.DefaultConfig("")
	clientConfig.BaseURL = cfg.BaseURL
	client := openai.NewClientWithConfig(clientConfig)

	cb := circuitbreaker.NewCircuitBreaker("inference", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	logger.Info("Inference client initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.String("chat_model", cfg.ChatModel),
		zap.String("code_model", cfg.CodeModel),
	)

	return &Client{
		client:         client,
		chatModel:      cfg.ChatModel,
		codeModel:      cfg.CodeModel,
		embeddingModel: cfg.EmbeddingModel,
		maxTokens:      cfg.MaxTokens,
		timeout:        timeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) ModelName() string {
	return c.chatModel
}

func (c *Client) complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.chatModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
	}

	var content string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       model,
					Messages:    messages,
					Temperature: req.Temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			content = resp.Choices[0].Message.Content
			return nil
		})
	})

	if err != nil {
		return "", err
	}

	return content, nil
}

// ClassifyPHI asks the chat model whether the text contains protected
// health information. Temperature is pinned to 0 for determinism.
func (c *Client) ClassifyPHI(ctx context.Context, text string) (bool, error) {
	systemPrompt := `You are a HIPAA compliance classifier. Decide whether the given text contains Protected Health Information: any of the 18 Safe Harbor identifier categories (names, dates, record numbers, contact details, etc.) tied to an individual.

Answer with exactly one word: YES or NO.`

	content, err := c.complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   text,
		Temperature:  0,
		MaxTokens:    5,
	})
	if err != nil {
		return false, err
	}

	answer := strings.ToUpper(strings.TrimSpace(content))
	return strings.HasPrefix(answer, "YES"), nil
}

// SynthesizeCypher asks the code model for a read-only Cypher candidate.
// The result is untrusted: callers must pass it through the sanitizer
// before execution.
func (c *Client) SynthesizeCypher(ctx context.Context, redactedQuery, graphSchema string) (string, error) {
	systemPrompt := fmt.Sprintf(`You are a Cypher query generator for a medical research knowledge graph.

Graph schema:
%s

Rules:
1. Generate READ-ONLY queries: MATCH / OPTIONAL MATCH / WHERE / RETURN / ORDER BY / LIMIT only
2. Never use CREATE, MERGE, DELETE, SET, REMOVE, or DROP
3. Always include a LIMIT clause
4. Return ONLY the Cypher query, no commentary`, graphSchema)

	userPrompt := fmt.Sprintf("Generate a Cypher query for: %s", redactedQuery)

	content, err := c.complete(ctx, CompletionRequest{
		Model:        c.codeModel,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    300,
	})
	if err != nil {
		return "", err
	}

	candidate := strings.TrimSpace(content)
	candidate = strings.TrimPrefix(candidate, "```cypher")
	candidate = strings.TrimPrefix(candidate, "```")
	candidate = strings.TrimSuffix(candidate, "```")

	logger.Debug("Cypher candidate synthesized", zap.Int("length", len(candidate)))

	return strings.TrimSpace(candidate), nil
}

type AccuracyAssessment struct {
	Score     float64 `json:"score"`
	Pass      bool    `json:"pass"`
	Reasoning string  `json:"reasoning"`
}

// AssessAccuracy scores a candidate fact for medical plausibility.
func (c *Client) AssessAccuracy(ctx context.Context, statement string) (*AccuracyAssessment, error) {
	systemPrompt := `You are a medical accuracy reviewer. Assess whether the statement is plausible according to established biomedical knowledge.

Return JSON only:
{"score": 0.0-1.0, "pass": true|false, "reasoning": "one sentence"}`

	content, err := c.complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   statement,
		Temperature:  0.1,
		MaxTokens:    150,
	})
	if err != nil {
		return nil, err
	}

	assessment, err := parseAssessment(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse assessment: %w", err)
	}

	return assessment, nil
}

func parseAssessment(content string) (*AccuracyAssessment, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var assessment AccuracyAssessment
	if err := json.Unmarshal([]byte(content[start:end+1]), &assessment); err != nil {
		return nil, err
	}

	if assessment.Score < 0 {
		assessment.Score = 0
	}
	if assessment.Score > 1 {
		assessment.Score = 1
	}

	return &assessment, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)

			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding response empty")
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return embedding, nil
}

func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(
					ctx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(c.embeddingModel),
					},
				)

				if err != nil {
					return fmt.Errorf("failed to generate batch embeddings: %w", err)
				}

				for _, data := range resp.Data {
					embedding := make([]float32, len(data.Embedding))
					copy(embedding, data.Embedding)
					embeddings = append(embeddings, embedding)
				}

				return nil
			})
		})

		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

// Ping checks runtime liveness with a minimal completion; the maintenance
// manager uses it for its alert signal.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("inference runtime unreachable: %w", err)
	}

	return nil
}
