// Package llm wraps the metered provider (chat completions and
// embeddings). Transport concerns live here: timeouts, retries, circuit
// breaking. Callers see token usage and USD cost on every response so
// they can settle their budget reservations.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/metrics"
	"github.com/ai-log-analytics/backend/pkg/circuitbreaker"
	"github.com/ai-log-analytics/backend/pkg/logger"
	"github.com/ai-log-analytics/backend/pkg/retry"
)

// ErrProviderFailure marks any transport-level provider error after
// retries are exhausted. The orchestrator maps it to its fallback paths.
var ErrProviderFailure = errors.New("llm provider failure")

// Published provider pricing per 1M tokens.
const (
	embeddingCostPer1M        = 0.02
	completionInputCostPer1M  = 0.15
	completionOutputCostPer1M = 0.60
)

// Provider is the metered remote capability consumed by the detection
// tiers. Implemented by Client; tests substitute fakes.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	GenerateEmbedding(ctx context.Context, text string) (*EmbeddingResult, error)
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	JSONMode     bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
	CostUSD float64
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type EmbeddingResult struct {
	Vector  []float32
	Tokens  int
	CostUSD float64
}

func NewClient(apiKey, model, embeddingModel string, temperature float32, maxTokens int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
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

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

// EstimateTokens is the pre-call heuristic used for budget reservations:
// roughly four characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

func EstimateEmbeddingCost(text string) float64 {
	return float64(EstimateTokens(text)) / 1_000_000 * embeddingCostPer1M
}

func EstimateCompletionCost(prompt string, maxTokens int) float64 {
	input := float64(EstimateTokens(prompt)) / 1_000_000 * completionInputCostPer1M
	output := float64(maxTokens) / 1_000_000 * completionOutputCostPer1M
	return input + output
}

func completionCost(usage Usage) float64 {
	input := float64(usage.PromptTokens) / 1_000_000 * completionInputCostPer1M
	output := float64(usage.CompletionTokens) / 1_000_000 * completionOutputCostPer1M
	return input + output
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.UserPrompt,
			},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			usage := Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}

			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(usage.CompletionTokens))

			cost := completionCost(usage)
			metrics.LLMCost.WithLabelValues(c.model).Add(cost)

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", usage.PromptTokens),
				zap.Int("completion_tokens", usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage:   usage,
				CostUSD: cost,
			}

			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	return result, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) (*EmbeddingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var result *EmbeddingResult

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

			vector := make([]float32, len(resp.Data[0].Embedding))
			copy(vector, resp.Data[0].Embedding)

			tokens := resp.Usage.TotalTokens
			cost := float64(tokens) / 1_000_000 * embeddingCostPer1M

			metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "embedding").Add(float64(tokens))
			metrics.LLMCost.WithLabelValues(c.embeddingModel).Add(cost)

			result = &EmbeddingResult{
				Vector:  vector,
				Tokens:  tokens,
				CostUSD: cost,
			}

			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	return result, nil
}
