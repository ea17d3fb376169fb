package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/budget"
	"github.com/ai-log-analytics/backend/internal/llm"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

type OutcomeState string

const (
	StateConfirmed       OutcomeState = "confirmed"
	StateRejected        OutcomeState = "rejected"
	StateExplanationOnly OutcomeState = "explanation_only"
)

// LogInfo is the already-redacted view of a log handed to the LLM tier.
type LogInfo struct {
	Level   string
	Service string
	Message string
}

// ClusterContext carries representative entries of the nearest cluster
// so the validator can ask why a candidate did not fit that pattern.
type ClusterContext struct {
	ClusterID int64
	Size      int
	Samples   []LogInfo
}

// Outcome is what the validator guarantees to return: never an error.
// On any provider or parse failure the fast tier's verdict is
// preserved and State is StateExplanationOnly.
type Outcome struct {
	State      OutcomeState
	IsAnomaly  bool
	Score      float64
	Confidence float64
	Reasoning  *string
	Degraded   bool
}

type detectionResponse struct {
	IsAnomaly  bool    `json:"is_anomaly"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Validator runs the semantic tier on escalated candidates.
type Validator struct {
	provider            llm.Provider
	guard               *budget.Guard
	confidenceThreshold float64
}

func NewValidator(provider llm.Provider, guard *budget.Guard, confidenceThreshold float64) *Validator {
	return &Validator{
		provider:            provider,
		guard:               guard,
		confidenceThreshold: confidenceThreshold,
	}
}

const validatorSystemPrompt = "You are an expert log analyst. Always respond with valid JSON only, no additional text."

// Validate asks the LLM to confirm or refute the fast tier's flag.
// The LLM has final say once it answers: a rejection forces is_anomaly
// false regardless of the fast score. A budget rejection skips the
// provider entirely; a provider or parse failure degrades to an
// explanation-only outcome that keeps the fast verdict intact.
// recent carries surrounding normal logs for contrast on the real-time
// path; clusterCtx carries the nearest cluster on the batch path.
func (v *Validator) Validate(ctx context.Context, entry LogInfo, fast FastVerdict, recent []LogInfo, clusterCtx *ClusterContext) Outcome {
	prompt := buildDetectionPrompt(entry, fast, recent, clusterCtx)

	reservation, err := v.guard.Reserve(llm.EstimateCompletionCost(prompt, 400))
	if err != nil {
		logger.Debug("Validation skipped, budget exhausted", zap.String("service", entry.Service))
		return Outcome{
			State:     StateExplanationOnly,
			IsAnomaly: fast.IsAnomaly,
			Score:     fast.Score,
		}
	}

	resp, err := v.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: validatorSystemPrompt,
		UserPrompt:   prompt,
		Temperature:  0.2,
		MaxTokens:    400,
		JSONMode:     true,
	})
	if err != nil {
		reservation.Release()
		logger.Warn("LLM validation failed, falling back to explanation-only", zap.Error(err))
		return v.explanationOnly(ctx, entry, fast)
	}
	reservation.Commit(resp.CostUSD)

	var parsed detectionResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		logger.Warn("Unparseable LLM validation response", zap.Error(err))
		reasoning := strings.TrimSpace(resp.Content)
		outcome := Outcome{
			State:     StateExplanationOnly,
			IsAnomaly: fast.IsAnomaly,
			Score:     fast.Score,
			Degraded:  true,
		}
		if reasoning != "" {
			outcome.Reasoning = &reasoning
		}
		return outcome
	}

	reasoning := strings.TrimSpace(parsed.Reasoning)

	switch {
	case !parsed.IsAnomaly:
		outcome := Outcome{
			State:      StateRejected,
			IsAnomaly:  false,
			Score:      fast.Score,
			Confidence: parsed.Confidence,
		}
		if reasoning != "" {
			outcome.Reasoning = &reasoning
		}
		return outcome

	case parsed.Confidence >= v.confidenceThreshold:
		outcome := Outcome{
			State:      StateConfirmed,
			IsAnomaly:  true,
			Score:      fast.Score,
			Confidence: parsed.Confidence,
		}
		if reasoning != "" {
			outcome.Reasoning = &reasoning
		}
		return outcome

	default:
		// Agrees but below the confidence bar: keep the fast verdict,
		// surface the explanation.
		outcome := Outcome{
			State:      StateExplanationOnly,
			IsAnomaly:  fast.IsAnomaly,
			Score:      fast.Score,
			Confidence: parsed.Confidence,
		}
		if reasoning != "" {
			outcome.Reasoning = &reasoning
		}
		return outcome
	}
}

// explanationOnly makes one more attempt at a human-readable string
// after the structured call failed. If this call fails too, the
// outcome carries a nil reasoning.
func (v *Validator) explanationOnly(ctx context.Context, entry LogInfo, fast FastVerdict) Outcome {
	outcome := Outcome{
		State:     StateExplanationOnly,
		IsAnomaly: fast.IsAnomaly,
		Score:     fast.Score,
		Degraded:  true,
	}

	prompt := buildExplanationPrompt(entry)

	reservation, err := v.guard.Reserve(llm.EstimateCompletionCost(prompt, 200))
	if err != nil {
		return outcome
	}

	resp, err := v.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You are an expert log analyst.",
		UserPrompt:   prompt,
		Temperature:  0.3,
		MaxTokens:    200,
	})
	if err != nil {
		reservation.Release()
		return outcome
	}
	reservation.Commit(resp.CostUSD)

	reasoning := strings.TrimSpace(resp.Content)
	if reasoning != "" {
		outcome.Reasoning = &reasoning
	}
	return outcome
}

func buildDetectionPrompt(entry LogInfo, fast FastVerdict, recent []LogInfo, clusterCtx *ClusterContext) string {
	var b strings.Builder

	b.WriteString("You are a log analysis expert. Analyze the following log entry and determine if it is anomalous.\n\n")
	b.WriteString("Log Entry:\n")
	fmt.Fprintf(&b, "- Level: %s\n", orNA(entry.Level))
	fmt.Fprintf(&b, "- Service: %s\n", orNA(entry.Service))
	fmt.Fprintf(&b, "- Message: %s\n", entry.Message)
	fmt.Fprintf(&b, "- Statistical anomaly score: %.2f\n", fast.Score)

	if len(recent) > 0 {
		b.WriteString("\nSimilar normal logs for context:\n")
		for i, sample := range recent {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, orNA(sample.Level), sample.Message)
		}
	}

	if clusterCtx != nil && len(clusterCtx.Samples) > 0 {
		fmt.Fprintf(&b, "\nThis entry did not fit its nearest cluster (%d members). Representative entries of that cluster:\n", clusterCtx.Size)
		for i, sample := range clusterCtx.Samples {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, orNA(sample.Level), sample.Message)
		}
	}

	b.WriteString(`
Respond in JSON format with the following structure:
{
    "is_anomaly": true/false,
    "confidence": 0.0-1.0,
    "reasoning": "Brief explanation (2-3 sentences) of why this log is or isn't anomalous"
}

Consider:
1. Unusual patterns compared to normal logs
2. Error severity and frequency
3. Context and service behavior
4. Potential security or operational issues`)

	return b.String()
}

func buildExplanationPrompt(entry LogInfo) string {
	var b strings.Builder
	b.WriteString("Explain in 2-3 sentences what the following log entry indicates and whether it suggests a problem.\n\n")
	fmt.Fprintf(&b, "- Level: %s\n", orNA(entry.Level))
	fmt.Fprintf(&b, "- Service: %s\n", orNA(entry.Service))
	fmt.Fprintf(&b, "- Message: %s\n", entry.Message)
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
