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

const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

type RootCause struct {
	Hypothesis  string  `json:"hypothesis"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

type RemediationStep struct {
	Step        string `json:"step"`
	Priority    string `json:"priority"`
	Description string `json:"description"`
}

// Analysis is the structured root-cause output for a confirmed outlier.
type Analysis struct {
	Explanation      string            `json:"explanation"`
	RootCauses       []RootCause       `json:"root_causes"`
	RemediationSteps []RemediationStep `json:"remediation_steps"`
	Severity         string            `json:"severity"`
	SeverityReason   string            `json:"severity_reason"`
}

// Composed renders the analysis into the single reasoning string stored
// on the verdict: explanation, then root-cause hypotheses, then
// remediation steps by priority, then the severity and its rationale.
func (a *Analysis) Composed() string {
	var b strings.Builder
	b.WriteString(a.Explanation)

	if len(a.RootCauses) > 0 {
		b.WriteString("\n\nRoot Causes:")
		for _, rc := range a.RootCauses {
			fmt.Fprintf(&b, "\n- %s: %s", rc.Hypothesis, rc.Description)
		}
	}

	if len(a.RemediationSteps) > 0 {
		b.WriteString("\n\nRemediation Steps:")
		for _, step := range a.RemediationSteps {
			fmt.Fprintf(&b, "\n- [%s] %s: %s", step.Priority, step.Step, step.Description)
		}
	}

	if a.SeverityReason != "" {
		fmt.Fprintf(&b, "\n\nSeverity: %s - %s", a.Severity, a.SeverityReason)
	}

	return b.String()
}

// Reasoner produces root-cause hypotheses and remediation steps for an
// outlier, contrasting it against its nearest cluster's members.
type Reasoner struct {
	provider llm.Provider
	guard    *budget.Guard
}

func NewReasoner(provider llm.Provider, guard *budget.Guard) *Reasoner {
	return &Reasoner{provider: provider, guard: guard}
}

// Analyze returns a structured analysis, or an error when the budget
// or provider blocks it. Callers treat the error as "no enrichment",
// not as a sweep failure.
func (r *Reasoner) Analyze(ctx context.Context, entry LogInfo, clusterCtx *ClusterContext) (*Analysis, error) {
	prompt := buildAnalysisPrompt(entry, clusterCtx)

	reservation, err := r.guard.Reserve(llm.EstimateCompletionCost(prompt, 800))
	if err != nil {
		return nil, err
	}

	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: validatorSystemPrompt,
		UserPrompt:   prompt,
		Temperature:  0.3,
		MaxTokens:    800,
		JSONMode:     true,
	})
	if err != nil {
		reservation.Release()
		return nil, err
	}
	reservation.Commit(resp.CostUSD)

	var analysis Analysis
	if err := json.Unmarshal([]byte(resp.Content), &analysis); err != nil {
		logger.Warn("Unparseable root-cause analysis response", zap.Error(err))
		return nil, fmt.Errorf("failed to parse analysis response: %w", err)
	}

	if analysis.Severity == "" {
		analysis.Severity = DeriveSeverity(entry.Level, entry.Message)
	}

	return &analysis, nil
}

// DeriveSeverity is the rule-based fallback used when the LLM response
// omits a severity.
func DeriveSeverity(level, message string) string {
	text := strings.ToLower(level + " " + message)

	switch {
	case strings.Contains(text, "fatal") || strings.Contains(text, "panic"):
		return SeverityCritical
	case strings.Contains(text, "error") || strings.Contains(text, "exception") || strings.Contains(text, "refused"):
		return SeverityHigh
	case strings.Contains(text, "warn") || strings.Contains(text, "timeout") || strings.Contains(text, "retry"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func buildAnalysisPrompt(entry LogInfo, clusterCtx *ClusterContext) string {
	var b strings.Builder

	b.WriteString("You are a senior log analysis expert specializing in root cause analysis. Analyze the following log entry and provide structured analysis.\n\n")
	b.WriteString("Log Entry:\n")
	fmt.Fprintf(&b, "- Level: %s\n", orNA(entry.Level))
	fmt.Fprintf(&b, "- Service: %s\n", orNA(entry.Service))
	fmt.Fprintf(&b, "- Message: %s\n", entry.Message)

	if clusterCtx != nil && len(clusterCtx.Samples) > 0 {
		fmt.Fprintf(&b, "\nNearest cluster (%d members) this entry did NOT fit. Representative entries:\n", clusterCtx.Size)
		for i, sample := range clusterCtx.Samples {
			if i >= 3 {
				break
			}
			msg := sample.Message
			if len(msg) > 100 {
				msg = msg[:100] + "..."
			}
			fmt.Fprintf(&b, "  %d. [%s] %s\n", i+1, orNA(sample.Level), msg)
		}
	}

	b.WriteString(`
Respond in JSON format with the following structure:
{
    "explanation": "Detailed explanation (3-4 sentences) of why this log is anomalous",
    "root_causes": [
        {"hypothesis": "Root cause 1", "confidence": 0.0-1.0, "description": "Brief explanation"},
        {"hypothesis": "Root cause 2", "confidence": 0.0-1.0, "description": "Brief explanation"}
    ],
    "remediation_steps": [
        {"step": "Action 1", "priority": "HIGH/MEDIUM/LOW", "description": "What to do"},
        {"step": "Action 2", "priority": "HIGH/MEDIUM/LOW", "description": "What to do"}
    ],
    "severity": "LOW/MEDIUM/HIGH/CRITICAL",
    "severity_reason": "Why this severity level"
}

Focus on:
1. Specific technical root causes (not generic issues)
2. Actionable remediation steps
3. Accurate severity assessment based on operational impact`)

	return b.String()
}
