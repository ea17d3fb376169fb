// Package redact strips PII from log text before it is embedded,
// stored, or sent to any remote provider. Structured identifiers
// (email, IP, phone, card, SSN) are matched by pattern; person and
// org names are found with NER. Redaction never blocks ingestion:
// on any failure the caller gets the input back unchanged.
package redact

import (
	"regexp"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/metrics"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

// Redactor replaces PII in free text with placeholder tokens and
// reports how many entities of each type were found.
type Redactor interface {
	Redact(text string) (string, map[string]int)
}

type patternRule struct {
	entityType string
	token      string
	re         *regexp.Regexp
}

type Engine struct {
	rules  []patternRule
	useNER bool
}

var _ Redactor = (*Engine)(nil)

func NewEngine(useNER bool) *Engine {
	return &Engine{
		useNER: useNER,
		rules: []patternRule{
			{
				entityType: "EMAIL",
				token:      "[EMAIL]",
				re:         regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			},
			{
				entityType: "CREDIT_CARD",
				token:      "[CREDIT_CARD]",
				re:         regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
			},
			{
				entityType: "SSN",
				token:      "[SSN]",
				re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			},
			{
				entityType: "IP",
				token:      "[IP]",
				re:         regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			},
			{
				entityType: "PHONE",
				token:      "[PHONE]",
				re:         regexp.MustCompile(`\b\+?\d{1,3}[ \-]?\(?\d{3}\)?[ \-]?\d{3}[ \-]?\d{4}\b`),
			},
		},
	}
}

// Redact applies the pattern rules, then NER for names when enabled.
// Pattern rules run first so identifiers never reach the NER model.
func (e *Engine) Redact(text string) (string, map[string]int) {
	entities := make(map[string]int)
	if text == "" {
		return text, entities
	}

	out := text
	for _, rule := range e.rules {
		out = rule.re.ReplaceAllStringFunc(out, func(string) string {
			entities[rule.entityType]++
			metrics.PIIEntitiesRedacted.WithLabelValues(rule.entityType).Inc()
			return rule.token
		})
	}

	if e.useNER {
		out = e.redactEntities(out, entities)
	}

	return out, entities
}

func (e *Engine) redactEntities(text string, entities map[string]int) string {
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithExtraction(true),
	)
	if err != nil {
		logger.Warn("NER redaction failed, keeping text as-is", zap.Error(err))
		return text
	}

	out := text
	for _, ent := range doc.Entities() {
		if ent.Label != "PERSON" && ent.Label != "GPE" {
			continue
		}
		// Skip placeholder tokens introduced by the pattern pass.
		if strings.HasPrefix(ent.Text, "[") {
			continue
		}
		out = strings.ReplaceAll(out, ent.Text, "[REDACTED]")
		entities[ent.Label]++
		metrics.PIIEntitiesRedacted.WithLabelValues(ent.Label).Inc()
	}

	return out
}
