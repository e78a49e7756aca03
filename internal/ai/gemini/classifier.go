package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"

	"github.com/spigell/hh-sieve/internal/ai"
	"github.com/spigell/hh-sieve/internal/retry"
	"github.com/spigell/hh-sieve/internal/utils"
)

type jsonGenerator interface {
	GenerateJSON(ctx context.Context, system, prompt string) (string, error)
}

// Classifier judges a chunk of postings in a single Gemini call.
type Classifier struct {
	generator jsonGenerator
	logger    *zap.Logger
	maxLogLen int
}

//go:embed prompt.md
var promptTemplate string

const (
	defaultMaxLogLength = 200
	systemInstruction   = "You are a strict job posting screener. You only ever answer with a JSON array of booleans."
)

func NewClassifier(generator jsonGenerator, maxLogLength int, logger *zap.Logger) *Classifier {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Classifier{
		generator: generator,
		logger:    logger,
		maxLogLen: maxLogLength,
	}
}

var _ ai.Classifier = (*Classifier)(nil)

func (c *Classifier) Classify(ctx context.Context, batch ai.Batch) ([]any, error) {
	if len(batch.Postings) == 0 {
		return []any{}, nil
	}
	if strings.TrimSpace(batch.Profile) == "" {
		return nil, retry.NewFailure(http.StatusBadRequest, "applicant profile is required", nil)
	}

	postingsJSON, err := marshalPostings(batch)
	if err != nil {
		return nil, err
	}

	prompt := buildPrompt(batch.Profile, batch.Policy, postingsJSON, len(batch.Postings))

	c.logger.Debug("gemini classify request",
		zap.Int("postings", len(batch.Postings)),
		zap.String("first_posting_id", batch.Postings[0].ID),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, c.maxLogLen)),
	)

	raw, err := c.generator.GenerateJSON(ctx, systemInstruction, prompt)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("gemini classify response",
		zap.String("first_posting_id", batch.Postings[0].ID),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, c.maxLogLen)),
	)

	return parseVerdicts(raw)
}

type promptPosting struct {
	Index   int            `json:"index"`
	ID      string         `json:"id"`
	Title   string         `json:"title,omitempty"`
	Company string         `json:"company,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func marshalPostings(batch ai.Batch) (string, error) {
	items := make([]promptPosting, 0, len(batch.Postings))
	for i, p := range batch.Postings {
		items = append(items, promptPosting{
			Index:   i,
			ID:      p.ID,
			Title:   p.Title,
			Company: p.Company,
			Fields:  p.Fields,
		})
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal postings payload: %w", err)
	}
	return string(data), nil
}

func buildPrompt(profile, policy, postingsJSON string, count int) string {
	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "Profile:\n{{PROFILE}}\n\nPolicy:\n{{POLICY}}\n\nPostings ({{COUNT}}):\n{{POSTINGS_JSON}}\n\nJSON array of {{COUNT}} booleans:"
	}

	policy = strings.TrimSpace(policy)
	if policy == "" {
		policy = "none"
	}

	return strings.NewReplacer(
		"{{PROFILE}}", strings.TrimSpace(profile),
		"{{POLICY}}", policy,
		"{{POSTINGS_JSON}}", postingsJSON,
		"{{COUNT}}", strconv.Itoa(count),
	).Replace(template)
}

// parseVerdicts decodes the model reply into a JSON array without judging its elements.
func parseVerdicts(raw string) ([]any, error) {
	cleaned := extractJSON(raw)

	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, retry.InvalidOutput("parse gemini response: %v", err)
	}

	if obj, ok := data.(map[string]any); ok {
		if wrapped, ok := obj["verdicts"]; ok {
			data = wrapped
		}
	}

	verdicts, ok := data.([]any)
	if !ok {
		return nil, retry.InvalidOutput("expected a JSON array, got %T", data)
	}

	return verdicts, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}
