package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxPromptChars = 4000

// ErrUnparsableAnswer is returned when the model answer holds no JSON object
var ErrUnparsableAnswer = errors.New("unparsable classifier answer")

// LLMClassifier classifies emails by prompting a Generator
type LLMClassifier struct {
	name string
	gen  Generator
}

// NewLLMClassifier wraps a Generator
func NewLLMClassifier(name string, gen Generator) *LLMClassifier {
	return &LLMClassifier{name: name, gen: gen}
}

// Name returns the provider name
func (c *LLMClassifier) Name() string { return c.name }

// ClassifyEmail implements Classifier
func (c *LLMClassifier) ClassifyEmail(ctx context.Context, emailText string, categories []string) (*Classification, error) {
	answer, err := c.gen.Generate(ctx, buildPrompt(emailText, categories))
	if err != nil {
		return nil, err
	}
	return parseClassification(answer, categories)
}

func buildPrompt(emailText string, categories []string) string {
	if len(emailText) > maxPromptChars {
		emailText = emailText[:maxPromptChars]
	}
	return fmt.Sprintf(`You sort incoming email for a busy person.

Pick exactly one category from: %s
Pick a priority: "high" (needs action within a day, from a person, deadline, security), "medium" (needs a reply or action soon), "low" (newsletters, promotions, notifications, FYI).

Answer with a single JSON object and nothing else:
{"category": "<category>", "priority": "<high|medium|low>", "reason": "<at most 12 words>"}

EMAIL:
%s`, strings.Join(categories, ", "), emailText)
}

// parseClassification extracts the JSON object from a model answer and
// normalizes it against the allowed categories.
func parseClassification(answer string, categories []string) (*Classification, error) {
	text := strings.TrimSpace(answer)
	// Clean up markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: %q", ErrUnparsableAnswer, answer)
	}

	var result Classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsableAnswer, err)
	}

	result.Category = matchCategory(result.Category, categories)
	switch p := strings.ToLower(strings.TrimSpace(result.Priority)); p {
	case "high", "medium", "low":
		result.Priority = p
	case "urgent", "critical":
		result.Priority = "high"
	default:
		result.Priority = "medium"
	}
	return &result, nil
}

// matchCategory maps the model's category onto an allowed one, case
// insensitively. Unknown categories fall back to "other".
func matchCategory(category string, categories []string) string {
	category = strings.TrimSpace(category)
	if len(categories) == 0 {
		return strings.ToLower(category)
	}
	for _, c := range categories {
		if strings.EqualFold(c, category) {
			return c
		}
	}
	return "other"
}
