package core

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"psychtrainer/internal/llm"
)

// Titler names a session after its first exchange.
type Titler struct {
	LLM     llm.Client
	Prompts *Prompts
}

// Generate asks the model for a short title. The result has surrounding
// quotes removed and is limited to its first line.
func (t *Titler) Generate(ctx context.Context, student, patient string) (string, error) {
	prompt, err := t.Prompts.Render(PromptTitle, titleData{Student: student, Patient: patient})
	if err != nil {
		return "", err
	}
	out, err := t.LLM.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:   20,
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	title := cleanTitle(out)
	if title == "" {
		return "", llm.ErrEmptyResponse
	}
	return title, nil
}

func cleanTitle(out string) string {
	s := strings.TrimSpace(out)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// titleFields is the log context of a title job.
func titleFields(sessionID string) []zap.Field {
	return []zap.Field{zap.String("session_id", sessionID), zap.String("job", "title")}
}
