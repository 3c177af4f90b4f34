package core

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"psychtrainer/internal/llm"
	"psychtrainer/internal/metrics"
	"psychtrainer/pkg"
)

// Compression defaults.
const (
	DefaultMaxMessages  = 16
	DefaultKeepMessages = 6
)

// Compressor keeps the message log under a budget by folding its oldest part
// into the running summary.
type Compressor struct {
	LLM          llm.Client
	Prompts      *Prompts
	MaxMessages  int
	KeepMessages int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// NewCompressor constructs a compressor with the default budget.
func NewCompressor(client llm.Client, prompts *Prompts) *Compressor {
	return &Compressor{
		LLM:          client,
		Prompts:      prompts,
		MaxMessages:  DefaultMaxMessages,
		KeepMessages: DefaultKeepMessages,
		Logger:       zap.NewNop(),
	}
}

// Compress returns a summary update plus a replace of the message log with
// its newest KeepMessages entries, or false when the log is within budget or
// the summary could not be produced. A failed attempt never loses messages.
func (c *Compressor) Compress(ctx context.Context, state *pkg.SessionState) (pkg.Update, bool) {
	if len(state.Messages) <= c.MaxMessages {
		return pkg.Update{}, false
	}
	log := c.Logger.With(zap.String("session_id", state.SessionID))
	log.Info("compressing history", zap.Int("messages", len(state.Messages)))

	split := len(state.Messages) - c.KeepMessages
	older, tail := state.Messages[:split], state.Messages[split:]

	previous := state.Summary
	if previous == "" {
		previous = "None"
	}
	prompt, err := c.Prompts.Render(PromptSummarizer, summarizerData{
		PreviousSummary: previous,
		Messages:        renderTranscript(older),
	})
	if err != nil {
		log.Error("render summarizer prompt", zap.Error(err))
		return pkg.Update{}, false
	}

	out, err := c.LLM.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:   250,
		Temperature: 0.3,
	})
	summary := strings.TrimSpace(out)
	if err != nil || summary == "" {
		log.Warn("summarizer failed, keeping full history", failureFields(err)...)
		c.Metrics.IncFallback("compressor")
		return pkg.Update{}, false
	}
	c.Metrics.IncCompression()

	kept := make([]pkg.ChatMessage, len(tail))
	copy(kept, tail)
	return pkg.Update{
		Summary:  pkg.String(summary),
		Messages: []pkg.MessageOp{pkg.Replace(kept)},
	}, true
}

// renderTranscript renders messages as "ROLE: content" lines.
func renderTranscript(msgs []pkg.ChatMessage) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
