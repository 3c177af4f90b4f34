package core

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"psychtrainer/internal/llm"
	"psychtrainer/internal/metrics"
	"psychtrainer/pkg"
)

// Router defaults.
const (
	DefaultMaxTurns     = 20
	DefaultRouterWindow = 6
	minRoutingMessages  = 3
)

// Router classifies interview progress into phases. Phases only ever move
// forward; reaching debrief ends the session.
type Router struct {
	LLM      llm.Client
	Prompts  *Prompts
	MaxTurns int
	Window   int
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewRouter constructs a router with the default turn ceiling and window.
func NewRouter(client llm.Client, prompts *Prompts) *Router {
	return &Router{
		LLM:      client,
		Prompts:  prompts,
		MaxTurns: DefaultMaxTurns,
		Window:   DefaultRouterWindow,
		Logger:   zap.NewNop(),
	}
}

// Route returns a phase update, or false when the phase stays as it is.
func (r *Router) Route(ctx context.Context, state *pkg.SessionState) (pkg.Update, bool) {
	if state.TurnCount > r.MaxTurns {
		return pkg.Update{Phase: pkg.PhasePtr(pkg.PhaseDebrief), End: true}, true
	}
	if len(state.Messages) < minRoutingMessages {
		return pkg.Update{}, false
	}
	log := r.Logger.With(zap.String("session_id", state.SessionID))

	recent := state.Messages
	if len(recent) > r.Window {
		recent = recent[len(recent)-r.Window:]
	}
	prompt, err := r.Prompts.Render(PromptPhaseRouter, routerData{
		RecentMessages: renderTranscript(recent),
		CurrentPhase:   string(state.Phase),
		TurnCount:      state.TurnCount,
	})
	if err != nil {
		log.Error("render router prompt", zap.Error(err))
		return pkg.Update{}, false
	}
	out, err := r.LLM.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:   10,
		Temperature: 0,
	})
	if err != nil {
		log.Warn("router model failed, keeping phase", failureFields(err)...)
		r.Metrics.IncFallback("router")
		return pkg.Update{}, false
	}

	next, ok := parsePhase(out, state.Phase)
	if !ok {
		log.Debug("router output names no phase at or after the current one",
			zap.String("phase", string(state.Phase)), zap.String("output", out))
		return pkg.Update{}, false
	}
	return pkg.Update{Phase: pkg.PhasePtr(next), End: next == pkg.PhaseDebrief}, true
}

// parsePhase returns the earliest phase, not before current, whose name
// occurs in out. "Debriefing." and "phase: examination" both match.
func parsePhase(out string, current pkg.Phase) (pkg.Phase, bool) {
	out = strings.ToLower(out)
	for _, p := range pkg.Phases {
		if p.Ordinal() < current.Ordinal() {
			continue
		}
		if strings.Contains(out, string(p)) {
			return p, true
		}
	}
	return "", false
}
