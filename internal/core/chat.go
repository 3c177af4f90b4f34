package core

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"psychtrainer/internal/llm"
	"psychtrainer/internal/metrics"
	"psychtrainer/internal/retrieval"
	"psychtrainer/pkg"
)

// PatientFallback is the in-character line used when the model fails.
const PatientFallback = "I'm... not sure how to answer that."

const noSummaryYet = "None available yet."

// Retrieval limits per domain.
const (
	patientContextLimit = 3
	medicalContextLimit = 2
	rubricContextLimit  = 3
)

// TokenSink receives reply fragments while the patient is speaking.
type TokenSink interface {
	WriteToken(token string) error
}

// TokenSinkFunc adapts a function to TokenSink.
type TokenSinkFunc func(token string) error

// WriteToken implements TokenSink.
func (f TokenSinkFunc) WriteToken(token string) error { return f(token) }

// Patient produces the simulated patient's replies.
type Patient struct {
	LLM       llm.Client
	Retriever retrieval.Provider
	Prompts   *Prompts
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// NewPatient constructs a patient responder.
func NewPatient(client llm.Client, retriever retrieval.Provider, prompts *Prompts) *Patient {
	return &Patient{LLM: client, Retriever: retriever, Prompts: prompts, Logger: zap.NewNop()}
}

// Respond generates the next patient reply. When sink is non-nil the reply
// is streamed to it as it is generated; the returned update is the same
// either way. Provider failures are replaced by PatientFallback.
func (p *Patient) Respond(ctx context.Context, state *pkg.SessionState, sink TokenSink) pkg.Update {
	log := p.Logger.With(zap.String("session_id", state.SessionID))

	var query string
	if m, ok := state.LastMessageBy(pkg.RoleStudent); ok {
		query = m.Content
	}
	patientCtx, medicalCtx := p.retrieve(ctx, log, query)

	summary := state.Summary
	if summary == "" {
		summary = noSummaryYet
	}
	system, err := p.Prompts.Render(PromptPatientPersona, personaData{
		Phase:           string(state.Phase),
		PatientContext:  patientCtx,
		MedicalContext:  medicalCtx,
		Summary:         summary,
		FewShotExamples: state.FewShotExamples,
	})

	var reply string
	if err != nil {
		log.Error("render persona prompt", zap.Error(err))
	} else {
		req := llm.Request{
			Messages:    append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, toProviderMessages(state.Messages)...),
			MaxTokens:   150,
			Temperature: 0.7,
		}
		if sink != nil {
			reply, err = p.stream(ctx, log, req, sink)
		} else {
			reply, err = p.LLM.Complete(ctx, req)
			reply = strings.TrimSpace(reply)
		}
		if err == nil && reply == "" {
			err = llm.ErrEmptyResponse
		}
		if err != nil {
			log.Warn("patient model failed, using fallback", failureFields(err)...)
		}
	}
	if reply == "" {
		reply = PatientFallback
		p.Metrics.IncFallback("patient")
		if sink != nil {
			if werr := sink.WriteToken(reply); werr != nil {
				log.Debug("token sink closed", zap.Error(werr))
			}
		}
	}

	return pkg.Update{
		Messages:       []pkg.MessageOp{pkg.Append(pkg.NewMessage(pkg.RolePatient, reply))},
		PatientContext: pkg.String(patientCtx),
		MedicalContext: pkg.String(medicalCtx),
	}
}

// retrieve fetches patient and medical context concurrently. Each lookup
// degrades to an empty string on its own.
func (p *Patient) retrieve(ctx context.Context, log *zap.Logger, query string) (patientCtx, medicalCtx string) {
	if p.Retriever == nil {
		return "", ""
	}
	var g errgroup.Group
	g.Go(func() error {
		out, err := p.Retriever.Retrieve(ctx, query, retrieval.DomainPatient, patientContextLimit)
		if err != nil {
			log.Warn("patient context retrieval failed", zap.Error(err))
			return nil
		}
		patientCtx = out
		return nil
	})
	g.Go(func() error {
		out, err := p.Retriever.Retrieve(ctx, query, retrieval.DomainMedical, medicalContextLimit)
		if err != nil {
			log.Warn("medical context retrieval failed", zap.Error(err))
			return nil
		}
		medicalCtx = out
		return nil
	})
	_ = g.Wait()
	return patientCtx, medicalCtx
}

// stream forwards fragments to sink and returns the accumulated text. A
// failure after the first fragment keeps the partial reply. Sink errors stop
// forwarding only.
func (p *Patient) stream(ctx context.Context, log *zap.Logger, req llm.Request, sink TokenSink) (string, error) {
	st, err := p.LLM.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer st.Close()

	var b strings.Builder
	forward := true
	for {
		frag, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if strings.TrimSpace(b.String()) == "" {
				return "", err
			}
			log.Warn("patient stream interrupted, keeping partial reply", failureFields(err)...)
			break
		}
		if frag == "" {
			continue
		}
		b.WriteString(frag)
		if forward {
			if werr := sink.WriteToken(frag); werr != nil {
				log.Debug("token sink closed", zap.Error(werr))
				forward = false
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// toProviderMessages maps transcript roles onto chat roles.
func toProviderMessages(msgs []pkg.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		switch m.Role {
		case pkg.RolePatient:
			role = llm.RoleAssistant
		case pkg.RoleSystem:
			role = llm.RoleSystem
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}
