package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"psychtrainer/internal/db"
	"psychtrainer/internal/llm"
	"psychtrainer/internal/metrics"
	"psychtrainer/internal/observability"
	"psychtrainer/pkg"
)

// SubmitTurn runs one student message through the interview pipeline and
// persists the result.
func (s *Service) SubmitTurn(ctx context.Context, sessionID, message string) (*pkg.TurnResult, error) {
	return s.runTurn(ctx, sessionID, message, nil)
}

// StreamTurn is SubmitTurn with the patient's reply also written to sink as
// it is generated.
func (s *Service) StreamTurn(ctx context.Context, sessionID, message string, sink TokenSink) (*pkg.TurnResult, error) {
	return s.runTurn(ctx, sessionID, message, sink)
}

func (s *Service) runTurn(ctx context.Context, sessionID, message string, sink TokenSink) (_ *pkg.TurnResult, err error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "turn", trace.WithAttributes(attribute.String(observability.AttrSessionID, sessionID)))
	log := s.logger.With(zap.String("session_id", sessionID))
	defer func() {
		outcome := metrics.OutcomeOK
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionEnded), errors.Is(err, ErrEmptyMessage):
			outcome = metrics.OutcomeRejected
		case errors.Is(err, db.ErrVersionConflict):
			outcome = metrics.OutcomeConflict
		default:
			outcome = metrics.OutcomeError
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		s.metrics.ObserveTurn(outcome, s.now().Sub(start))
		span.End()
	}()

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	defer unlock()

	state, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.IsEnded {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	fromPhase := state.Phase

	// Once the message is accepted the turn completes even if the caller
	// goes away. Only the turn timeout bounds it.
	ctx, cancel := s.detach(ctx)
	defer cancel()

	state = pkg.Merge(state, pkg.Update{
		Messages:      []pkg.MessageOp{pkg.Append(pkg.NewMessage(pkg.RoleStudent, message, "turn", strconv.Itoa(state.TurnCount)))},
		TurnIncrement: 1,
	})
	span.SetAttributes(attribute.Int(observability.AttrTurn, state.TurnCount))

	nodeCtx, nodeSpan := s.startNode(ctx, "compressor")
	if u, ok := s.compress.Compress(nodeCtx, state); ok {
		state = pkg.Merge(state, u)
	}
	nodeSpan.End()

	nodeCtx, nodeSpan = s.startNode(ctx, "patient")
	state = pkg.Merge(state, s.patient.Respond(nodeCtx, state, sink))
	nodeSpan.End()

	var note *string
	nodeCtx, nodeSpan = s.startNode(ctx, "evaluator")
	if u, ok := s.evaluator.Note(nodeCtx, state); ok {
		state = pkg.Merge(state, u)
		n := u.ProfessorNotes[0]
		note = &n
	}
	nodeSpan.End()

	nodeCtx, nodeSpan = s.startNode(ctx, "router")
	if u, ok := s.router.Route(nodeCtx, state); ok {
		state = pkg.Merge(state, u)
	}
	nodeSpan.End()

	if err := s.persist(ctx, state); err != nil {
		return nil, err
	}
	s.metrics.IncPhaseTransition(string(fromPhase), string(state.Phase))
	span.SetAttributes(attribute.String(observability.AttrPhase, string(state.Phase)))

	var reply string
	if m, ok := state.LastMessageBy(pkg.RolePatient); ok {
		reply = m.Content
	}
	log.Info("turn completed",
		zap.Int("turn", state.TurnCount),
		zap.String("phase", string(state.Phase)),
		zap.Bool("ended", state.IsEnded),
		zap.Duration("elapsed", s.now().Sub(start)),
	)

	if state.TurnCount == 1 {
		s.startTitleJob(sessionID, message, reply)
	}

	return &pkg.TurnResult{
		SessionID:     sessionID,
		PatientReply:  reply,
		Phase:         state.Phase,
		TurnCount:     state.TurnCount,
		ProfessorNote: note,
		IsEnded:       state.IsEnded,
	}, nil
}

func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TurnTimeout)
}

func (s *Service) startNode(ctx context.Context, node string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "node."+node, trace.WithAttributes(attribute.String(observability.AttrNode, node)))
}

// startTitleJob names the session in the background. The job only touches
// Title and re-reads the latest checkpoint under the session lock.
func (s *Service) startTitleJob(sessionID, student, patient string) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TitleTimeout)
		defer cancel()
		log := s.logger.With(titleFields(sessionID)...)

		title, err := s.titler.Generate(ctx, student, patient)
		if err != nil {
			log.Warn("title generation failed", failureFields(err)...)
			s.metrics.IncTitleJob("error")
			return
		}
		if err := s.applyTitle(ctx, sessionID, title); err != nil {
			log.Warn("title update failed", zap.Error(err))
			s.metrics.IncTitleJob("error")
			return
		}
		log.Info("session titled", zap.String("title", title))
		s.metrics.IncTitleJob("ok")
	}()
}

func (s *Service) applyTitle(ctx context.Context, sessionID, title string) error {
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer unlock()

	state, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if state.Title != pkg.DefaultTitle {
		return nil
	}
	return s.persist(ctx, pkg.Merge(state, pkg.Update{Title: pkg.String(title)}))
}

// failureFields describes a failed model call. provider_error separates
// upstream failures from malformed or empty output.
func failureFields(err error) []zap.Field {
	return []zap.Field{zap.Error(err), zap.Bool("provider_error", llm.IsProviderError(err))}
}
