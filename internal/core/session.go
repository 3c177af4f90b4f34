package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"psychtrainer/internal/db"
	"psychtrainer/internal/llm"
	"psychtrainer/internal/metrics"
	"psychtrainer/internal/observability"
	"psychtrainer/internal/retrieval"
	"psychtrainer/pkg"
	"psychtrainer/pkg/logger"
)

// Errors returned to callers of the session entry points.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrUserRequired    = errors.New("user id is required")
)

// MaxListedSessions caps how many sessions ListSessions returns.
const MaxListedSessions = 50

// DefaultTurnTimeout bounds an accepted turn when Config.TurnTimeout is unset.
const DefaultTurnTimeout = 2 * time.Minute

// Config tunes the turn pipeline. Zero fields take their defaults.
type Config struct {
	MaxMessages  int
	KeepMessages int
	MaxTurns     int
	RouterWindow int
	// TitleTimeout bounds the background title job.
	TitleTimeout time.Duration
	// TurnTimeout bounds the work of an accepted turn or grading run,
	// which is not cancelled with the request.
	TurnTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.KeepMessages <= 0 || c.KeepMessages >= c.MaxMessages {
		c.KeepMessages = min(DefaultKeepMessages, c.MaxMessages-1)
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.RouterWindow <= 0 {
		c.RouterWindow = DefaultRouterWindow
	}
	if c.TitleTimeout <= 0 {
		c.TitleTimeout = 30 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	return c
}

// Options are the dependencies of a Service. Store and LLM are required.
type Options struct {
	Store     db.Store
	Locker    Locker
	LLM       llm.Client
	Retriever retrieval.Provider
	Prompts   *Prompts
	Config    Config
	// FewShotExamples is copied into every new session.
	FewShotExamples string
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	Tracer          trace.Tracer
	Now             func() time.Time
}

// Service runs interview sessions: it starts them, executes turns against
// the checkpoint store and compiles the final grade.
type Service struct {
	store     db.Store
	locker    Locker
	compress  *Compressor
	patient   *Patient
	evaluator *Evaluator
	router    *Router
	titler    *Titler
	fewShot   string
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	jobs sync.WaitGroup
}

// NewService wires the pipeline nodes from opts.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if opts.LLM == nil {
		return nil, errors.New("llm client is required")
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.Prompts == nil {
		opts.Prompts = DefaultPrompts()
	}
	opts.Logger = logger.OrNop(opts.Logger)
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(observability.TracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config.withDefaults()

	compressor := NewCompressor(opts.LLM, opts.Prompts)
	compressor.MaxMessages = cfg.MaxMessages
	compressor.KeepMessages = cfg.KeepMessages
	compressor.Logger = opts.Logger.With(zap.String("component", "compressor"))
	compressor.Metrics = opts.Metrics

	patient := NewPatient(opts.LLM, opts.Retriever, opts.Prompts)
	patient.Logger = opts.Logger.With(zap.String("component", "patient"))
	patient.Metrics = opts.Metrics

	evaluator := NewEvaluator(opts.LLM, opts.Retriever, opts.Prompts)
	evaluator.Logger = opts.Logger.With(zap.String("component", "evaluator"))
	evaluator.Metrics = opts.Metrics

	router := NewRouter(opts.LLM, opts.Prompts)
	router.MaxTurns = cfg.MaxTurns
	router.Window = cfg.RouterWindow
	router.Logger = opts.Logger.With(zap.String("component", "router"))
	router.Metrics = opts.Metrics

	return &Service{
		store:     opts.Store,
		locker:    opts.Locker,
		compress:  compressor,
		patient:   patient,
		evaluator: evaluator,
		router:    router,
		titler:    &Titler{LLM: opts.LLM, Prompts: opts.Prompts},
		fewShot:   opts.FewShotExamples,
		cfg:       cfg,
		logger:    opts.Logger.With(zap.String("component", "service")),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		now:       opts.Now,
	}, nil
}

// StartOptions customise a new session.
type StartOptions struct {
	// UserID scopes the session id to a user when set.
	UserID string
}

// StartSession creates and persists the initial state of a new session.
func (s *Service) StartSession(ctx context.Context, opts StartOptions) (*pkg.SessionState, error) {
	state := pkg.NewSessionState(newSessionID(opts.UserID), s.now())
	state.UserID = opts.UserID
	state = pkg.Merge(state, pkg.Update{FewShotExamples: pkg.String(s.fewShot)})
	state.Version = 1

	if err := s.store.Put(ctx, state); err != nil {
		s.logger.Error("persist new session", zap.String("session_id", state.SessionID), zap.Error(err))
		return nil, fmt.Errorf("persist new session: %w", err)
	}
	s.logger.Info("session started", zap.String("session_id", state.SessionID), zap.String("user_id", opts.UserID))
	return state, nil
}

// GetSession returns the latest checkpoint of a session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*pkg.SessionState, error) {
	state, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return state, nil
}

// ListSessions returns a user's sessions, most recently active first. A
// limit outside 1..MaxListedSessions means MaxListedSessions.
func (s *Service) ListSessions(ctx context.Context, userID string, limit int) ([]pkg.SessionInfo, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if limit <= 0 || limit > MaxListedSessions {
		limit = MaxListedSessions
	}
	infos, err := s.store.List(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return infos, nil
}

// EndSession compiles and stores the final grade report and ends the
// session. Calling it again returns the stored report without grading again.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*pkg.GradeReport, error) {
	ctx, span := s.tracer.Start(ctx, "session.end", trace.WithAttributes(attribute.String(observability.AttrSessionID, sessionID)))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	defer unlock()

	state, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.GradeReport != nil {
		return state.GradeReport, nil
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()
	report := s.evaluator.Compile(ctx, state)
	next := pkg.Merge(state, pkg.Update{GradeReport: report, End: true})
	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}
	s.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.Float64("overall_score", report.OverallScore),
		zap.String("letter_grade", report.LetterGrade),
	)
	return next.GradeReport, nil
}

// Wait blocks until background jobs such as title generation have finished.
func (s *Service) Wait() {
	s.jobs.Wait()
}

// persist writes next as the checkpoint following the one it was loaded at.
func (s *Service) persist(ctx context.Context, next *pkg.SessionState) error {
	next.Version++
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, next); err != nil {
		s.logger.Error("persist checkpoint",
			zap.String("session_id", next.SessionID),
			zap.Int("version", next.Version),
			zap.Error(err),
		)
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// newSessionID returns "<user>_<12 hex>" for a user, or a UUID otherwise.
func newSessionID(userID string) string {
	if userID == "" {
		return uuid.NewString()
	}
	return userID + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
