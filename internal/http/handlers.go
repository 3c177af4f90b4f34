package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"psychtrainer/internal/core"
	"psychtrainer/internal/db"
	"psychtrainer/pkg"
	"psychtrainer/pkg/logger"
)

const startMessage = "Session started. The patient is waiting for you."

// Sessions is the part of core.Service the handlers use.
type Sessions interface {
	StartSession(ctx context.Context, opts core.StartOptions) (*pkg.SessionState, error)
	GetSession(ctx context.Context, sessionID string) (*pkg.SessionState, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]pkg.SessionInfo, error)
	SubmitTurn(ctx context.Context, sessionID, message string) (*pkg.TurnResult, error)
	StreamTurn(ctx context.Context, sessionID, message string, sink core.TokenSink) (*pkg.TurnResult, error)
	EndSession(ctx context.Context, sessionID string) (*pkg.GradeReport, error)
}

// EventSource yields the ids of sessions whose checkpoint changed.
type EventSource interface {
	Listen(ctx context.Context) (<-chan string, error)
}

// Server bundles together the dependencies required by HTTP handlers. It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	Sessions Sessions
	// Events backs the session events endpoint; nil disables it.
	Events EventSource
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger

	upgrader websocket.Upgrader
}

// NewServer constructs a Server.
func NewServer(sessions Sessions, events EventSource, metrics http.Handler, log *zap.Logger) *Server {
	return &Server{
		Sessions: sessions,
		Events:   events,
		Metrics:  metrics,
		Logger:   logger.OrNop(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP dispatches incoming requests based on the URL path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/healthz" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case path == "/metrics" && r.Method == http.MethodGet && s.Metrics != nil:
		s.Metrics.ServeHTTP(w, r)
	case path == "/api/sessions" && r.Method == http.MethodGet:
		s.handleList(w, r)
	case path == "/api/session/start" && r.Method == http.MethodPost:
		s.handleStart(w, r)
	case path == "/api/session/chat" && r.Method == http.MethodPost:
		s.handleChat(w, r)
	case path == "/api/session/stream_chat" && r.Method == http.MethodPost:
		s.handleStreamChat(w, r)
	case path == "/api/session/end" && r.Method == http.MethodPost:
		s.handleEnd(w, r)
	// Session events: GET /api/session/{id}/events
	case strings.HasPrefix(path, "/api/session/") && strings.HasSuffix(path, "/events") && r.Method == http.MethodGet:
		parts := strings.Split(path, "/")
		if len(parts) != 5 || parts[3] == "" {
			http.NotFound(w, r)
			return
		}
		s.handleEvents(w, r, parts[3])
	// Resume: GET /api/session/{id}
	case strings.HasPrefix(path, "/api/session/") && r.Method == http.MethodGet:
		parts := strings.Split(path, "/")
		if len(parts) != 4 || parts[3] == "" {
			http.NotFound(w, r)
			return
		}
		s.handleGet(w, r, parts[3])
	case strings.HasPrefix(path, "/api/ws/") && r.Method == http.MethodGet:
		sessionID := strings.TrimPrefix(path, "/api/ws/")
		if sessionID == "" || strings.Contains(sessionID, "/") {
			http.NotFound(w, r)
			return
		}
		s.handleWebSocket(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req pkg.StartRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.Sessions.StartSession(r.Context(), core.StartOptions{UserID: strings.TrimSpace(req.UserID)})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg.SessionStartResponse{
		SessionID: state.SessionID,
		Message:   startMessage,
		Phase:     state.Phase,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, sessionID string) {
	state, err := s.Sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleList serves GET /api/sessions?user_id=...&limit=...
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	infos, err := s.Sessions.ListSessions(r.Context(), userID, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg.SessionListResponse{Sessions: infos})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r)
	if !ok {
		return
	}
	res, err := s.Sessions.SubmitTurn(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStreamChat runs a turn and streams the patient's reply as SSE token
// events followed by a done event carrying the turn result.
func (s *Server) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sink := &sseSink{w: w, flusher: flusher}
	res, err := s.Sessions.StreamTurn(r.Context(), req.SessionID, req.Message, sink)
	if err != nil {
		if !sink.started {
			s.writeServiceError(w, err)
			return
		}
		s.Logger.Warn("stream turn failed", zap.String("session_id", req.SessionID), zap.Error(err))
		_ = sink.event("error", map[string]string{"error": err.Error()})
		return
	}
	if err := sink.event("done", res); err != nil {
		s.Logger.Debug("stream client went away", zap.String("session_id", req.SessionID), zap.Error(err))
	}
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req pkg.SessionRequest
	if err := decodeBody(r, &req, false); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	report, err := s.Sessions.EndSession(r.Context(), req.SessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg.GradeResponse{SessionID: req.SessionID, Report: report})
}

// handleEvents sends the current session state, then a new state event each
// time the session is checkpointed, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.Events == nil {
		writeError(w, http.StatusNotImplemented, "session events require the postgres backend")
		return
	}
	ctx := r.Context()
	state, err := s.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	updates, err := s.Events.Listen(ctx)
	if err != nil {
		s.Logger.Error("listen for session events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event stream unavailable")
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	if err := sink.event("state", state); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-updates:
			if !ok {
				return
			}
			if id != sessionID {
				continue
			}
			state, err := s.Sessions.GetSession(ctx, sessionID)
			if err != nil {
				s.Logger.Warn("reload session for event", zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			if err := sink.event("state", state); err != nil {
				return
			}
		}
	}
}

type wsInbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type wsOutbound struct {
	Type string `json:"type"`
	*pkg.TurnResult
	Report *pkg.GradeReport `json:"report,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// handleWebSocket serves a chat session over a WebSocket. Each "message"
// frame runs a turn; an "end" frame grades the session and closes it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	if _, err := s.Sessions.GetSession(ctx, sessionID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()
	log := s.Logger.With(zap.String("session_id", sessionID))

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		switch in.Type {
		case "message":
			res, err := s.Sessions.SubmitTurn(ctx, sessionID, in.Content)
			if err != nil {
				if werr := conn.WriteJSON(wsOutbound{Type: "error", Error: err.Error()}); werr != nil {
					return
				}
				continue
			}
			if err := conn.WriteJSON(wsOutbound{Type: "patient_response", TurnResult: res}); err != nil {
				return
			}
		case "end":
			report, err := s.Sessions.EndSession(ctx, sessionID)
			if err != nil {
				_ = conn.WriteJSON(wsOutbound{Type: "error", Error: err.Error()})
				return
			}
			_ = conn.WriteJSON(wsOutbound{Type: "grade_report", Report: report})
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			return
		default:
			if err := conn.WriteJSON(wsOutbound{Type: "error", Error: fmt.Sprintf("unknown frame type %q", in.Type)}); err != nil {
				return
			}
		}
	}
}

// sseSink writes server-sent events and implements core.TokenSink.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) WriteToken(token string) error {
	return s.write("", map[string]string{"token": token})
}

func (s *sseSink) event(name string, payload any) error {
	return s.write(name, payload)
}

func (s *sseSink) write(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.started = true
	}
	if name != "" {
		if _, err := io.WriteString(s.w, "event: "+name+"\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(s.w, "data: "+string(data)+"\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func decodeChat(w http.ResponseWriter, r *http.Request) (pkg.ChatRequest, bool) {
	var req pkg.ChatRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return req, false
	}
	return req, true
}

// decodeBody reads a JSON body into v. An empty body is accepted only when
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.Is(err, io.EOF):
		return errors.New("request body is required")
	default:
		return fmt.Errorf("invalid request body: %w", err)
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrEmptyMessage), errors.Is(err, core.ErrUserRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrSessionEnded), errors.Is(err, db.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.Logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
