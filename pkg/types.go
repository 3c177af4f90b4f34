package pkg

import (
	"sort"
	"time"
)

// MessageRole describes who authored a message.
type MessageRole string

const (
	RoleStudent MessageRole = "student"
	RolePatient MessageRole = "patient"
	RoleSystem  MessageRole = "system"
)

// Phase is a stage of the simulated clinical interview. Phases are ordered
// and a session only ever moves forward through them.
type Phase string

const (
	PhaseIntroduction Phase = "introduction"
	PhaseExamination  Phase = "examination"
	PhaseDiagnosis    Phase = "diagnosis"
	PhaseDebrief      Phase = "debrief"
)

// Phases lists every phase in interview order.
var Phases = []Phase{PhaseIntroduction, PhaseExamination, PhaseDiagnosis, PhaseDebrief}

// Ordinal returns the position of p in interview order, or -1 for an
// unknown phase.
func (p Phase) Ordinal() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool { return p.Ordinal() >= 0 }

// DefaultTitle is the placeholder title of a session until the first
// exchange has been summarised into a real one.
const DefaultTitle = "New Conversation"

// ChatMessage is a single message in the interview transcript. Messages are
// treated as immutable once created.
type ChatMessage struct {
	Role     MessageRole       `json:"role"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewMessage builds a ChatMessage with optional metadata key/value pairs.
func NewMessage(role MessageRole, content string, kv ...string) ChatMessage {
	m := ChatMessage{Role: role, Content: content}
	if len(kv) > 1 {
		m.Metadata = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			m.Metadata[kv[i]] = kv[i+1]
		}
	}
	return m
}

// SessionState is the versioned record of one conversation and the unit of
// persistence. It is only ever changed through Merge.
type SessionState struct {
	SessionID string `json:"session_id"`
	// Version is bumped by exactly one on every successful checkpoint write.
	Version int    `json:"version"`
	UserID  string `json:"user_id,omitempty"`
	Title   string `json:"title"`

	Phase          Phase         `json:"phase"`
	Messages       []ChatMessage `json:"messages"`
	Summary        string        `json:"summary"`
	ProfessorNotes []string      `json:"professor_notes"`
	TurnCount      int           `json:"turn_count"`
	IsEnded        bool          `json:"is_ended"`
	GradeReport    *GradeReport  `json:"grade_report,omitempty"`

	// Last retrieved context. Informational only and safe to recompute.
	PatientContext  string `json:"patient_context"`
	GradingCriteria string `json:"grading_criteria"`
	MedicalContext  string `json:"medical_context"`
	FewShotExamples string `json:"few_shot_examples"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSessionState returns the initial state of a session: introduction
// phase, zeroed counters and the placeholder title.
func NewSessionState(sessionID string, now time.Time) *SessionState {
	return &SessionState{
		SessionID:      sessionID,
		Title:          DefaultTitle,
		Phase:          PhaseIntroduction,
		Messages:       []ChatMessage{},
		ProfessorNotes: []string{},
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// LastMessage returns the most recent message, if any.
func (s *SessionState) LastMessage() (ChatMessage, bool) {
	if len(s.Messages) == 0 {
		return ChatMessage{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastMessageBy returns the most recent message authored by role.
func (s *SessionState) LastMessageBy(role MessageRole) (ChatMessage, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == role {
			return s.Messages[i], true
		}
	}
	return ChatMessage{}, false
}

// Clone returns a deep copy of the state.
func (s *SessionState) Clone() *SessionState {
	c := *s
	c.Messages = cloneMessages(s.Messages)
	c.ProfessorNotes = append([]string{}, s.ProfessorNotes...)
	if s.GradeReport != nil {
		r := s.GradeReport.clone()
		c.GradeReport = &r
	}
	return &c
}

func cloneMessages(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Metadata != nil {
			md := make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = v
			}
			out[i].Metadata = md
		}
	}
	return out
}

// SessionInfo is the listing entry of a session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Phase     Phase     `json:"phase"`
	TurnCount int       `json:"turn_count"`
	IsEnded   bool      `json:"is_ended"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Info returns the listing entry of s.
func (s *SessionState) Info() SessionInfo {
	return SessionInfo{
		SessionID: s.SessionID,
		Title:     s.Title,
		Phase:     s.Phase,
		TurnCount: s.TurnCount,
		IsEnded:   s.IsEnded,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// SortSessionInfos orders sessions most recently active first.
func SortSessionInfos(infos []SessionInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].SessionID < infos[j].SessionID
	})
}

// TurnResult is what a caller gets back after submitting a student message.
type TurnResult struct {
	SessionID     string  `json:"session_id"`
	PatientReply  string  `json:"patient_response"`
	Phase         Phase   `json:"phase"`
	TurnCount     int     `json:"turn_count"`
	ProfessorNote *string `json:"professor_note"`
	IsEnded       bool    `json:"is_ended"`
}

// ChatRequest is the body of a chat or stream_chat request.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// StartRequest is the optional body of a session start request.
type StartRequest struct {
	UserID string `json:"user_id"`
}

// SessionRequest identifies a session, e.g. when ending it.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// SessionStartResponse is returned when a new session is created.
type SessionStartResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Phase     Phase  `json:"phase"`
}

// SessionListResponse lists a user's sessions.
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// GradeResponse carries the final report of an ended session.
type GradeResponse struct {
	SessionID string       `json:"session_id"`
	Report    *GradeReport `json:"report"`
}
