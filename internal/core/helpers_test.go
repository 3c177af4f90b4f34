package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"psychtrainer/internal/db"
	"psychtrainer/internal/llm"
	"psychtrainer/internal/retrieval"
	"psychtrainer/pkg"
)

const validGradeJSON = `{
  "overall_score": 84,
  "letter_grade": "B",
  "summary": "Warm and structured interview.",
  "criteria": [
    {"criterion": "Rapport Building", "score": 9, "feedback": "Introduced themselves."},
    {"criterion": "risk assessment", "score": 6, "feedback": "Asked late about self-harm."}
  ],
  "strengths": ["Open questions"],
  "improvements": ["Screen for risk earlier"]
}`

// nodeOf tells pipeline calls apart by their generation parameters.
func nodeOf(req llm.Request) string {
	switch {
	case req.JSON:
		return "grade"
	case req.MaxTokens == 150:
		return "patient"
	case req.MaxTokens == 250:
		return "compressor"
	case req.MaxTokens == 100:
		return "evaluator"
	case req.MaxTokens == 10:
		return "router"
	case req.MaxTokens == 20:
		return "title"
	default:
		return "unknown"
	}
}

var scriptDefaults = map[string]string{
	"patient":    "I haven't been sleeping well.",
	"compressor": "Earlier the patient described poor sleep.",
	"evaluator":  "[+] Good opening question.",
	"router":     "introduction",
	"title":      `"OCD Initial Assessment"`,
	"grade":      validGradeJSON,
}

// script answers each node from a queue, repeating the last entry, or the
// node default when no queue is set.
type script struct {
	mu      sync.Mutex
	replies map[string][]string
	fail    map[string]bool
}

func newScript() *script {
	return &script{replies: map[string][]string{}, fail: map[string]bool{}}
}

func (s *script) on(node string, replies ...string) *script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[node] = replies
	return s
}

func (s *script) failing(nodes ...string) *script {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.fail[n] = true
	}
	return s
}

func (s *script) respond(req llm.Request) (string, error) {
	node := nodeOf(req)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[node] {
		return "", &llm.ProviderError{Op: "complete", Err: fmt.Errorf("%s unavailable", node)}
	}
	q := s.replies[node]
	if len(q) == 0 {
		return scriptDefaults[node], nil
	}
	out := q[0]
	if len(q) > 1 {
		s.replies[node] = q[1:]
	}
	return out, nil
}

func (s *script) client() *llm.MockClient {
	return &llm.MockClient{Respond: s.respond}
}

func countCalls(m *llm.MockClient, node string) int {
	n := 0
	for _, c := range m.Calls() {
		if nodeOf(c) == node {
			n++
		}
	}
	return n
}

func testRetriever() retrieval.Static {
	return retrieval.Static{
		retrieval.DomainPatient: {"James is 21 and studies engineering."},
		retrieval.DomainMedical: {"OCD involves obsessions and compulsions."},
		retrieval.DomainRubric:  {"Ask about suicidal ideation."},
	}
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, string, retrieval.Domain, int) (string, error) {
	return "", errors.New("index offline")
}

func fixedNow() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

func stateWith(msgs ...pkg.ChatMessage) *pkg.SessionState {
	s := pkg.NewSessionState("s1", fixedNow())
	s.Messages = msgs
	return s
}

func student(content string) pkg.ChatMessage { return pkg.NewMessage(pkg.RoleStudent, content) }
func patient(content string) pkg.ChatMessage { return pkg.NewMessage(pkg.RolePatient, content) }

// exchange returns n alternating student/patient messages.
func exchange(n int) []pkg.ChatMessage {
	out := make([]pkg.ChatMessage, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = student(fmt.Sprintf("question %d", i))
		} else {
			out[i] = patient(fmt.Sprintf("answer %d", i))
		}
	}
	return out
}

// collectSink records tokens and can fail after a number of writes.
type collectSink struct {
	mu        sync.Mutex
	tokens    []string
	failAfter int
}

func (c *collectSink) WriteToken(tok string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && len(c.tokens) >= c.failAfter {
		return io.ErrClosedPipe
	}
	c.tokens = append(c.tokens, tok)
	return nil
}

func (c *collectSink) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := ""
	for _, t := range c.tokens {
		out += t
	}
	return out
}

// brokenStreamClient streams parts and then fails with err.
type brokenStreamClient struct {
	parts []string
	err   error
}

func (c *brokenStreamClient) Complete(context.Context, llm.Request) (string, error) {
	return "", c.err
}

func (c *brokenStreamClient) Stream(context.Context, llm.Request) (llm.Stream, error) {
	return &brokenStream{parts: append([]string{}, c.parts...), err: c.err}, nil
}

type brokenStream struct {
	parts []string
	err   error
}

func (s *brokenStream) Recv() (string, error) {
	if len(s.parts) == 0 {
		return "", s.err
	}
	p := s.parts[0]
	s.parts = s.parts[1:]
	return p, nil
}

func (s *brokenStream) Close() error { return nil }

// conflictStore fails every put after the first with a version conflict.
type conflictStore struct {
	*db.MemoryStore
	puts int
}

func (c *conflictStore) Put(ctx context.Context, state *pkg.SessionState) error {
	c.puts++
	if c.puts > 1 {
		return fmt.Errorf("%w: simulated", db.ErrVersionConflict)
	}
	return c.MemoryStore.Put(ctx, state)
}

func newTestService(t *testing.T, client llm.Client, mutate ...func(*Options)) (*Service, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	opts := Options{
		Store:     store,
		LLM:       client,
		Retriever: testRetriever(),
		Now:       fixedNow,
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Wait)
	return svc, store
}
