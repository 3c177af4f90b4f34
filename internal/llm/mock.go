package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// MockClient is a scripted Client for tests. Respond decides the output of
// every call; when nil, "Mock response" is returned.
type MockClient struct {
	Respond func(req Request) (string, error)

	mu    sync.Mutex
	calls []Request
}

// NewFailingClient returns a MockClient whose every call fails.
func NewFailingClient() *MockClient {
	return &MockClient{Respond: func(Request) (string, error) {
		return "", &ProviderError{Op: "complete", Err: errors.New("upstream unavailable")}
	}}
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req Request) (string, error) {
	m.record(req)
	if err := ctx.Err(); err != nil {
		return "", &ProviderError{Op: "complete", Err: err}
	}
	if m.Respond == nil {
		return "Mock response", nil
	}
	return m.Respond(req)
}

// Stream implements Client by splitting the scripted output into words.
func (m *MockClient) Stream(ctx context.Context, req Request) (Stream, error) {
	out, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	var parts []string
	for i, w := range strings.Fields(out) {
		if i > 0 {
			w = " " + w
		}
		parts = append(parts, w)
	}
	return &sliceStream{parts: parts}, nil
}

// Calls returns every request seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request{}, m.calls...)
}

func (m *MockClient) record(req Request) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
}

type sliceStream struct {
	parts []string
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.parts) == 0 {
		return "", io.EOF
	}
	p := s.parts[0]
	s.parts = s.parts[1:]
	return p, nil
}

func (s *sliceStream) Close() error { return nil }
