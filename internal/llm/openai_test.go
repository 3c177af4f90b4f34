package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, schema bool) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "test-model", JSONSchema: schema})
}

func TestOpenAIClient_Complete(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"examination"},"finish_reason":"stop"}]}`)
	}, false)

	out, err := client.Complete(context.Background(), Request{
		Messages:    []Message{{Role: RoleSystem, Content: "classify"}, {Role: "patient", Content: "hello"}},
		MaxTokens:   10,
		Temperature: 0,
		JSON:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "examination", out)

	assert.Equal(t, "test-model", body["model"])
	assert.EqualValues(t, 10, body["max_tokens"])
	assert.Greater(t, body["temperature"].(float64), 0.0)
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[1].(map[string]any)["role"])
}

func TestOpenAIClient_CompleteSchema(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{}"}}]}`)
	}, true)

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "grade"}},
		Schema:   &Schema{Name: "grade_report", Definition: json.RawMessage(`{"type":"object"}`)},
	})
	require.NoError(t, err)
	format := body["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	assert.Equal(t, "grade_report", format["json_schema"].(map[string]any)["name"])
}

func TestOpenAIClient_CompleteErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
			},
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":[]}`)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler, false)
			_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
			require.Error(t, err)
			assert.True(t, IsProviderError(err))
		})
	}
}

func TestOpenAIClient_Stream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"I'm", " fine", "."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}, false)

	stream, err := client.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "how are you"}}})
	require.NoError(t, err)
	defer stream.Close()

	var got []string
	for {
		tok, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, tok)
	}
	assert.Equal(t, []string{"I'm", " fine", "."}, got)
}

func TestProviderError(t *testing.T) {
	inner := errors.New("boom")
	err := fmt.Errorf("patient: %w", &ProviderError{Op: "complete", Err: inner})
	assert.True(t, IsProviderError(err))
	assert.ErrorIs(t, err, inner)
	assert.False(t, IsProviderError(inner))
}
