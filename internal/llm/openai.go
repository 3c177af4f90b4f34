package llm

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultBaseURL points at Groq's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.groq.com/openai/v1"

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// EmbeddingModel is used by Embed.
	EmbeddingModel string
	// Timeout bounds each non-streaming call. Zero means no extra bound.
	Timeout time.Duration
	// JSONSchema enables json_schema response formats. When false, schema
	// requests are sent as plain json_object requests.
	JSONSchema bool
}

// OpenAIClient calls an OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel string
	timeout        time.Duration
	jsonSchema     bool
}

// NewOpenAIClient constructs an OpenAI-backed client, falling back to
// sensible defaults for anything left empty.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	model := cfg.Model
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = string(openai.SmallEmbedding3)
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(oc),
		model:          model,
		embeddingModel: embeddingModel,
		timeout:        cfg.Timeout,
		jsonSchema:     cfg.JSONSchema,
	}
}

// Complete sends the messages to the chat completion API and returns the
// first choice's content.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.client == nil {
		return "", &ProviderError{Op: "complete", Err: errors.New("openai client not initialized")}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		return "", &ProviderError{Op: "complete", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Op: "complete", Err: ErrEmptyResponse}
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream opens a streaming chat completion.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Stream, error) {
	if c.client == nil {
		return nil, &ProviderError{Op: "stream", Err: errors.New("openai client not initialized")}
	}
	s, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, &ProviderError{Op: "stream", Err: err}
	}
	return &openaiStream{stream: s}, nil
}

// Embed returns the embedding of text. It satisfies the embedding function
// shape used by the vector store.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, &ProviderError{Op: "embed", Err: err}
	}
	if len(resp.Data) == 0 {
		return nil, &ProviderError{Op: "embed", Err: ErrEmptyResponse}
	}
	return resp.Data[0].Embedding, nil
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	// go-openai drops a zero temperature from the payload, which makes the
	// API apply its default of 1.
	temp := req.Temperature
	if temp == 0 {
		temp = math.SmallestNonzeroFloat32
	}

	out := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: temp,
		Stream:      stream,
	}
	switch {
	case req.Schema != nil && c.jsonSchema:
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Schema.Name,
				Schema: req.Schema.Definition,
				Strict: true,
			},
		}
	case req.JSON || req.Schema != nil:
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", &ProviderError{Op: "stream", Err: err}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
		if resp.Choices[0].FinishReason != "" {
			return "", io.EOF
		}
	}
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
