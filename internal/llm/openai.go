package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"ehr-chatbot/pkg"
)

// Message is a role-tagged chat message sent to the provider.
type Message struct {
	Role    pkg.Role
	Content string
}

func System(content string) Message    { return Message{Role: pkg.RoleSystem, Content: content} }
func Human(content string) Message     { return Message{Role: pkg.RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: pkg.RoleAssistant, Content: content} }

// Options controls a single completion request.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Stream is a finite, single-use sequence of text increments.  Recv returns
// io.EOF once the completion is exhausted.  Close releases the underlying
// connection and may be called at any point, more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client is the provider contract used by the chatbot engine.
type Client interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
	Stream(ctx context.Context, messages []Message, opts Options) (Stream, error)
}

// Settings configures an OpenAIClient.
type Settings struct {
	APIKey string
	// BaseURL overrides the endpoint for OpenAI-compatible providers.
	BaseURL string
	// RequestsPerSecond throttles outgoing calls; zero disables throttling.
	RequestsPerSecond float64
}

// OpenAIClient calls an OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client  *openai.Client
	limiter *rate.Limiter
}

// NewOpenAIClient constructs an OpenAI-backed client.
func NewOpenAIClient(s Settings) *OpenAIClient {
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	c := &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
	if s.RequestsPerSecond > 0 {
		burst := int(s.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.RequestsPerSecond), burst)
	}
	return c
}

func (c *OpenAIClient) request(messages []Message, opts Options, stream bool) openai.ChatCompletionRequest {
	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: openaiRole(m.Role), Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    oaMsgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
}

func openaiRole(r pkg.Role) string {
	switch r {
	case pkg.RoleSystem:
		return openai.ChatMessageRoleSystem
	case pkg.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func (c *OpenAIClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("llm: rate limit wait: %w", err)
	}
	return nil
}

// Complete sends the messages and returns the full assistant reply.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages, opts, false))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream opens a streaming completion.
func (c *OpenAIClient) Stream(ctx context.Context, messages []Message, opts Options) (Stream, error) {
	if c.client == nil {
		return nil, errors.New("openai client not initialized")
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	s, err := c.client.CreateChatCompletionStream(ctx, c.request(messages, opts, true))
	if err != nil {
		return nil, err
	}
	return &openaiStream{stream: s}, nil
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	closed bool
}

func (s *openaiStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openaiStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Close()
	return nil
}
