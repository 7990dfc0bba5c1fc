package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ehr-chatbot/pkg"
)

func newTestServer(t *testing.T, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		*seen = req

		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
				Choices: []openai.ChatCompletionChoice{{
					Message: openai.ChatCompletionMessage{Role: "assistant", Content: "سلام"},
				}},
			})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"سل", "", "ام"} {
			chunk := openai.ChatCompletionStreamResponse{
				Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: part}}},
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIClientComplete(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := newTestServer(t, &seen)
	defer srv.Close()

	c := NewOpenAIClient(Settings{APIKey: "sk-test", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(),
		[]Message{System("sys"), Human("q"), Assistant("a")},
		Options{Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 500})
	require.NoError(t, err)

	assert.Equal(t, "سلام", out)
	assert.Equal(t, "gpt-4o-mini", seen.Model)
	assert.Equal(t, 500, seen.MaxTokens)
	require.Len(t, seen.Messages, 3)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "user", seen.Messages[1].Role)
	assert.Equal(t, "assistant", seen.Messages[2].Role)
}

func TestOpenAIClientStream(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := newTestServer(t, &seen)
	defer srv.Close()

	c := NewOpenAIClient(Settings{APIKey: "sk-test", BaseURL: srv.URL, RequestsPerSecond: 100})
	s, err := c.Stream(context.Background(), []Message{Human("q")}, Options{Model: "m"})
	require.NoError(t, err)
	defer s.Close()

	var sb strings.Builder
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.NotEmpty(t, chunk)
		sb.WriteString(chunk)
	}
	assert.True(t, seen.Stream)
	assert.Equal(t, "سلام", sb.String())

	require.NoError(t, s.Close())
	_, err = s.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestOpenAIClientProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(Settings{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), []Message{Human("q")}, Options{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestEchoClientStreamMatchesComplete(t *testing.T) {
	ctx := context.Background()
	msgs := []Message{System("دستور"), Human("سوال بیمار درباره دیابت")}
	e := EchoClient{ChunkRunes: 3}

	full, err := e.Complete(ctx, msgs, Options{})
	require.NoError(t, err)

	s, err := e.Stream(ctx, msgs, Options{})
	require.NoError(t, err)
	var sb strings.Builder
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sb.WriteString(chunk)
	}
	assert.Equal(t, full, sb.String())
	assert.Equal(t, "دستور\n\nسوال بیمار درباره دیابت", full)
}

func TestEchoStreamCloseStopsEarly(t *testing.T) {
	s, err := EchoClient{ChunkRunes: 1}.Stream(context.Background(), []Message{Human("abc")}, Options{})
	require.NoError(t, err)

	first, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", first)

	require.NoError(t, s.Close())
	_, err = s.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestMessageConstructorsUseClosedRoles(t *testing.T) {
	assert.Equal(t, pkg.RoleSystem, System("x").Role)
	assert.Equal(t, pkg.RoleUser, Human("x").Role)
	assert.Equal(t, pkg.RoleAssistant, Assistant("x").Role)
}
