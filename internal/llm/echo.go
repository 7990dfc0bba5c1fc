package llm

import (
	"context"
	"io"
	"strings"
	"unicode/utf8"
)

// EchoClient is an offline provider that answers with its own input.  The
// reply is every message content joined by a blank line, so a single-message
// request echoes the prompt verbatim.  It backs LLM_PROVIDER=echo and tests.
type EchoClient struct {
	// ChunkRunes is the size of stream increments; zero means 16.
	ChunkRunes int
}

func (e EchoClient) reply(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}

func (e EchoClient) Complete(ctx context.Context, messages []Message, _ Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.reply(messages), nil
}

func (e EchoClient) Stream(ctx context.Context, messages []Message, _ Options) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := e.ChunkRunes
	if size <= 0 {
		size = 16
	}
	return &textStream{ctx: ctx, rest: e.reply(messages), size: size}, nil
}

// textStream splits a string into rune-aligned chunks.
type textStream struct {
	ctx    context.Context
	rest   string
	size   int
	closed bool
}

func (s *textStream) Recv() (string, error) {
	if s.closed || s.rest == "" {
		return "", io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	n, i := 0, 0
	for i < len(s.rest) && n < s.size {
		_, w := utf8.DecodeRuneInString(s.rest[i:])
		i += w
		n++
	}
	chunk := s.rest[:i]
	s.rest = s.rest[i:]
	return chunk, nil
}

func (s *textStream) Close() error {
	s.closed = true
	return nil
}
