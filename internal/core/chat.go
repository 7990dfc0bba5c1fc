package core

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"ehr-chatbot/internal/llm"
	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/observability"
	"ehr-chatbot/pkg"
)

const (
	generateApology = "متأسفانه در تولید محتوای آموزشی خطایی رخ داد. لطفاً دوباره تلاش کنید.\n\nخطا: %s"
	chatApology     = "متأسفانه در پاسخ به سوال شما خطایی رخ داد. لطفاً دوباره تلاش کنید.\n\nخطا: %s"

	opGenerate = "generate"
	opChat     = "chat"
)

// Options are the model settings used for every call.
type Options struct {
	Model                string
	Temperature          float32
	EducationalMaxTokens int
	ChatMaxTokens        int
}

// Reply is the outcome of a non-streaming call.  Text is always displayable:
// on provider failure it holds a Persian apology and Err holds the cause.
type Reply struct {
	Text string
	Err  error
}

// Failed reports whether Text is a fallback apology.
func (r Reply) Failed() bool { return r.Err != nil }

// ChatInput is a follow-up question.  A non-nil History replaces whatever
// the session's memory holds before the question is answered.
type ChatInput struct {
	Question      string
	SessionID     int64
	History       []pkg.Turn
	ConditionData map[string]any
}

// Bot generates educational notes and answers follow-up questions.  It is
// safe for concurrent use across sessions; calls for the same session must
// be serialised by the caller (see MemoryStore.Lock).
type Bot struct {
	llm     llm.Client
	memory  *MemoryStore
	opts    Options
	log     *logging.Logger
	metrics *observability.Metrics
}

// NewBot wires the engine.  metrics may be nil.
func NewBot(client llm.Client, memory *MemoryStore, opts Options, log *logging.Logger, metrics *observability.Metrics) *Bot {
	if log == nil {
		log = logging.Discard()
	}
	return &Bot{llm: client, memory: memory, opts: opts, log: log, metrics: metrics}
}

// Memory exposes the session store so callers can lock or inspect it.
func (b *Bot) Memory() *MemoryStore { return b.memory }

// call is one prepared LLM invocation shared by both delivery modes.
type call struct {
	operation string
	sessionID int64
	messages  []llm.Message
	opts      llm.Options
	apology   string
	commit    func(text string)
}

func (b *Bot) prepareGenerate(name string, data map[string]any, sessionID int64) call {
	return call{
		operation: opGenerate,
		sessionID: sessionID,
		messages:  []llm.Message{llm.Human(EducationPrompt(name, data))},
		opts:      llm.Options{Model: b.opts.Model, Temperature: b.opts.Temperature, MaxTokens: b.opts.EducationalMaxTokens},
		apology:   generateApology,
		commit: func(text string) {
			b.memory.Append(sessionID, pkg.RoleSystem, ContextMarker(data))
			b.memory.Append(sessionID, pkg.RoleAssistant, text)
		},
	}
}

func (b *Bot) prepareChat(in ChatInput) call {
	if in.History != nil {
		b.memory.Load(in.SessionID, in.History)
	}
	turns := b.memory.GetOrCreate(in.SessionID).Turns()

	messages := make([]llm.Message, 0, len(turns)+2)
	messages = append(messages, llm.System(ConversationSystemMessage(in.ConditionData)))
	for _, t := range turns {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, llm.Human(in.Question))

	return call{
		operation: opChat,
		sessionID: in.SessionID,
		messages:  messages,
		opts:      llm.Options{Model: b.opts.Model, Temperature: b.opts.Temperature, MaxTokens: b.opts.ChatMaxTokens},
		apology:   chatApology,
		commit: func(text string) {
			b.memory.Append(in.SessionID, pkg.RoleUser, in.Question)
			b.memory.Append(in.SessionID, pkg.RoleAssistant, text)
		},
	}
}

// GenerateInitialContent writes the educational note for a condition and
// records it in the session's memory.
func (b *Bot) GenerateInitialContent(ctx context.Context, name string, data map[string]any, sessionID int64) Reply {
	return b.run(ctx, b.prepareGenerate(name, data, sessionID))
}

// GenerateInitialContentStream is GenerateInitialContent delivered in chunks.
func (b *Bot) GenerateInitialContentStream(ctx context.Context, name string, data map[string]any, sessionID int64) *Stream {
	return b.stream(ctx, b.prepareGenerate(name, data, sessionID))
}

// Chat answers a follow-up question using the session's memory.
func (b *Bot) Chat(ctx context.Context, in ChatInput) Reply {
	return b.run(ctx, b.prepareChat(in))
}

// ChatStream is Chat delivered in chunks.
func (b *Bot) ChatStream(ctx context.Context, in ChatInput) *Stream {
	return b.stream(ctx, b.prepareChat(in))
}

// ClearSession drops the in-memory turns of a session.
func (b *Bot) ClearSession(sessionID int64) {
	b.memory.Clear(sessionID)
	b.metrics.SetMemorySessions(b.memory.Sessions())
}

func (b *Bot) run(ctx context.Context, c call) Reply {
	start := time.Now()
	text, err := b.llm.Complete(ctx, c.messages, c.opts)
	b.metrics.ObserveLLM(c.operation, "sync", time.Since(start), err != nil)
	if err != nil {
		return Reply{Text: b.fallback(c, err), Err: err}
	}
	c.commit(text)
	b.metrics.SetMemorySessions(b.memory.Sessions())
	b.log.Debug("llm call completed", logging.Fields{"operation": c.operation, "session_id": c.sessionID, "chars": len(text)})
	return Reply{Text: text}
}

func (b *Bot) fallback(c call, err error) string {
	b.log.Warn("llm call failed", logging.Fields{"operation": c.operation, "session_id": c.sessionID, "error": err.Error()})
	return fmt.Sprintf(c.apology, err.Error())
}

func (b *Bot) stream(ctx context.Context, c call) *Stream {
	return &Stream{ctx: ctx, bot: b, call: c}
}

// Stream delivers a reply incrementally.  The provider connection is opened
// on the first Recv.  Memory is updated only when the provider finishes
// normally; a failure yields the apology as the final chunk.  Close must be
// called when the consumer stops early.
type Stream struct {
	ctx  context.Context
	bot  *Bot
	call call

	src     llm.Stream
	started time.Time
	text    strings.Builder
	done    bool
	err     error
}

// Recv returns the next chunk, or io.EOF when the reply is complete.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	if s.src == nil {
		s.started = time.Now()
		src, err := s.bot.llm.Stream(s.ctx, s.call.messages, s.call.opts)
		if err != nil {
			return s.fail(err), nil
		}
		s.src = src
	}
	chunk, err := s.src.Recv()
	if err == io.EOF {
		s.finish()
		return "", io.EOF
	}
	if err != nil {
		return s.fail(err), nil
	}
	s.text.WriteString(chunk)
	return chunk, nil
}

// Close releases the provider connection.  Closing before io.EOF abandons
// the reply without touching memory.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.src != nil {
		return s.src.Close()
	}
	return nil
}

// Text returns everything delivered so far, apology included.
func (s *Stream) Text() string { return s.text.String() }

// Err returns the provider error once the stream has failed.
func (s *Stream) Err() error { return s.err }

// Collect drains the stream and returns the full text.
func (s *Stream) Collect() string {
	defer s.Close()
	for {
		if _, err := s.Recv(); err != nil {
			break
		}
	}
	return s.Text()
}

func (s *Stream) finish() {
	s.done = true
	if s.src != nil {
		_ = s.src.Close()
	}
	s.bot.metrics.ObserveLLM(s.call.operation, "stream", time.Since(s.started), false)
	s.call.commit(s.text.String())
	s.bot.metrics.SetMemorySessions(s.bot.memory.Sessions())
}

func (s *Stream) fail(err error) string {
	s.done = true
	s.err = err
	if s.src != nil {
		_ = s.src.Close()
	}
	s.bot.metrics.ObserveLLM(s.call.operation, "stream", time.Since(s.started), true)
	msg := s.bot.fallback(s.call, err)
	s.text.WriteString(msg)
	return msg
}
