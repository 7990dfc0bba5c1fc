package service

import (
	"io"
	"sync"

	"ehr-chatbot/internal/core"
	"ehr-chatbot/pkg"
)

// PersistingStream wraps a core.Stream and stores the finished reply.  The
// session lock taken when the stream was opened is released by Close.
type PersistingStream struct {
	*core.Stream

	unlock func()
	save   func(text string) (*pkg.Message, error)

	once    sync.Once
	closed  bool
	saved   *pkg.Message
	saveErr error
}

// Recv returns the next chunk.  On io.EOF the full reply, or the apology
// when the provider failed, has been persisted; a storage error replaces
// io.EOF.
func (p *PersistingStream) Recv() (string, error) {
	if p.closed {
		return "", io.EOF
	}
	chunk, err := p.Stream.Recv()
	if err == io.EOF {
		p.once.Do(func() {
			p.saved, p.saveErr = p.save(p.Stream.Text())
		})
		if p.saveErr != nil {
			return "", p.saveErr
		}
	}
	return chunk, err
}

// Collect drains the stream, persists the reply and closes the stream.
func (p *PersistingStream) Collect() (string, error) {
	defer p.Close()
	for {
		if _, err := p.Recv(); err != nil {
			if err == io.EOF {
				return p.Stream.Text(), nil
			}
			return p.Stream.Text(), err
		}
	}
}

// Message returns the stored assistant message once the stream completed.
func (p *PersistingStream) Message() *pkg.Message { return p.saved }

// Fallback reports whether the delivered text is an apology.
func (p *PersistingStream) Fallback() bool { return p.Stream.Err() != nil }

// Close releases the provider connection and the session lock.  Closing
// before io.EOF stores nothing.
func (p *PersistingStream) Close() error {
	p.closed = true
	err := p.Stream.Close()
	if p.unlock != nil {
		p.unlock()
		p.unlock = nil
	}
	return err
}
