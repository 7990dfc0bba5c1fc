package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"ehr-chatbot/internal/logging"
)

const keepAliveInterval = 25 * time.Second

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Stream-ID", uuid.NewString())
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// event writes one event.  An empty name produces a default "message"
// event.  data is JSON encoded so newlines never split the payload.
func (s *sseWriter) event(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	fmt.Fprintf(&b, "data: %s\n\n", payload)
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) comment(text string) error {
	if _, err := io.WriteString(s.w, ": "+text+"\n\n"); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) flush() error {
	if err := s.rc.Flush(); err != nil && err != http.ErrNotSupported {
		return err
	}
	return nil
}

// chunkSource is satisfied by core.Stream and service.PersistingStream.
type chunkSource interface {
	Recv() (string, error)
	Close() error
}

type chunkEvent struct {
	Chunk string `json:"chunk"`
}

var errClientGone = errors.New("stream client gone")

// pipeStream relays every chunk as a data event.  It returns the error that
// ended the stream: nil on io.EOF, errClientGone when writing failed.  The
// caller owns closing src.
func (s *Server) pipeStream(r *http.Request, sse *sseWriter, src chunkSource) error {
	for {
		chunk, err := src.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if chunk == "" {
			continue
		}
		if err := sse.event("", chunkEvent{Chunk: chunk}); err != nil {
			s.log.Debug("stream client gone", logging.Fields{"request_id": requestID(r.Context()), "error": err.Error()})
			return errClientGone
		}
	}
}
