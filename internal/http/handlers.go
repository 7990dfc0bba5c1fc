package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"ehr-chatbot/internal/core"
	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/service"
	"ehr-chatbot/pkg"
)

type doneEvent struct {
	Success   bool   `json:"success"`
	Fallback  bool   `json:"fallback,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleGenerateInitialMessage writes the educational note for a condition
// without touching the database.
func (s *Server) handleGenerateInitialMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readGenerateRequest(w, r)
	if !ok {
		return
	}
	unlock := s.svc.Bot().Memory().Lock(req.SessionID)
	defer unlock()
	reply := s.svc.Bot().GenerateInitialContent(r.Context(), req.Context.Name(), req.Context.ConditionData, req.SessionID)
	respondJSON(w, http.StatusOK, pkg.GenerateInitialMessageResponse{
		Message:  reply.Text,
		Success:  true,
		Fallback: reply.Failed(),
	})
}

func (s *Server) handleGenerateInitialMessageStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readGenerateRequest(w, r)
	if !ok {
		return
	}
	unlock := s.svc.Bot().Memory().Lock(req.SessionID)
	defer unlock()
	stream := s.svc.Bot().GenerateInitialContentStream(r.Context(), req.Context.Name(), req.Context.ConditionData, req.SessionID)
	s.relay(w, r, stream, func() doneEvent {
		return doneEvent{Success: true, Fallback: stream.Err() != nil}
	})
}

func (s *Server) readGenerateRequest(w http.ResponseWriter, r *http.Request) (*pkg.GenerateInitialMessageRequest, bool) {
	var req pkg.GenerateInitialMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if strings.TrimSpace(req.Context.Name()) == "" {
		respondError(w, http.StatusBadRequest, "context.condition_name is required")
		return nil, false
	}
	return &req, true
}

// handleChat answers a question statelessly: history comes from the
// request or from process memory.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	in, ok := s.readChatRequest(w, r)
	if !ok {
		return
	}
	unlock := s.svc.Bot().Memory().Lock(in.SessionID)
	defer unlock()
	reply := s.svc.Bot().Chat(r.Context(), in)
	respondJSON(w, http.StatusOK, pkg.ChatResponse{
		Answer:   reply.Text,
		Success:  true,
		Fallback: reply.Failed(),
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	in, ok := s.readChatRequest(w, r)
	if !ok {
		return
	}
	unlock := s.svc.Bot().Memory().Lock(in.SessionID)
	defer unlock()
	stream := s.svc.Bot().ChatStream(r.Context(), in)
	s.relay(w, r, stream, func() doneEvent {
		return doneEvent{Success: true, Fallback: stream.Err() != nil}
	})
}

func (s *Server) readChatRequest(w http.ResponseWriter, r *http.Request) (core.ChatInput, bool) {
	var req pkg.ChatRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return core.ChatInput{}, false
	}
	history, err := toTurns(req.ConversationHistory)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return core.ChatInput{}, false
	}
	return core.ChatInput{
		Question:      req.Question,
		SessionID:     *req.SessionID,
		History:       history,
		ConditionData: req.ConditionData,
	}, true
}

// toTurns converts client history.  An empty list is treated like an absent
// one so memory is kept.
func toTurns(payload []pkg.TurnPayload) ([]pkg.Turn, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	turns := make([]pkg.Turn, 0, len(payload))
	for _, p := range payload {
		role, err := pkg.ParseRole(p.Role)
		if err != nil {
			return nil, err
		}
		turns = append(turns, pkg.Turn{Role: role, Content: p.Content})
	}
	return turns, nil
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.svc.ClearMemory(id)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}

// relay streams src as SSE and finishes with a done event, or an error
// event when the stream could not be completed.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, src chunkSource, done func() doneEvent) {
	defer src.Close()
	sse := newSSEWriter(w)
	err := s.pipeStream(r, sse, src)
	switch {
	case errors.Is(err, errClientGone):
		return
	case err != nil:
		s.log.Error("stream failed", logging.Fields{"request_id": requestID(r.Context()), "error": err.Error()})
		_ = sse.event("error", doneEvent{Success: false, Error: err.Error()})
		return
	}
	_ = sse.event("done", done())
}

type createSessionResponse struct {
	Success bool `json:"success"`
	*service.StartSessionResult
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in service.StartSessionInput
	if err := s.decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.StartSession(r.Context(), in)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, createSessionResponse{Success: true, StartSessionResult: res})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, msgs, err := s.svc.Messages(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []pkg.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "session": sess, "messages": msgs})
}

type postMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type messageResponse struct {
	Success  bool         `json:"success"`
	Fallback bool         `json:"fallback,omitempty"`
	Message  *pkg.Message `json:"message"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, content, ok := s.readPostMessage(w, r)
	if !ok {
		return
	}
	msg, fallback, err := s.svc.SendMessage(r.Context(), id, content)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Success: true, Fallback: fallback, Message: msg})
}

func (s *Server) handlePostMessageStream(w http.ResponseWriter, r *http.Request) {
	id, content, ok := s.readPostMessage(w, r)
	if !ok {
		return
	}
	stream, err := s.svc.SendMessageStream(r.Context(), id, content)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.relay(w, r, stream, func() doneEvent { return persistedDone(stream) })
}

func (s *Server) readPostMessage(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return 0, "", false
	}
	var req postMessageRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return 0, "", false
	}
	return id, req.Content, true
}

func persistedDone(stream *service.PersistingStream) doneEvent {
	ev := doneEvent{Success: true, Fallback: stream.Fallback()}
	if m := stream.Message(); m != nil {
		ev.MessageID = m.ID
	}
	return ev
}

// handleGenerateEducation regenerates the note of a stored session.  With
// ?stream=1 the note is delivered as SSE.
func (s *Server) handleGenerateEducation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("stream") == "1" {
		stream, err := s.svc.GenerateEducationStream(r.Context(), id)
		if err != nil {
			s.respondServiceError(w, r, err)
			return
		}
		s.relay(w, r, stream, func() doneEvent { return persistedDone(stream) })
		return
	}
	msg, fallback, err := s.svc.GenerateEducation(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Success: true, Fallback: fallback, Message: msg})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.svc.Summary(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id, "summary": summary})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.DeleteSession(r.Context(), id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}

func (s *Server) handleUserOverview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ov, err := s.svc.UserOverview(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "overview": ov})
}

// handleSessionEvents keeps an SSE connection open and emits the latest
// message each time the session is updated.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotFound, "session events are not enabled")
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	if _, _, err := s.svc.Messages(ctx, id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	updates, cancel := s.events.Subscribe(id)
	defer cancel()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	sse := newSSEWriter(w)
	if err := sse.event("ready", map[string]any{"session_id": id}); err != nil {
		return
	}
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		case _, ok := <-updates:
			if !ok {
				_ = sse.event("closed", map[string]any{"session_id": id})
				return
			}
			_, msgs, err := s.svc.Messages(ctx, id)
			if err != nil {
				s.log.Warn("session events reload failed", logging.Fields{"session_id": id, "error": err.Error()})
				continue
			}
			payload := map[string]any{"session_id": id, "count": len(msgs)}
			if len(msgs) > 0 {
				payload["message"] = msgs[len(msgs)-1]
			}
			if err := sse.event("update", payload); err != nil {
				return
			}
		}
	}
}
