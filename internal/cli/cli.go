// Package cli implements the JSON-in/JSON-out protocol used by backends that
// drive the chatbot as a subprocess.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"ehr-chatbot/internal/core"
	"ehr-chatbot/internal/service"
	"ehr-chatbot/pkg"
)

var (
	// ErrUnknownAction is returned for unrecognised action or command names.
	ErrUnknownAction = errors.New("unknown action")
	// ErrNoStore is returned when a session action runs without a database.
	ErrNoStore = errors.New("this action requires DATABASE_URL")
)

// Request is the union of every action's fields.  Exactly one of Action and
// Command selects the handler; Command is the older, stateless protocol.
type Request struct {
	Action  string `json:"action"`
	Command string `json:"command"`

	UserID          int64          `json:"user_id"`
	UserName        string         `json:"user_name"`
	ConditionName   string         `json:"condition_name"`
	ConditionNameEn string         `json:"condition_name_en"`
	PatientData     map[string]any `json:"patient_data"`
	GenerateInitial bool           `json:"generate_initial_content"`

	SessionID *int64 `json:"session_id"`
	Message   string `json:"message"`

	Question            string            `json:"question"`
	ConditionData       map[string]any    `json:"condition_data"`
	ConversationHistory []pkg.TurnPayload `json:"conversation_history"`
}

// ParseRequest decodes one JSON request.
func ParseRequest(raw []byte) (*Request, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("%w: no input provided", service.ErrInvalidInput)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON input: %v", service.ErrInvalidInput, err)
	}
	if req.Action == "" && req.Command == "" {
		return nil, fmt.Errorf("%w: action field is required", service.ErrInvalidInput)
	}
	return &req, nil
}

// NeedsStore reports whether the request reads or writes persisted sessions.
func (r *Request) NeedsStore() bool {
	return r.Action != "" && r.Action != ActionClearMemory
}

// Action names.
const (
	ActionStartSession      = "start_session"
	ActionSendMessage       = "send_message"
	ActionGenerateEducation = "generate_education"
	ActionGetMessages       = "get_messages"
	ActionSummarize         = "summarize"
	ActionClearMemory       = "clear_memory"
	ActionDeleteSession     = "delete_session"

	CommandHealth              = "health"
	CommandGenerateEducational = "generate_educational"
	CommandChat                = "chat"
)

// Result is the JSON object written to stdout.
type Result map[string]any

// Dispatcher routes requests.  svc may have a nil store only when just the
// stateless commands are used; see Request.NeedsStore.
type Dispatcher struct {
	svc      *service.Service
	hasStore bool
}

// NewDispatcher builds a dispatcher.  hasStore tells it whether svc is backed
// by a database.
func NewDispatcher(svc *service.Service, hasStore bool) *Dispatcher {
	return &Dispatcher{svc: svc, hasStore: hasStore}
}

// Dispatch runs one request.  Errors wrap service.ErrInvalidInput,
// service.ErrNotFound, ErrUnknownAction or ErrNoStore when applicable.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (Result, error) {
	if req.NeedsStore() && !d.hasStore {
		return nil, ErrNoStore
	}
	if req.Action != "" {
		switch req.Action {
		case ActionStartSession:
			return d.startSession(ctx, req)
		case ActionSendMessage:
			return d.sendMessage(ctx, req)
		case ActionGenerateEducation:
			return d.generateEducation(ctx, req)
		case ActionGetMessages:
			return d.getMessages(ctx, req)
		case ActionSummarize:
			return d.summarize(ctx, req)
		case ActionClearMemory:
			return d.clearMemory(req)
		case ActionDeleteSession:
			return d.deleteSession(ctx, req)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}
	switch req.Command {
	case CommandHealth:
		return Result{"status": "healthy", "success": true}, nil
	case CommandGenerateEducational:
		return d.generateEducational(ctx, req)
	case CommandChat:
		return d.chat(ctx, req)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Command)
}

func requireSession(req *Request) (int64, error) {
	if req.SessionID == nil || *req.SessionID <= 0 {
		return 0, fmt.Errorf("%w: session_id is required", service.ErrInvalidInput)
	}
	return *req.SessionID, nil
}

func (d *Dispatcher) startSession(ctx context.Context, req *Request) (Result, error) {
	res, err := d.svc.StartSession(ctx, service.StartSessionInput{
		UserID:          req.UserID,
		UserName:        req.UserName,
		ConditionName:   req.ConditionName,
		ConditionNameEn: req.ConditionNameEn,
		PatientData:     req.PatientData,
		GenerateInitial: req.GenerateInitial,
	})
	if err != nil {
		return nil, err
	}
	out := Result{
		"success":        true,
		"session_id":     res.Session.ID,
		"user_id":        req.UserID,
		"condition_id":   res.Condition.ID,
		"condition_name": res.Condition.Name,
	}
	if res.InitialMessage != nil {
		out["initial_message"] = map[string]any{
			"type":    "education_note",
			"content": res.InitialMessage.Content,
		}
		out["fallback"] = res.Fallback
	}
	return out, nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, req *Request) (Result, error) {
	id, err := requireSession(req)
	if err != nil {
		return nil, err
	}
	msg, fallback, err := d.svc.SendMessage(ctx, id, req.Message)
	if err != nil {
		return nil, err
	}
	return Result{
		"success":    true,
		"session_id": id,
		"fallback":   fallback,
		"reply": map[string]any{
			"role":       msg.Role,
			"content":    msg.Content,
			"created_at": msg.CreatedAt,
		},
	}, nil
}

func (d *Dispatcher) generateEducation(ctx context.Context, req *Request) (Result, error) {
	id, err := requireSession(req)
	if err != nil {
		return nil, err
	}
	msg, fallback, err := d.svc.GenerateEducation(ctx, id)
	if err != nil {
		return nil, err
	}
	return Result{"success": true, "session_id": id, "content": msg.Content, "fallback": fallback}, nil
}

func (d *Dispatcher) getMessages(ctx context.Context, req *Request) (Result, error) {
	id, err := requireSession(req)
	if err != nil {
		return nil, err
	}
	_, msgs, err := d.svc.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, map[string]any{"role": m.Role, "content": m.Content, "created_at": m.CreatedAt})
	}
	return Result{"success": true, "session_id": id, "messages": list}, nil
}

func (d *Dispatcher) summarize(ctx context.Context, req *Request) (Result, error) {
	id, err := requireSession(req)
	if err != nil {
		return nil, err
	}
	summary, err := d.svc.Summary(ctx, id)
	if err != nil {
		return nil, err
	}
	return Result{"success": true, "session_id": id, "summary": summary}, nil
}

func (d *Dispatcher) deleteSession(ctx context.Context, req *Request) (Result, error) {
	id, err := requireSession(req)
	if err != nil {
		return nil, err
	}
	if err := d.svc.DeleteSession(ctx, id); err != nil {
		return nil, err
	}
	return Result{"success": true, "session_id": id, "deleted": true}, nil
}

func (d *Dispatcher) clearMemory(req *Request) (Result, error) {
	id, err := requireSession(req)
	if err != nil {
		return nil, err
	}
	d.svc.ClearMemory(id)
	return Result{"success": true, "session_id": id}, nil
}

func (d *Dispatcher) generateEducational(ctx context.Context, req *Request) (Result, error) {
	if strings.TrimSpace(req.ConditionName) == "" {
		return nil, fmt.Errorf("%w: condition_name is required", service.ErrInvalidInput)
	}
	var id int64
	if req.SessionID != nil {
		id = *req.SessionID
	}
	bot := d.svc.Bot()
	unlock := bot.Memory().Lock(id)
	defer unlock()
	reply := bot.GenerateInitialContent(ctx, req.ConditionName, req.ConditionData, id)
	return Result{"success": true, "message": reply.Text, "fallback": reply.Failed()}, nil
}

func (d *Dispatcher) chat(ctx context.Context, req *Request) (Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("%w: question is required", service.ErrInvalidInput)
	}
	id, err := requireSessionAllowZero(req)
	if err != nil {
		return nil, err
	}
	var history []pkg.Turn
	for _, p := range req.ConversationHistory {
		role, err := pkg.ParseRole(p.Role)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
		}
		history = append(history, pkg.Turn{Role: role, Content: p.Content})
	}
	bot := d.svc.Bot()
	unlock := bot.Memory().Lock(id)
	defer unlock()
	reply := bot.Chat(ctx, core.ChatInput{
		Question:      req.Question,
		SessionID:     id,
		History:       history,
		ConditionData: req.ConditionData,
	})
	return Result{"success": true, "answer": reply.Text, "fallback": reply.Failed()}, nil
}

// requireSessionAllowZero accepts session id 0, which stateless callers use.
func requireSessionAllowZero(req *Request) (int64, error) {
	if req.SessionID == nil {
		return 0, fmt.Errorf("%w: session_id is required", service.ErrInvalidInput)
	}
	return *req.SessionID, nil
}

// WriteResult writes res as a single JSON line without HTML escaping.
func WriteResult(w io.Writer, res Result) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(res)
}

// ErrorResult renders err in the wire format and classifies it.
func ErrorResult(err error) Result {
	kind := "internal"
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		kind = "invalid_input"
	case errors.Is(err, service.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, ErrUnknownAction):
		kind = "unknown_action"
	case errors.Is(err, ErrNoStore):
		kind = "configuration"
	}
	return Result{"success": false, "error": err.Error(), "error_type": kind}
}
