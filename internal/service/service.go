// Package service holds the logic shared by the HTTP API, the HTML UI and
// the CLI: it loads sessions from the database, feeds them to the chatbot
// engine and stores the results.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ehr-chatbot/internal/core"
	"ehr-chatbot/internal/db"
	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/observability"
	"ehr-chatbot/pkg"
)

var (
	// ErrNotFound is returned for unknown users, sessions or conditions.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned when a required field is missing.
	ErrInvalidInput = errors.New("invalid input")
)

// PatientContextPrefix marks the system message holding a session's patient
// data as JSON.
const PatientContextPrefix = "patient_context:"

// RecentSessionsLimit caps the sessions listed per user.
const RecentSessionsLimit = 10

// Store is the persistence the service needs.  *db.Repository satisfies it.
type Store interface {
	GetOrCreateUser(ctx context.Context, id int64, name string) (*pkg.User, error)
	GetUser(ctx context.Context, id int64) (*pkg.User, error)
	FindOrCreateCondition(ctx context.Context, userID int64, name, nameEn string) (*pkg.Condition, error)
	GetCondition(ctx context.Context, id int64) (*pkg.Condition, error)
	ListConditions(ctx context.Context, userID int64) ([]pkg.Condition, error)
	CreateSession(ctx context.Context, userID, conditionID int64, title string) (*pkg.Session, error)
	GetSession(ctx context.Context, id int64) (*pkg.Session, error)
	ListSessions(ctx context.Context, userID, conditionID int64, limit int) ([]pkg.Session, error)
	AddMessage(ctx context.Context, sessionID int64, role pkg.Role, content string) (*pkg.Message, error)
	GetSessionMessages(ctx context.Context, sessionID int64, limit int) ([]pkg.Message, error)
	DeleteSession(ctx context.Context, id int64) (bool, error)
}

// Publisher announces that a session has new messages.
type Publisher interface {
	Notify(ctx context.Context, sessionID int64) error
}

// Service coordinates persistence and the chatbot engine.
type Service struct {
	store      Store
	bot        *core.Bot
	summarizer *core.Summarizer
	publisher  Publisher
	log        *logging.Logger
	metrics    *observability.Metrics
}

// New builds a Service.  publisher and metrics may be nil.
func New(store Store, bot *core.Bot, summarizer *core.Summarizer, publisher Publisher, log *logging.Logger, metrics *observability.Metrics) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{store: store, bot: bot, summarizer: summarizer, publisher: publisher, log: log, metrics: metrics}
}

// Bot exposes the engine for the stateless endpoints.
func (s *Service) Bot() *core.Bot { return s.bot }

// StartSessionInput describes a new conversation.
type StartSessionInput struct {
	UserID          int64          `json:"user_id" validate:"required,gt=0"`
	UserName        string         `json:"user_name"`
	ConditionName   string         `json:"condition_name" validate:"required"`
	ConditionNameEn string         `json:"condition_name_en"`
	PatientData     map[string]any `json:"patient_data"`
	GenerateInitial bool           `json:"generate_initial_content"`
}

// StartSessionResult reports the created rows and, optionally, the note.
type StartSessionResult struct {
	Session        *pkg.Session   `json:"session"`
	Condition      *pkg.Condition `json:"condition"`
	InitialMessage *pkg.Message   `json:"initial_message,omitempty"`
	Fallback       bool           `json:"fallback,omitempty"`
}

// StartSession creates (or reuses) the user and condition, opens a session,
// stores the patient context and optionally generates the educational note.
func (s *Service) StartSession(ctx context.Context, in StartSessionInput) (*StartSessionResult, error) {
	if in.UserID <= 0 || strings.TrimSpace(in.ConditionName) == "" {
		return nil, fmt.Errorf("%w: user_id and condition_name are required", ErrInvalidInput)
	}
	name := in.UserName
	if name == "" {
		name = "کاربر"
	}
	if _, err := s.store.GetOrCreateUser(ctx, in.UserID, name); err != nil {
		return nil, err
	}
	nameEn := in.ConditionNameEn
	if nameEn == "" {
		nameEn = in.ConditionName
	}
	cond, err := s.store.FindOrCreateCondition(ctx, in.UserID, in.ConditionName, nameEn)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.CreateSession(ctx, in.UserID, cond.ID, SessionTitle(cond.Name))
	if err != nil {
		return nil, err
	}
	if _, err := s.persist(ctx, sess.ID, pkg.RoleSystem, encodePatientContext(in.PatientData)); err != nil {
		return nil, err
	}
	res := &StartSessionResult{Session: sess, Condition: cond}
	s.log.Info("session started", logging.Fields{"session_id": sess.ID, "user_id": in.UserID, "condition_id": cond.ID})

	if in.GenerateInitial {
		unlock := s.bot.Memory().Lock(sess.ID)
		defer unlock()
		reply := s.bot.GenerateInitialContent(ctx, cond.Name, in.PatientData, sess.ID)
		msg, err := s.persist(ctx, sess.ID, pkg.RoleAssistant, reply.Text)
		if err != nil {
			return nil, err
		}
		res.InitialMessage = msg
		res.Fallback = reply.Failed()
	}
	s.publish(sess.ID)
	return res, nil
}

// SessionTitle is the default title of a conversation about a condition.
func SessionTitle(conditionName string) string {
	if conditionName == "" {
		return "گفتگوی جدید"
	}
	return "گفتگو درباره " + conditionName
}

// sessionState is everything loaded from the database for one session.
type sessionState struct {
	session   *pkg.Session
	condition *pkg.Condition
	history   []pkg.Turn
	patient   map[string]any
}

func (s *Service) load(ctx context.Context, sessionID int64) (*sessionState, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound(err, "session %d", sessionID)
	}
	cond, err := s.store.GetCondition(ctx, sess.ConditionID)
	if err != nil {
		return nil, notFound(err, "condition for session %d", sessionID)
	}
	rows, err := s.store.GetSessionMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	st := &sessionState{session: sess, condition: cond, history: make([]pkg.Turn, 0, len(rows))}
	for _, m := range rows {
		if st.patient == nil && m.Role == pkg.RoleSystem {
			if data, ok := decodePatientContext(m.Content); ok {
				st.patient = data
			}
		}
		st.history = append(st.history, pkg.Turn{Role: m.Role, Content: m.Content})
	}
	return st, nil
}

func (s *Service) chatInput(st *sessionState, question string) core.ChatInput {
	return core.ChatInput{
		Question:      question,
		SessionID:     st.session.ID,
		History:       st.history,
		ConditionData: st.patient,
	}
}

// SendMessage answers a question within a stored session and persists both
// the question and the answer.
func (s *Service) SendMessage(ctx context.Context, sessionID int64, text string) (*pkg.Message, bool, error) {
	if strings.TrimSpace(text) == "" {
		return nil, false, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	unlock := s.bot.Memory().Lock(sessionID)
	defer unlock()

	st, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	reply := s.bot.Chat(ctx, s.chatInput(st, text))
	msg, err := s.persistExchange(ctx, sessionID, text, reply.Text)
	if err != nil {
		return nil, false, err
	}
	return msg, reply.Failed(), nil
}

// SendMessageStream is SendMessage with incremental delivery.  The exchange
// is persisted once the stream has been drained; abandoning it stores
// nothing.  The session stays locked until the stream is closed.
func (s *Service) SendMessageStream(ctx context.Context, sessionID int64, text string) (*PersistingStream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	unlock := s.bot.Memory().Lock(sessionID)
	st, err := s.load(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	return &PersistingStream{
		Stream: s.bot.ChatStream(ctx, s.chatInput(st, text)),
		unlock: unlock,
		save: func(answer string) (*pkg.Message, error) {
			return s.persistExchange(ctx, sessionID, text, answer)
		},
	}, nil
}

// GenerateEducation (re)generates the educational note of a session from its
// stored patient context and persists it.
func (s *Service) GenerateEducation(ctx context.Context, sessionID int64) (*pkg.Message, bool, error) {
	unlock := s.bot.Memory().Lock(sessionID)
	defer unlock()

	st, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	reply := s.bot.GenerateInitialContent(ctx, st.condition.Name, st.patient, sessionID)
	msg, err := s.persist(ctx, sessionID, pkg.RoleAssistant, reply.Text)
	if err != nil {
		return nil, false, err
	}
	s.publish(sessionID)
	return msg, reply.Failed(), nil
}

// GenerateEducationStream is GenerateEducation with incremental delivery.
func (s *Service) GenerateEducationStream(ctx context.Context, sessionID int64) (*PersistingStream, error) {
	unlock := s.bot.Memory().Lock(sessionID)
	st, err := s.load(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	return &PersistingStream{
		Stream: s.bot.GenerateInitialContentStream(ctx, st.condition.Name, st.patient, sessionID),
		unlock: unlock,
		save: func(note string) (*pkg.Message, error) {
			msg, err := s.persist(ctx, sessionID, pkg.RoleAssistant, note)
			if err == nil {
				s.publish(sessionID)
			}
			return msg, err
		},
	}, nil
}

// Messages returns the stored messages of a session.
func (s *Service) Messages(ctx context.Context, sessionID int64) (*pkg.Session, []pkg.Message, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, notFound(err, "session %d", sessionID)
	}
	msgs, err := s.store.GetSessionMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

// Summary condenses a stored session for the clinician.
func (s *Service) Summary(ctx context.Context, sessionID int64) (string, error) {
	_, msgs, err := s.Messages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	turns := make([]pkg.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, pkg.Turn{Role: m.Role, Content: m.Content})
	}
	return s.summarizer.Summarize(ctx, turns)
}

// UserOverview lists a user's conditions and recent sessions.
func (s *Service) UserOverview(ctx context.Context, userID int64) (*pkg.UserOverview, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, notFound(err, "user %d", userID)
	}
	conds, err := s.store.ListConditions(ctx, userID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx, userID, 0, RecentSessionsLimit)
	if err != nil {
		return nil, err
	}
	return &pkg.UserOverview{User: *u, Conditions: conds, Sessions: sessions}, nil
}

// ClearMemory drops the in-process turns of a session.  Stored messages are
// not affected.
func (s *Service) ClearMemory(sessionID int64) {
	unlock := s.bot.Memory().Lock(sessionID)
	defer unlock()
	s.bot.ClearSession(sessionID)
}

// DeleteSession removes a stored session with its messages and forgets its
// in-process turns.
func (s *Service) DeleteSession(ctx context.Context, sessionID int64) error {
	unlock := s.bot.Memory().Lock(sessionID)
	defer unlock()
	deleted, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
	}
	s.bot.ClearSession(sessionID)
	s.log.Info("session deleted", logging.Fields{"session_id": sessionID})
	return nil
}

func (s *Service) persistExchange(ctx context.Context, sessionID int64, question, answer string) (*pkg.Message, error) {
	if _, err := s.persist(ctx, sessionID, pkg.RoleUser, question); err != nil {
		return nil, err
	}
	msg, err := s.persist(ctx, sessionID, pkg.RoleAssistant, answer)
	if err != nil {
		return nil, err
	}
	s.publish(sessionID)
	return msg, nil
}

func (s *Service) persist(ctx context.Context, sessionID int64, role pkg.Role, content string) (*pkg.Message, error) {
	msg, err := s.store.AddMessage(ctx, sessionID, role, content)
	if err != nil {
		return nil, err
	}
	s.metrics.CountPersisted(string(role))
	return msg, nil
}

func (s *Service) publish(sessionID int64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Notify(context.Background(), sessionID); err != nil {
		s.log.Warn("session notify failed", logging.Fields{"session_id": sessionID, "error": err.Error()})
	}
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
	}
	return err
}

func encodePatientContext(data map[string]any) string {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		b = []byte("{}")
	}
	return PatientContextPrefix + string(b)
}

func decodePatientContext(content string) (map[string]any, bool) {
	payload, ok := strings.CutPrefix(content, PatientContextPrefix)
	if !ok {
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return map[string]any{}, true
	}
	return data, true
}
