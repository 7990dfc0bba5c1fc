// Package servicetest provides an in-memory service.Store for tests.
package servicetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ehr-chatbot/internal/db"
	"ehr-chatbot/pkg"
)

// Store keeps users, conditions, sessions and messages in maps.  Missing
// rows produce errors wrapping db.ErrNotFound, like the Postgres repository.
type Store struct {
	mu         sync.Mutex
	nextID     int64
	now        time.Time
	users      map[int64]pkg.User
	conditions map[int64]pkg.Condition
	sessions   map[int64]pkg.Session
	messages   map[int64][]pkg.Message

	// FailAddMessage, when set, is returned by AddMessage.
	FailAddMessage error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		now:        time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		users:      map[int64]pkg.User{},
		conditions: map[int64]pkg.Condition{},
		sessions:   map[int64]pkg.Session{},
		messages:   map[int64][]pkg.Message{},
	}
}

func (s *Store) tick() (int64, time.Time) {
	s.nextID++
	s.now = s.now.Add(time.Second)
	return s.nextID, s.now
}

func missing(op string) error { return fmt.Errorf("memstore: %s: %w", op, db.ErrNotFound) }

func (s *Store) GetOrCreateUser(_ context.Context, id int64, name string) (*pkg.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return &u, nil
	}
	_, now := s.tick()
	u := pkg.User{ID: id, Name: name, CreatedAt: now}
	s.users[id] = u
	return &u, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*pkg.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, missing("get user")
	}
	return &u, nil
}

func (s *Store) FindOrCreateCondition(_ context.Context, userID int64, name, nameEn string) (*pkg.Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return nil, missing("upsert condition")
	}
	for _, c := range s.conditions {
		if c.UserID == userID && c.Name == name {
			return &c, nil
		}
	}
	id, now := s.tick()
	c := pkg.Condition{ID: id, UserID: userID, Name: name, NameEn: nameEn, CreatedAt: now}
	s.conditions[id] = c
	return &c, nil
}

func (s *Store) GetCondition(_ context.Context, id int64) (*pkg.Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conditions[id]
	if !ok {
		return nil, missing("get condition")
	}
	return &c, nil
}

func (s *Store) ListConditions(_ context.Context, userID int64) ([]pkg.Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pkg.Condition
	for _, c := range s.conditions {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateSession(_ context.Context, userID, conditionID int64, title string) (*pkg.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return nil, missing("create session")
	}
	if _, ok := s.conditions[conditionID]; !ok {
		return nil, missing("create session")
	}
	id, now := s.tick()
	sess := pkg.Session{ID: id, UserID: userID, ConditionID: conditionID, Title: title, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	return &sess, nil
}

func (s *Store) GetSession(_ context.Context, id int64) (*pkg.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, missing("get session")
	}
	return &sess, nil
}

func (s *Store) ListSessions(_ context.Context, userID, conditionID int64, limit int) ([]pkg.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pkg.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID || (conditionID != 0 && sess.ConditionID != conditionID) {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AddMessage(_ context.Context, sessionID int64, role pkg.Role, content string) (*pkg.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAddMessage != nil {
		return nil, s.FailAddMessage
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, missing("add message")
	}
	id, now := s.tick()
	m := pkg.Message{ID: id, SessionID: sessionID, Role: role, Content: content, CreatedAt: now}
	s.messages[sessionID] = append(s.messages[sessionID], m)
	sess.UpdatedAt = now
	s.sessions[sessionID] = sess
	return &m, nil
}

func (s *Store) GetSessionMessages(_ context.Context, sessionID int64, limit int) ([]pkg.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]pkg.Message(nil), msgs...), nil
}

func (s *Store) DeleteSession(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return true, nil
}

// Publisher records every notified session id.
type Publisher struct {
	mu  sync.Mutex
	IDs []int64
}

func (p *Publisher) Notify(_ context.Context, sessionID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.IDs = append(p.IDs, sessionID)
	return nil
}

// Notified returns a copy of the recorded ids.
func (p *Publisher) Notified() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.IDs...)
}
