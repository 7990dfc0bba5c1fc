package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"ehr-chatbot/pkg"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// foreign_key_violation
const pqForeignKeyViolation = "23503"

// Repository wraps database operations for users, conditions, sessions and
// messages.
type Repository struct {
	DB *sql.DB
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository { return &Repository{DB: db} }

// wrap maps driver errors onto package errors.
func wrap(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("db: %s: %w", op, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
		return fmt.Errorf("db: %s: %w (%s)", op, ErrNotFound, pqErr.Constraint)
	}
	return fmt.Errorf("db: %s: %w", op, err)
}

// GetOrCreateUser returns the user with the given EHR id, inserting it with
// name when absent.  An existing user's name is left untouched.
func (r *Repository) GetOrCreateUser(ctx context.Context, id int64, name string) (*pkg.User, error) {
	var u pkg.User
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO users (id, name)
         VALUES ($1, $2)
         ON CONFLICT (id) DO UPDATE SET name = users.name
         RETURNING id, name, created_at`,
		id, name,
	).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, wrap("upsert user", err)
	}
	return &u, nil
}

// GetUser retrieves a user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (*pkg.User, error) {
	var u pkg.User
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, wrap("get user", err)
	}
	return &u, nil
}

// FindOrCreateCondition returns the user's condition with the given name,
// creating it when missing.
func (r *Repository) FindOrCreateCondition(ctx context.Context, userID int64, name, nameEn string) (*pkg.Condition, error) {
	var c pkg.Condition
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO conditions (user_id, name, name_en)
         VALUES ($1, $2, $3)
         ON CONFLICT (user_id, name) DO UPDATE SET name = conditions.name
         RETURNING id, user_id, name, name_en, created_at`,
		userID, name, nameEn,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.NameEn, &c.CreatedAt)
	if err != nil {
		return nil, wrap("upsert condition", err)
	}
	return &c, nil
}

// GetCondition retrieves a condition by id.
func (r *Repository) GetCondition(ctx context.Context, id int64) (*pkg.Condition, error) {
	var c pkg.Condition
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, user_id, name, name_en, created_at FROM conditions WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.NameEn, &c.CreatedAt)
	if err != nil {
		return nil, wrap("get condition", err)
	}
	return &c, nil
}

// ListConditions returns a user's conditions in creation order.
func (r *Repository) ListConditions(ctx context.Context, userID int64) ([]pkg.Condition, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, user_id, name, name_en, created_at
         FROM conditions
         WHERE user_id = $1
         ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, wrap("list conditions", err)
	}
	defer rows.Close()
	var out []pkg.Condition
	for rows.Next() {
		var c pkg.Condition
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.NameEn, &c.CreatedAt); err != nil {
			return nil, wrap("scan condition", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateSession starts a new conversation about a condition.
func (r *Repository) CreateSession(ctx context.Context, userID, conditionID int64, title string) (*pkg.Session, error) {
	var s pkg.Session
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO chat_sessions (user_id, condition_id, title)
         VALUES ($1, $2, $3)
         RETURNING id, user_id, condition_id, title, created_at, updated_at`,
		userID, conditionID, title,
	).Scan(&s.ID, &s.UserID, &s.ConditionID, &s.Title, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, wrap("create session", err)
	}
	return &s, nil
}

// GetSession retrieves a session by id.
func (r *Repository) GetSession(ctx context.Context, id int64) (*pkg.Session, error) {
	var s pkg.Session
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, user_id, condition_id, title, created_at, updated_at
         FROM chat_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UserID, &s.ConditionID, &s.Title, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, wrap("get session", err)
	}
	return &s, nil
}

// ListSessions returns a user's sessions, most recently active first.  A
// zero conditionID lists sessions of every condition; a non-positive limit
// returns all of them.
func (r *Repository) ListSessions(ctx context.Context, userID, conditionID int64, limit int) ([]pkg.Session, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, user_id, condition_id, title, created_at, updated_at
         FROM chat_sessions
         WHERE user_id = $1 AND ($2 = 0 OR condition_id = $2)
         ORDER BY updated_at DESC, id DESC
         LIMIT $3`, userID, conditionID, limitArg)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	defer rows.Close()
	var out []pkg.Session
	for rows.Next() {
		var s pkg.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.ConditionID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, wrap("scan session", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, through the foreign keys, its
// messages.  It reports whether a row was deleted.
func (r *Repository) DeleteSession(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return false, wrap("delete session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("delete session", err)
	}
	return n > 0, nil
}

// AddMessage stores a message and bumps the session's updated_at in the same
// statement.
func (r *Repository) AddMessage(ctx context.Context, sessionID int64, role pkg.Role, content string) (*pkg.Message, error) {
	var m pkg.Message
	var storedRole string
	err := r.DB.QueryRowContext(ctx,
		`WITH inserted AS (
             INSERT INTO messages (session_id, role, content)
             VALUES ($1, $2, $3)
             RETURNING id, session_id, role, content, created_at
         ), touched AS (
             UPDATE chat_sessions SET updated_at = NOW() WHERE id = $1
         )
         SELECT id, session_id, role, content, created_at FROM inserted`,
		sessionID, string(role), content,
	).Scan(&m.ID, &m.SessionID, &storedRole, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, wrap("add message", err)
	}
	m.Role = pkg.Role(storedRole)
	return &m, nil
}

// GetSessionMessages returns a session's messages in insertion order.  With a
// positive limit only the latest limit messages are returned.
func (r *Repository) GetSessionMessages(ctx context.Context, sessionID int64, limit int) ([]pkg.Message, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM (
             SELECT id, session_id, role, content, created_at
             FROM messages
             WHERE session_id = $1
             ORDER BY created_at DESC, id DESC
             LIMIT $2
         ) latest
         ORDER BY created_at ASC, id ASC`, sessionID, limitArg)
	if err != nil {
		return nil, wrap("get messages", err)
	}
	defer rows.Close()
	var out []pkg.Message
	for rows.Next() {
		var m pkg.Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, wrap("scan message", err)
		}
		m.Role = pkg.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}
