package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// Notifier publishes session updates over PostgreSQL LISTEN/NOTIFY so that
// every process serving a session (web UI, API, CLI) learns about messages
// written by the others.
type Notifier struct {
	DB      *sql.DB
	DSN     string
	Channel string
}

// NewNotifier constructs a Notifier.  dsn is needed by Listen, which holds a
// dedicated connection; the channel should match POSTGRES_NOTIFY_CHANNEL.
func NewNotifier(db *sql.DB, dsn, channel string) *Notifier {
	return &Notifier{DB: db, DSN: dsn, Channel: channel}
}

// Notify announces that sessionID has new messages.
func (n *Notifier) Notify(ctx context.Context, sessionID int64) error {
	if _, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, strconv.FormatInt(sessionID, 10)); err != nil {
		return fmt.Errorf("db: notify %s: %w", n.Channel, err)
	}
	return nil
}

// Listen delivers the ids of updated sessions until ctx is cancelled, then
// closes the returned channel and the listener connection.
func (n *Notifier) Listen(ctx context.Context) (<-chan int64, error) {
	listener := pq.NewListener(n.DSN, 2*time.Second, time.Minute, nil)
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("db: listen %s: %w", pq.QuoteIdentifier(n.Channel), err)
	}
	out := make(chan int64)
	go func() {
		defer func() {
			_ = listener.Close()
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case note, ok := <-listener.Notify:
				if !ok {
					return
				}
				// nil after a reconnect; updates may have been missed
				if note == nil {
					continue
				}
				id, err := strconv.ParseInt(note.Extra, 10, 64)
				if err != nil {
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				_ = listener.Ping()
			}
		}
	}()
	return out, nil
}
