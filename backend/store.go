package backend

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chazu/netqasm/message"
)

// Record is one persisted message.
type Record struct {
	Sequence int64
	ID       string
	Session  string
	Type     message.Type
	Body     []byte
	Received time.Time
}

// Message decodes the record body.
func (r Record) Message() (message.Message, error) {
	env := message.Envelope{Session: r.Session, Type: r.Type, Body: r.Body}
	return env.Open()
}

// Store persists accepted messages in sqlite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (and creates if needed) the message database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		seq      INTEGER PRIMARY KEY AUTOINCREMENT,
		id       TEXT NOT NULL UNIQUE,
		session  TEXT NOT NULL,
		type     INTEGER NOT NULL,
		body     BLOB NOT NULL,
		received INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Append persists m for session and returns the stored record.
func (s *Store) Append(ctx context.Context, session string, m message.Message) (Record, error) {
	env, err := message.Wrap(session, m)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:       uuid.New().String(),
		Session:  session,
		Type:     env.Type,
		Body:     env.Body,
		Received: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, session, type, body, received) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Session, int64(rec.Type), rec.Body, rec.Received.UnixNano(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("saving message: %w", err)
	}
	if rec.Sequence, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("saving message: %w", err)
	}
	return rec, nil
}

// History returns the stored messages of session in arrival order. An empty
// session returns every message.
func (s *Store) History(ctx context.Context, session string) ([]Record, error) {
	query := "SELECT seq, id, session, type, body, received FROM messages"
	var args []any
	if session != "" {
		query += " WHERE session = ?"
		args = append(args, session)
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			typ      int64
			received int64
		)
		if err := rows.Scan(&rec.Sequence, &rec.ID, &rec.Session, &typ, &rec.Body, &received); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		rec.Type = message.Type(typ)
		rec.Received = time.Unix(0, received).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return out, nil
}

// Sessions returns the distinct sessions in first-seen order.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT session FROM messages GROUP BY session ORDER BY MIN(seq)")
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var session string
		if err := rows.Scan(&session); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}
