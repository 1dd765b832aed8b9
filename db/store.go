package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Transcript is a single saved utterance.
type Transcript struct {
	ID        int64
	Text      string
	Engine    string
	Session   string
	CreatedAt time.Time
}

// Store wraps the sqlite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and applies the schema.
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: sqlDB}, nil
}

// New wraps an existing connection and applies the schema.
func New(sqlDB *sql.DB) (*Store, error) {
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: sqlDB}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTranscript saves a final transcript and returns its row id.
func (s *Store) InsertTranscript(
	ctx context.Context,
	text, engine, session string,
) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO transcripts (text, engine, session) VALUES (?, ?, ?)`,
		text, engine, session,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transcript: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert transcript: %w", err)
	}
	return id, nil
}

// RecentTranscripts returns up to limit transcripts, newest first.
func (s *Store) RecentTranscripts(
	ctx context.Context,
	limit int,
) ([]Transcript, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, text, engine, session, created_at
		 FROM transcripts
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(
			&t.ID, &t.Text, &t.Engine, &t.Session, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

// SessionTranscripts returns all transcripts for one session, oldest first.
func (s *Store) SessionTranscripts(
	ctx context.Context,
	session string,
) ([]Transcript, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, text, engine, session, created_at
		 FROM transcripts
		 WHERE session = ?
		 ORDER BY created_at ASC, id ASC`,
		session,
	)
	if err != nil {
		return nil, fmt.Errorf("query session transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(
			&t.ID, &t.Text, &t.Engine, &t.Session, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}
