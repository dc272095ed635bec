package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/lectern-ai/platform/internal/errors"
	"github.com/lectern-ai/platform/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	source_ref TEXT NOT NULL,
	source_name TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS artifacts (
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, kind)
);
CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	idx        INTEGER NOT NULL,
	question   TEXT NOT NULL,
	answer     TEXT,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, idx)
);
`

// DB is the relational persistence collaborator.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "create db dir")
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "open database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "ping database")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "apply schema")
	}
	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error { return d.db.Close() }

// CreateSession inserts a new session row.
func (d *DB) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, source_ref, source_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.SourceRef, sess.SourceName, string(sess.Status), sess.CreatedAt.Unix())
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "insert session")
	}
	return nil
}

// LoadSession returns the session with the given id.
func (d *DB) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, user_id, source_ref, source_name, status, created_at
		FROM sessions WHERE id = ?`, id)

	var sess session.Session
	var status string
	var createdAt int64
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.SourceRef, &sess.SourceName, &status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "session %s not found", id)
		}
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scan session")
	}
	sess.Status = session.Status(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	return &sess, nil
}

// ListSessions returns all sessions for a user, newest first.
func (d *DB) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, source_ref, source_name, status, created_at
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "query sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []session.Session
	for rows.Next() {
		var sess session.Session
		var status string
		var createdAt int64
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.SourceRef, &sess.SourceName, &status, &createdAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scan session")
		}
		sess.Status = session.Status(status)
		sess.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateStatus records the session's current pipeline stage.
func (d *DB) UpdateStatus(ctx context.Context, id string, status session.Status) error {
	res, err := d.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "update status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.CodeNotFound, "session %s not found", id)
	}
	return nil
}

// DeleteSession removes the session and everything hanging off it.
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM turns WHERE session_id = ?`,
		`DELETE FROM artifacts WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "delete session")
		}
	}
	return tx.Commit()
}

// SaveArtifact upserts a generated artifact for the session.
func (d *DB) SaveArtifact(ctx context.Context, sessionID, kind, content string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO artifacts (session_id, kind, content, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, kind) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
		sessionID, kind, content, time.Now().Unix())
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "save artifact")
	}
	return nil
}

// LoadArtifact returns one artifact's content, CodeNotFound when absent.
func (d *DB) LoadArtifact(ctx context.Context, sessionID, kind string) (string, error) {
	var content string
	err := d.db.QueryRowContext(ctx,
		`SELECT content FROM artifacts WHERE session_id = ? AND kind = ?`, sessionID, kind).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.Newf(apperrors.CodeNotFound, "artifact %s/%s not found", sessionID, kind)
	}
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "load artifact")
	}
	return content, nil
}

// ListArtifacts returns all artifacts for a session keyed by kind.
func (d *DB) ListArtifacts(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT kind, content FROM artifacts WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "query artifacts")
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var kind, content string
		if err := rows.Scan(&kind, &content); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scan artifact")
		}
		out[kind] = content
	}
	return out, rows.Err()
}

// AppendTurn persists a newly asked question at the given index.
func (d *DB) AppendTurn(ctx context.Context, sessionID string, idx int, question string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, idx, question, created_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, idx, question, time.Now().Unix())
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "insert turn")
	}
	return nil
}

// SetTurnAnswer commits the answer for a persisted turn.
func (d *DB) SetTurnAnswer(ctx context.Context, sessionID string, idx int, answer string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE turns SET answer = ? WHERE session_id = ? AND idx = ? AND answer IS NULL`,
		answer, sessionID, idx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "update turn")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.CodeUnknownTurn, "turn %s/%d not open for answer", sessionID, idx)
	}
	return nil
}

// ListTurns returns a session's conversation history in index order.
func (d *DB) ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT idx, question, answer, created_at
		FROM turns WHERE session_id = ? ORDER BY idx ASC`, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "query turns")
	}
	defer func() { _ = rows.Close() }()

	var out []session.Turn
	for rows.Next() {
		var turn session.Turn
		var answer sql.NullString
		var createdAt int64
		if err := rows.Scan(&turn.Index, &turn.Question, &answer, &createdAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scan turn")
		}
		if answer.Valid {
			turn.Answer = answer.String
			turn.Answered = true
		}
		turn.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, turn)
	}
	return out, rows.Err()
}
