// Package store persists conversation rounds to SQLite so sessions can be
// resumed and inspected after a restart. One row per round, keyed by round id;
// the post ledger is stored as a JSON document.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/vivym/scimate-agent/internal/conversation"
)

// Store is the on-disk round ledger. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	logger *zap.Logger
}

// Open creates or opens the round database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{db: db, dbPath: path, logger: logger.Named("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		round_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_query TEXT NOT NULL,
		status TEXT NOT NULL,
		round_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rounds_session ON rounds(session_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRound upserts one round snapshot. Saving the same round id again
// replaces the stored snapshot, so mid-turn checkpoints converge on the
// final state of the round.
func (s *Store) SaveRound(ctx context.Context, sessionID string, round conversation.Round) error {
	if round.ID == "" {
		return fmt.Errorf("store: round has no id")
	}

	raw, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("store: encode round %s: %w", round.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rounds (round_id, session_id, user_query, status, round_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(round_id) DO UPDATE SET
			user_query = excluded.user_query,
			status = excluded.status,
			round_json = excluded.round_json,
			updated_at = excluded.updated_at`,
		round.ID, sessionID, round.UserQuery, string(round.Status), string(raw), now, now,
	)
	if err != nil {
		s.logger.Error("failed to save round",
			zap.String("session_id", sessionID),
			zap.String("round_id", round.ID),
			zap.Error(err))
		return fmt.Errorf("store: save round %s: %w", round.ID, err)
	}
	return nil
}

// Rounds returns the session's rounds in insertion order.
func (s *Store) Rounds(ctx context.Context, sessionID string) ([]conversation.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT round_json FROM rounds WHERE session_id = ? ORDER BY created_at, round_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query rounds for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []conversation.Round
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan round: %w", err)
		}
		var round conversation.Round
		if err := json.Unmarshal([]byte(raw), &round); err != nil {
			// A corrupt row should not hide the rest of the session.
			s.logger.Warn("skipping undecodable round", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		out = append(out, round)
	}
	return out, rows.Err()
}

// SessionInfo summarizes one persisted session.
type SessionInfo struct {
	ID        string
	Rounds    int
	UpdatedAt time.Time
}

// Sessions lists persisted sessions, most recently updated first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MAX(updated_at)
		 FROM rounds GROUP BY session_id ORDER BY MAX(updated_at) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.Rounds, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSession removes every round of a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM rounds WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: delete session %s: %w", sessionID, err)
	}
	return nil
}
