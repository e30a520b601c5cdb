package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSessionSnapshot persists the serialized op ring at a revision. Writing
// the same (session, revision) twice is a no-op, not an error.
func (s *SnapshotStore) SaveSessionSnapshot(ctx context.Context, sessionID string, rev uint64, ops []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (session_id, revision, ops)
		VALUES (?, ?, ?)`,
		sessionID,
		rev,
		ops,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot returns the newest stored op ring for a session, or
// sql.ErrNoRows when none exists.
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, sessionID string) (uint64, []byte, error) {
	var rev uint64
	var ops []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, ops FROM session_snapshots
		WHERE session_id = ? ORDER BY revision DESC LIMIT 1`,
		sessionID,
	).Scan(&rev, &ops)
	if err != nil {
		return 0, nil, err
	}
	return rev, ops, nil
}
