package store

import (
	"context"
	"database/sql"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// InitMySQL opens the gorm handle used by the session store.
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// OpenSQL opens the plain database/sql handle used by the snapshot and user
// stores.
func OpenSQL(dsn string) (*sql.DB, error) {
	return sql.Open("mysql", dsn)
}

// EnsureSchema creates the tables managed outside gorm.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            VARCHAR(36)  NOT NULL PRIMARY KEY,
			username      VARCHAR(64)  NOT NULL,
			email         VARCHAR(255) NOT NULL,
			password_hash VARBINARY(80) NOT NULL,
			created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY uq_users_username (username),
			UNIQUE KEY uq_users_email (email)
		)`,
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			session_id VARCHAR(36)     NOT NULL,
			revision   BIGINT UNSIGNED NOT NULL,
			ops        MEDIUMBLOB      NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, revision)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
