package database

import (
	"database/sql"
	"fmt"

	"nexus-backend/internal/models"

	"go.uber.org/zap"
)

// DB is the Persistence Gateway. The in-memory state store is
// authoritative for live sessions; this is the cold-start source of
// truth and the best-effort write-through target.
type DB struct {
	conn  *sql.DB
	sugar *zap.SugaredLogger
}

func setPragmaValues(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	// these next 2 extremely speed up performance of sqlite
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA synchronous = normal"); err != nil {
		return err
	}

	return nil
}

func Setup(cfg *models.ConfigFile, sugar *zap.SugaredLogger) (*DB, error) {
	var conn *sql.DB
	var err error

	if cfg.SelfContained {
		sugar.Info("Connecting to database sqlite...")

		conn, err = sql.Open("sqlite", "./nexus.db")
		if err != nil {
			return nil, err
		}

		// there can be sqlite busy errors if this is not set to 1
		conn.SetMaxOpenConns(1)

		err = setPragmaValues(conn)
		if err != nil {
			return nil, err
		}
	} else {
		sugar.Info("Connecting to database mysql/mariadb...")

		conn, err = sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&timeout=10s",
			cfg.DbUser, cfg.DbPassword, cfg.DbAddress, cfg.DbPort, cfg.DbDatabase))
		if err != nil {
			return nil, err
		}

		conn.SetMaxOpenConns(10)
	}

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	db := &DB{conn: conn, sugar: sugar}

	err = db.setupTables()
	if err != nil {
		return nil, err
	}

	return db, nil
}

func (db *DB) setupTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGINT PRIMARY KEY,
			email VARCHAR(64) NOT NULL UNIQUE,
			username VARCHAR(32) NOT NULL UNIQUE,
			display_name VARCHAR(64) NOT NULL,
			avatar TEXT,
			color VARCHAR(16),
			bio TEXT,
			status VARCHAR(32),
			settings TEXT,
			password BINARY(60) NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS communities (
			id BIGINT PRIMARY KEY,
			owner_id BIGINT NOT NULL,
			name VARCHAR(64) NOT NULL,
			icon TEXT,
			description TEXT,
			emoji_sharing BOOLEAN NOT NULL DEFAULT FALSE,
			ice_override TEXT,
			FOREIGN KEY (owner_id) REFERENCES accounts(id)
		);`,
		`CREATE TABLE IF NOT EXISTS categories (
			id BIGINT PRIMARY KEY,
			community_id BIGINT NOT NULL,
			name VARCHAR(64) NOT NULL,
			position INT NOT NULL DEFAULT 0,
			FOREIGN KEY (community_id) REFERENCES communities(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			id BIGINT PRIMARY KEY,
			community_id BIGINT NOT NULL,
			category_id BIGINT NOT NULL DEFAULT 0,
			type VARCHAR(8) NOT NULL,
			name VARCHAR(32) NOT NULL,
			topic TEXT,
			private BOOLEAN NOT NULL DEFAULT FALSE,
			slow_mode_seconds INT NOT NULL DEFAULT 0,
			overrides TEXT,
			FOREIGN KEY (community_id) REFERENCES communities(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS roles (
			id BIGINT PRIMARY KEY,
			community_id BIGINT NOT NULL,
			name VARCHAR(64) NOT NULL,
			color VARCHAR(16),
			position INT NOT NULL,
			allow INT NOT NULL DEFAULT 0,
			deny INT NOT NULL DEFAULT 0,
			sentinel VARCHAR(16),
			FOREIGN KEY (community_id) REFERENCES communities(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS members (
			community_id BIGINT NOT NULL,
			account_id BIGINT NOT NULL,
			role_ids TEXT,
			joined_at BIGINT NOT NULL,
			username VARCHAR(32) NOT NULL,
			display_name VARCHAR(64) NOT NULL,
			avatar TEXT,
			color VARCHAR(16),
			PRIMARY KEY (community_id, account_id),
			FOREIGN KEY (community_id) REFERENCES communities(id) ON DELETE CASCADE,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT PRIMARY KEY,
			channel_id BIGINT NOT NULL,
			author_id BIGINT NOT NULL,
			content TEXT NOT NULL,
			reply_to_id BIGINT NOT NULL DEFAULT 0,
			edited BOOLEAN NOT NULL DEFAULT FALSE,
			edited_at BIGINT NOT NULL DEFAULT 0,
			extra TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS dm_channels (
			id BIGINT PRIMARY KEY,
			kind VARCHAR(8) NOT NULL,
			creator_id BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dm_participants (
			dm_id BIGINT NOT NULL,
			account_id BIGINT NOT NULL,
			PRIMARY KEY (dm_id, account_id),
			FOREIGN KEY (dm_id) REFERENCES dm_channels(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS dm_views (
			dm_id BIGINT NOT NULL,
			account_id BIGINT NOT NULL,
			hidden BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_before BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (dm_id, account_id),
			FOREIGN KEY (dm_id) REFERENCES dm_channels(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS invites (
			code VARCHAR(36) PRIMARY KEY,
			community_id BIGINT NOT NULL,
			creator_id BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			max_uses INT NOT NULL DEFAULT 0,
			uses INT NOT NULL DEFAULT 0,
			FOREIGN KEY (community_id) REFERENCES communities(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS bans (
			community_id BIGINT NOT NULL,
			account_id BIGINT NOT NULL,
			reason TEXT,
			expires_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (community_id, account_id),
			FOREIGN KEY (community_id) REFERENCES communities(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS account_blocks (
			account_id BIGINT NOT NULL,
			blocked_id BIGINT NOT NULL,
			PRIMARY KEY (account_id, blocked_id),
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
			FOREIGN KEY (blocked_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
