// Package db provides the Postgres connection, schema migration, and the small
// data access helpers behind the postgres token store and the chat recorder.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/stampede/client/crypto"
)

var (
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	errEncryptor  error
)

// initEncryptor initializes the package encryptor from ENCRYPTION_KEY on first use.
// Without a key, values are stored in plaintext (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, session values will be stored in plaintext", slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			errEncryptor = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("err", errEncryptor), slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("session store encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

// Encryptor returns the configured encryptor, or nil when encryption is off.
func Encryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if errEncryptor != nil {
		return nil, errEncryptor
	}
	return encryptor, nil
}

// Connect opens a Postgres connection and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty DB_DSN")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}

// Migrate applies the idempotent baseline schema. It backs up RunMigrations for
// databases where golang-migrate cannot take its lock.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL,
			message TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_received_at ON chat_messages(received_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// PutSessionValue upserts a session_store row, encrypting when ENCRYPTION_KEY is set.
func PutSessionValue(ctx context.Context, dbx *sql.DB, key, value string) error {
	enc, err := Encryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}
	version := 0
	if enc != nil && value != "" {
		if value, err = crypto.EncryptString(enc, value); err != nil {
			return fmt.Errorf("encrypt %s: %w", key, err)
		}
		version = 1
	}
	_, err = dbx.ExecContext(ctx, `INSERT INTO session_store(key, value, encryption_version, updated_at)
		VALUES($1,$2,$3,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, encryption_version=EXCLUDED.encryption_version, updated_at=NOW()`,
		key, value, version)
	return err
}

// GetSessionValue returns the stored value for key; ok is false when no row exists.
// Plaintext rows (encryption_version = 0) are returned as-is.
func GetSessionValue(ctx context.Context, dbx *sql.DB, key string) (value string, ok bool, err error) {
	var version int
	err = dbx.QueryRowContext(ctx, `SELECT value, encryption_version FROM session_store WHERE key=$1`, key).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if version == 1 {
		enc, encErr := Encryptor()
		if encErr != nil {
			return "", false, fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return "", false, fmt.Errorf("value %s is encrypted but ENCRYPTION_KEY not configured", key)
		}
		if value, err = crypto.DecryptString(enc, value); err != nil {
			return "", false, fmt.Errorf("decrypt %s: %w", key, err)
		}
	}
	return value, true, nil
}

// DeleteSessionValue removes a session_store row. Missing rows are not an error.
func DeleteSessionValue(ctx context.Context, dbx *sql.DB, key string) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM session_store WHERE key=$1`, key)
	return err
}

// PlaintextSessionKeys lists rows still stored without encryption.
func PlaintextSessionKeys(ctx context.Context, dbx *sql.DB) ([]string, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT key FROM session_store WHERE encryption_version=0 ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// InsertChatMessage appends one received chat message to the local log.
func InsertChatMessage(ctx context.Context, dbx *sql.DB, username, message string, at time.Time) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO chat_messages (username, message, received_at) VALUES ($1,$2,$3)`, username, message, at.UTC())
	return err
}
