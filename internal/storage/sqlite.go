package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "mediarelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LookupMedia(ctx context.Context, uniqID string) ([]CacheEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if uniqID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT uniq_id, origin, media_type, artifact_ref, canonical_name
		 FROM media_cache WHERE uniq_id = ? ORDER BY id`, uniqID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.UniqID, &e.Origin, &e.MediaType, &e.ArtifactRef, &e.CanonicalName); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveMedia(ctx context.Context, entries []CacheEntry) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if len(entries) == 0 {
		return false, nil
	}
	uniqID := entries[0].UniqID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Read-before-write: concurrent duplicate requests converge on the entry
	// written by whoever got here first.
	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM media_cache WHERE uniq_id = ?)`, uniqID).Scan(&exists); err != nil {
		return false, err
	}
	if exists != 0 {
		return false, nil
	}

	for _, e := range entries {
		if e.ArtifactRef == "" {
			s.log.Warn("skipping cache entry with empty artifact ref", logx.String("uniq_id", e.UniqID))
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO media_cache(uniq_id, origin, media_type, artifact_ref, canonical_name)
			 VALUES(?,?,?,?,?)`,
			e.UniqID, e.Origin, e.MediaType, e.ArtifactRef, e.CanonicalName); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) RandomMedia(ctx context.Context) (CacheEntry, bool, error) {
	if s == nil || s.db == nil {
		return CacheEntry{}, false, ErrDisabled
	}
	var e CacheEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT uniq_id, origin, media_type, artifact_ref, canonical_name
		 FROM media_cache ORDER BY RANDOM() LIMIT 1`).
		Scan(&e.UniqID, &e.Origin, &e.MediaType, &e.ArtifactRef, &e.CanonicalName)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) StoreFailedJob(ctx context.Context, fj FailedJob) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_jobs(uniq_id, chat_id, message_id, payload)
		 VALUES(?,?,?,?)
		 ON CONFLICT(uniq_id, chat_id, message_id) DO NOTHING`,
		fj.UniqID, fj.ChatID, fj.MessageID, fj.Payload)
	return err
}

func (s *sqliteStore) DrainFailedJobs(ctx context.Context) ([]FailedJob, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT uniq_id, chat_id, message_id, payload FROM failed_jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	var out []FailedJob
	for rows.Next() {
		var fj FailedJob
		if err := rows.Scan(&fj.UniqID, &fj.ChatID, &fj.MessageID, &fj.Payload); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, fj)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM failed_jobs`); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) GetState(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM selector_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutState(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selector_state(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}
