package vault

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_entries (
	session_id     TEXT        NOT NULL,
	placeholder    TEXT        NOT NULL,
	original_value TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, placeholder)
)`

type entryRow struct {
	SessionID     string    `db:"session_id"`
	Placeholder   string    `db:"placeholder"`
	OriginalValue string    `db:"original_value"`
	CreatedAt     time.Time `db:"created_at"`
}

// PostgresStore keeps all sessions in the vault_entries table.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects and creates the table if it is missing.
func NewPostgresStore(config *PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create vault schema: %w", err)
	}

	logger.Info("Postgres vault store initialized",
		zap.String("database_url", maskURL(config.DatabaseURL)))
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (map[string]Entry, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT session_id, placeholder, original_value, created_at
		 FROM vault_entries WHERE session_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load vault: %w", err)
	}
	if len(rows) == 0 {
		return nil, &SessionError{ID: id, Err: ErrVaultNotFound}
	}
	out := make(map[string]Entry, len(rows))
	for _, r := range rows {
		e := Entry{Placeholder: r.Placeholder, OriginalValue: r.OriginalValue, CreatedAt: r.CreatedAt.UTC()}
		if err := validateEntry(id, r.Placeholder, e); err != nil {
			return nil, err
		}
		out[r.Placeholder] = e
	}
	return out, nil
}

// Append inserts entries in one transaction. Conflicting rows are left
// untouched; a conflict with a different value rolls the transaction back.
func (s *PostgresStore) Append(ctx context.Context, id string, entries []Entry) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(entries))
	for i, e := range entries {
		if !IsPlaceholder(e.Placeholder) {
			return fmt.Errorf("vault session %q: malformed placeholder %q", id, e.Placeholder)
		}
		placeholders[i] = e.Placeholder
	}

	var existing []entryRow
	err = tx.SelectContext(ctx, &existing,
		`SELECT session_id, placeholder, original_value, created_at
		 FROM vault_entries WHERE session_id = $1 AND placeholder = ANY($2)
		 FOR UPDATE`, id, pq.Array(placeholders))
	if err != nil {
		return fmt.Errorf("failed to check existing entries: %w", err)
	}
	stored := make(map[string]Entry, len(existing))
	for _, r := range existing {
		stored[r.Placeholder] = Entry{Placeholder: r.Placeholder, OriginalValue: r.OriginalValue}
	}
	if _, err := mergeEntries(id, stored, entries); err != nil {
		return err
	}

	var inserted int64
	for _, e := range entries {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO vault_entries (session_id, placeholder, original_value, created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, placeholder) DO NOTHING`,
			id, e.Placeholder, e.OriginalValue, e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert vault entry: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vault entries: %w", err)
	}

	s.logger.Debug("Vault entries appended",
		zap.String("session_id", id),
		zap.Int64("inserted", inserted),
		zap.Int("submitted", len(entries)))
	return nil
}

type statRow struct {
	SessionID string       `db:"session_id"`
	Entries   int          `db:"entries"`
	SizeBytes int64        `db:"size_bytes"`
	UpdatedAt sql.NullTime `db:"updated_at"`
}

const statColumns = `session_id, COUNT(*) AS entries,
	COALESCE(SUM(LENGTH(placeholder) + LENGTH(original_value)), 0) AS size_bytes,
	MAX(created_at) AS updated_at`

func (r statRow) info() SessionInfo {
	info := SessionInfo{ID: r.SessionID, Entries: r.Entries, SizeBytes: r.SizeBytes}
	if r.UpdatedAt.Valid {
		info.UpdatedAt = r.UpdatedAt.Time.UTC()
	}
	return info
}

func (s *PostgresStore) Stat(ctx context.Context, id string) (SessionInfo, error) {
	if err := ValidateSessionID(id); err != nil {
		return SessionInfo{}, err
	}
	var rows []statRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+statColumns+` FROM vault_entries WHERE session_id = $1 GROUP BY session_id`, id)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to stat vault: %w", err)
	}
	if len(rows) == 0 {
		return SessionInfo{}, &SessionError{ID: id, Err: ErrVaultNotFound}
	}
	return rows[0].info(), nil
}

func (s *PostgresStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var rows []statRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+statColumns+` FROM vault_entries GROUP BY session_id ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	out := make([]SessionInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.info())
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
