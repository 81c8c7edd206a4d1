package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening the document database.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4). SQLite serializes
	// writers regardless; extra connections serve concurrent reads.
	PoolSize int

	Logger *slog.Logger
}

type pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

func openPool(cfg Config) (*pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", poolSize)
	return &pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: take: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitestore: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// prepareConnection runs once per pooled connection: pragmas, then schema.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: applying schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	diagram_data  TEXT NOT NULL DEFAULT '{}',
	owner_id      TEXT NOT NULL,
	is_public     INTEGER NOT NULL DEFAULT 0,
	collaborators TEXT NOT NULL DEFAULT '[]',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_owner ON documents (owner_id);
CREATE INDEX IF NOT EXISTS documents_created ON documents (created_at);

CREATE TABLE IF NOT EXISTS chat_messages (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	username     TEXT NOT NULL,
	user_avatar  TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'text',
	reply_to     TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER,
	is_edited    INTEGER NOT NULL DEFAULT 0,
	is_deleted   INTEGER NOT NULL DEFAULT 0,
	reactions    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS chat_messages_document ON chat_messages (document_id, created_at);

CREATE TABLE IF NOT EXISTS canvas_actions (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	action_type TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS canvas_actions_document ON canvas_actions (document_id, created_at);
`
