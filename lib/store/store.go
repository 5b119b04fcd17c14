// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lynxify-labs/lynxify/lib/codec"
)

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. Its directory must exist. ":memory:"
	// opens a private in-memory database that lives until Close.
	Path string

	// PoolSize is the number of connections. Default 4.
	PoolSize int

	Logger *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS registration (
	account_id        TEXT PRIMARY KEY,
	inbound_topic_id  TEXT NOT NULL,
	outbound_topic_id TEXT NOT NULL DEFAULT '',
	registry_topic_id TEXT NOT NULL,
	created_at        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS connections (
	agent_id   TEXT PRIMARY KEY,
	topic_id   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	topic_id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	uri := cfg.Path
	if cfg.Path == ":memory:" {
		uri = memoryURI()
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(uri, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}
	logger.Info("state store opened", "path", cfg.Path, "pool_size", poolSize)
	return &Store{pool: pool, logger: logger, path: cfg.Path}, nil
}

var memoryDatabases atomic.Uint64

// memoryURI names a fresh shared-cache in-memory database. The pool
// refuses a bare ":memory:", and the name keeps each Store's database
// separate.
func memoryURI() string {
	return fmt.Sprintf("file:lynxify-memory-%d?mode=memory&cache=shared", memoryDatabases.Add(1))
}

// Close closes every connection. It blocks until borrowed connections
// are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("state store closed", "path", s.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}

func (s *Store) with(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// Registration is the agent's own registration on the ledger.
type Registration struct {
	AccountID       string
	InboundTopicID  string
	OutboundTopicID string
	RegistryTopicID string
	CreatedAt       time.Time
}

// LoadRegistration returns the stored registration for accountID. The
// boolean is false if none is stored.
func (s *Store) LoadRegistration(ctx context.Context, accountID string) (Registration, bool, error) {
	var registration Registration
	found := false
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT inbound_topic_id, outbound_topic_id, registry_topic_id, created_at
			 FROM registration WHERE account_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{accountID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					registration = Registration{
						AccountID:       accountID,
						InboundTopicID:  stmt.ColumnText(0),
						OutboundTopicID: stmt.ColumnText(1),
						RegistryTopicID: stmt.ColumnText(2),
						CreatedAt:       time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
					}
					return nil
				},
			})
	})
	if err != nil {
		return Registration{}, false, fmt.Errorf("store: load registration %s: %w", accountID, err)
	}
	return registration, found, nil
}

// SaveRegistration stores or replaces a registration.
func (s *Store) SaveRegistration(ctx context.Context, registration Registration) error {
	if registration.AccountID == "" || registration.InboundTopicID == "" {
		return errors.New("store: save registration: account and inbound topic are required")
	}
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO registration (account_id, inbound_topic_id, outbound_topic_id, registry_topic_id, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(account_id) DO UPDATE SET
				inbound_topic_id = excluded.inbound_topic_id,
				outbound_topic_id = excluded.outbound_topic_id,
				registry_topic_id = excluded.registry_topic_id,
				created_at = excluded.created_at`,
			&sqlitex.ExecOptions{Args: []any{
				registration.AccountID,
				registration.InboundTopicID,
				registration.OutboundTopicID,
				registration.RegistryTopicID,
				registration.CreatedAt.UnixMilli(),
			}})
	})
	if err != nil {
		return fmt.Errorf("store: save registration %s: %w", registration.AccountID, err)
	}
	return nil
}

// SaveConnection records the inbound topic of a peer agent.
func (s *Store) SaveConnection(ctx context.Context, agentID, topicID string, updatedAt time.Time) error {
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO connections (agent_id, topic_id, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(agent_id) DO UPDATE SET topic_id = excluded.topic_id, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{agentID, topicID, updatedAt.UnixMilli()}})
	})
	if err != nil {
		return fmt.Errorf("store: save connection %s: %w", agentID, err)
	}
	return nil
}

// Connections returns the stored map of peer agent id to topic id.
func (s *Store) Connections(ctx context.Context) (map[string]string, error) {
	connections := make(map[string]string)
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT agent_id, topic_id FROM connections`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					connections[stmt.ColumnText(0)] = stmt.ColumnText(1)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: load connections: %w", err)
	}
	return connections, nil
}

// Checkpoint returns the last processed sequence number on a topic, or
// zero if none is recorded.
func (s *Store) Checkpoint(ctx context.Context, topicID string) (uint64, error) {
	var sequence int64
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT sequence FROM checkpoints WHERE topic_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{topicID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					sequence = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("store: load checkpoint %s: %w", topicID, err)
	}
	return uint64(sequence), nil
}

// SaveCheckpoint records that sequence has been processed on topicID.
// Checkpoints never move backwards, so a redelivered message cannot
// rewind them.
func (s *Store) SaveCheckpoint(ctx context.Context, topicID string, sequence uint64) error {
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO checkpoints (topic_id, sequence) VALUES (?, ?)
			 ON CONFLICT(topic_id) DO UPDATE SET sequence = MAX(sequence, excluded.sequence)`,
			&sqlitex.ExecOptions{Args: []any{topicID, int64(sequence)}})
	})
	if err != nil {
		return fmt.Errorf("store: save checkpoint %s: %w", topicID, err)
	}
	return nil
}

// SaveSnapshot stores value under name, replacing any previous value.
func (s *Store) SaveSnapshot(ctx context.Context, name string, value any, savedAt time.Time) error {
	blob, err := codec.MarshalBlob(value)
	if err != nil {
		return fmt.Errorf("store: save snapshot %s: %w", name, err)
	}
	err = s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO snapshots (name, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{name, blob, savedAt.UnixMilli()}})
	})
	if err != nil {
		return fmt.Errorf("store: save snapshot %s: %w", name, err)
	}
	return nil
}

// LoadSnapshot decodes the snapshot stored under name into value. The
// boolean is false, and value untouched, if there is none.
func (s *Store) LoadSnapshot(ctx context.Context, name string, value any) (bool, error) {
	var blob []byte
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT data FROM snapshots WHERE name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					blob = make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, blob)
					return nil
				},
			})
	})
	if err != nil {
		return false, fmt.Errorf("store: load snapshot %s: %w", name, err)
	}
	if blob == nil {
		return false, nil
	}
	if err := codec.UnmarshalBlob(blob, value); err != nil {
		return false, fmt.Errorf("store: load snapshot %s: %w", name, err)
	}
	return true, nil
}
