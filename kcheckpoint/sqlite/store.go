// Package sqlite is a kcheckpoint.Store backed by a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kdag"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

var _ kcheckpoint.Store = (*Store)(nil)

// Open creates or opens the database at path. The database runs in WAL
// mode with synchronous=FULL so that a committed epoch survives power loss.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, cp kcheckpoint.Checkpoint) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kcheckpoint.ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (node, epoch, state, source_offset, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (node, epoch) DO UPDATE SET
			state = excluded.state,
			source_offset = excluded.source_offset,
			created_at = excluded.created_at`,
		string(cp.Node), int64(cp.Epoch), cp.State, []byte(cp.SourceOffset), cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint %s@%d: %w", cp.Node, cp.Epoch, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, node kdag.NodeID, epoch uint64) (kcheckpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kcheckpoint.Checkpoint{}, kcheckpoint.ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT epoch, state, source_offset, created_at FROM checkpoints
		WHERE node = ? AND epoch = ?`,
		string(node), int64(epoch),
	)
	return scanCheckpoint(node, row)
}

func (s *Store) Latest(ctx context.Context, node kdag.NodeID) (kcheckpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kcheckpoint.Checkpoint{}, kcheckpoint.ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT c.epoch, c.state, c.source_offset, c.created_at
		FROM checkpoints c JOIN committed_epochs m ON m.epoch = c.epoch
		WHERE c.node = ?
		ORDER BY c.epoch DESC
		LIMIT 1`,
		string(node),
	)
	return scanCheckpoint(node, row)
}

func scanCheckpoint(node kdag.NodeID, row *sql.Row) (kcheckpoint.Checkpoint, error) {
	var (
		epoch     int64
		state     []byte
		offset    []byte
		createdAt int64
	)
	if err := row.Scan(&epoch, &state, &offset, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kcheckpoint.Checkpoint{}, kcheckpoint.ErrNotFound
		}
		return kcheckpoint.Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", node, err)
	}
	return kcheckpoint.Checkpoint{
		Node:         node,
		Epoch:        uint64(epoch),
		State:        state,
		SourceOffset: offset,
		CreatedAt:    time.Unix(0, createdAt).UTC(),
	}, nil
}

func (s *Store) MarkEpochCommitted(ctx context.Context, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kcheckpoint.ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	last, ok, err := lastCommitted(ctx, tx)
	if err != nil {
		return err
	}
	done, err := kcheckpoint.CheckMarkOrder(epoch, last, ok)
	if err != nil || done {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO committed_epochs (epoch, committed_at) VALUES (?, ?)`,
		int64(epoch), time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("mark epoch %d: %w", epoch, err)
	}
	return tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastCommitted(ctx context.Context, q querier) (uint64, bool, error) {
	var last sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(epoch) FROM committed_epochs`).Scan(&last); err != nil {
		return 0, false, fmt.Errorf("read last committed epoch: %w", err)
	}
	if !last.Valid {
		return 0, false, nil
	}
	return uint64(last.Int64), true, nil
}

func (s *Store) LastCommittedEpoch(ctx context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, kcheckpoint.ErrStoreClosed
	}
	return lastCommitted(ctx, s.db)
}

func (s *Store) CommittedEpochs(ctx context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kcheckpoint.ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT epoch FROM committed_epochs ORDER BY epoch`)
	if err != nil {
		return nil, fmt.Errorf("list committed epochs: %w", err)
	}
	defer rows.Close()

	var epochs []uint64
	for rows.Next() {
		var epoch int64
		if err := rows.Scan(&epoch); err != nil {
			return nil, err
		}
		epochs = append(epochs, uint64(epoch))
	}
	return epochs, rows.Err()
}

func (s *Store) Prune(ctx context.Context, before uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kcheckpoint.ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	last, ok, err := lastCommitted(ctx, tx)
	if err != nil {
		return err
	}
	if ok {
		before = min(before, last)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE epoch < ?`, int64(before)); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM committed_epochs WHERE epoch < ?`, int64(before)); err != nil {
		return fmt.Errorf("prune epochs: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
