package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

const createKVTableSQL = `
CREATE TABLE IF NOT EXISTS kv (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL,
	updated TEXT NOT NULL
);
`

const upsertKVSQL = `INSERT OR REPLACE INTO kv (k, v, updated) VALUES (?, ?, ?);`

const selectKVSQL = `SELECT v FROM kv WHERE k = ?;`

// RqliteStore keeps rendezvous keys in an rqlite cluster.
type RqliteStore struct {
	conn *gorqlite.Connection
}

var _ Store = (*RqliteStore)(nil)

// NewRqliteStore connects to dbURI and creates the kv table if needed.
func NewRqliteStore(dbURI string) (*RqliteStore, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing rendezvous store with rqlite")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	if _, err := conn.WriteOne(createKVTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}
	return &RqliteStore{conn: conn}, nil
}

func (s *RqliteStore) Put(_ context.Context, key string, value []byte) error {
	stmt := gorqlite.ParameterizedStatement{
		Query:     upsertKVSQL,
		Arguments: []interface{}{key, string(value), time.Now().UTC().Format(time.RFC3339)},
	}
	if _, err := s.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func (s *RqliteStore) lookup(_ context.Context, key string) ([]byte, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query:     selectKVSQL,
		Arguments: []interface{}{key},
	}
	result, err := s.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", key, err)
	}
	if !result.Next() {
		return nil, ErrNotFound
	}
	var v string
	if err := result.Scan(&v); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return []byte(v), nil
}

func (s *RqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	return waitFor(ctx, key, s.lookup)
}

func (s *RqliteStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

// clear removes every key. Tests use it to isolate runs.
func (s *RqliteStore) clear() error {
	_, err := s.conn.WriteOne("DELETE FROM kv")
	return err
}
