// Package bootstrap is the out-of-band rendezvous used at startup to
// exchange region keys and placement between PEs.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned by a lookup for a key nobody published yet.
	ErrNotFound = errors.New("bootstrap: key not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("bootstrap: store closed")
)

// Store is a write-once rendezvous key-value store. Get blocks until the
// key has been published or ctx is done.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

type lookupFunc func(ctx context.Context, key string) ([]byte, error)

// newPollBackOff is the retry schedule of blocking Gets.
func newPollBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// waitFor polls lookup until it stops reporting ErrNotFound.
func waitFor(ctx context.Context, key string, lookup lookupFunc) ([]byte, error) {
	var value []byte
	op := func() error {
		v, err := lookup(ctx, key)
		switch {
		case err == nil:
			value = v
			return nil
		case errors.Is(err, ErrNotFound):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, next time.Duration) {
		log.Trace().Str("key", key).Dur("retryIn", next).Msg("Waiting for rendezvous key")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(newPollBackOff(), ctx), notify); err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// MemStore keeps keys in process memory. It serves worlds whose PEs all
// live in one process, and backs the rendezvous daemon by default.
type MemStore struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	closed bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{kv: make(map[string][]byte)}
}

func (s *MemStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.kv[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) lookup(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	return waitFor(ctx, key, s.lookup)
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Open builds a store from a URI:
//
//	mem | ""                 in-process store
//	grpc://host:port         rendezvous daemon
//	rqlite://host:port       rqlite cluster (http://… and https://… also accepted)
//	sqlite://path            shared SQLite file
func Open(ctx context.Context, uri string) (Store, error) {
	switch {
	case uri == "" || uri == "mem":
		return NewMemStore(), nil
	case strings.HasPrefix(uri, "grpc://"):
		c := NewClient(strings.TrimPrefix(uri, "grpc://"))
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	case strings.HasPrefix(uri, "rqlite://"):
		return NewRqliteStore("http://" + strings.TrimPrefix(uri, "rqlite://"))
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return NewRqliteStore(uri)
	case strings.HasPrefix(uri, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(uri, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported bootstrap store %q", uri)
	}
}
