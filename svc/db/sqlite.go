// Package db implements the durable record store: a single SQLite file
// holding the meta, asset and record tables, with ordered schema migrations
// and the maintenance queries used by retention and sync.
package db

import (
	"context"
	"database/sql"
	"net/url"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"clipvault/pkg/domain"
	"clipvault/svc/codec"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultQueryTimeout = 5 * time.Second
)

// DecodedCache memoizes decoded content across loads, keyed by content
// digest. Satisfied by svc/cache.Decoded.
type DecodedCache interface {
	Get(digest string) (domain.Content, bool)
	Set(digest string, content domain.Content)
}

type Store struct {
	db            *sql.DB
	codec         *codec.Codec
	decoded       DecodedCache
	queryTimeout  time.Duration
	failures      int32
	circuitState  int32
	circuitOpened int64
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// UseDecodedCache routes payload decoding through c, so reloads skip the
// base64/AES work for content decoded before. Set before serving queries.
func (s *Store) UseDecodedCache(c DecodedCache) {
	s.decoded = c
}

func New(path string, c *codec.Codec) (*Store, error) {
	return NewWithConfig(path, c, true, defaultQueryTimeout)
}

// NewWithConfig opens (creating if needed) the database and brings the schema
// to the current version. keepConnection keeps one idle connection alive for
// the lifetime of the store; either way statements never overlap because the
// pool is capped at a single connection, which SQLite requires for writers.
func NewWithConfig(path string, c *codec.Codec, keepConnection bool, queryTimeout time.Duration) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_foreign_keys": {"on"},
		"_busy_timeout": {"5000"},
	}.Encode()
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	sqlDB.SetMaxOpenConns(1)
	if keepConnection {
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxIdleTime(0)
	} else {
		sqlDB.SetMaxIdleConns(0)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &Store{
		db:           sqlDB,
		codec:        c,
		queryTimeout: queryTimeout,
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, errors.Wrap(err, "enable WAL mode")
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *Store) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed, circuitHalfOpen:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *Store) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *Store) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *Store) Close() error {
	return s.db.Close()
}
