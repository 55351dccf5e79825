// Package kv is the key-value persistence seam for profile and progress
// records. The sqlite store is the durable backend; Memory is the test double
// and the degraded backend when sqlite becomes unavailable.
package kv

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"
)

var ErrNotFound = errors.New("not found")

// Store is a string-keyed blob store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// SQLite stores values in the kv table created by migrate.
type SQLite struct {
	DB *sql.DB
}

func (s SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return v, err
}

func (s SQLite) Put(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}

func (s SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key)
	return err
}

// Memory is a map-backed Store. The zero value is ready to use.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Fallback serves from Primary until it fails once, then switches to an
// in-memory store for the rest of the process. Every value read from or
// written to Primary is mirrored in memory, so the switch keeps the last
// known records. Progress made afterwards does not survive a restart.
type Fallback struct {
	Primary Store
	Logger  *log.Logger

	mu       sync.Mutex
	degraded bool
	memory   *Memory
}

func NewFallback(primary Store, logger *log.Logger) *Fallback {
	return &Fallback{Primary: primary, Logger: logger, memory: NewMemory()}
}

// Degraded reports whether the store has switched to memory.
func (f *Fallback) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Fallback) active() (Store, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memory == nil {
		f.memory = NewMemory()
	}
	if f.degraded || f.Primary == nil {
		return f.memory, true
	}
	return f.Primary, false
}

func (f *Fallback) degrade(op, key string, err error) Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		f.degraded = true
		f.logger().Printf("WARNING: persistence unavailable (%s %s: %v); continuing with in-memory progress", op, key, err)
	}
	return f.memory
}

func (f *Fallback) logger() *log.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return log.Default()
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	s, mem := f.active()
	v, err := s.Get(ctx, key)
	switch {
	case mem:
		return v, err
	case err == nil:
		_ = f.memory.Put(ctx, key, v)
		return v, nil
	case errors.Is(err, ErrNotFound):
		_ = f.memory.Delete(ctx, key)
		return v, err
	}
	return f.degrade("get", key, err).Get(ctx, key)
}

func (f *Fallback) Put(ctx context.Context, key string, value []byte) error {
	s, mem := f.active()
	err := s.Put(ctx, key, value)
	if mem {
		return err
	}
	if err == nil {
		return f.memory.Put(ctx, key, value)
	}
	return f.degrade("put", key, err).Put(ctx, key, value)
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	s, mem := f.active()
	err := s.Delete(ctx, key)
	if mem {
		return err
	}
	if err == nil {
		return f.memory.Delete(ctx, key)
	}
	return f.degrade("delete", key, err).Delete(ctx, key)
}
