// Package storage persists device preferences in namespaced key-value form. The default
// backend is a local bbolt file; PostgreSQL and etcd backends let a fleet gateway keep the
// state of its devices in shared infrastructure.
package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"
)

// Namespaces used by the device
const (
	NamespaceDevice = "watertank"
	NamespaceConfig = "devcfg"
)

// ErrUnsupportedDSN is returned by Open for an unknown scheme
var ErrUnsupportedDSN = errors.New("unsupported storage DSN")

// Store is a namespaced string key-value store
type Store interface {
	// Get returns the value and whether the key exists
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Put(ctx context.Context, namespace, key, value string) error
	// PutAll writes every pair in one transaction where the backend supports it
	PutAll(ctx context.Context, namespace string, values map[string]string) error
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}

// Open connects the backend named by the DSN scheme:
// bolt:///path/prefs.db, postgres://..., etcd://host:2379/prefix or memory://
func Open(ctx context.Context, dsn string) (Store, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage DSN: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemory(), nil
	case "bolt", "bbolt":
		path := u.Host + u.Path
		if path == "" {
			return nil, fmt.Errorf("%w: bolt DSN needs a file path", ErrUnsupportedDSN)
		}
		return OpenBolt(path)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn)
	case "etcd":
		return OpenEtcd(ctx, dsn)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, strings.SplitN(dsn, ":", 2)[0])
}

// Memory keeps preferences in process memory. It backs tests and volatile simulators.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]string)}
}

func (m *Memory) Get(_ context.Context, namespace, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][key]
	return v, ok, nil
}

func (m *Memory) Put(ctx context.Context, namespace, key, value string) error {
	return m.PutAll(ctx, namespace, map[string]string{key: value})
}

func (m *Memory) PutAll(_ context.Context, namespace string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string]string)
		m.data[namespace] = ns
	}
	maps.Copy(ns, values)
	return nil
}

func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *Memory) Close() error { return nil }

// sortedKeys gives batched writes a stable order
func sortedKeys(values map[string]string) []string {
	return slices.Sorted(maps.Keys(values))
}
