package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Persister stores whole-collection snapshots. Load returns nil data and no
// error when nothing was saved yet.
type Persister interface {
	Save(ctx context.Context, collection string, data []byte) error
	Load(ctx context.Context, collection string) ([]byte, error)
}

// RedisPersister keeps one key per collection.
type RedisPersister struct {
	client *redis.Client
	prefix string
}

// NewRedisPersister creates a persister writing keys as "<prefix>:<collection>".
func NewRedisPersister(client *redis.Client, prefix string) *RedisPersister {
	return &RedisPersister{client: client, prefix: prefix}
}

func (p *RedisPersister) key(collection string) string {
	if p.prefix == "" {
		return collection
	}
	return p.prefix + ":" + collection
}

// Save implements Persister.
func (p *RedisPersister) Save(ctx context.Context, collection string, data []byte) error {
	if err := p.client.Set(ctx, p.key(collection), data, 0).Err(); err != nil {
		return errors.Wrapf(err, "failed to save %s snapshot", collection)
	}
	return nil
}

// Load implements Persister.
func (p *RedisPersister) Load(ctx context.Context, collection string) ([]byte, error) {
	data, err := p.client.Get(ctx, p.key(collection)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s snapshot", collection)
	}
	return data, nil
}

// Ping checks connectivity.
func (p *RedisPersister) Ping(ctx context.Context) error {
	return errors.Wrap(p.client.Ping(ctx).Err(), "redis ping failed")
}

// MemoryPersister keeps snapshots in process memory. It is used in tests and
// when no Redis instance is configured but snapshot round trips are wanted.
type MemoryPersister struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryPersister returns an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{data: make(map[string][]byte)}
}

// Save implements Persister.
func (p *MemoryPersister) Save(_ context.Context, collection string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	p.data[collection] = buf
	return nil
}

// Load implements Persister.
func (p *MemoryPersister) Load(_ context.Context, collection string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.data[collection]
	if !ok {
		return nil, nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}
