package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
)

// ErrStaleLoad is returned by Hydrate when a newer load or write happened
// while the load was in flight. The loaded data is discarded.
var ErrStaleLoad = errors.New("stale load discarded")

// ErrNoChange may be returned by a Mutate callback to leave the record as it
// is. Mutate then returns the unchanged record together with ErrNoChange.
var ErrNoChange = errors.New("no change")

type record[T any] interface {
	GetID() string
	Clone() T
}

// table is an insertion-ordered, mutex-guarded collection. Values handed out
// are always clones.
type table[T record[T]] struct {
	name       string
	entity     string
	mu         sync.RWMutex
	items      map[string]T
	order      []string
	generation atomic.Uint64
	persistMu  sync.Mutex
	persister  Persister
	logger     *zap.Logger
}

func newTable[T record[T]](name, entity string, o *options) *table[T] {
	return &table[T]{
		name:      name,
		entity:    entity,
		items:     make(map[string]T),
		persister: o.persister,
		logger:    o.logger.With(zap.String("collection", name)),
	}
}

func (t *table[T]) get(id string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[id]
	if !ok {
		var zero T
		return zero, apperr.NewNotFound(t.entity, id)
	}
	return item.Clone(), nil
}

func (t *table[T]) list(match func(T) bool) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.order))
	for _, id := range t.order {
		item := t.items[id]
		if match == nil || match(item) {
			out = append(out, item.Clone())
		}
	}
	return out
}

func (t *table[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

func (t *table[T]) insert(ctx context.Context, item T) {
	t.mu.Lock()
	id := item.GetID()
	if _, exists := t.items[id]; !exists {
		t.order = append(t.order, id)
	}
	t.items[id] = item.Clone()
	t.generation.Add(1)
	t.mu.Unlock()

	t.persist(ctx)
}

// modify applies fn to a copy of the stored record under the write lock and
// stores the copy when fn succeeds. fn must not retain the pointer.
func (t *table[T]) modify(ctx context.Context, id string, fn func(T) error) (T, error) {
	t.mu.Lock()
	item, ok := t.items[id]
	if !ok {
		t.mu.Unlock()
		var zero T
		return zero, apperr.NewNotFound(t.entity, id)
	}
	working := item.Clone()
	if err := fn(working); err != nil {
		t.mu.Unlock()
		if errors.Is(err, ErrNoChange) {
			return item.Clone(), err
		}
		var zero T
		return zero, err
	}
	t.items[id] = working
	t.generation.Add(1)
	out := working.Clone()
	t.mu.Unlock()

	t.persist(ctx)
	return out, nil
}

func (t *table[T]) snapshot() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	items := make([]T, 0, len(t.order))
	for _, id := range t.order {
		items = append(items, t.items[id])
	}
	return json.Marshal(items)
}

// persist saves the whole collection. Failures are logged, the in-memory
// write stands.
func (t *table[T]) persist(ctx context.Context) {
	if t.persister == nil {
		return
	}
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	data, err := t.snapshot()
	if err != nil {
		t.logger.Error("Failed to encode snapshot", zap.Error(err))
		return
	}
	if err := t.persister.Save(ctx, t.name, data); err != nil {
		t.logger.Warn("Failed to persist snapshot", zap.Error(err))
	}
}

// hydrate replaces the collection with the persisted snapshot. A load that
// finishes after a newer load or write started is discarded.
func (t *table[T]) hydrate(ctx context.Context) (int, error) {
	if t.persister == nil {
		return 0, nil
	}
	gen := t.generation.Add(1)

	data, err := t.persister.Load(ctx, t.name)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to load %s", t.name)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return 0, errors.Wrapf(err, "failed to decode %s snapshot", t.name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation.Load() != gen {
		return 0, ErrStaleLoad
	}
	t.items = make(map[string]T, len(items))
	t.order = t.order[:0]
	for _, item := range items {
		id := item.GetID()
		if _, dup := t.items[id]; dup {
			continue
		}
		t.items[id] = item
		t.order = append(t.order, id)
	}
	return len(t.order), nil
}
