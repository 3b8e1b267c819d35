package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store. It is the reference backend for tests and
// for peers that share one process.
type Memory struct {
	mu     sync.Mutex
	cols   map[string]*memCollection
	hub    *hub
	now    func() time.Time
	closed bool
}

type memCollection struct {
	order []string
	docs  map[string]*Doc
}

func (c *memCollection) list() []*Doc {
	out := make([]*Doc, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.docs[id])
	}
	return out
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cols: make(map[string]*memCollection),
		hub:  newHub(),
		now:  time.Now,
	}
}

// SetClock replaces the clock used for server timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) NewID() string { return uuid.NewString() }

func (m *Memory) col(name string) *memCollection {
	c, ok := m.cols[name]
	if !ok {
		c = &memCollection{docs: make(map[string]*Doc)}
		m.cols[name] = c
	}
	return c
}

func (m *Memory) Add(ctx context.Context, collection string, data Data) (string, error) {
	id := m.NewID()
	if err := m.put(ctx, collection, id, data, false, nil); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, data Data) error {
	return m.put(ctx, collection, id, data, false, nil)
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields Data) error {
	return m.put(ctx, collection, id, fields, true, nil)
}

func (m *Memory) UpdateIf(ctx context.Context, collection, id string, g Guard, fields Data) error {
	return m.put(ctx, collection, id, fields, true, &g)
}

func (m *Memory) put(ctx context.Context, collection, id string, data Data, merge bool, guard *Guard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validCollection(collection); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidQuery)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	prepared, err := prepare(data, m.now().UnixMilli())
	if err != nil {
		return err
	}

	c := m.col(collection)
	old, exists := c.docs[id]
	if merge {
		if !exists {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		if guard != nil {
			if err := guard.check(collection, id, old.Data); err != nil {
				return err
			}
		}
		next := cloneDoc(old)
		for k, v := range prepared {
			next.Data[k] = v
		}
		c.docs[id] = next
	} else {
		if !exists {
			c.order = append(c.order, id)
		}
		c.docs[id] = &Doc{ID: id, Collection: collection, Data: prepared}
	}

	m.notifyLocked(collection)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	c, ok := m.cols[collection]
	if !ok {
		return nil
	}
	if _, ok := c.docs[id]; !ok {
		return nil
	}
	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	m.notifyLocked(collection)
	return nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (*Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	c, ok := m.cols[collection]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	d, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return cloneDoc(d), nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]*Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	c, ok := m.cols[q.Collection]
	if !ok {
		return nil, nil
	}
	return cloneDocs(q.apply(c.list())), nil
}

func (m *Memory) Subscribe(q Query) (<-chan Snapshot, func(), error) {
	if err := q.validate(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}

	f := newFeed(q)
	cancel := m.hub.add(f)
	var docs []*Doc
	if c, ok := m.cols[q.Collection]; ok {
		docs = q.apply(c.list())
	}
	f.publish(docs, true)
	return f.out, cancel, nil
}

func (m *Memory) notifyLocked(collection string) {
	feeds := m.hub.watching(collection)
	if len(feeds) == 0 {
		return
	}
	all := m.cols[collection].list()
	for _, f := range feeds {
		f.publish(f.query.apply(all), false)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.hub.closeAll()
	return nil
}
