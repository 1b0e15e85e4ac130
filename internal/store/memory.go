package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store with the same semantics as the Redis
// implementation. Used by tests and by single-process embedding.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
	subs        map[string][]*memorySub
}

type memorySub struct {
	ch chan Snapshot
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]json.RawMessage),
		subs:        make(map[string][]*memorySub),
	}
}

func (m *Memory) Create(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.New().String()
	return id, m.Set(ctx, collection, id, doc, false)
}

func (m *Memory) Set(_ context.Context, collection, id string, doc any, merge bool) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]json.RawMessage)
		m.collections[collection] = coll
	}

	prev, existed := coll[id]
	if merge && existed {
		if data, err = mergeDocs(prev, data); err != nil {
			return err
		}
	}
	coll[id] = data

	kind := ChangeAdded
	if existed {
		kind = ChangeModified
	}
	m.publishLocked(collection, Change{Kind: kind, ID: id, Data: data})
	return nil
}

func (m *Memory) Get(_ context.Context, collection, id string, dest any) error {
	m.mu.Lock()
	data, ok := m.collections[collection][id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, dest)
}

func (m *Memory) List(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyDocs(m.collections[collection]), nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.collections[collection]
	if !ok {
		return nil
	}
	if _, existed := coll[id]; !existed {
		return nil
	}
	delete(coll, id)
	m.publishLocked(collection, Change{Kind: ChangeRemoved, ID: id})
	return nil
}

func (m *Memory) Subscribe(_ context.Context, collection string) (*Subscription, error) {
	sub := &memorySub{ch: make(chan Snapshot, 64)}

	m.mu.Lock()
	m.subs[collection] = append(m.subs[collection], sub)
	initial := Snapshot{Docs: copyDocs(m.collections[collection])}
	for id, data := range initial.Docs {
		initial.Changes = append(initial.Changes, Change{Kind: ChangeAdded, ID: id, Data: data})
	}
	sub.ch <- initial
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		subs := m.subs[collection]
		for i, s := range subs {
			if s == sub {
				m.subs[collection] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
		m.mu.Unlock()
	}
	return newSubscription(sub.ch, stop), nil
}

func (m *Memory) publishLocked(collection string, change Change) {
	docs := copyDocs(m.collections[collection])
	snap := Snapshot{Docs: docs, Changes: []Change{change}}
	for _, sub := range m.subs[collection] {
		deliverSnapshot(sub.ch, snap)
	}
}

func copyDocs(src map[string]json.RawMessage) map[string]json.RawMessage {
	docs := make(map[string]json.RawMessage, len(src))
	for id, data := range src {
		docs[id] = data
	}
	return docs
}
