// Package store is the persistent publish/subscribe document store the
// signaling core relays through. Documents live in named collections;
// subscribers get the full current result set on every change, with
// per-change tags, which is exactly what the membership differ and the
// signaling protocol consume.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when the document does not exist.
var ErrNotFound = errors.New("store: document not found")

// ChangeKind tags a single document change inside a snapshot.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change describes one document change. Data is nil for removals.
type Change struct {
	Kind ChangeKind      `json:"kind"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the full state of a collection after a change was applied.
// The first snapshot delivered on a subscription carries the initial result
// set with every document tagged as added.
type Snapshot struct {
	Docs    map[string]json.RawMessage
	Changes []Change
}

// Store is the contract the signaling core requires from its relay.
// Delivery is at-least-once and ordered per document; there is no ordering
// guarantee across documents, so consumers must not depend on, say, an offer
// arriving before a candidate from the same sender.
type Store interface {
	// Create appends a document with a generated ID and returns the ID.
	Create(ctx context.Context, collection string, doc any) (string, error)
	// Set writes a document under a caller-chosen ID. With merge, fields of
	// doc are overlaid onto the existing document instead of replacing it.
	Set(ctx context.Context, collection, id string, doc any, merge bool) error
	// Get unmarshals one document into dest, or returns ErrNotFound.
	Get(ctx context.Context, collection, id string, dest any) error
	// List returns the current documents of a collection keyed by ID.
	List(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Subscribe starts streaming snapshots for a collection. The returned
	// subscription must be closed by the caller. A closed channel means the
	// subscription died and will not recover.
	Subscribe(ctx context.Context, collection string) (*Subscription, error)
}

// Subscription is a live snapshot stream for one collection.
type Subscription struct {
	C <-chan Snapshot

	once sync.Once
	stop func()
}

func newSubscription(c <-chan Snapshot, stop func()) *Subscription {
	return &Subscription{C: c, stop: stop}
}

// Close stops the stream and releases the underlying resources. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(s.stop)
}

// Collection path helpers. Every query shape the core needs is a plain
// collection: one room's document, a room's participants, and one signal
// inbox per recipient.

// RoomCollection holds a single room's document, keyed by its own ID.
// Each room gets its own collection so watching one room's ended flag
// does not observe every other room's changes.
func RoomCollection(roomID string) string {
	return "rooms/" + roomID
}

func ParticipantsCollection(roomID string) string {
	return "rooms/" + roomID + "/participants"
}

func SignalsCollection(roomID, recipientID string) string {
	return "rooms/" + roomID + "/signals/" + recipientID
}

// mergeDocs overlays the top-level fields of patch onto base.
func mergeDocs(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}
