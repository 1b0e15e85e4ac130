package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	keyPrefix = "lc:"
	// Room state expires on its own so documents left behind by abnormal
	// exits do not pile up forever. There is no finer-grained liveness
	// reaping; see the design notes.
	docTTL = 24 * time.Hour
)

// Redis is the production Store: documents are hash fields keyed by the
// collection path, and every change is fanned out over a pub/sub channel of
// the same name. One participant writes only its own documents, so plain
// read-merge-write is safe without transactions.
type Redis struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewRedis(client *redis.Client, log *logrus.Logger) *Redis {
	return &Redis{client: client, log: log.WithField("component", "store")}
}

func (r *Redis) Create(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.New().String()
	return id, r.Set(ctx, collection, id, doc, false)
}

func (r *Redis) Set(ctx context.Context, collection, id string, doc any, merge bool) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	key := keyPrefix + collection
	prev, err := r.client.HGet(ctx, key, id).Result()
	existed := err == nil
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	if merge && existed {
		if data, err = mergeDocs(json.RawMessage(prev), data); err != nil {
			return err
		}
	}

	if err := r.client.HSet(ctx, key, id, string(data)).Err(); err != nil {
		return err
	}
	r.client.Expire(ctx, key, docTTL)

	kind := ChangeAdded
	if existed {
		kind = ChangeModified
	}
	return r.publish(ctx, key, Change{Kind: kind, ID: id, Data: data})
}

func (r *Redis) Get(ctx context.Context, collection, id string, dest any) error {
	data, err := r.client.HGet(ctx, keyPrefix+collection, id).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func (r *Redis) List(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	raw, err := r.client.HGetAll(ctx, keyPrefix+collection).Result()
	if err != nil {
		return nil, err
	}
	docs := make(map[string]json.RawMessage, len(raw))
	for id, data := range raw {
		docs[id] = json.RawMessage(data)
	}
	return docs, nil
}

func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	key := keyPrefix + collection
	removed, err := r.client.HDel(ctx, key, id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}
	return r.publish(ctx, key, Change{Kind: ChangeRemoved, ID: id})
}

func (r *Redis) Subscribe(ctx context.Context, collection string) (*Subscription, error) {
	key := keyPrefix + collection

	// Subscribe before reading the initial state so no change can slip
	// between the snapshot and the event stream.
	pubsub := r.client.Subscribe(ctx, key)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	docs, err := r.List(ctx, collection)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan Snapshot, 64)
	initial := Snapshot{Docs: copyDocs(docs)}
	for id, data := range initial.Docs {
		initial.Changes = append(initial.Changes, Change{Kind: ChangeAdded, ID: id, Data: data})
	}
	out <- initial

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				r.log.WithError(err).WithField("channel", key).Warn("dropping malformed change event")
				continue
			}
			switch change.Kind {
			case ChangeRemoved:
				delete(docs, change.ID)
			default:
				docs[change.ID] = change.Data
			}
			deliverSnapshot(out, Snapshot{Docs: copyDocs(docs), Changes: []Change{change}})
		}
	}()

	stop := func() {
		if err := pubsub.Close(); err != nil {
			r.log.WithError(err).Warn("closing subscription")
		}
	}
	return newSubscription(out, stop), nil
}

func (r *Redis) publish(ctx context.Context, channel string, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

// deliverSnapshot drops the oldest pending snapshot when the consumer lags;
// each snapshot carries the full result set, so newer always supersedes.
func deliverSnapshot(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
