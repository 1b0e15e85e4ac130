// Package attendance persists who was in a room and for how long.
//
// The ledger is fed from the signal store rather than from request
// handlers: a watcher subscribes to a room's participant collection and
// records joins and leaves as they happen, so attendance stays correct
// even for clients that talk to the store directly.
package attendance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/opencampus/liveclass/internal/models"
	"github.com/opencampus/liveclass/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS attendance (
	id        BIGSERIAL PRIMARY KEY,
	room_id   TEXT        NOT NULL,
	user_id   TEXT        NOT NULL,
	user_name TEXT        NOT NULL DEFAULT '',
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	left_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS attendance_room_idx ON attendance (room_id);
`

// Ledger writes attendance rows to Postgres.
type Ledger struct {
	db  *pgxpool.Pool
	log *logrus.Entry
}

// New connects to Postgres and ensures the attendance schema exists.
func New(ctx context.Context, dsn string, log *logrus.Entry) (*Ledger, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &Ledger{db: pool, log: log}, nil
}

// Close releases the connection pool.
func (l *Ledger) Close() {
	l.db.Close()
}

func (l *Ledger) recordJoin(ctx context.Context, roomID string, p models.Participant) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO attendance (room_id, user_id, user_name)
		VALUES ($1, $2, $3)
	`, roomID, p.UserID, p.UserName)
	return err
}

func (l *Ledger) recordLeave(ctx context.Context, roomID, userID string) error {
	_, err := l.db.Exec(ctx, `
		UPDATE attendance SET left_at = now()
		WHERE room_id = $1 AND user_id = $2 AND left_at IS NULL
	`, roomID, userID)
	return err
}

// closeRoom stamps left_at for everyone still marked present. Used when a
// room ends so rows never stay open forever.
func (l *Ledger) closeRoom(ctx context.Context, roomID string) error {
	_, err := l.db.Exec(ctx, `
		UPDATE attendance SET left_at = now()
		WHERE room_id = $1 AND left_at IS NULL
	`, roomID)
	return err
}

// WatchRoom follows a room's participant collection and records joins and
// leaves until the room ends, the subscriptions drop, or ctx is cancelled.
// Blocks; run it in its own goroutine.
func (l *Ledger) WatchRoom(ctx context.Context, st store.Store, roomID string) {
	log := l.log.WithField("room", roomID)

	partSub, err := st.Subscribe(ctx, store.ParticipantsCollection(roomID))
	if err != nil {
		log.WithError(err).Error("subscribing to participants")
		return
	}
	defer partSub.Close()

	roomSub, err := st.Subscribe(ctx, store.RoomCollection(roomID))
	if err != nil {
		log.WithError(err).Error("subscribing to room")
		return
	}
	defer roomSub.Close()

	present := make(map[string]bool)

	defer func() {
		if err := l.closeRoom(context.Background(), roomID); err != nil {
			log.WithError(err).Warn("closing open attendance rows")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-roomSub.C:
			if !ok {
				return
			}
			var room models.Room
			if raw, found := snap.Docs[roomID]; found {
				if err := json.Unmarshal(raw, &room); err == nil && room.Ended {
					log.Info("room ended, stopping attendance watcher")
					return
				}
			}

		case snap, ok := <-partSub.C:
			if !ok {
				return
			}
			// Snapshots are full state, so diffing the presence set is
			// safe even when intermediate deliveries were dropped.
			for id, raw := range snap.Docs {
				if present[id] {
					continue
				}
				var p models.Participant
				if err := json.Unmarshal(raw, &p); err != nil {
					log.WithError(err).WithField("user", id).Warn("bad participant document")
					continue
				}
				if err := l.recordJoin(ctx, roomID, p); err != nil {
					log.WithError(err).WithField("user", id).Error("recording join")
					continue
				}
				present[id] = true
			}
			for id := range present {
				if _, found := snap.Docs[id]; found {
					continue
				}
				if err := l.recordLeave(ctx, roomID, id); err != nil {
					log.WithError(err).WithField("user", id).Error("recording leave")
					continue
				}
				delete(present, id)
			}
		}
	}
}
