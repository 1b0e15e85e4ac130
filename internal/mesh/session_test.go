package mesh

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencampus/liveclass/internal/models"
	"github.com/opencampus/liveclass/internal/store"
)

func quietLogger(t *testing.T) *logrus.Logger {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func joinTestSession(t *testing.T, st store.Store, roomID, userID string) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := Join(ctx, st, Options{
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: userID,
		Logger:      quietLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		_ = sess.Leave(leaveCtx)
	})
	return sess
}

func TestJoinCreatesRoomAndParticipant(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	sess := joinTestSession(t, st, "room1", "alice")

	// First joiner owns the implicitly created room.
	assert.True(t, sess.IsHost())

	var room models.Room
	require.NoError(t, st.Get(ctx, store.RoomCollection("room1"), "room1", &room))
	assert.Equal(t, "alice", room.OwnerID)
	assert.False(t, room.Ended)

	var self models.Participant
	require.NoError(t, st.Get(ctx, store.ParticipantsCollection("room1"), sess.SelfID(), &self))
	assert.Equal(t, "alice", self.UserName)
	assert.True(t, self.IsHost)
}

func TestJoinEndedRoomFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	room := models.Room{ID: "room1", OwnerID: "alice", Ended: true}
	require.NoError(t, st.Set(ctx, store.RoomCollection("room1"), "room1", room, false))

	_, err := Join(ctx, st, Options{RoomID: "room1", UserID: "bob", Logger: quietLogger(t)})
	assert.ErrorIs(t, err, ErrRoomEnded)
}

func TestTwoSessionsNegotiate(t *testing.T) {
	st := store.NewMemory()

	alice := joinTestSession(t, st, "room1", "alice")
	bob := joinTestSession(t, st, "room1", "bob")

	// Each side ends up with exactly one link to the other.
	require.Eventually(t, func() bool {
		return alice.PeerCount() == 1 && bob.PeerCount() == 1
	}, 10*time.Second, 50*time.Millisecond, "peer links did not form")

	// Both inboxes converge to empty: every signal is consumed and deleted.
	require.Eventually(t, func() bool {
		for _, s := range []*Session{alice, bob} {
			docs, err := st.List(context.Background(), store.SignalsCollection("room1", s.SelfID()))
			if err != nil || len(docs) != 0 {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond, "signal inboxes did not drain")

	// Exactly one side initiated, decided by the identifier tie-break.
	aliceLink, ok := alice.Peers().Get(bob.SelfID())
	require.True(t, ok)
	bobLink, ok := bob.Peers().Get(alice.SelfID())
	require.True(t, ok)
	assert.NotEqual(t, aliceLink.Initiator, bobLink.Initiator)

	participants, err := alice.Participants(context.Background())
	require.NoError(t, err)
	assert.Len(t, participants, 2)
}

func TestLeaveRemovesParticipantAndPeers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	alice := joinTestSession(t, st, "room1", "alice")
	bob := joinTestSession(t, st, "room1", "bob")

	require.Eventually(t, func() bool {
		return alice.PeerCount() == 1 && bob.PeerCount() == 1
	}, 10*time.Second, 50*time.Millisecond)

	bobID := bob.SelfID()
	leaveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, bob.Leave(leaveCtx))

	<-bob.Done()
	assert.NoError(t, bob.Err())

	// The departed participant document is gone and the remaining session
	// drops its link.
	var p models.Participant
	assert.ErrorIs(t, st.Get(ctx, store.ParticipantsCollection("room1"), bobID, &p), store.ErrNotFound)
	require.Eventually(t, func() bool {
		return alice.PeerCount() == 0
	}, 10*time.Second, 50*time.Millisecond, "remaining session kept the link")

	// Leaving again is a no-op.
	require.NoError(t, bob.Leave(ctx))
}

func TestEndRoomIsHostOnlyAndTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	alice := joinTestSession(t, st, "room1", "alice")
	bob := joinTestSession(t, st, "room1", "bob")

	require.False(t, bob.IsHost())
	assert.ErrorIs(t, bob.EndRoom(ctx), ErrNotHost)

	require.True(t, alice.IsHost())
	require.NoError(t, alice.EndRoom(ctx))

	for _, s := range []*Session{alice, bob} {
		select {
		case <-s.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("session did not observe the room ending")
		}
		assert.ErrorIs(t, s.Err(), ErrRoomEnded)
	}

	// A late joiner is turned away.
	_, err := Join(ctx, st, Options{RoomID: "room1", UserID: "carol", Logger: quietLogger(t)})
	assert.ErrorIs(t, err, ErrRoomEnded)
}

func TestToggleFlagsPublishOnParticipantDocument(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	alice := joinTestSession(t, st, "room1", "alice")

	require.NoError(t, alice.SetHandRaised(ctx, true))

	var self models.Participant
	require.NoError(t, st.Get(ctx, store.ParticipantsCollection("room1"), alice.SelfID(), &self))
	assert.True(t, self.HandRaised)

	require.NoError(t, alice.SetHandRaised(ctx, false))
	require.NoError(t, st.Get(ctx, store.ParticipantsCollection("room1"), alice.SelfID(), &self))
	assert.False(t, self.HandRaised)
}

func TestToggleScreenShareWithoutSourceFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	alice := joinTestSession(t, st, "room1", "alice")

	// No screen source is configured; the toggle must report that instead
	// of pretending the share started.
	err := alice.ToggleScreenShare(ctx)
	assert.Error(t, err)
}

func TestDuplicateSignalDeliveryAppliedOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	alice := joinTestSession(t, st, "room1", "alice")

	// A remote identifier above the hex alphabet always wins the
	// tie-break, so alice only ever answers it.
	remoteID := "zzz-remote"

	api, err := newWebRTCAPI(quietLogger(t))
	require.NoError(t, err)
	remotePC, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { remotePC.Close() })
	_, err = remotePC.CreateDataChannel("control", nil)
	require.NoError(t, err)
	offer, err := remotePC.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remotePC.SetLocalDescription(offer))

	inbox := store.SignalsCollection("room1", alice.SelfID())
	sig := models.Signal{
		From:      remoteID,
		To:        alice.SelfID(),
		Type:      models.SignalOffer,
		Data:      offer.SDP,
		Timestamp: time.Now().UnixMilli(),
	}
	require.NoError(t, st.Set(ctx, inbox, "offer-1", sig, false))

	remoteInbox := store.SignalsCollection("room1", remoteID)
	countAnswers := func() int {
		docs, err := st.List(ctx, remoteInbox)
		if err != nil {
			return -1
		}
		n := 0
		for _, data := range docs {
			var s models.Signal
			if json.Unmarshal(data, &s) == nil && s.Type == models.SignalAnswer {
				n++
			}
		}
		return n
	}

	require.Eventually(t, func() bool {
		_, ok := alice.Peers().Get(remoteID)
		return ok && countAnswers() == 1
	}, 10*time.Second, 50*time.Millisecond, "offer was not applied")

	link, ok := alice.Peers().Get(remoteID)
	require.True(t, ok)

	// Redeliver the already-consumed document under the same ID; the store
	// is at-least-once, so this mirrors a snapshot race around the delete.
	require.NoError(t, st.Set(ctx, inbox, "offer-1", sig, false))

	require.Eventually(t, func() bool {
		docs, err := st.List(ctx, inbox)
		return err == nil && len(docs) == 0
	}, 10*time.Second, 50*time.Millisecond, "duplicate was not discarded")

	// The duplicate produced no second answer and did not touch the link.
	assert.Equal(t, 1, countAnswers())
	dup, ok := alice.Peers().Get(remoteID)
	require.True(t, ok)
	assert.Same(t, link, dup)
}

func TestSessionClosedCommandsFail(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	alice := joinTestSession(t, st, "room1", "alice")
	require.NoError(t, alice.Leave(ctx))
	<-alice.Done()

	assert.ErrorIs(t, alice.SetHandRaised(ctx, true), ErrSessionClosed)
	_, err := alice.Participants(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
