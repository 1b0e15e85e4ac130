// Package mesh implements the peer-to-peer session core: membership
// diffing, the offer/answer/candidate protocol over the signal store, peer
// connection lifecycle, and the session controller that ties them together.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opencampus/liveclass/internal/media"
	"github.com/opencampus/liveclass/internal/models"
	"github.com/opencampus/liveclass/internal/store"
)

// Options configures a session join.
type Options struct {
	RoomID      string
	UserID      string // stable user identity, matched against the room owner
	PeerID      string // per-session identifier; generated when empty
	DisplayName string
	Media       *media.Local
	ICEServers  []webrtc.ICEServer
	Logger      *logrus.Logger
	// OnTrack is invoked from the control loop when a remote track arrives.
	// The callback must not block; hand the track to its own goroutine.
	OnTrack func(peerID string, track *webrtc.TrackRemote)
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// Session is one participant's live presence in a room. All shared state
// (peer links, local media, membership) is mutated on a single control
// loop; public methods hand work to that loop and wait for the result.
type Session struct {
	st   store.Store
	opts Options
	log  *logrus.Entry

	selfID string
	isHost bool
	self   models.Participant

	media      *media.Local
	peers      *PeerManager
	proto      *Protocol
	membership *membership

	roomSub *store.Subscription
	partSub *store.Subscription
	sigSub  *store.Subscription

	// signal documents already applied; guards against at-least-once
	// redelivery between our delete and the next snapshot
	seen map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	done   chan struct{}
	err    error
}

// Join creates the participant document, wires the subscriptions and starts
// the control loop. A missing room is created implicitly with the joining
// user as owner; joining an ended room fails with ErrRoomEnded.
func Join(ctx context.Context, st store.Store, opts Options) (*Session, error) {
	if opts.RoomID == "" || opts.UserID == "" {
		return nil, errors.New("mesh: room and user identifiers are required")
	}
	if opts.PeerID == "" {
		opts.PeerID = uuid.New().String()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	log := opts.Logger.WithFields(logrus.Fields{"room": opts.RoomID, "peer": opts.PeerID})
	if opts.Media == nil {
		opts.Media = media.NewLocal(media.Config{}, log.WithField("component", "media"))
	}

	var room models.Room
	err := st.Get(ctx, store.RoomCollection(opts.RoomID), opts.RoomID, &room)
	switch {
	case errors.Is(err, store.ErrNotFound):
		room = models.Room{ID: opts.RoomID, OwnerID: opts.UserID, CreatedAt: time.Now().UTC()}
		if err := st.Set(ctx, store.RoomCollection(opts.RoomID), opts.RoomID, room, false); err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load room: %w", err)
	case room.Ended:
		return nil, ErrRoomEnded
	}

	api, err := newWebRTCAPI(opts.Logger)
	if err != nil {
		return nil, err
	}

	// Media comes up before any link exists so new connections are seeded
	// with every current local track.
	opts.Media.Acquire()

	peers := NewPeerManager(api, webrtc.Configuration{ICEServers: opts.ICEServers}, opts.Media,
		log.WithField("component", "peers"))
	proto := NewProtocol(opts.RoomID, opts.PeerID, peers, st, log.WithField("component", "signaling"))

	// Subscriptions start before the participant document is written, so a
	// remote offer triggered by our own join cannot beat our inbox.
	roomSub, err := st.Subscribe(ctx, store.RoomCollection(opts.RoomID))
	if err != nil {
		return nil, fmt.Errorf("subscribe room: %w", err)
	}
	partSub, err := st.Subscribe(ctx, store.ParticipantsCollection(opts.RoomID))
	if err != nil {
		roomSub.Close()
		return nil, fmt.Errorf("subscribe participants: %w", err)
	}
	sigSub, err := st.Subscribe(ctx, store.SignalsCollection(opts.RoomID, opts.PeerID))
	if err != nil {
		roomSub.Close()
		partSub.Close()
		return nil, fmt.Errorf("subscribe signals: %w", err)
	}

	self := models.Participant{
		UserID:       opts.PeerID,
		UserName:     opts.DisplayName,
		IsHost:       room.OwnerID == opts.UserID,
		AudioEnabled: opts.Media.AudioEnabled(),
		VideoEnabled: opts.Media.VideoEnabled(),
	}
	if err := st.Set(ctx, store.ParticipantsCollection(opts.RoomID), opts.PeerID, self, false); err != nil {
		roomSub.Close()
		partSub.Close()
		sigSub.Close()
		return nil, fmt.Errorf("announce participant: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		st:         st,
		opts:       opts,
		log:        log,
		selfID:     opts.PeerID,
		isHost:     self.IsHost,
		self:       self,
		media:      opts.Media,
		peers:      peers,
		proto:      proto,
		membership: newMembership(opts.PeerID),
		roomSub:    roomSub,
		partSub:    partSub,
		sigSub:     sigSub,
		seen:       make(map[string]struct{}),
		ctx:        sessCtx,
		cancel:     cancel,
		cmds:       make(chan command),
		done:       make(chan struct{}),
	}

	log.WithField("host", s.isHost).Info("joined room")
	go s.run()
	return s, nil
}

// SelfID returns the session's participant identifier.
func (s *Session) SelfID() string { return s.selfID }

// IsHost reports whether this participant owns the room.
func (s *Session) IsHost() bool { return s.isHost }

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. ErrRoomEnded after a room end,
// ErrSubscriptionLost after losing the store, nil after a plain Leave.
// Valid once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// PeerCount reports the number of live peer links.
func (s *Session) PeerCount() int { return s.peers.Len() }

// Peers exposes the link manager for observation (tests, diagnostics).
func (s *Session) Peers() *PeerManager { return s.peers }

// Participants lists the last observed room roster.
func (s *Session) Participants(ctx context.Context) ([]models.Participant, error) {
	var out []models.Participant
	err := s.do(ctx, func(context.Context) error {
		out = s.membership.participants()
		return nil
	})
	return out, err
}

// ToggleAudio mutes or unmutes the microphone. When no audio track exists
// (it was never acquired), this is the capability upgrade path: acquire,
// attach a sender on every link, and renegotiate.
func (s *Session) ToggleAudio(ctx context.Context) error {
	return s.do(ctx, func(loopCtx context.Context) error {
		if s.media.HasAudio() {
			s.self.AudioEnabled = s.media.ToggleAudio()
			return s.publishSelf(loopCtx)
		}
		track, err := s.media.AcquireAudio()
		if err != nil {
			return fmt.Errorf("acquire audio: %w", err)
		}
		added, err := s.peers.AddAudioTrack(track)
		if err != nil {
			return err
		}
		if added {
			if err := s.proto.Renegotiate(loopCtx); err != nil {
				return err
			}
		}
		s.self.AudioEnabled = true
		return s.publishSelf(loopCtx)
	})
}

// ToggleVideo is the video counterpart of ToggleAudio.
func (s *Session) ToggleVideo(ctx context.Context) error {
	return s.do(ctx, func(loopCtx context.Context) error {
		if s.media.HasVideo() {
			s.self.VideoEnabled = s.media.ToggleVideo()
			return s.publishSelf(loopCtx)
		}
		track, err := s.media.AcquireVideo()
		if err != nil {
			return fmt.Errorf("acquire video: %w", err)
		}
		added, err := s.peers.AddVideoTrack(track)
		if err != nil {
			return err
		}
		if added {
			if err := s.proto.Renegotiate(loopCtx); err != nil {
				return err
			}
		}
		s.self.VideoEnabled = true
		return s.publishSelf(loopCtx)
	})
}

// ToggleScreenShare starts or stops the screen capture. The video sender on
// every link is retuned in place, no renegotiation. When the capture ends on
// its own the camera is restored automatically.
func (s *Session) ToggleScreenShare(ctx context.Context) error {
	return s.do(ctx, func(loopCtx context.Context) error {
		if s.media.Sharing() {
			return s.stopScreenShare()
		}
		track, err := s.media.StartScreenShare(func() {
			s.post(func(context.Context) error { return s.stopScreenShare() })
		})
		if err != nil {
			return fmt.Errorf("start screen share: %w", err)
		}
		// Links that already carry video are retuned in place; links that
		// never had a camera get a fresh sender, which needs a new offer.
		if err := s.peers.ReplaceVideoTrack(track); err != nil {
			return err
		}
		added, err := s.peers.AddVideoTrack(track)
		if err != nil {
			return err
		}
		if added {
			return s.proto.Renegotiate(loopCtx)
		}
		return nil
	})
}

func (s *Session) stopScreenShare() error {
	camera := s.media.StopScreenShare()
	return s.peers.ReplaceVideoTrack(camera)
}

// SetHandRaised publishes the hand state on the participant document.
func (s *Session) SetHandRaised(ctx context.Context, raised bool) error {
	return s.do(ctx, func(loopCtx context.Context) error {
		s.self.HandRaised = raised
		return s.publishSelf(loopCtx)
	})
}

// EndRoom flips the room's ended flag. Host only; every observing client,
// this one included, tears down when the flag comes back on the room
// subscription.
func (s *Session) EndRoom(ctx context.Context) error {
	if !s.isHost {
		return ErrNotHost
	}
	return s.st.Set(ctx, store.RoomCollection(s.opts.RoomID), s.opts.RoomID, map[string]any{"ended": true}, true)
}

// Leave departs gracefully: the participant document is deleted, every peer
// link closed, local tracks stopped. Safe to call on any exit path,
// including after the session already ended.
func (s *Session) Leave(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	for {
		select {
		case snap, ok := <-s.roomSub.C:
			if !ok {
				s.fail(ErrSubscriptionLost)
				return
			}
			if s.roomEnded(snap) {
				s.log.Info("room ended, tearing down")
				s.fail(ErrRoomEnded)
				return
			}

		case snap, ok := <-s.partSub.C:
			if !ok {
				s.fail(ErrSubscriptionLost)
				return
			}
			s.handleMembership(snap)

		case snap, ok := <-s.sigSub.C:
			if !ok {
				s.fail(ErrSubscriptionLost)
				return
			}
			s.consumeSignals(snap)

		case ev := <-s.peers.Events():
			s.handlePeerEvent(ev)

		case cmd := <-s.cmds:
			cmd.reply <- cmd.fn(s.ctx)

		case <-s.ctx.Done():
			s.teardown(nil)
			return
		}
	}
}

func (s *Session) roomEnded(snap store.Snapshot) bool {
	data, ok := snap.Docs[s.opts.RoomID]
	if !ok {
		return false
	}
	var room models.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return false
	}
	return room.Ended
}

func (s *Session) handleMembership(snap store.Snapshot) {
	joined, left := s.membership.apply(snap.Docs)
	for _, id := range joined {
		s.log.WithField("peer", id).Info("participant joined")
		if err := s.proto.HandlePeerJoined(s.ctx, id); err != nil {
			s.log.WithError(err).WithField("peer", id).Error("negotiation start failed")
		}
	}
	for _, id := range left {
		s.log.WithField("peer", id).Info("participant left")
		s.peers.Remove(id)
	}
}

// consumeSignals applies every inbox document in timestamp order and
// deletes each one afterwards, whether or not applying it worked, so the
// collection converges to empty.
func (s *Session) consumeSignals(snap store.Snapshot) {
	type pending struct {
		id  string
		sig models.Signal
	}
	batch := make([]pending, 0, len(snap.Docs))
	for id, data := range snap.Docs {
		if _, dup := s.seen[id]; dup {
			continue
		}
		var sig models.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			s.log.WithError(err).WithField("signal", id).Warn("dropping malformed signal")
			s.discard(id)
			continue
		}
		batch = append(batch, pending{id: id, sig: sig})
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].sig.Timestamp != batch[j].sig.Timestamp {
			return batch[i].sig.Timestamp < batch[j].sig.Timestamp
		}
		return batch[i].id < batch[j].id
	})

	for _, p := range batch {
		if err := s.proto.HandleSignal(s.ctx, p.sig); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"signal": p.id, "kind": p.sig.Type, "from": p.sig.From,
			}).Error("applying signal failed")
		}
		s.discard(p.id)
	}
}

func (s *Session) discard(id string) {
	s.seen[id] = struct{}{}
	coll := store.SignalsCollection(s.opts.RoomID, s.selfID)
	if err := s.st.Delete(s.ctx, coll, id); err != nil {
		s.log.WithError(err).WithField("signal", id).Warn("deleting consumed signal")
	}
}

func (s *Session) handlePeerEvent(ev PeerEvent) {
	switch ev.Kind {
	case PeerEventCandidate:
		if err := s.proto.SendLocalCandidate(s.ctx, ev.PeerID, ev.Candidate); err != nil {
			s.log.WithError(err).WithField("peer", ev.PeerID).Warn("relaying candidate")
		}
	case PeerEventState:
		s.log.WithFields(logrus.Fields{"peer": ev.PeerID, "state": ev.State.String()}).Debug("connection state")
		if ev.State == webrtc.PeerConnectionStateFailed || ev.State == webrtc.PeerConnectionStateDisconnected {
			// Connection-level failure is an implicit departure, even if the
			// participant document is still around.
			s.log.WithField("peer", ev.PeerID).Info("connection lost, removing peer")
			s.peers.Remove(ev.PeerID)
		}
	case PeerEventTrack:
		s.log.WithFields(logrus.Fields{"peer": ev.PeerID, "kind": ev.Track.Kind().String()}).Info("remote track")
		if s.opts.OnTrack != nil {
			s.opts.OnTrack(ev.PeerID, ev.Track)
		}
	}
}

func (s *Session) publishSelf(ctx context.Context) error {
	return s.st.Set(ctx, store.ParticipantsCollection(s.opts.RoomID), s.selfID, s.self, true)
}

func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// post hands work to the loop without waiting; used by callbacks that fire
// outside it (screen capture ending).
func (s *Session) post(fn func(ctx context.Context) error) {
	go func() {
		if err := s.do(context.Background(), fn); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.log.WithError(err).Warn("deferred session command failed")
		}
	}()
}

func (s *Session) fail(reason error) {
	s.teardown(reason)
}

// teardown is the single cleanup path for every way a session ends.
func (s *Session) teardown(reason error) {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.st.Delete(ctx, store.ParticipantsCollection(s.opts.RoomID), s.selfID); err != nil {
		s.log.WithError(err).Warn("removing participant document")
	}

	s.peers.CloseAll()
	s.media.Close()
	s.roomSub.Close()
	s.partSub.Close()
	s.sigSub.Close()

	s.err = reason
	close(s.done)
	s.log.Info("session closed")
}
