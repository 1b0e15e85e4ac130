package mesh

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opencampus/liveclass/internal/media"
)

// PeerEventKind discriminates events surfaced by peer connections.
type PeerEventKind int

const (
	// PeerEventCandidate carries a locally gathered ICE candidate.
	PeerEventCandidate PeerEventKind = iota
	// PeerEventState carries a connection state transition.
	PeerEventState
	// PeerEventTrack carries a newly received remote track.
	PeerEventTrack
)

// PeerEvent is posted by pion callbacks into the session control loop; no
// peer state is mutated from callback goroutines directly.
type PeerEvent struct {
	Kind      PeerEventKind
	PeerID    string
	Candidate *webrtc.ICECandidate
	State     webrtc.PeerConnectionState
	Track     *webrtc.TrackRemote
	Receiver  *webrtc.RTPReceiver
}

// PeerLink wraps one native peer connection to a single remote participant.
// It is owned by the local session; the negotiation role is implied by the
// identifier tie-break at creation time.
type PeerLink struct {
	RemoteID  string
	Initiator bool

	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	// Candidates that arrived before the remote description; flushed by
	// setRemoteDescription. Cross-document delivery order is not guaranteed.
	pending []webrtc.ICECandidateInit

	// Set when a crossing offer was dropped during a pending exchange; the
	// next answer triggers a fresh offer toward this peer.
	reoffer bool

	remoteTracks []*webrtc.TrackRemote
}

// Connection exposes the underlying peer connection, mainly for tests.
func (l *PeerLink) Connection() *webrtc.PeerConnection {
	return l.pc
}

func (l *PeerLink) addRemoteCandidate(init webrtc.ICECandidateInit) error {
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, init)
		return nil
	}
	return l.pc.AddICECandidate(init)
}

func (l *PeerLink) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	for _, init := range l.pending {
		// ICE gathers multiple candidates; losing one is a recoverable
		// degradation, not a failure of the link.
		_ = l.pc.AddICECandidate(init)
	}
	l.pending = nil
	return nil
}

// PeerManager owns the set of active peer links for one session. All calls
// happen on the session control loop; the mutex only guards the map against
// read access from tests and the recorder.
type PeerManager struct {
	api   *webrtc.API
	cfg   webrtc.Configuration
	local *media.Local
	log   *logrus.Entry

	mu     sync.Mutex
	links  map[string]*PeerLink
	events chan PeerEvent
}

// NewPeerManager builds a manager that seeds every new connection with the
// tracks currently present in the local media state.
func NewPeerManager(api *webrtc.API, cfg webrtc.Configuration, local *media.Local, log *logrus.Entry) *PeerManager {
	return &PeerManager{
		api:    api,
		cfg:    cfg,
		local:  local,
		log:    log,
		links:  make(map[string]*PeerLink),
		events: make(chan PeerEvent, 128),
	}
}

// Events is the stream of candidate/state/track events from all links.
func (m *PeerManager) Events() <-chan PeerEvent {
	return m.events
}

// Ensure returns the link for a remote participant, creating it when absent.
// The second result reports whether a new link was created.
func (m *PeerManager) Ensure(remoteID string, initiator bool) (*PeerLink, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if link, ok := m.links[remoteID]; ok {
		return link, false, nil
	}

	pc, err := m.api.NewPeerConnection(m.cfg)
	if err != nil {
		return nil, false, fmt.Errorf("new peer connection: %w", err)
	}

	link := &PeerLink{RemoteID: remoteID, Initiator: initiator, pc: pc}

	// The control channel keeps the offer valid even before any track is
	// published and gives the transport a warm path for future use.
	if initiator {
		if _, err := pc.CreateDataChannel("control", nil); err != nil {
			pc.Close()
			return nil, false, fmt.Errorf("create control channel: %w", err)
		}
	}

	if track := m.local.AudioTrack(); track != nil {
		if link.audioSender, err = pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, false, fmt.Errorf("add audio track: %w", err)
		}
	}
	if track := m.local.VideoTrack(); track != nil {
		if link.videoSender, err = pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, false, fmt.Errorf("add video track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		m.post(PeerEvent{Kind: PeerEventCandidate, PeerID: remoteID, Candidate: c})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.post(PeerEvent{Kind: PeerEventState, PeerID: remoteID, State: state})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.mu.Lock()
		link.remoteTracks = append(link.remoteTracks, track)
		m.mu.Unlock()
		m.post(PeerEvent{Kind: PeerEventTrack, PeerID: remoteID, Track: track, Receiver: receiver})
	})

	m.links[remoteID] = link
	m.log.WithFields(logrus.Fields{"peer": remoteID, "initiator": initiator}).Info("peer link created")
	return link, true, nil
}

// Get looks up an existing link.
func (m *PeerManager) Get(remoteID string) (*PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[remoteID]
	return link, ok
}

// Remove closes and forgets a link. Removing an unknown or already removed
// peer is a no-op.
func (m *PeerManager) Remove(remoteID string) {
	m.mu.Lock()
	link, ok := m.links[remoteID]
	delete(m.links, remoteID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := link.pc.Close(); err != nil {
		m.log.WithError(err).WithField("peer", remoteID).Warn("closing peer connection")
	}
	m.log.WithField("peer", remoteID).Info("peer link removed")
}

// ReplaceVideoTrack retunes the video sender on every link in place. Track
// replacement on an existing sender needs no new offer/answer cycle.
func (m *PeerManager) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, link := range m.links {
		if link.videoSender == nil {
			continue
		}
		if err := link.videoSender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace video track for %s: %w", id, err)
		}
	}
	return nil
}

// AddAudioTrack attaches a newly acquired audio track to every link that
// lacks a sender and reports whether any was attached. When it reports
// true the caller must renegotiate: a fresh sender changes the SDP.
func (m *PeerManager) AddAudioTrack(track webrtc.TrackLocal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := false
	for id, link := range m.links {
		if link.audioSender != nil {
			continue
		}
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			return added, fmt.Errorf("add audio track for %s: %w", id, err)
		}
		link.audioSender = sender
		added = true
	}
	return added, nil
}

// AddVideoTrack attaches a newly acquired video track to every link that
// lacks a sender; see AddAudioTrack for the renegotiation requirement.
func (m *PeerManager) AddVideoTrack(track webrtc.TrackLocal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := false
	for id, link := range m.links {
		if link.videoSender != nil {
			continue
		}
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			return added, fmt.Errorf("add video track for %s: %w", id, err)
		}
		link.videoSender = sender
		added = true
	}
	return added, nil
}

// Each runs fn over all current links.
func (m *PeerManager) Each(fn func(*PeerLink)) {
	m.mu.Lock()
	links := make([]*PeerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mu.Unlock()
	for _, link := range links {
		fn(link)
	}
}

// Len reports the number of live links.
func (m *PeerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// CloseAll tears down every link.
func (m *PeerManager) CloseAll() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*PeerLink)
	m.mu.Unlock()
	for id, link := range links {
		if err := link.pc.Close(); err != nil {
			m.log.WithError(err).WithField("peer", id).Warn("closing peer connection")
		}
	}
}

func (m *PeerManager) post(ev PeerEvent) {
	select {
	case m.events <- ev:
	default:
		// The control loop is far behind; dropping a candidate or a state
		// transition is recoverable, blocking a pion callback is not.
		m.log.WithField("peer", ev.PeerID).Warn("peer event dropped, control loop lagging")
	}
}
