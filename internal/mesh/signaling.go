package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opencampus/liveclass/internal/models"
	"github.com/opencampus/liveclass/internal/store"
)

// ShouldInitiate decides which side of an unordered pair produces the offer:
// the peer with the greater identifier. Both sides evaluate the same pure
// function of the pair, so exactly one of them initiates and simultaneous
// offers are avoided in the common case.
func ShouldInitiate(selfID, remoteID string) bool {
	return selfID > remoteID
}

// Protocol drives offer/answer/candidate exchange for one session over the
// signal store. It owns no goroutines; the session control loop calls it.
type Protocol struct {
	roomID string
	selfID string
	peers  *PeerManager
	store  store.Store
	log    *logrus.Entry
}

func NewProtocol(roomID, selfID string, peers *PeerManager, st store.Store, log *logrus.Entry) *Protocol {
	return &Protocol{roomID: roomID, selfID: selfID, peers: peers, store: st, log: log}
}

// HandlePeerJoined reacts to a membership join. Only the side winning the
// tie-break creates a link and writes the offer; the other side waits for
// the offer to show up in its inbox.
func (p *Protocol) HandlePeerJoined(ctx context.Context, remoteID string) error {
	if !ShouldInitiate(p.selfID, remoteID) {
		return nil
	}
	link, created, err := p.peers.Ensure(remoteID, true)
	if err != nil {
		return err
	}
	if !created {
		// Already negotiating with this peer; a racing membership event
		// must not produce a second offer.
		return nil
	}
	return p.sendOffer(ctx, link)
}

// HandleSignal applies one inbox message. The caller deletes the message
// from the store afterwards regardless of the outcome.
func (p *Protocol) HandleSignal(ctx context.Context, sig models.Signal) error {
	switch sig.Type {
	case models.SignalOffer:
		return p.handleOffer(ctx, sig)
	case models.SignalAnswer:
		return p.handleAnswer(ctx, sig)
	case models.SignalICECandidate:
		return p.handleCandidate(sig)
	default:
		return fmt.Errorf("unknown signal type %q from %s", sig.Type, sig.From)
	}
}

func (p *Protocol) handleOffer(ctx context.Context, sig models.Signal) error {
	link, _, err := p.peers.Ensure(sig.From, false)
	if err != nil {
		return err
	}

	// Crossed offers despite the tie-break (racing renegotiations). The
	// tie-break decides again: the winner keeps its own pending offer and
	// re-offers once that exchange settles, the loser abandons its pending
	// offer by rebuilding the link and answers the remote one.
	if link.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if ShouldInitiate(p.selfID, sig.From) {
			p.log.WithField("peer", sig.From).Warn("crossed offers, keeping own pending offer")
			link.reoffer = true
			return nil
		}
		p.log.WithField("peer", sig.From).Warn("crossed offers, abandoning pending local offer")
		p.peers.Remove(sig.From)
		if link, _, err = p.peers.Ensure(sig.From, false); err != nil {
			return err
		}
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.Data}
	if err := link.setRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return p.writeSignal(ctx, sig.From, models.SignalAnswer, answer.SDP)
}

func (p *Protocol) handleAnswer(ctx context.Context, sig models.Signal) error {
	link, ok := p.peers.Get(sig.From)
	if !ok {
		// The offer this answers was superseded, e.g. the peer already
		// disconnected. Orphans are discarded, not errors.
		p.log.WithField("peer", sig.From).Debug("discarding orphan answer")
		return nil
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.Data}
	if err := link.setRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	// A crossing offer was dropped while this exchange was pending; offer
	// again so the remote's abandoned renegotiation still completes.
	if link.reoffer {
		link.reoffer = false
		return p.sendOffer(ctx, link)
	}
	return nil
}

func (p *Protocol) handleCandidate(sig models.Signal) error {
	link, ok := p.peers.Get(sig.From)
	if !ok {
		p.log.WithField("peer", sig.From).Debug("discarding orphan candidate")
		return nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(sig.Data), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := link.addRemoteCandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// SendLocalCandidate relays one locally gathered candidate as it arrives
// (trickle ICE, never batched).
func (p *Protocol) SendLocalCandidate(ctx context.Context, remoteID string, c *webrtc.ICECandidate) error {
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return err
	}
	return p.writeSignal(ctx, remoteID, models.SignalICECandidate, string(data))
}

// Renegotiate writes a fresh offer on every existing link. Used after a
// capability upgrade (a new sender was added), which changes the SDP. Glare
// with a concurrent remote offer is resolved by the crossed-offer tie-break.
func (p *Protocol) Renegotiate(ctx context.Context) error {
	var firstErr error
	p.peers.Each(func(link *PeerLink) {
		if err := p.sendOffer(ctx, link); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

func (p *Protocol) sendOffer(ctx context.Context, link *PeerLink) error {
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return p.writeSignal(ctx, link.RemoteID, models.SignalOffer, offer.SDP)
}

func (p *Protocol) writeSignal(ctx context.Context, to string, kind models.SignalKind, data string) error {
	sig := models.Signal{
		From:      p.selfID,
		To:        to,
		Type:      kind,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	if _, err := p.store.Create(ctx, store.SignalsCollection(p.roomID, to), sig); err != nil {
		return fmt.Errorf("write %s to %s: %w", kind, to, err)
	}
	return nil
}
