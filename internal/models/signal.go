package models

// SignalKind represents the type of WebRTC signaling message
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// Signal is a transient point-to-point relay message. It is created by the
// sender when a negotiation step is ready and deleted by the recipient right
// after it has been applied, so a healthy room converges to an empty signal
// collection.
type Signal struct {
	From      string     `json:"from"`
	To        string     `json:"to"`
	Type      SignalKind `json:"type"`
	Data      string     `json:"data"` // SDP text, or JSON-encoded ICE candidate
	Timestamp int64      `json:"timestamp"`
}
