package models

// Participant is the self-reported state document one client keeps in a
// room's participant collection. The document ID equals UserID. Only the
// owning client writes it; everyone else just observes.
type Participant struct {
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	IsHost       bool   `json:"isHost"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
	HandRaised   bool   `json:"handRaised"`
}
