package models

import "time"

// Room is the persistent room document. It is created either explicitly by
// its owner through the HTTP API or implicitly by the first participant
// joining. Once Ended is set it never goes back to false; every client that
// observes the flag tears down its own session state.
type Room struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"`    // Short, shareable room code (e.g. "ABCD123")
	OwnerID         string    `json:"ownerId"` // User ID from JWT who owns the room
	CreatedAt       time.Time `json:"createdAt"`
	MaxParticipants int       `json:"maxParticipants"`
	Ended           bool      `json:"ended"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"min=0,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// RoomInfo is the public view of a room plus its live participant count.
type RoomInfo struct {
	Room
	ParticipantCount int `json:"participantCount"`
}

// RoomCodeIndex maps a shareable code back to the room ID.
type RoomCodeIndex struct {
	RoomID string `json:"roomId"`
}
