package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opencampus/liveclass/internal/attendance"
	"github.com/opencampus/liveclass/internal/models"
	"github.com/opencampus/liveclass/internal/store"
)

const (
	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars

	codesCollection = "roomcodes"
)

// RoomHandler serves the room management API over the signal store.
type RoomHandler struct {
	Store  store.Store
	Ledger *attendance.Ledger // optional
	Log    *logrus.Entry
}

// CreateRoom creates a new room (requires authentication)
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Default room size if not specified
	if req.MaxParticipants == 0 {
		req.MaxParticipants = 8
	}

	roomID := uuid.New().String()
	roomCode := generateRoomCode()

	room := models.Room{
		ID:              roomID,
		Code:            roomCode,
		OwnerID:         userID.(string),
		CreatedAt:       time.Now().UTC(),
		MaxParticipants: req.MaxParticipants,
	}

	ctx := c.Request.Context()
	if err := h.Store.Set(ctx, store.RoomCollection(roomID), roomID, room, false); err != nil {
		h.Log.WithError(err).Error("storing room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	// Store code-to-ID mapping for easy lookup
	if err := h.Store.Set(ctx, codesCollection, roomCode, models.RoomCodeIndex{RoomID: roomID}, false); err != nil {
		h.Log.WithError(err).Error("storing room code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	if h.Ledger != nil {
		// Attendance for this room is tracked for as long as the process
		// lives; the watcher exits when the room ends.
		go h.Ledger.WatchRoom(context.Background(), h.Store, roomID)
	}

	h.Log.WithFields(logrus.Fields{"room": roomID, "code": roomCode, "owner": userID}).Info("room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: roomID,
		Code:   roomCode,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *RoomHandler) GetRoom(c *gin.Context) {
	ctx := c.Request.Context()

	roomID, room, err := h.ResolveRoom(ctx, c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	participants, err := h.Store.List(ctx, store.ParticipantsCollection(roomID))
	if err != nil {
		h.Log.WithError(err).Error("listing participants")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	c.JSON(http.StatusOK, models.RoomInfo{Room: *room, ParticipantCount: len(participants)})
}

// EndRoom flips the room's ended flag (requires authentication and the
// owner). The documents themselves are not deleted: every client observes
// the flag and cleans up its own state, the TTL reaps whatever remains.
func (h *RoomHandler) EndRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	ctx := c.Request.Context()
	roomID, room, err := h.ResolveRoom(ctx, c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	if room.OwnerID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room owner can end the room"})
		return
	}

	if err := h.Store.Set(ctx, store.RoomCollection(roomID), roomID, map[string]any{"ended": true}, true); err != nil {
		h.Log.WithError(err).Error("ending room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end room"})
		return
	}

	h.Log.WithFields(logrus.Fields{"room": roomID, "owner": userID}).Info("room ended")
	c.JSON(http.StatusOK, gin.H{"message": "Room ended"})
}

// ResolveRoom accepts a short code or a room ID and returns the room.
func (h *RoomHandler) ResolveRoom(ctx context.Context, identifier string) (string, *models.Room, error) {
	roomID := identifier

	// Short codes and UUIDs are distinguishable by length
	if len(identifier) == roomCodeLength {
		var idx models.RoomCodeIndex
		if err := h.Store.Get(ctx, codesCollection, identifier, &idx); err != nil {
			return "", nil, fmt.Errorf("room not found")
		}
		roomID = idx.RoomID
	}

	var room models.Room
	if err := h.Store.Get(ctx, store.RoomCollection(roomID), roomID, &room); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, fmt.Errorf("room not found")
		}
		return "", nil, err
	}
	return roomID, &room, nil
}

// ValidateJoinable checks that a room exists, has not ended and has a seat
// left. Returns the resolved room ID.
func (h *RoomHandler) ValidateJoinable(ctx context.Context, identifier string) (string, *models.Room, error) {
	roomID, room, err := h.ResolveRoom(ctx, identifier)
	if err != nil {
		return "", nil, err
	}
	if room.Ended {
		return "", nil, fmt.Errorf("room has ended")
	}
	participants, err := h.Store.List(ctx, store.ParticipantsCollection(roomID))
	if err != nil {
		return "", nil, err
	}
	if room.MaxParticipants > 0 && len(participants) >= room.MaxParticipants {
		return "", nil, fmt.Errorf("room is full")
	}
	return roomID, room, nil
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
