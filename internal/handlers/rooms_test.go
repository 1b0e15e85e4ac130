package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencampus/liveclass/internal/models"
	"github.com/opencampus/liveclass/internal/store"
)

func asUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Next()
	}
}

func newRoomTestRouter(t *testing.T) (*gin.Engine, *RoomHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	h := &RoomHandler{
		Store: store.NewMemory(),
		Log:   log.WithField("test", t.Name()),
	}

	router := gin.New()
	router.POST("/api/rooms", asUser("alice"), h.CreateRoom)
	router.GET("/api/rooms/:roomId", h.GetRoom)
	router.POST("/api/rooms/:roomId/end", asUser("alice"), h.EndRoom)
	router.POST("/api/rooms/:roomId/end-as-bob", asUser("bob"), h.EndRoom)
	return router, h
}

func createRoom(t *testing.T, router *gin.Engine, body string) models.CreateRoomResponse {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/rooms", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp models.CreateRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCreateRoom(t *testing.T) {
	router, h := newRoomTestRouter(t)

	resp := createRoom(t, router, `{}`)
	assert.NotEmpty(t, resp.RoomID)
	assert.Len(t, resp.Code, roomCodeLength)

	var room models.Room
	require.NoError(t, h.Store.Get(context.Background(), store.RoomCollection(resp.RoomID), resp.RoomID, &room))
	assert.Equal(t, "alice", room.OwnerID)
	assert.Equal(t, 8, room.MaxParticipants)
	assert.False(t, room.Ended)
}

func TestGetRoomByIDAndCode(t *testing.T) {
	router, _ := newRoomTestRouter(t)
	resp := createRoom(t, router, `{"maxParticipants": 4}`)

	for _, identifier := range []string{resp.RoomID, resp.Code} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rooms/"+identifier, nil)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var info models.RoomInfo
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
		assert.Equal(t, resp.RoomID, info.ID)
		assert.Equal(t, 4, info.MaxParticipants)
		assert.Equal(t, 0, info.ParticipantCount)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/nosuchroom", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEndRoomOwnerOnly(t *testing.T) {
	router, h := newRoomTestRouter(t)
	resp := createRoom(t, router, `{}`)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/rooms/"+resp.RoomID+"/end-as-bob", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/rooms/"+resp.RoomID+"/end", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var room models.Room
	require.NoError(t, h.Store.Get(context.Background(), store.RoomCollection(resp.RoomID), resp.RoomID, &room))
	assert.True(t, room.Ended)
	// Ending only flips the flag; the room is still resolvable.
	assert.Equal(t, "alice", room.OwnerID)
}

func TestValidateJoinable(t *testing.T) {
	router, h := newRoomTestRouter(t)
	ctx := context.Background()

	resp := createRoom(t, router, `{"maxParticipants": 1}`)

	roomID, _, err := h.ValidateJoinable(ctx, resp.Code)
	require.NoError(t, err)
	assert.Equal(t, resp.RoomID, roomID)

	// Fill the only seat.
	p := models.Participant{UserID: "p1", UserName: "P1"}
	require.NoError(t, h.Store.Set(ctx, store.ParticipantsCollection(resp.RoomID), "p1", p, false))
	_, _, err = h.ValidateJoinable(ctx, resp.RoomID)
	assert.Error(t, err)

	// Ended rooms are not joinable either.
	require.NoError(t, h.Store.Set(ctx, store.RoomCollection(resp.RoomID), resp.RoomID, map[string]any{"ended": true}, true))
	require.NoError(t, h.Store.Delete(ctx, store.ParticipantsCollection(resp.RoomID), "p1"))
	_, _, err = h.ValidateJoinable(ctx, resp.RoomID)
	assert.Error(t, err)
}

func TestGenerateRoomCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := generateRoomCode()
		require.Len(t, code, roomCodeLength)
		for _, ch := range code {
			assert.Contains(t, codeChars, string(ch))
		}
		seen[code] = true
	}
	// Collisions across 100 draws would point at a broken generator.
	assert.Greater(t, len(seen), 90)
}
