package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opencampus/liveclass/internal/models"
	"github.com/opencampus/liveclass/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Browser-facing frame. Clients send "update" (merge patch for their own
// participant document), "signal" (offer/answer/candidate for one peer) and
// "ack" (consume a delivered signal). The server pushes "welcome",
// "participants", "signals" and "room" frames.
type wsFrame struct {
	Op string `json:"op"`

	// update
	Patch json.RawMessage `json:"patch,omitempty"`

	// signal
	To   string `json:"to,omitempty"`
	Type string `json:"type,omitempty"`
	Data string `json:"data,omitempty"`

	// ack
	ID string `json:"id,omitempty"`
}

type wsPush struct {
	Op     string                     `json:"op"`
	PeerID string                     `json:"peerId,omitempty"`
	RoomID string                     `json:"roomId,omitempty"`
	Docs   map[string]json.RawMessage `json:"docs,omitempty"`
	Room   json.RawMessage            `json:"room,omitempty"`
}

// Client represents a WebSocket client bridged onto the signal store.
type Client struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	store store.Store
	log   *logrus.Entry
}

// WSHandler bridges browser WebSocket clients onto the signal store so
// they see the same documents headless participants do.
type WSHandler struct {
	Store store.Store
	Rooms *RoomHandler
	Log   *logrus.Entry
}

// HandleSignaling upgrades the connection and joins the client to a room.
func (h *WSHandler) HandleSignaling(c *gin.Context) {
	roomIdentifier := c.Param("roomId")
	if roomIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	displayName := c.Query("displayName")
	if displayName == "" {
		displayName = "Guest"
	}

	ctx := c.Request.Context()
	roomID, _, err := h.Rooms.ValidateJoinable(ctx, roomIdentifier)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.WithError(err).Error("upgrading connection")
		return
	}

	peerID := uuid.New().String()
	client := &Client{
		ID:     peerID,
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		store:  h.Store,
		log:    h.Log.WithFields(logrus.Fields{"room": roomID, "peer": peerID}),
	}

	// Subscribe before publishing the participant document so the client
	// never misses a signal addressed to it.
	bg, cancel := context.WithCancel(context.Background())

	partSub, err := h.Store.Subscribe(bg, store.ParticipantsCollection(roomID))
	if err != nil {
		client.log.WithError(err).Error("subscribing to participants")
		cancel()
		conn.Close()
		return
	}
	sigSub, err := h.Store.Subscribe(bg, store.SignalsCollection(roomID, peerID))
	if err != nil {
		client.log.WithError(err).Error("subscribing to signals")
		partSub.Close()
		cancel()
		conn.Close()
		return
	}
	roomSub, err := h.Store.Subscribe(bg, store.RoomCollection(roomID))
	if err != nil {
		client.log.WithError(err).Error("subscribing to room")
		partSub.Close()
		sigSub.Close()
		cancel()
		conn.Close()
		return
	}

	participant := models.Participant{
		UserID:       peerID,
		UserName:     displayName,
		AudioEnabled: true,
		VideoEnabled: true,
	}
	if err := h.Store.Set(bg, store.ParticipantsCollection(roomID), peerID, participant, false); err != nil {
		client.log.WithError(err).Error("publishing participant")
		partSub.Close()
		sigSub.Close()
		roomSub.Close()
		cancel()
		conn.Close()
		return
	}

	client.log.WithField("name", displayName).Info("peer joined")

	client.push(wsPush{Op: "welcome", PeerID: peerID, RoomID: roomID})

	go client.writePump()
	go client.forward(bg, partSub, sigSub, roomSub)
	go client.readPump(cancel, partSub, sigSub, roomSub)
}

// forward relays store snapshots to the browser. Snapshots carry full
// collection state, so a dropped frame is recovered by the next one.
func (c *Client) forward(ctx context.Context, partSub, sigSub, roomSub *store.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-partSub.C:
			if !ok {
				return
			}
			c.push(wsPush{Op: "participants", Docs: snap.Docs})

		case snap, ok := <-sigSub.C:
			if !ok {
				return
			}
			if len(snap.Docs) > 0 {
				c.push(wsPush{Op: "signals", Docs: snap.Docs})
			}

		case snap, ok := <-roomSub.C:
			if !ok {
				return
			}
			if raw, found := snap.Docs[c.RoomID]; found {
				c.push(wsPush{Op: "room", Room: raw})
			}
		}
	}
}

func (c *Client) readPump(cancel context.CancelFunc, subs ...*store.Subscription) {
	defer func() {
		cancel()
		for _, s := range subs {
			s.Close()
		}
		c.Conn.Close()
		c.cleanup()
		c.log.Info("peer left")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("websocket error")
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.log.WithError(err).Warn("bad frame")
			continue
		}

		ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.handleFrame(ctx, frame)
		ctxCancel()
	}
}

func (c *Client) handleFrame(ctx context.Context, frame wsFrame) {
	switch frame.Op {
	case "update":
		// Clients may only patch their own participant document.
		var patch map[string]any
		if err := json.Unmarshal(frame.Patch, &patch); err != nil {
			c.log.WithError(err).Warn("bad participant patch")
			return
		}
		delete(patch, "id")
		if err := c.store.Set(ctx, store.ParticipantsCollection(c.RoomID), c.ID, patch, true); err != nil {
			c.log.WithError(err).Error("patching participant")
		}

	case "signal":
		if frame.To == "" || frame.To == c.ID {
			return
		}
		sig := models.Signal{
			From:      c.ID,
			To:        frame.To,
			Type:      models.SignalKind(frame.Type),
			Data:      frame.Data,
			Timestamp: time.Now().UnixMilli(),
		}
		if _, err := c.store.Create(ctx, store.SignalsCollection(c.RoomID, frame.To), sig); err != nil {
			c.log.WithError(err).Error("writing signal")
		}

	case "ack":
		// Consume a signal from our own inbox; re-acking is harmless.
		if err := c.store.Delete(ctx, store.SignalsCollection(c.RoomID, c.ID), frame.ID); err != nil {
			c.log.WithError(err).Warn("acking signal")
		}

	default:
		c.log.WithField("op", frame.Op).Warn("unknown frame op")
	}
}

// cleanup removes the documents this client owns.
func (c *Client) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.Delete(ctx, store.ParticipantsCollection(c.RoomID), c.ID); err != nil {
		c.log.WithError(err).Warn("removing participant document")
	}

	inbox := store.SignalsCollection(c.RoomID, c.ID)
	docs, err := c.store.List(ctx, inbox)
	if err != nil {
		return
	}
	for id := range docs {
		_ = c.store.Delete(ctx, inbox, id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) push(p wsPush) {
	data, err := json.Marshal(p)
	if err != nil {
		c.log.WithError(err).Error("marshalling push")
		return
	}

	select {
	case c.Send <- data:
	default:
		c.log.Warn("send buffer full, dropping frame")
	}
}
