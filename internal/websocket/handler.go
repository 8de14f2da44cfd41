package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proctor/internal/auth"
	"proctor/internal/config"
	"proctor/internal/dispatcher"
	"proctor/internal/registry"
	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the web client's deployment host is fixed
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler owns the WebSocket endpoint: it upgrades the request, runs the
// authentication handshake over the socket, admits the connection and
// pumps messages into the dispatcher.
//
// Authentication happens after the upgrade on purpose. Failing with a
// private-range close code (4001, 4003, 4400) reaches browser clients,
// where a rejected HTTP upgrade surfaces as an opaque handshake error.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	store      interfaces.AssessmentStore
	verifier   *auth.Verifier
	wsConfig   *config.WebSocketConfig
}

func NewHandler(reg *registry.Registry, disp *dispatcher.Dispatcher, store interfaces.AssessmentStore, verifier *auth.Verifier, wsConfig *config.WebSocketConfig) *Handler {
	return &Handler{
		registry:   reg,
		dispatcher: disp,
		store:      store,
		verifier:   verifier,
		wsConfig:   wsConfig,
	}
}

// HandleWebSocket serves GET /ws/assessment?token=...&group_id=...
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	groupID := r.URL.Query().Get("group_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	wsConn := NewConnection(conn, h.wsConfig.BufferSize, h.wsConfig.WriteTimeout)

	userID, err := h.verifier.Verify(token)
	if err != nil {
		log.Printf("Rejected connection: %v", err)
		_ = wsConn.CloseWithCode(CloseAuthFailure, "authentication failed")
		return
	}
	if !types.IsValidUserID(userID) {
		_ = wsConn.CloseWithCode(CloseAuthFailure, "invalid user identity")
		return
	}

	// group_id is optional at connect: without one the client can only
	// heartbeat and will be told so if it tries to start an assessment.
	if groupID != "" {
		if !types.IsValidGroupID(groupID) {
			_ = wsConn.CloseWithCode(CloseProtocolError, "invalid group_id")
			return
		}
		exists, err := h.store.GroupExists(r.Context(), groupID)
		if err != nil {
			log.Printf("Group lookup failed for %s: %v", groupID, err)
			_ = wsConn.CloseWithCode(websocket.CloseInternalServerErr, "group lookup failed")
			return
		}
		if !exists {
			_ = wsConn.CloseWithCode(CloseForbidden, "unknown session group")
			return
		}
	}

	record, err := h.registry.Admit(userID, groupID, wsConn)
	if err != nil {
		log.Printf("Failed to admit connection for user %s: %v", userID, err)
		_ = wsConn.CloseWithCode(websocket.CloseInternalServerErr, "admission failed")
		return
	}

	if err := record.Send(types.NewEnvelope(types.MessageTypeAuthSuccess, map[string]interface{}{
		"user_id":  userID,
		"group_id": groupID,
	})); err != nil {
		log.Printf("Failed to send auth confirmation to %s: %v", userID, err)
		h.registry.Remove(record.ConnectionID)
		return
	}

	h.handleConnection(record, wsConn)
}

// handleConnection is the per-connection read pump. It returns when the
// socket dies, the client misbehaves fatally or the registry drops the
// record; the deferred Remove is the single teardown path either way.
func (h *Handler) handleConnection(record *registry.ConnectionRecord, conn *Connection) {
	defer h.registry.Remove(record.ConnectionID)

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.wsConfig.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.wsConfig.ReadTimeout))
	})

	ticker := time.NewTicker(h.wsConfig.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.wsConfig.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	firstMessage := true
	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error for user %s: %v", record.UserID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env := &types.Envelope{}
		if err := json.Unmarshal(data, env); err != nil {
			// An unparseable first message means the client speaks the
			// wrong protocol entirely; later garbage gets an error reply
			// and the session continues.
			if firstMessage {
				_ = conn.CloseWithCode(CloseProtocolError, "malformed message")
				return
			}
			if sendErr := record.Send(types.ErrorEnvelope(types.CodeProtocolError, "malformed JSON message", false)); sendErr != nil {
				return
			}
			continue
		}
		firstMessage = false

		replies, err := h.dispatcher.Dispatch(context.Background(), record.ConnectionID, env)
		if err != nil {
			if !errors.Is(err, dispatcher.ErrUnknownConnection) {
				log.Printf("Fatal dispatch error for user %s: %v", record.UserID, err)
			}
			return
		}

		for _, reply := range replies {
			if err := record.Send(reply); err != nil {
				log.Printf("Failed to deliver %s to user %s: %v", reply.Type, record.UserID, err)
				return
			}
		}
	}
}
