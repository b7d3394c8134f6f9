package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driveline/al-assistant/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The web tier authenticates via bearer token; origin enforcement
	// happens at the edge proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is one event on the socket: the same shape as an SSE event,
// carried as a JSON message.
type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleWebSocket is the WebSocket transport for assistant turns. The
// client sends one turnRequest JSON message per turn; the server
// answers with the event frames of that turn, ending in done or error.
// Closing the socket cancels the in-flight turn.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.FromRequest(s.verifier, r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("user", userID, "remote", r.RemoteAddr)
	logger.Debug("websocket connected")

	// Writes come from the turn goroutine and the error paths below.
	var writeMu sync.Mutex
	send := func(eventType string, payload any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if err := conn.WriteJSON(wsFrame{Type: eventType, Data: payload}); err != nil {
			logger.Debug("websocket write failed", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader pump. Keeping a read pending at all times means a socket
	// close is noticed immediately, even mid-turn, and cancels the
	// in-flight loop.
	requests := make(chan turnRequest)
	go func() {
		defer cancel()
		for {
			var req turnRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("websocket closed", "error", err)
				}
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	// One turn at a time per socket.
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			convID, incr, refusal := s.prepareTurn(ctx, userID, &req)
			if refusal != nil {
				send(eventError, map[string]string{"code": refusal.code, "message": refusal.message})
				continue
			}
			s.executeTurn(ctx, userID, convID, req.Message, incr, send)
		}
	}
}
