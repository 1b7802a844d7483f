package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	ws "github.com/smart-lock-manager/backend/internal/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Home Assistant ingress proxies from its own origin.
		return true
	},
}

// WebSocketUpgrade returns a handler that upgrades HTTP connections to WebSocket.
func WebSocketUpgrade(hub *ws.Hub, logger *zap.Logger) http.HandlerFunc {
	logger = logger.Named("websocket")
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", zap.Error(err))
			return
		}

		client := ws.NewClient(hub)
		hub.Register(client)

		// Replies to client commands go through the write pump so only one
		// goroutine writes to conn.
		replies := make(chan []byte, 8)
		go writePump(conn, client, replies)
		go readPump(conn, client, hub, replies, logger)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func writePump(conn *websocket.Conn, client *ws.Client, replies <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case reply := <-replies:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client commands until the connection closes.
func readPump(conn *websocket.Conn, client *ws.Client, hub *ws.Hub, replies chan<- []byte, logger *zap.Logger) {
	defer func() {
		hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(65536)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("read error", zap.Error(err))
			}
			return
		}

		reply := handleClientMessage(message)
		if reply == nil {
			continue
		}
		select {
		case replies <- reply:
		default:
			logger.Debug("dropping reply to slow client")
		}
	}
}

// handleClientMessage answers a client command. Only ping is understood.
func handleClientMessage(message []byte) []byte {
	var cmd struct {
		Type ws.MessageType `json:"type"`
	}
	var msg ws.Message
	if err := json.Unmarshal(message, &cmd); err != nil {
		msg = ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: "invalid_message", Message: "message is not valid JSON"})
	} else if cmd.Type == ws.TypePing {
		msg = ws.NewMessage(ws.TypePong, nil)
	} else {
		msg = ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: "unknown_command", Message: "unsupported command", OriginalType: string(cmd.Type)})
	}
	data, err := msg.JSON()
	if err != nil {
		return nil
	}
	return data
}
