package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/tariel-x/curocall/internal/console"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsHelloData struct {
	ClientID string    `json:"client_id"`
	Call     *callView `json:"call"`
}

// HandleWebSocket streams call updates to an operator tab.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	clientID, err := gonanoid.New(12)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "client_id", clientID, "error", err)
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan []byte, 32),
		clientID: clientID,
	}
	h.wsHub.Add(client)
	h.logger.Debug("ws connected", "client_id", clientID, "ip", c.ClientIP())

	hello := wsHelloData{ClientID: clientID}
	if snap, ok := h.console.CallSnapshot(); ok {
		view := newCallView(snap)
		hello.Call = &view
	}
	if !h.wsHub.SendTo(clientID, envelope("hello", hello)) {
		h.wsHub.Remove(clientID)
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

// forwardEvent turns console events into feed messages for every tab.
func (h *Handlers) forwardEvent(ev console.Event) {
	switch ev.Kind {
	case console.EventCallState, console.EventCallTick, console.EventCallClosed:
		h.wsHub.Broadcast(envelope(string(ev.Kind), newCallView(ev.Call)))
	case console.EventLoggedOut:
		h.wsHub.Broadcast(envelope(string(ev.Kind), nil))
	}
}

func (h *Handlers) readPump(client *wsClient) {
	defer func() {
		h.logger.Debug("ws disconnect", "client_id", client.clientID)
		_ = client.conn.Close()
		h.wsHub.Remove(client.clientID)
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Tabs only listen; inbound messages are keepalives.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.logger.Debug("ws read error", "client_id", client.clientID, "error", err)
			return
		}
	}
}

func (h *Handlers) writePump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func envelope(typ string, data any) []byte {
	env := wsEnvelope{Type: typ}
	if data != nil {
		env.Data = mustMarshal(data)
	}
	msg, _ := json.Marshal(env)
	return msg
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
