package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

var (
	ErrNotLoggedIn   = errors.New("room: not logged in")
	ErrEngineClosed  = errors.New("room: engine closed")
	ErrLoginRejected = errors.New("room: login rejected")
)

const (
	updateAdd    = "ADD"
	updateDelete = "DELETE"
)

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsLoginData struct {
	RoomID string `json:"room_id"`
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	// UserUpdate asks the server to push user-update events for the room.
	UserUpdate bool `json:"user_update"`
}

type wsAckData struct {
	Error string `json:"error,omitempty"`
}

type wsPublishData struct {
	StreamID string `json:"stream_id"`
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
}

type wsPlayData struct {
	StreamID string `json:"stream_id"`
}

type wsUserUpdateData struct {
	Update string `json:"update"`
	Users  []struct {
		UserID string `json:"user_id"`
	} `json:"users"`
}

type wsStreamUpdateData struct {
	Update  string `json:"update"`
	Streams []struct {
		StreamID string `json:"stream_id"`
		UserID   string `json:"user_id"`
	} `json:"streams"`
}

// WSEngine is an Engine talking JSON envelopes to a room signaling server
// over a single WebSocket connection.
type WSEngine struct {
	serverURL string
	appID     string
	dialer    *websocket.Dialer
	logger    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	send    chan []byte
	handler EventHandler
	pending map[string]chan wsAckData
	closing bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewWSEngine(serverURL, appID string, logger *slog.Logger) *WSEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSEngine{
		serverURL: serverURL,
		appID:     appID,
		dialer:    websocket.DefaultDialer,
		logger:    logger,
		pending:   make(map[string]chan wsAckData),
		done:      make(chan struct{}),
	}
}

func (e *WSEngine) Subscribe(h EventHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *WSEngine) Login(ctx context.Context, p LoginParams) error {
	u, err := url.Parse(e.serverURL)
	if err != nil {
		return fmt.Errorf("room: parse server url: %w", err)
	}
	q := u.Query()
	q.Set("app_id", e.appID)
	u.RawQuery = q.Encode()

	conn, _, err := e.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("room: dial: %w", err)
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		_ = conn.Close()
		return ErrEngineClosed
	}
	e.conn = conn
	e.send = make(chan []byte, 32)
	e.mu.Unlock()

	go e.writePump(conn, e.send)
	go e.readPump(conn)

	ack, err := e.request(ctx, "login", wsLoginData{
		RoomID:     p.RoomID,
		Token:      p.Token,
		UserID:     p.UserID,
		UserUpdate: true,
	})
	if err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("%w: %s", ErrLoginRejected, ack.Error)
	}
	e.logger.Debug("room login ok", "room_id", p.RoomID, "user_id", p.UserID)
	return nil
}

func (e *WSEngine) CreateStream(_ context.Context, cfg StreamConfig) (*LocalStream, error) {
	if !cfg.Audio && !cfg.Video {
		return nil, errors.New("room: stream needs audio or video")
	}
	if !e.connected() {
		return nil, ErrNotLoggedIn
	}
	return NewLocalStream(cfg), nil
}

func (e *WSEngine) Publish(ctx context.Context, streamID string, stream *LocalStream) error {
	if stream == nil {
		return errors.New("room: nil stream")
	}
	data := wsPublishData{StreamID: streamID}
	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case "audio":
			data.Audio = true
		case "video":
			data.Video = true
		}
	}
	ack, err := e.request(ctx, "publish", data)
	if err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("room: publish %s: %s", streamID, ack.Error)
	}
	return nil
}

func (e *WSEngine) PlayStream(_ context.Context, streamID string) error {
	return e.write("play", wsPlayData{StreamID: streamID})
}

// Logout leaves the room. The connection is closed afterwards, so a read error
// caused by it is not reported as a disconnect.
func (e *WSEngine) Logout(_ context.Context) error {
	e.mu.Lock()
	wasConnected := e.conn != nil && !e.closing
	e.closing = true
	e.mu.Unlock()

	if !wasConnected {
		return nil
	}
	return e.write("logout", nil)
}

// Destroy releases the engine. The write pump flushes queued messages and
// closes the connection.
func (e *WSEngine) Destroy() {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	e.closeOnce.Do(func() {
		close(e.done)
	})
}

func (e *WSEngine) connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil && !e.closing
}

func (e *WSEngine) request(ctx context.Context, typ string, data any) (wsAckData, error) {
	ackType := typ + "-ack"
	ch := make(chan wsAckData, 1)

	e.mu.Lock()
	e.pending[ackType] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.pending[ackType] == ch {
			delete(e.pending, ackType)
		}
		e.mu.Unlock()
	}()

	if err := e.write(typ, data); err != nil {
		return wsAckData{}, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		return wsAckData{}, fmt.Errorf("room: %s: %w", typ, ctx.Err())
	case <-e.done:
		// The ack may have arrived right before the connection dropped.
		select {
		case ack := <-ch:
			return ack, nil
		default:
		}
		return wsAckData{}, ErrEngineClosed
	}
}

func (e *WSEngine) write(typ string, data any) error {
	env := wsEnvelope{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env.Data = raw
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	e.mu.Lock()
	send := e.send
	e.mu.Unlock()
	if send == nil {
		return ErrNotLoggedIn
	}

	select {
	case send <- payload:
		return nil
	case <-e.done:
		return ErrEngineClosed
	default:
		return errors.New("room: send buffer full")
	}
}

func (e *WSEngine) readPump(conn *websocket.Conn) {
	defer func() {
		e.mu.Lock()
		closing := e.closing
		e.closing = true
		e.mu.Unlock()

		e.closeOnce.Do(func() {
			close(e.done)
		})
		_ = conn.Close()
		if !closing {
			e.emit(Event{Kind: EventDisconnected, Err: errors.New("room connection lost")})
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			e.logger.Debug("room read error", "error", err)
			return
		}

		var msg wsEnvelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			e.logger.Debug("room bad json", "error", err)
			continue
		}
		e.dispatch(msg)
	}
}

func (e *WSEngine) dispatch(msg wsEnvelope) {
	switch msg.Type {
	case "ping":
	case "login-ack", "publish-ack":
		var ack wsAckData
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &ack)
		}
		e.mu.Lock()
		ch := e.pending[msg.Type]
		e.mu.Unlock()
		if ch != nil {
			select {
			case ch <- ack:
			default:
			}
		}
	case "user-update":
		var data wsUserUpdateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			e.logger.Debug("room bad user-update", "error", err)
			return
		}
		kind := EventUserJoined
		if data.Update == updateDelete {
			kind = EventUserLeft
		}
		for _, u := range data.Users {
			e.emit(Event{Kind: kind, UserID: u.UserID})
		}
	case "stream-update":
		var data wsStreamUpdateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			e.logger.Debug("room bad stream-update", "error", err)
			return
		}
		kind := EventStreamAdded
		if data.Update == updateDelete {
			kind = EventStreamRemoved
		}
		for _, s := range data.Streams {
			e.emit(Event{Kind: kind, UserID: s.UserID, StreamID: s.StreamID})
		}
	default:
		e.logger.Debug("room unknown message", "type", msg.Type)
	}
}

func (e *WSEngine) emit(ev Event) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (e *WSEngine) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-e.done:
			// Flush what was queued before the close, e.g. a logout.
			for {
				select {
				case msg := <-send:
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
