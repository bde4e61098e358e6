package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// eventBuffer bounds the event channel. Participant and lifecycle events
// block on a full buffer to preserve order; audio level samples are
// dropped instead so a slow consumer never stalls the read loop.
const eventBuffer = 64

// WSTransport connects to the voice server over websocket.
type WSTransport struct {
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewWSTransport creates a websocket transport with the given connect
// timeout.
func NewWSTransport(connectTimeout time.Duration, logger zerolog.Logger) *WSTransport {
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	return &WSTransport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
		},
		logger: logger.With().Str("component", "voice-transport").Logger(),
	}
}

// Connect dials the voice server. The returned Conn emits a
// ConnectedEvent once the server acknowledges the room join.
func (t *WSTransport) Connect(ctx context.Context, serverURL, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, _, err := t.dialer.DialContext(ctx, serverURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial voice server: %w", err)
	}

	conn := &wsConn{
		ws:     ws,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		logger: t.logger,
	}
	go conn.readLoop()

	return conn, nil
}

// wsConn is one live websocket connection to a voice room.
type wsConn struct {
	ws     *websocket.Conn
	events chan Event
	done   chan struct{}
	stop   chan struct{} // closed by Close to unblock a stalled emit
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

// serverFrame is the envelope for inbound event frames.
type serverFrame struct {
	Type          string  `json:"type"`
	ParticipantID string  `json:"participant_id,omitempty"`
	Level         float64 `json:"level,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// clientFrame is the envelope for outbound control frames.
type clientFrame struct {
	Type string `json:"type"`
}

// EnableMicrophone asks the server to publish the local audio track.
func (c *wsConn) EnableMicrophone() error {
	return c.sendJSON(clientFrame{Type: "enable_microphone"})
}

func (c *wsConn) sendJSON(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("voice connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close closes the websocket connection. It returns once the read loop
// has exited, even if nobody is consuming the event channel anymore.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.emit(DisconnectedEvent{Reason: err.Error()}, true)
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping undecodable voice frame")
			continue
		}

		switch frame.Type {
		case "connected":
			c.emit(ConnectedEvent{}, true)
		case "disconnected":
			c.emit(DisconnectedEvent{Reason: frame.Reason}, true)
			return
		case "participant_joined":
			c.emit(ParticipantJoinedEvent{ParticipantID: frame.ParticipantID}, true)
		case "participant_left":
			c.emit(ParticipantLeftEvent{ParticipantID: frame.ParticipantID}, true)
		case "audio_level":
			c.emit(AudioLevelEvent{Level: frame.Level, ParticipantID: frame.ParticipantID}, false)
		default:
			c.logger.Debug().Str("type", frame.Type).Msg("Ignoring unknown voice frame")
		}
	}
}

// emit delivers an event. Ordered events block until the consumer takes
// them; droppable events (audio levels) are discarded when the buffer is
// full so the read loop never stalls. A Close unblocks a waiting emit so
// the read loop can exit when the consumer has gone away.
func (c *wsConn) emit(event Event, ordered bool) {
	if ordered {
		select {
		case c.events <- event:
		case <-c.stop:
		}
		return
	}
	select {
	case c.events <- event:
	default:
	}
}
