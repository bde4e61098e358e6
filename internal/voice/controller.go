package voice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// SpeakingThreshold is the audio level above which the local participant
// counts as speaking.
const SpeakingThreshold = 0.1

// State is the connection state of a voice session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

var (
	// ErrAlreadyActive is returned when Start is called while a
	// connection is in flight or established.
	ErrAlreadyActive = errors.New("voice: connection already active")

	// ErrConnect wraps transport connect failures.
	ErrConnect = errors.New("voice: connect failed")
)

// NotificationKind classifies controller notifications.
type NotificationKind string

const (
	NotifyConnected NotificationKind = "connected"
	NotifyDropped   NotificationKind = "dropped"
)

// Notification is a lifecycle event surfaced to the orchestrator.
type Notification struct {
	Kind   NotificationKind
	Reason string
}

// Snapshot is a point-in-time view of the session for callers.
type Snapshot struct {
	State        State    `json:"state"`
	Participants []string `json:"participants"`
	AudioLevel   float64  `json:"audio_level"`
	Speaking     bool     `json:"speaking"`
}

// Controller owns the lifecycle of one voice connection: the state
// machine, the participant set and the audio-derived speaking flag. Only
// one active connection is permitted per controller; a Start while
// Connecting or Connected is rejected.
type Controller struct {
	transport Transport
	serverURL string
	logger    zerolog.Logger

	notifications chan Notification

	mu           sync.Mutex
	state        State
	conn         Conn
	participants map[string]struct{}
	audioLevel   float64
	speaking     bool
	gen          uint64 // bumped on stop to invalidate stale event consumers
}

// NewController creates a controller in the Idle state.
func NewController(transport Transport, serverURL string, logger zerolog.Logger) *Controller {
	return &Controller{
		transport:     transport,
		serverURL:     serverURL,
		logger:        logger.With().Str("component", "voice-controller").Logger(),
		notifications: make(chan Notification, 8),
		state:         StateIdle,
		participants:  make(map[string]struct{}),
	}
}

// Notifications yields lifecycle events (connected, mid-session drops)
// for the orchestrator.
func (c *Controller) Notifications() <-chan Notification {
	return c.notifications
}

// Start connects to a room. Transitions Idle -> Connecting, then
// Connecting -> Connected once the transport reports the join. A connect
// failure transitions to Failed and is returned as ErrConnect; there is
// no automatic retry. A Stop arriving while the dial is in flight wins:
// the resolved connection is discarded.
func (c *Controller) Start(ctx context.Context, token, roomName string) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info().Str("room", roomName).Msg("Connecting to voice room")

	conn, err := c.transport.Connect(ctx, c.serverURL, token)

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Stopped while the dial was in flight.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}

	if err != nil {
		c.state = StateFailed
		c.mu.Unlock()
		c.logger.Error().Err(err).Str("room", roomName).Msg("Voice connect failed")
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	c.conn = conn
	c.mu.Unlock()

	go c.consumeEvents(gen, conn)
	return nil
}

// Stop tears down the connection. Always safe: calling it twice, or from
// Idle, is a no-op that still leaves the state Disconnected. The
// participant set is cleared and the audio level reset.
func (c *Controller) Stop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	prev := c.state
	c.resetLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if prev == StateConnecting || prev == StateConnected {
		c.logger.Info().Str("previous_state", string(prev)).Msg("Voice session stopped")
	}
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	participants := make([]string, 0, len(c.participants))
	for id := range c.participants {
		participants = append(participants, id)
	}
	sort.Strings(participants)

	return Snapshot{
		State:        c.state,
		Participants: participants,
		AudioLevel:   c.audioLevel,
		Speaking:     c.speaking,
	}
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// resetLocked clears connection-scoped state. Caller holds c.mu.
func (c *Controller) resetLocked(state State) {
	c.state = state
	c.participants = make(map[string]struct{})
	c.audioLevel = 0
	c.speaking = false
}

func (c *Controller) consumeEvents(gen uint64, conn Conn) {
	for event := range conn.Events() {
		c.mu.Lock()
		if c.gen != gen {
			// A stop superseded this connection; drain silently.
			c.mu.Unlock()
			return
		}

		switch ev := event.(type) {
		case ConnectedEvent:
			if c.state == StateConnecting {
				c.state = StateConnected
				c.mu.Unlock()
				if err := conn.EnableMicrophone(); err != nil {
					c.logger.Error().Err(err).Msg("Failed to enable microphone")
				}
				c.notify(Notification{Kind: NotifyConnected})
				continue
			}

		case DisconnectedEvent:
			if c.state == StateConnecting || c.state == StateConnected {
				c.resetLocked(StateDisconnected)
				c.conn = nil
				c.gen++
				c.mu.Unlock()
				_ = conn.Close()
				c.logger.Warn().Str("reason", ev.Reason).Msg("Voice transport dropped")
				c.notify(Notification{Kind: NotifyDropped, Reason: ev.Reason})
				return
			}

		case ParticipantJoinedEvent:
			if c.state == StateConnected {
				c.participants[ev.ParticipantID] = struct{}{}
			}

		case ParticipantLeftEvent:
			if c.state == StateConnected {
				delete(c.participants, ev.ParticipantID)
			}

		case AudioLevelEvent:
			if c.state == StateConnected {
				c.audioLevel = ev.Level
				c.speaking = ev.Level > SpeakingThreshold
			}
		}
		c.mu.Unlock()
	}
}

func (c *Controller) notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
		// The orchestrator consumes these each tick; dropping under
		// backpressure beats stalling the event consumer.
	}
}
