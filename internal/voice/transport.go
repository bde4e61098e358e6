package voice

import "context"

// Event is a transport-level event delivered by a Conn.
type Event interface {
	voiceEventType() string
}

// ConnectedEvent signals the room join completed.
type ConnectedEvent struct{}

func (ConnectedEvent) voiceEventType() string { return "connected" }

// DisconnectedEvent signals the transport dropped the connection.
type DisconnectedEvent struct {
	Reason string
}

func (DisconnectedEvent) voiceEventType() string { return "disconnected" }

// ParticipantJoinedEvent signals a participant entered the room.
type ParticipantJoinedEvent struct {
	ParticipantID string
}

func (ParticipantJoinedEvent) voiceEventType() string { return "participant_joined" }

// ParticipantLeftEvent signals a participant left the room.
type ParticipantLeftEvent struct {
	ParticipantID string
}

func (ParticipantLeftEvent) voiceEventType() string { return "participant_left" }

// AudioLevelEvent carries a microphone level sample in [0,1]. These can
// arrive many times per second and may be dropped under backpressure.
type AudioLevelEvent struct {
	Level         float64
	ParticipantID string
}

func (AudioLevelEvent) voiceEventType() string { return "audio_level" }

// Conn is one live connection to a voice room.
type Conn interface {
	// Events yields transport events until the connection closes.
	Events() <-chan Event

	// EnableMicrophone publishes the local microphone track.
	EnableMicrophone() error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Transport dials voice rooms. The production implementation speaks the
// voice server's websocket protocol; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context, serverURL, token string) (Conn, error)
}
