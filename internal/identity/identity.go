package identity

import "fmt"

// Kind distinguishes guest identities from authenticated ones.
type Kind string

const (
	KindGuest         Kind = "guest"
	KindAuthenticated Kind = "authenticated"
)

// Identity is the actor whose practice time is metered. Guests are
// ephemeral device-scoped identities; authenticated identities carry a
// stable user ID. The kind decides which usage store backs persistence.
type Identity struct {
	kind Kind
	id   string
}

// Guest creates a guest identity from a device-scoped ID.
func Guest(deviceID string) Identity {
	return Identity{kind: KindGuest, id: deviceID}
}

// Authenticated creates an identity for a logged-in user.
func Authenticated(userID string) Identity {
	return Identity{kind: KindAuthenticated, id: userID}
}

// Kind returns the identity kind.
func (i Identity) Kind() Kind { return i.kind }

// IsGuest reports whether this is a guest identity.
func (i Identity) IsGuest() bool { return i.kind == KindGuest }

// ID returns the raw user or device ID.
func (i Identity) ID() string { return i.id }

// Key returns the storage key for this identity. Guest and authenticated
// keys never collide even if the raw IDs do.
func (i Identity) Key() string {
	return fmt.Sprintf("%s:%s", i.kind, i.id)
}

// ParticipantName derives the voice-room participant name.
func (i Identity) ParticipantName() string {
	if i.kind == KindGuest {
		return "guest-" + i.id
	}
	return "user-" + i.id
}

func (i Identity) String() string { return i.Key() }
