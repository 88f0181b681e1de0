package domain

// Presence states a session can advertise.
const (
	PresenceViewing = "viewing"
	PresenceEditing = "editing"
)

// Actor identifies the human behind a session. One actor may hold several
// simultaneous sessions (multiple tabs); sessions are never deduplicated by
// actor identity.
type Actor struct {
	ID   string `json:"actorId"`
	Name string `json:"actorName"`
}

// Presence is a session's activity state, optionally scoped to the entity
// being edited.
type Presence struct {
	State    string `json:"presence"`
	TargetID string `json:"targetEntityId,omitempty"`
}

// Member is one entry of a room's member list as rendered to clients.
// SessionID distinguishes multiple tabs of the same actor.
type Member struct {
	SessionID string `json:"sessionId"`
	Actor
	Presence
}
