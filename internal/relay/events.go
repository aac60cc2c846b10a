package relay

// EventKind labels an internal control-plane notification consumed by the
// voice server. The flow is strictly one-way: control publishes, voice
// consumes, voice never calls back into control.
type EventKind int

const (
	// UserConnected announces a fresh control connection and the voice token
	// issued to it.
	UserConnected EventKind = iota
	// VoiceJoined and VoiceLeft flip a session's in-voice flag.
	VoiceJoined
	VoiceLeft
	// MuteChanged updates a session's muted flag so muted speakers are not
	// fanned out.
	MuteChanged
	// UserDisconnected removes the session and unbinds its endpoint.
	UserDisconnected
)

// Event is one internal control→voice notification.
type Event struct {
	Kind   EventKind
	UserID uint64
	Token  uint64 // set for UserConnected
	Muted  bool   // set for MuteChanged
}
