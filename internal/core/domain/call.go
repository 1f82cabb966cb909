package domain

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// WantsVideo reports whether local video must be acquired for the call.
func (k CallKind) WantsVideo() bool {
	return k == CallVideo
}

type CallState string

const (
	CallIdle      CallState = "idle"
	CallDialing   CallState = "dialing"
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
)

// Busy reports whether the state holds the single call slot.
func (s CallState) Busy() bool {
	return s == CallDialing || s == CallRinging || s == CallConnected
}

type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// CallInfo is the externally visible snapshot of the call slot.
type CallInfo struct {
	ID        string
	Peer      PeerID
	Kind      CallKind
	State     CallState
	Direction CallDirection
	MicMuted  bool
	VideoOff  bool
}
