package ports

import (
	"context"

	"chatnest/internal/core/domain"

	"github.com/pion/rtp"
)

// DataChannel is an ordered, reliable byte channel to one remote identity.
type DataChannel interface {
	RemoteID() domain.PeerID
	Send(data []byte) error
	OnMessage(handler func(data []byte))
	OnClose(handler func())
	IsOpen() bool
	Close() error
}

// DataHandler receives inbound channels once they are open.
type DataHandler func(ch DataChannel, remote domain.PeerID)

// IncomingCall is surfaced before any local media is acquired.
type IncomingCall struct {
	ID     string
	From   domain.PeerID
	Kind   domain.CallKind
	Accept func(ctx context.Context, stream MediaStream) (CallHandle, error)
	Reject func() error
	// Busy declines because the callee already holds a call.
	Busy func() error
	// Cancelled is closed when the caller gives up before an answer.
	Cancelled <-chan struct{}
}

type CallHandler func(call IncomingCall)

// SignalingTransport is the named-endpoint connectivity layer.
type SignalingTransport interface {
	Register(ctx context.Context, id domain.PeerID) error
	LocalID() domain.PeerID
	ConnectData(ctx context.Context, target domain.PeerID) (DataChannel, error)
	OnIncomingData(handler DataHandler)
	Call(ctx context.Context, target domain.PeerID, stream MediaStream, kind domain.CallKind) (CallHandle, error)
	OnIncomingCall(handler CallHandler)
	Close() error
}

// RemoteTrack is one inbound media track of a call.
type RemoteTrack interface {
	ID() string
	Kind() string
	ReadRTP() (*rtp.Packet, error)
}

// CallHandle is the transport side of one media session.
type CallHandle interface {
	ID() string
	Remote() domain.PeerID
	// OnAnswered fires once the remote description is applied on the
	// dialing side.
	OnAnswered(handler func())
	OnRemoteTrack(handler func(track RemoteTrack))
	// OnClose fires once, for local or remote teardown.
	OnClose(handler func(reason string))
	Close() error
}

// MediaTrack is one local capture track.
type MediaTrack interface {
	ID() string
	Kind() string
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
	Stopped() bool
}

type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	Stop()
}

// MediaSource acquires local capture. Acquire must honor ctx cancellation.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.CallKind) (MediaStream, error)
}

type AssistantTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type AssistantReply struct {
	Text    string
	Sources []domain.Source
}

// Assistant is the generative backend used for the reserved AI chat.
type Assistant interface {
	ChatResponse(ctx context.Context, prompt string, history []AssistantTurn) (AssistantReply, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
	GenerateVideo(ctx context.Context, prompt string) (string, error)
}
