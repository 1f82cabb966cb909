package ports

import "chatnest/internal/core/domain"

// EventSink is the presentation layer as seen from the core. Calls must not
// block.
type EventSink interface {
	TranscriptAppended(msg domain.Message)
	MessageUpdated(msg domain.Message)
	MessageRemoved(chatID domain.PeerID, messageID string)
	ChatsChanged(chats []domain.ChatSession)
	CallStateChanged(info domain.CallInfo)
	RemoteTrackAttached(peer domain.PeerID, track RemoteTrack)
	Notice(text string)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) TranscriptAppended(domain.Message)              {}
func (NopSink) MessageUpdated(domain.Message)                  {}
func (NopSink) MessageRemoved(domain.PeerID, string)           {}
func (NopSink) ChatsChanged([]domain.ChatSession)              {}
func (NopSink) CallStateChanged(domain.CallInfo)               {}
func (NopSink) RemoteTrackAttached(domain.PeerID, RemoteTrack) {}
func (NopSink) Notice(string)                                  {}

// MetricsRecorder receives client-side counters.
type MetricsRecorder interface {
	EnvelopeSent(kind domain.EnvelopeType)
	EnvelopeReceived(kind domain.EnvelopeType)
	SendFailed(kind domain.EnvelopeType)
	ChannelOpened(peer domain.PeerID)
	ChannelClosed(peer domain.PeerID)
	CallFinished(kind domain.CallKind, outcome string)
	MessagesPruned(n int)
}

// NopMetrics discards every sample.
type NopMetrics struct{}

func (NopMetrics) EnvelopeSent(domain.EnvelopeType)     {}
func (NopMetrics) EnvelopeReceived(domain.EnvelopeType) {}
func (NopMetrics) SendFailed(domain.EnvelopeType)       {}
func (NopMetrics) ChannelOpened(domain.PeerID)          {}
func (NopMetrics) ChannelClosed(domain.PeerID)          {}
func (NopMetrics) CallFinished(domain.CallKind, string) {}
func (NopMetrics) MessagesPruned(int)                   {}
