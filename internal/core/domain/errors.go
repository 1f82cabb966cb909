package domain

import "errors"

var (
	ErrIdentityTaken        = errors.New("identity already registered")
	ErrNotRegistered        = errors.New("transport not registered")
	ErrPeerUnreachable      = errors.New("peer unreachable")
	ErrChannelClosed        = errors.New("data channel closed")
	ErrFrameTooLarge        = errors.New("frame exceeds the data channel limit")
	ErrMediaAccessDenied    = errors.New("media access denied")
	ErrCallBusy             = errors.New("a call is already in progress")
	ErrInvalidCallState     = errors.New("invalid call state")
	ErrChatNotFound         = errors.New("chat not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotMessageOwner      = errors.New("message belongs to another sender")
	ErrQuotaExceeded        = errors.New("storage quota exceeded")
	ErrMediaTooLarge        = errors.New("media payload too large")
	ErrEmptyMessage         = errors.New("message has no text or media")
	ErrMissingMessageID     = errors.New("message has no id")
	ErrAssistantUnavailable = errors.New("assistant unavailable")
)
