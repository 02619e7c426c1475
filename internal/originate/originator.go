// Package originate places outbound calls through a telephony backend. Two
// backends exist: a native SIP client and an external originator process.
// The backend is chosen once at startup; callers only see the Originator
// interface and the asynchronous start/end events it feeds into an EventSink.
package originate

import (
	"context"
	"time"
)

// Disposition is the terminal outcome of a dial attempt.
type Disposition string

const (
	DispositionAnswered Disposition = "answered"
	DispositionNoAnswer Disposition = "no_answer"
	DispositionBusy     Disposition = "busy"
	DispositionFailed   Disposition = "failed"
)

// OriginateRequest carries everything a backend needs to place one call.
type OriginateRequest struct {
	CallID          string
	Phone           string
	ChannelUsername string
	ChannelPassword string
	Domain          string
	CallerIDName    string
	CallerIDNum     string
	AudioFile       string
	MaxDuration     time.Duration
	// EventToken authenticates the originator's webhook callbacks for this
	// call. Empty when webhook signaling is not in use.
	EventToken string
}

// CallEndEvent is the structured end-of-call signal a backend delivers when
// a dial attempt reaches a terminal state.
type CallEndEvent struct {
	CallID      string
	Disposition Disposition
	Duration    int
	Keypress    string
}

// EventSink receives asynchronous call lifecycle signals from a backend.
// Implementations must tolerate duplicate and unknown call IDs.
type EventSink interface {
	CallStarted(callID string)
	CallEnded(event CallEndEvent)
}

// Originator is the closed set of capabilities the dialer requires from a
// telephony backend. Originate returns an error only for synchronous
// dispatch failures; once it returns nil the backend owns the attempt and
// guarantees a CallEnded event, barring its own crash, which the dialer
// covers with a timeout of its own.
type Originator interface {
	Originate(ctx context.Context, req OriginateRequest) error
	FormatAddress(phone, domain string) string
	ReleaseResources(callID string)
}

// DispositionFromSIPStatus maps a final SIP response code to a disposition.
func DispositionFromSIPStatus(statusCode int) Disposition {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return DispositionAnswered
	case statusCode == 486 || statusCode == 600:
		return DispositionBusy
	case statusCode == 408 || statusCode == 480 || statusCode == 487:
		return DispositionNoAnswer
	default:
		return DispositionFailed
	}
}

// ParseDisposition normalizes a disposition string from an external source.
// Unknown values collapse to failed rather than erroring, since the call is
// over either way.
func ParseDisposition(s string) Disposition {
	switch Disposition(s) {
	case DispositionAnswered, DispositionNoAnswer, DispositionBusy, DispositionFailed:
		return Disposition(s)
	}
	return DispositionFailed
}
