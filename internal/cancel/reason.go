package cancel

import (
	"errors"
	"fmt"
)

// Kind classifies why something was cancelled.
type Kind string

const (
	KindUserCancel    Kind = "user_cancel"
	KindStopRequest   Kind = "stop_request"
	KindTimeout       Kind = "timeout"
	KindPolicyDenied  Kind = "policy_denied"
	KindHostLifecycle Kind = "host_lifecycle"
	KindUnknown       Kind = "unknown"
)

// ErrCancelled matches every Reason through errors.Is.
var ErrCancelled = errors.New("cancelled")

// Reason carries the cause of a cancellation. It is usable as an error.
type Reason struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message,omitempty"`
	DeadlineMs int64  `json:"deadlineMonoMs,omitempty"`
	Event      string `json:"event,omitempty"`
}

// StopRequest builds a stop_request reason.
func StopRequest(message string) Reason { return Reason{Kind: KindStopRequest, Message: message} }

// UserCancel builds a user_cancel reason.
func UserCancel(message string) Reason { return Reason{Kind: KindUserCancel, Message: message} }

// Timeout builds a timeout reason for the given deadline.
func Timeout(deadlineMs int64) Reason { return Reason{Kind: KindTimeout, DeadlineMs: deadlineMs} }

func (r Reason) Error() string {
	kind := r.Kind
	if kind == "" {
		kind = KindUnknown
	}
	if r.Message == "" {
		return fmt.Sprintf("cancelled (%s)", kind)
	}
	return fmt.Sprintf("cancelled (%s): %s", kind, r.Message)
}

func (r Reason) Is(target error) bool {
	return target == ErrCancelled
}

// IsTimeout reports whether the reason is a timeout.
func (r Reason) IsTimeout() bool { return r.Kind == KindTimeout }

// ReasonFrom extracts the Reason carried by err.
func ReasonFrom(err error) (Reason, bool) {
	var r Reason
	if errors.As(err, &r) {
		return r, true
	}
	return Reason{}, false
}

func normalize(r Reason) Reason {
	if r.Kind == "" {
		r.Kind = KindUnknown
	}
	return r
}
