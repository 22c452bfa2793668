package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrTransportLost is fatal to every session multiplexed over the
// connection. Individual failures wrap it so errors.Is works across the
// taxonomy.
var ErrTransportLost = errors.New("transport lost")

// SessionClosedError fails callers of one session; sibling sessions are
// unaffected.
type SessionClosedError struct {
	SessionID string
	Reason    error
}

func (e *SessionClosedError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("session %s closed: %v", e.SessionID, e.Reason)
	}
	return fmt.Sprintf("session %s closed", e.SessionID)
}

func (e *SessionClosedError) Unwrap() error { return e.Reason }

// TargetCrashedError behaves like a session closure but is additionally
// surfaced as a page-level crash.
type TargetCrashedError struct {
	TargetID string
	Status   string
}

func (e *TargetCrashedError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("target %s crashed (%s)", e.TargetID, e.Status)
	}
	return fmt.Sprintf("target %s crashed", e.TargetID)
}

// NavigationTimeoutError reports the configured deadline so the caller can
// see which timeout fired.
type NavigationTimeoutError struct {
	Timeout time.Duration
	URL     string
}

func (e *NavigationTimeoutError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("navigation to %q timed out after %s", e.URL, e.Timeout)
	}
	return fmt.Sprintf("navigation timed out after %s", e.Timeout)
}

// FrameDetachedError fails a navigation or evaluation that raced a detach.
type FrameDetachedError struct {
	FrameID string
}

func (e *FrameDetachedError) Error() string {
	return fmt.Sprintf("frame %s detached", e.FrameID)
}

// ContextDestroyedError fails an evaluation that raced a navigation.
type ContextDestroyedError struct {
	ContextID int64
}

func (e *ContextDestroyedError) Error() string {
	return fmt.Sprintf("execution context %d destroyed", e.ContextID)
}

// TargetSwappedError fails commands that were still pending on a session
// when a cross-process navigation committed its replacement.
type TargetSwappedError struct {
	SessionID string
}

func (e *TargetSwappedError) Error() string {
	return fmt.Sprintf("target swapped out from under session %s", e.SessionID)
}
