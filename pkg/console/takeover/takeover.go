// Package takeover implements the state machine that governs manual control
// of at most one conversation per operator client.
//
// The command protocol has no per-command correlation ID and no positive
// acknowledgements, so every transition is optimistic: local state changes
// immediately, and a later error notification rolls back the one in-flight
// action it names. The pending-action table makes that rollback a lookup
// instead of scattered conditionals.
package takeover

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrTakeoverActive rejects a second takeover while one is in effect.
	ErrTakeoverActive = errors.New("another session is already taken over")
	// ErrNotControlling rejects release/send for a session the operator does
	// not currently control.
	ErrNotControlling = errors.New("session is not under manual control")
)

// ActionKind tags the optimistic actions that can be rolled back.
type ActionKind string

const (
	ActionTakeover ActionKind = "takeover"
	ActionRelease  ActionKind = "release"
	ActionSend     ActionKind = "send"
)

// actionLabels maps server error-notification titles to the action they
// reject. Title matching is the only correlation the wire protocol offers;
// matching is a case-insensitive prefix test.
var actionLabels = map[ActionKind]string{
	ActionTakeover: "Takeover failed",
	ActionRelease:  "Release failed",
	ActionSend:     "Send failed",
}

// Session is the single active takeover. Its existence is what authorizes
// operator sends; absence means the AI is in control.
type Session struct {
	SessionID string
	Since     time.Time
}

// Controller owns the takeover slot and the pending-action table. It is not
// safe for concurrent use; the coordinator serializes access.
type Controller struct {
	current *Session

	// pending holds the session ID of the most recent in-flight action per
	// kind. Older in-flight actions of the same kind are forgotten, which
	// matches the protocol's lack of correlation.
	pending map[ActionKind]string

	// now is replaceable for tests; nil means time.Now.
	now func() time.Time
}

// NewController returns a controller with no active takeover.
func NewController() *Controller {
	return &Controller{pending: make(map[ActionKind]string)}
}

func (c *Controller) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Current returns the active takeover, if any.
func (c *Controller) Current() (Session, bool) {
	if c == nil || c.current == nil {
		return Session{}, false
	}
	return *c.current, true
}

// Controls reports whether sessionID is under manual control.
func (c *Controller) Controls(sessionID string) bool {
	return c != nil && c.current != nil && c.current.SessionID == sessionID
}

// Begin records an optimistic takeover of sessionID. It fails if any session
// is already taken over, including sessionID itself.
func (c *Controller) Begin(sessionID string) error {
	if c.current != nil {
		return ErrTakeoverActive
	}
	c.current = &Session{SessionID: sessionID, Since: c.clock()}
	c.pending[ActionTakeover] = sessionID
	return nil
}

// End records an optimistic release of sessionID, discarding the takeover.
func (c *Controller) End(sessionID string) error {
	if !c.Controls(sessionID) {
		return ErrNotControlling
	}
	c.current = nil
	c.pending[ActionRelease] = sessionID
	return nil
}

// NoteSend validates and records an in-flight operator send for sessionID.
// The caller performs the command send and the transcript append.
func (c *Controller) NoteSend(sessionID string) error {
	if !c.Controls(sessionID) {
		return ErrNotControlling
	}
	c.pending[ActionSend] = sessionID
	return nil
}

// Revoke clears the takeover for sessionID without recording a pending
// action: server-side revocation and consumer disconnects are authoritative,
// not optimistic. It reports whether a takeover was cleared.
func (c *Controller) Revoke(sessionID string) bool {
	if !c.Controls(sessionID) {
		return false
	}
	c.current = nil
	return true
}

// ForgetPending discards the in-flight record for kind without touching the
// takeover slot. Used when a command fails before reaching the wire: no
// rejection notification is coming for it.
func (c *Controller) ForgetPending(kind ActionKind) {
	if c == nil {
		return
	}
	delete(c.pending, kind)
}

// MatchAction maps an error-notification title to the action kind it rejects.
func MatchAction(title string) (ActionKind, bool) {
	trimmed := strings.TrimSpace(title)
	for kind, label := range actionLabels {
		if len(trimmed) >= len(label) && strings.EqualFold(trimmed[:len(label)], label) {
			return kind, true
		}
	}
	return "", false
}

// Rollback compensates the most recent in-flight action of the given kind.
// A failed takeover or send discards the takeover session it targeted; a
// failed release has nothing local to restore. Rolling back an action whose
// session is already gone is a no-op. It reports whether the takeover slot
// was cleared.
func (c *Controller) Rollback(kind ActionKind) (cleared bool) {
	if c == nil {
		return false
	}
	sessionID, ok := c.pending[kind]
	if !ok {
		return false
	}
	delete(c.pending, kind)

	switch kind {
	case ActionTakeover, ActionSend:
		if c.Controls(sessionID) {
			c.current = nil
			return true
		}
	case ActionRelease:
		// The optimistic release already discarded local state; restoring it
		// on failure would guess at server state the protocol cannot confirm.
	}
	return false
}
