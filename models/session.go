package models

import (
	"time"
)

// Phase is the discrete conversation state for one chat identity. It is the
// single input to message routing: every inbound message is interpreted
// against the session's current phase.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseAwaitingStyle     Phase = "awaiting_style"
	PhaseAwaitingPrompt    Phase = "awaiting_prompt"
	PhaseAwaitingApproval  Phase = "awaiting_script_approval"
	PhaseAwaitingRevision  Phase = "awaiting_revision"
	PhaseRendering         Phase = "rendering"
	PhaseAwaitingPublish   Phase = "awaiting_distribution"
)

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseAwaitingStyle, PhaseAwaitingPrompt, PhaseAwaitingApproval,
		PhaseAwaitingRevision, PhaseRendering, PhaseAwaitingPublish:
		return true
	}
	return false
}

// Style is a narration tone preset. Each style maps to exactly one script
// generation system prompt.
type Style string

const (
	StyleNone        Style = ""
	StyleDocumentary Style = "documentary"
	StyleDramatic    Style = "dramatic"
	StyleCasual      Style = "casual"
)

// ParseStyle maps a user token to a style. Users pick by number or by name.
func ParseStyle(token string) (Style, bool) {
	switch token {
	case "1", "documentary":
		return StyleDocumentary, true
	case "2", "dramatic":
		return StyleDramatic, true
	case "3", "casual":
		return StyleCasual, true
	}
	return StyleNone, false
}

// UserSession tracks one chat identity's progress through the video
// conversation. Sessions are created lazily on first contact and mutated only
// by the conversation machine, one message at a time per identity.
type UserSession struct {
	Identity  string    `json:"identity"`
	Phase     Phase     `json:"phase"`
	Style     Style     `json:"style,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Script    string    `json:"script,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUserSession returns a fresh idle session for the identity.
func NewUserSession(identity string) *UserSession {
	return &UserSession{
		Identity:  identity,
		Phase:     PhaseIdle,
		UpdatedAt: time.Now(),
	}
}

// Reset clears all request state and returns the session to idle. Used on
// completion, hard failure, and explicit restart.
func (s *UserSession) Reset() {
	s.Phase = PhaseIdle
	s.Style = StyleNone
	s.Prompt = ""
	s.Script = ""
	s.Attempts = 0
}
