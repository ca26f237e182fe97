package conversation

import (
	"fmt"
	"strings"
	"time"
)

// TurnRequest is the immutable input of one turn.
type TurnRequest struct {
	TurnID         string
	Query          string
	PriorMessages  []Message
	Identity       Identity
	Language       string
	MaxSteps       int
	ContextHorizon time.Duration
	Channels       []string
	CurrentChannel string
	Attachments    []string
	Now            time.Time
}

// ValidationError rejects a malformed request before any turn state exists.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (r TurnRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return &ValidationError{Field: "query", Reason: "query is required"}
	}
	if r.ContextHorizon < 0 {
		return &ValidationError{Field: "max_context_load_time", Reason: "must not be negative"}
	}
	if r.MaxSteps < 0 {
		return &ValidationError{Field: "max_steps", Reason: "must not be negative"}
	}
	return nil
}

// Subject is the memory partition the turn reads from and writes to.
func (r TurnRequest) Subject() string {
	if s := strings.TrimSpace(r.Identity.BotID); s != "" {
		return s
	}
	return strings.TrimSpace(r.Identity.ChannelIdentityID)
}
