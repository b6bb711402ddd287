package server

import (
	"errors"
	"fmt"

	"github.com/NicolasHaas/huddle/pkg/protocol"
	"github.com/NicolasHaas/huddle/pkg/rbac"
)

// CommandError is a command failure reported back to the requesting
// connection as a command_rejected event.
type CommandError struct {
	Reason  protocol.Reason
	Message string
	Cause   error
}

func (e *CommandError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *CommandError) Unwrap() error { return e.Cause }

func reject(reason protocol.Reason, format string, args ...any) *CommandError {
	return &CommandError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// upstream wraps a store failure. The cause is logged, never sent.
func upstream(err error) *CommandError {
	return &CommandError{Reason: protocol.ReasonUpstream, Message: "storage unavailable", Cause: err}
}

// asCommandError maps any handler error onto a CommandError.
func asCommandError(err error) *CommandError {
	var ce *CommandError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, rbac.ErrWorkspaceNotFound):
		return &CommandError{Reason: protocol.ReasonNotFound, Message: "server not found", Cause: err}
	case errors.Is(err, rbac.ErrPermissionDenied):
		return &CommandError{Reason: protocol.ReasonUnauthorized, Message: err.Error(), Cause: err}
	default:
		return upstream(err)
	}
}
