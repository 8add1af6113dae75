package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for conditions checked locally, before any network call.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrTemplateNotFound = errors.New("template not found")
	ErrCannotWithdraw   = errors.New("request cannot be withdrawn")
)

// ValidationError reports malformed input rejected before transport.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LockedError reports a write rejected because every requested key is
// admin-locked. Keys names the rejected keys; LockedBy is the holder when a
// single one is known.
type LockedError struct {
	Keys     []string
	LockedBy string
}

func (e *LockedError) Error() string {
	if e.LockedBy != "" && len(e.Keys) == 1 {
		return fmt.Sprintf("setting %s is locked by %s", e.Keys[0], e.LockedBy)
	}
	return "settings locked: " + strings.Join(e.Keys, ", ")
}

// RequestError is a transport or HTTP failure surfaced with the server's
// message. Status is 0 when the request never reached the server.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// DomainRejection is a well-formed server response that answered
// success=false. Distinct from a transport fault: the call worked, the
// operation was refused.
type DomainRejection struct {
	Message string
}

func (e *DomainRejection) Error() string {
	if e.Message == "" {
		return "operation rejected by server"
	}
	return e.Message
}
