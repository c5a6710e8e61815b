package camera

import (
	"context"
	"fmt"
	"strings"
)

// AuthorizationStatus is the process-wide camera permission state.
type AuthorizationStatus int

const (
	NotDetermined AuthorizationStatus = iota
	Restricted
	Denied
	Authorized
	Unknown
)

func (s AuthorizationStatus) String() string {
	switch s {
	case NotDetermined:
		return "not-determined"
	case Restricted:
		return "restricted"
	case Denied:
		return "denied"
	case Authorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Permission is the permission boundary. Status is a cheap query;
// RequestAccess blocks until the grant is decided or ctx ends (false).
type Permission interface {
	Status() AuthorizationStatus
	RequestAccess(ctx context.Context) bool
}

// StaticPermission reports a fixed status. A NotDetermined static
// permission grants whatever Grant says when asked.
type StaticPermission struct {
	State AuthorizationStatus
	Grant bool
}

func (p StaticPermission) Status() AuthorizationStatus { return p.State }

func (p StaticPermission) RequestAccess(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return p.Grant
}

// ParseAuthorizationStatus maps config strings to a status.
func ParseAuthorizationStatus(s string) (AuthorizationStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "authorized", "":
		return Authorized, nil
	case "not-determined", "prompt":
		return NotDetermined, nil
	case "restricted":
		return Restricted, nil
	case "denied":
		return Denied, nil
	}
	return Unknown, fmt.Errorf("unknown permission status %q", s)
}
