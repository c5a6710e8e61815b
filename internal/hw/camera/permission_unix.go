//go:build unix

package camera

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
	"golang.org/x/sys/unix"
)

// DeviceNodePermission derives the permission state from access to a
// video device node such as /dev/video0:
//
//	node missing          -> NotDetermined (camera not plugged in yet)
//	read/write allowed    -> Authorized
//	EACCES                -> Denied (user not in the video group)
//	EPERM, EROFS          -> Restricted
type DeviceNodePermission struct {
	Path string
	// Poll is how often RequestAccess re-checks the node. Defaults to 500ms.
	Poll time.Duration
}

func (p DeviceNodePermission) Status() AuthorizationStatus {
	if _, err := os.Stat(p.Path); errors.Is(err, os.ErrNotExist) {
		return NotDetermined
	}
	err := unix.Access(p.Path, unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		return Authorized
	case errors.Is(err, unix.EACCES):
		return Denied
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EROFS):
		return Restricted
	default:
		debug.Verbose("Permission: access(%s): %v", p.Path, err)
		return Unknown
	}
}

// RequestAccess waits for the device node to appear and grants access
// if it is readable and writable.
func (p DeviceNodePermission) RequestAccess(ctx context.Context) bool {
	poll := p.Poll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		switch p.Status() {
		case Authorized:
			return true
		case NotDetermined:
		default:
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
