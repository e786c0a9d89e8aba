//go:build unix

package daemon

import "syscall"

// umask wraps syscall.Umask so Listen can narrow the process umask for the
// instant it binds the socket file, then restore it. Unix-socket file
// permissions are derived from the umask at creation, so this is the only
// reliable way to keep the window in which the socket is world-accessible
// at zero, even before the follow-up chmod lands.
func umask(mask int) int {
	return syscall.Umask(mask)
}
