// Package transport contains internal helpers for the unix socket front end: peer
// credentials and process identity of a connected client.
package transport

import (
	"errors"
	"net"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNoCredentials is returned when the platform cannot report peer credentials.
var ErrNoCredentials = errors.New("peer credentials unavailable")

// Cred is the identity of the process at the other end of a unix socket.
type Cred struct {
	PID int32
	UID uint32
	GID uint32
}

// PeerCred returns the credentials of conn's peer.
func PeerCred(conn *net.UnixConn) (Cred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Cred{}, err
	}
	return peerCred(raw)
}

// ProcessName returns the executable name of pid, or "" when it cannot be read.
func ProcessName(pid int32) string {
	if pid <= 0 {
		return ""
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}
