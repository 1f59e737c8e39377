//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func peerCred(raw syscall.RawConn) (Cred, error) {
	var (
		cred *unix.Ucred
		serr error
	)
	err := raw.Control(func(fd uintptr) {
		cred, serr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Cred{}, err
	}
	if serr != nil {
		return Cred{}, serr
	}
	return Cred{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
