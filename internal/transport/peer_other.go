//go:build !linux

package transport

import "syscall"

func peerCred(syscall.RawConn) (Cred, error) {
	return Cred{}, ErrNoCredentials
}
