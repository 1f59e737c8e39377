//go:build linux

package transport

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerCred(t *testing.T) {
	addr := &net.UnixAddr{Net: "unix", Name: filepath.Join(t.TempDir(), "peer.sock")}
	ln, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	defer ln.Close() //nolint:errcheck // test cleanup

	accepted := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := ln.AcceptUnix()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := net.DialUnix("unix", nil, addr)
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck // test cleanup
	server, ok := <-accepted
	require.True(t, ok)
	defer server.Close() //nolint:errcheck // test cleanup

	cred, err := PeerCred(server)
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), cred.PID)
	assert.Equal(t, uint32(os.Getuid()), cred.UID)
	assert.NotEmpty(t, ProcessName(cred.PID))
	assert.Empty(t, ProcessName(-1))
}
