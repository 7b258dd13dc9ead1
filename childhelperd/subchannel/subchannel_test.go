package subchannel_test

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lxc/childhelper/childhelperd/child"
	"github.com/lxc/childhelper/childhelperd/notify"
	"github.com/lxc/childhelper/childhelperd/protocol"
	"github.com/lxc/childhelper/childhelperd/subchannel"
	"github.com/lxc/childhelper/shared/ancillary"
	"github.com/lxc/childhelper/shared/logger"
)

func newSocketPair(t *testing.T) (*ancillary.Socket, *ancillary.Socket) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	a := fdToSocket(t, fds[0])
	b := fdToSocket(t, fds[1])
	return a, b
}

func fdToSocket(t *testing.T, fd int) *ancillary.Socket {
	t.Helper()

	f := os.NewFile(uintptr(fd), "socketpair")
	c, err := net.FileConn(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	uc, ok := c.(*net.UnixConn)
	require.True(t, ok)
	return ancillary.New(uc, ancillary.NewCanceler())
}

func startWorker(t *testing.T) (client *ancillary.Socket, children *child.Map, n *notify.Channel) {
	t.Helper()

	serverSock, clientSock := newSocketPair(t)
	children = child.NewMap(nil)
	n = notify.New()

	col := subchannel.NewCollection(logger.New())
	col.Spawn(serverSock, children, n, logger.New())

	t.Cleanup(func() { _ = clientSock.Close() })
	return clientSock, children, n
}

func recvCreationStatus(t *testing.T, s *ancillary.Socket) int32 {
	t.Helper()
	var buf [4]byte
	require.NoError(t, s.RecvExactBytes(buf[:]))
	return int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24
}

func sendSpawnRequest(t *testing.T, s *ancillary.Socket, token uint64, flags protocol.RequestFlags, exe string, argv, envp []string, workdir *string) {
	t.Helper()

	var body []byte
	body = putU64(body, token)
	body = putU32(body, uint32(flags))
	if workdir != nil {
		body = putStr(body, *workdir)
	} else {
		body = putU32(body, 0)
	}
	body = putStr(body, exe)
	body = putStrArray(body, argv)
	body = putStrArray(body, envp)

	var hdr [8]byte
	putU32Into(hdr[0:4], uint32(protocol.CommandSpawnProcess))
	putU32Into(hdr[4:8], uint32(len(body)))

	require.NoError(t, s.SendExactBytes(hdr[:]))
	require.NoError(t, s.SendExactBytes(body))
}

func recvResponse(t *testing.T, s *ancillary.Socket) protocol.Response {
	t.Helper()
	var buf [8]byte
	require.NoError(t, s.RecvExactBytes(buf[:]))
	return protocol.Response{
		Err:  int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24,
		Data: int32(buf[4]) | int32(buf[5])<<8 | int32(buf[6])<<16 | int32(buf[7])<<24,
	}
}

func putU32(dst []byte, v uint32) []byte {
	var b [4]byte
	putU32Into(b[:], v)
	return append(dst, b[:]...)
}

func putU64(dst []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(dst, b[:]...)
}

func putU32Into(dst []byte, v uint32) {
	for i := 0; i < 4; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func putStr(dst []byte, s string) []byte {
	raw := append([]byte(s), 0)
	dst = putU32(dst, uint32(len(raw)))
	return append(dst, raw...)
}

func putStrArray(dst []byte, items []string) []byte {
	dst = putU32(dst, uint32(len(items)))
	for _, s := range items {
		dst = putStr(dst, s)
	}
	return dst
}

func TestSpawnTrueSucceeds(t *testing.T) {
	client, children, n := startWorker(t)
	require.Equal(t, int32(0), recvCreationStatus(t, client))

	sendSpawnRequest(t, client, 1, 0, "/bin/true", nil, nil, nil)
	resp := recvResponse(t, client)

	require.Equal(t, int32(0), resp.Err)
	require.Greater(t, resp.Data, int32(0))

	_, ok := children.GetByPid(int(resp.Data))
	require.True(t, ok)

	select {
	case k := <-n.Recv():
		require.Equal(t, notify.ReapRequest, k)
	case <-time.After(time.Second):
		t.Fatal("expected a ReapRequest notification")
	}
}

func TestSpawnNonexistentPathFails(t *testing.T) {
	client, _, _ := startWorker(t)
	require.Equal(t, int32(0), recvCreationStatus(t, client))

	sendSpawnRequest(t, client, 2, 0, "/nonexistent/path/to/binary", nil, nil, nil)
	resp := recvResponse(t, client)

	require.Equal(t, int32(unix.ENOENT), resp.Err)
	require.Equal(t, int32(0), resp.Data)
}

func TestSpawnWithRedirectedStdoutCapturesOutput(t *testing.T) {
	client, _, _ := startWorker(t)
	require.Equal(t, int32(0), recvCreationStatus(t, client))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	var body []byte
	body = putU64(body, 3)
	body = putU32(body, uint32(protocol.RedirectStdout))
	body = putU32(body, 0) // null working directory
	body = putStr(body, "/bin/echo")
	body = putStrArray(body, []string{"echo", "hello-from-child"})
	body = putStrArray(body, nil)

	var hdr [8]byte
	putU32Into(hdr[0:4], uint32(protocol.CommandSpawnProcess))
	putU32Into(hdr[4:8], uint32(len(body)))

	// The redirected stdout fd travels as SCM_RIGHTS ancillary data on the
	// request bytes themselves; a subchannel carries no separate fd message.
	rights := unix.UnixRights(int(w.Fd()))
	_, _, err = client.Conn().WriteMsgUnix(append(hdr[:], body...), rights, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp := recvResponse(t, client)
	require.Equal(t, int32(0), resp.Err)

	buf := make([]byte, 64)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "hello-from-child")
}

func TestSendSignalUnknownTokenIsIdempotentSuccess(t *testing.T) {
	client, _, _ := startWorker(t)
	require.Equal(t, int32(0), recvCreationStatus(t, client))

	var body []byte
	body = putU64(body, 999)
	body = putU32(body, uint32(protocol.AbstractSignalKill))

	var hdr [8]byte
	putU32Into(hdr[0:4], uint32(protocol.CommandSendSignal))
	putU32Into(hdr[4:8], uint32(len(body)))
	require.NoError(t, client.SendExactBytes(hdr[:]))
	require.NoError(t, client.SendExactBytes(body))

	resp := recvResponse(t, client)
	require.Equal(t, int32(0), resp.Err)
}

func TestSpawnOversizedBodyRejected(t *testing.T) {
	client, children, _ := startWorker(t)
	require.Equal(t, int32(0), recvCreationStatus(t, client))

	var hdr [8]byte
	putU32Into(hdr[0:4], uint32(protocol.CommandSpawnProcess))
	putU32Into(hdr[4:8], protocol.MaxRequestLength+1)
	require.NoError(t, client.SendExactBytes(hdr[:]))

	filler := make([]byte, protocol.MaxRequestLength+1)
	go func() {
		_ = client.SendExactBytes(filler)
	}()

	resp := recvResponse(t, client)
	require.Equal(t, int32(unix.E2BIG), resp.Err)

	// Framing must have survived: the worker drained the whole oversized
	// body, so the next request on this same connection is handled
	// normally rather than landing mid-body.
	sendSpawnRequest(t, client, 4, 0, "/bin/true", nil, nil, nil)
	resp = recvResponse(t, client)
	require.Equal(t, int32(0), resp.Err)
	require.Greater(t, resp.Data, int32(0))

	_, ok := children.GetByPid(int(resp.Data))
	require.True(t, ok)
}
