package protocol_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lxc/childhelper/childhelperd/protocol"
)

func putU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func putU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func putStr(dst []byte, s string) []byte {
	raw := append([]byte(s), 0)
	dst = putU32(dst, uint32(len(raw)))
	return append(dst, raw...)
}

func putNullStr(dst []byte) []byte {
	return putU32(dst, 0)
}

func putStrArray(dst []byte, items []string) []byte {
	dst = putU32(dst, uint32(len(items)))
	for _, s := range items {
		dst = putStr(dst, s)
	}
	return dst
}

func TestDecodeSpawnRequestRoundTrip(t *testing.T) {
	var body []byte
	body = putU64(body, 42)
	body = putU32(body, uint32(protocol.RedirectStdout|protocol.EnableAutoTermination))
	body = putStr(body, "/tmp")
	body = putStr(body, "/bin/echo")
	body = putStrArray(body, []string{"echo", "hi"})
	body = putStrArray(body, []string{"PATH=/bin"})

	req, err := protocol.DecodeSpawnRequest(body)
	require.NoError(t, err)
	require.Equal(t, uint64(42), req.Token)
	require.Equal(t, protocol.RedirectStdout|protocol.EnableAutoTermination, req.Flags)
	require.NotNil(t, req.WorkingDirectory)
	require.Equal(t, "/tmp", *req.WorkingDirectory)
	require.Equal(t, "/bin/echo", req.ExecutablePath)
	require.Equal(t, []string{"echo", "hi"}, req.Argv)
	require.Equal(t, []string{"PATH=/bin"}, req.Envp)
}

func TestDecodeSpawnRequestNullWorkingDirectory(t *testing.T) {
	var body []byte
	body = putU64(body, 1)
	body = putU32(body, 0)
	body = putNullStr(body)
	body = putStr(body, "/bin/true")
	body = putStrArray(body, nil)
	body = putStrArray(body, nil)

	req, err := protocol.DecodeSpawnRequest(body)
	require.NoError(t, err)
	require.Nil(t, req.WorkingDirectory)
	require.Empty(t, req.Argv)
}

func TestDecodeSpawnRequestTruncated(t *testing.T) {
	var body []byte
	body = putU64(body, 1)

	_, err := protocol.DecodeSpawnRequest(body)
	require.Error(t, err)

	var badReq *protocol.BadRequestError
	require.ErrorAs(t, err, &badReq)
	require.Equal(t, unix.EINVAL, badReq.Errno)
}

func TestDecodeSpawnRequestNotNulTerminated(t *testing.T) {
	var body []byte
	body = putU64(body, 1)
	body = putU32(body, 0)
	body = putNullStr(body)
	body = putU32(body, 3)
	body = append(body, []byte("abc")...) // missing trailing NUL

	_, err := protocol.DecodeSpawnRequest(body)
	require.Error(t, err)

	var badReq *protocol.BadRequestError
	require.ErrorAs(t, err, &badReq)
	require.Equal(t, unix.EINVAL, badReq.Errno)
}

func TestDecodeSpawnRequestOversizedArray(t *testing.T) {
	var body []byte
	body = putU64(body, 1)
	body = putU32(body, 0)
	body = putNullStr(body)
	body = putStr(body, "/bin/true")
	body = putU32(body, protocol.MaxStringArrayCount+1)

	_, err := protocol.DecodeSpawnRequest(body)
	require.Error(t, err)

	var badReq *protocol.BadRequestError
	require.ErrorAs(t, err, &badReq)
	require.Equal(t, unix.E2BIG, badReq.Errno)
}

func TestDecodeSignalRequest(t *testing.T) {
	var body []byte
	body = putU64(body, 7)
	body = putU32(body, uint32(protocol.AbstractSignalTermination))

	req, err := protocol.DecodeSignalRequest(body)
	require.NoError(t, err)
	require.Equal(t, uint64(7), req.Token)

	sig, sendCont, ok := req.AbstractSignal.Resolve()
	require.True(t, ok)
	require.True(t, sendCont)
	require.Equal(t, unix.SIGTERM, sig)
}

func TestAbstractSignalResolveUnknown(t *testing.T) {
	_, _, ok := protocol.AbstractSignal(9999).Resolve()
	require.False(t, ok)
}

func TestEncodeResponseRoundTrip(t *testing.T) {
	buf := protocol.EncodeResponse(protocol.Response{Err: 0, Data: 1234})
	require.Equal(t, int32(0), int32(binary.LittleEndian.Uint32(buf[0:4])))
	require.Equal(t, int32(1234), int32(binary.LittleEndian.Uint32(buf[4:8])))
}

func TestDecodeRequestHeader(t *testing.T) {
	var raw [8]byte
	binary.LittleEndian.PutUint32(raw[0:4], uint32(protocol.CommandSpawnProcess))
	binary.LittleEndian.PutUint32(raw[4:8], 128)

	hdr := protocol.DecodeRequestHeader(raw)
	require.Equal(t, protocol.CommandSpawnProcess, hdr.Command)
	require.Equal(t, uint32(128), hdr.BodyLength)
}

func TestEncodeChildExitNotificationSize(t *testing.T) {
	buf := protocol.EncodeChildExitNotification(protocol.ChildExitNotification{Token: 1, Pid: 2, Status: 3})
	require.Len(t, buf, protocol.ChildExitNotificationSize)
}
