package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// BadRequestError reports a malformed request: bad framing, an unknown
// command, an unknown abstract signal, or a missing required field. The
// connection stays open; the current request is answered with this error
// translated to a wire Response.
type BadRequestError struct {
	Errno unix.Errno
	msg   string
}

// NewBadRequest constructs a BadRequestError reported as errno on the wire.
func NewBadRequest(errno unix.Errno, format string, args ...any) *BadRequestError {
	return &BadRequestError{Errno: errno, msg: fmt.Sprintf(format, args...)}
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request: %s (%s)", e.msg, e.Errno)
}

// decoder reads fields out of a fixed request body, left to right,
// returning a *BadRequestError on any malformed field.
type decoder struct {
	buf []byte
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) u32() (uint32, error) {
	if len(d.buf) < 4 {
		return 0, NewBadRequest(unix.EINVAL, "truncated u32")
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if len(d.buf) < 8 {
		return 0, NewBadRequest(unix.EINVAL, "truncated u64")
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v, nil
}

// str reads a length-prefixed string: a u32 length followed by that many
// bytes, the last of which must be NUL. length == 0 denotes a null string,
// returned as a nil pointer; any other valid length yields a non-nil
// pointer to the (possibly empty) string.
func (d *decoder) str() (*string, error) {
	length, err := d.u32()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageLength {
		return nil, NewBadRequest(unix.E2BIG, "string length %d exceeds limit", length)
	}
	if uint32(len(d.buf)) < length {
		return nil, NewBadRequest(unix.EINVAL, "truncated string")
	}

	raw := d.buf[:length]
	d.buf = d.buf[length:]

	if raw[length-1] != 0 {
		return nil, NewBadRequest(unix.EINVAL, "string not NUL-terminated")
	}

	s := string(raw[:length-1])
	return &s, nil
}

// strRequired is str, but rejects a null string.
func (d *decoder) strRequired(field string) (string, error) {
	s, err := d.str()
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", NewBadRequest(unix.EINVAL, "%s must not be null", field)
	}
	return *s, nil
}

func (d *decoder) strArray() ([]string, error) {
	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	if count > MaxStringArrayCount {
		return nil, NewBadRequest(unix.E2BIG, "string array count %d exceeds limit", count)
	}

	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		s, err := d.strRequired("string array element")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DecodeSpawnRequest parses a SpawnProcess request body.
func DecodeSpawnRequest(body []byte) (*SpawnRequest, error) {
	d := newDecoder(body)

	token, err := d.u64()
	if err != nil {
		return nil, err
	}
	flags, err := d.u32()
	if err != nil {
		return nil, err
	}
	workdir, err := d.str()
	if err != nil {
		return nil, err
	}
	exe, err := d.strRequired("executablePath")
	if err != nil {
		return nil, err
	}
	argv, err := d.strArray()
	if err != nil {
		return nil, err
	}
	envp, err := d.strArray()
	if err != nil {
		return nil, err
	}

	return &SpawnRequest{
		Token:            token,
		Flags:            RequestFlags(flags),
		WorkingDirectory: workdir,
		ExecutablePath:   exe,
		Argv:             argv,
		Envp:             envp,
	}, nil
}

// DecodeSignalRequest parses a SendSignal request body.
func DecodeSignalRequest(body []byte) (*SignalRequest, error) {
	d := newDecoder(body)

	token, err := d.u64()
	if err != nil {
		return nil, err
	}
	sig, err := d.u32()
	if err != nil {
		return nil, err
	}

	return &SignalRequest{Token: token, AbstractSignal: AbstractSignal(sig)}, nil
}

// DecodeRequestHeader parses the 8-byte header preceding every request
// body.
func DecodeRequestHeader(buf [8]byte) RequestHeader {
	return RequestHeader{
		Command:    Command(binary.LittleEndian.Uint32(buf[0:4])),
		BodyLength: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// EncodeResponse serializes a subchannel Response to its fixed 8-byte wire
// form.
func EncodeResponse(r Response) [8]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Err))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Data))
	return buf
}

// EncodeSubchannelCreationStatus serializes the 4-byte creation-status
// message a Subchannel writes as its first message.
func EncodeSubchannelCreationStatus(s SubchannelCreationStatus) [4]byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(s.Err))
	return buf
}

// EncodeChildExitNotification serializes the fixed 16-byte exit record.
func EncodeChildExitNotification(n ChildExitNotification) []byte {
	var buf bytes.Buffer
	buf.Grow(16)
	_ = binary.Write(&buf, binary.LittleEndian, n.Token)
	_ = binary.Write(&buf, binary.LittleEndian, n.Pid)
	_ = binary.Write(&buf, binary.LittleEndian, n.Status)
	return buf.Bytes()
}

// ChildExitNotificationSize is the fixed wire size of ChildExitNotification.
const ChildExitNotificationSize = 8 + 4 + 4
