// Package subchannel implements the per-client-request worker: one
// goroutine per accepted subchannel connection, parsing SpawnProcess and
// SendSignal commands and running the fork+exec spawn algorithm. See
// SPEC_FULL.md §6.5.
package subchannel

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/lxc/childhelper/childhelperd/child"
	"github.com/lxc/childhelper/childhelperd/notify"
	"github.com/lxc/childhelper/childhelperd/protocol"
	"github.com/lxc/childhelper/shared/ancillary"
	"github.com/lxc/childhelper/shared/logger"
)

// Subchannel is one worker bound to one client-supplied socket. Created by
// the Service when a fd arrives on the main channel, it owns that socket
// exclusively for its lifetime.
type Subchannel struct {
	socket   *ancillary.Socket
	children *child.Map
	notify   *notify.Channel
	log      logger.Logger
}

// New constructs a Subchannel bound to socket. It does not start the
// worker goroutine; call Run in a new goroutine for that.
func New(socket *ancillary.Socket, children *child.Map, n *notify.Channel, log logger.Logger) *Subchannel {
	return &Subchannel{socket: socket, children: children, notify: n, log: log}
}

// Run is the worker goroutine's body. It reports the creation handshake,
// then loops handling requests until the client disconnects, a fatal
// protocol violation occurs, or the socket is cancelled by shutdown. The
// caller (Collection) learns Run has returned by waiting on the tomb it
// was started under, not via a callback here.
func (s *Subchannel) Run() {
	defer s.socket.Close()

	status := protocol.EncodeSubchannelCreationStatus(protocol.SubchannelCreationStatus{Err: 0})
	if err := s.socket.SendExactBytes(status[:]); err != nil {
		s.log.Warn("subchannel: failed to send creation status", logger.Ctx{"error": err})
		return
	}

	for {
		hdr, err := s.readHeader()
		if err != nil {
			if !errors.Is(err, unix.ECONNRESET) {
				s.log.Debug("subchannel: read header failed", logger.Ctx{"error": err})
			}
			return
		}

		body, oversizeResp, err := s.readBody(hdr)
		if err != nil {
			s.log.Debug("subchannel: read body failed", logger.Ctx{"error": err})
			return
		}

		var resp protocol.Response
		if oversizeResp != nil {
			resp = *oversizeResp
		} else {
			resp = s.handle(hdr, body)
		}

		wire := protocol.EncodeResponse(resp)
		if err := s.socket.SendExactBytes(wire[:]); err != nil {
			s.log.Debug("subchannel: failed to send response", logger.Ctx{"error": err})
			return
		}
	}
}

func (s *Subchannel) readHeader() (protocol.RequestHeader, error) {
	var raw [8]byte
	if err := s.socket.RecvExactBytes(raw[:]); err != nil {
		return protocol.RequestHeader{}, err
	}
	return protocol.DecodeRequestHeader(raw), nil
}

// drainChunkSize bounds how much scratch memory one drainBody call holds
// at once, regardless of how large an (oversized, rejected) body claims
// to be.
const drainChunkSize = 32 * 1024

// readBody reads hdr.BodyLength bytes off the wire. If that exceeds
// MaxRequestLength, the body is still fully drained — in bounded chunks,
// never allocating BodyLength bytes up front — so framing is preserved
// for the next request on this connection, and oversizeResp carries the
// {Err: E2BIG} response to send instead of dispatching the command.
func (s *Subchannel) readBody(hdr protocol.RequestHeader) (body []byte, oversizeResp *protocol.Response, err error) {
	if hdr.BodyLength > protocol.MaxRequestLength {
		if err := s.drainBody(hdr.BodyLength); err != nil {
			return nil, nil, err
		}
		return nil, &protocol.Response{Err: int32(unix.E2BIG)}, nil
	}

	body = make([]byte, hdr.BodyLength)
	if err := s.socket.RecvExactBytes(body); err != nil {
		return nil, nil, err
	}
	return body, nil, nil
}

// drainBody reads and discards exactly n bytes, in bounded chunks.
func (s *Subchannel) drainBody(n uint32) error {
	scratch := make([]byte, drainChunkSize)
	for n > 0 {
		chunk := scratch
		if uint32(len(chunk)) > n {
			chunk = chunk[:n]
		}
		if err := s.socket.RecvExactBytes(chunk); err != nil {
			return err
		}
		n -= uint32(len(chunk))
	}
	return nil
}

func (s *Subchannel) handle(hdr protocol.RequestHeader, body []byte) protocol.Response {
	switch hdr.Command {
	case protocol.CommandSpawnProcess:
		return s.handleSpawnProcess(body)
	case protocol.CommandSendSignal:
		return s.handleSendSignal(body)
	default:
		s.socket.DrainReceivedFds()
		return protocol.Response{Err: protocol.ErrInvalidRequest}
	}
}

func (s *Subchannel) handleSendSignal(body []byte) protocol.Response {
	req, err := protocol.DecodeSignalRequest(body)
	if err != nil {
		return badRequestResponse(err)
	}

	sig, sendCont, ok := req.AbstractSignal.Resolve()
	if !ok {
		return protocol.Response{Err: protocol.ErrInvalidRequest}
	}

	entry, ok := s.children.GetByToken(req.Token)
	if !ok {
		// Presumed already reaped: idempotent success.
		return protocol.Response{Err: 0}
	}

	if err := entry.SendSignal(sig); err != nil && err != unix.ESRCH {
		if errno, ok := err.(unix.Errno); ok {
			return protocol.Response{Err: int32(errno)}
		}
		return protocol.Response{Err: protocol.ErrInvalidRequest}
	}
	if sendCont {
		_ = entry.SendSignal(unix.SIGCONT)
	}
	return protocol.Response{Err: 0}
}

func badRequestResponse(err error) protocol.Response {
	var bad *protocol.BadRequestError
	if errors.As(err, &bad) {
		return protocol.Response{Err: int32(bad.Errno)}
	}
	return protocol.Response{Err: protocol.ErrInvalidRequest}
}
