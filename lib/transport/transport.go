// Package transport implements the datagram transport with ancillary file
// descriptor passing that the monitor and connection daemon use to talk to
// each other across the privilege boundary.
//
// Each datagram carries exactly one wire.Request or wire.Response payload
// plus, out of band, zero to wire.MaxFDs file descriptors. The ancillary
// data is sent and parsed with golang.org/x/sys/unix the same way other
// SCM_RIGHTS-passing Go code in the wild does it (see e.g. rootlesskit's
// builtin port driver): a net.UnixConn gives us the socket and its
// readability/writability, unix.Sendmsg/Recvmsg do the actual syscall.
package transport

import (
	"net"
	"os"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"

	"github.com/gravitational/sshmonitor/lib/wire"
)

// Endpoint is one end of a bound AF_UNIX SOCK_DGRAM socket pair. Both the
// monitor and the connection daemon use the same type; which RPCs they
// send vs. service is a property of the caller, not of Endpoint.
type Endpoint struct {
	conn *net.UnixConn
	raw  *os.File
}

// NewPair creates a connected datagram socket pair and wraps each end in an
// Endpoint. The caller decides which side keeps which end (and, across a
// fork/exec boundary, which Fd() gets inherited).
func NewPair() (a, b *Endpoint, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, trace.Wrap(err, "creating socketpair")
	}
	a, err = fromFD(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, trace.Wrap(err)
	}
	b, err = fromFD(fds[1])
	if err != nil {
		a.Close()
		unix.Close(fds[1])
		return nil, nil, trace.Wrap(err)
	}
	return a, b, nil
}

// FromFile wraps an already-open, already-connected unix datagram socket
// file descriptor (typically one inherited across exec) as an Endpoint.
func FromFile(f *os.File) (*Endpoint, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, trace.Wrap(err, "wrapping inherited socket")
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, trace.BadParameter("inherited fd is not a unix socket")
	}
	return &Endpoint{conn: uc, raw: f}, nil
}

func fromFD(fd int) (*Endpoint, error) {
	f := os.NewFile(uintptr(fd), "sshmonitor-rpc")
	return FromFile(f)
}

// File returns the underlying *os.File, suitable for ExtraFiles on an
// exec.Cmd when handing this end to a child process.
func (e *Endpoint) File() (*os.File, error) {
	return e.conn.File()
}

// Close closes the socket.
func (e *Endpoint) Close() error {
	err := e.conn.Close()
	// net.FileConn duplicated the descriptor, so the original must be
	// closed as well for the socket itself to go away.
	if e.raw != nil {
		e.raw.Close()
	}
	return err
}

// Send atomically transmits one datagram whose body is the CBOR encoding
// of msg and whose ancillary data is fds, in order. fds must contain no
// more than wire.MaxFDs entries. On success the caller still owns fds
// (unlike the receiver, the Go runtime does not close sent descriptors);
// on failure the caller must still close them itself, they were not
// consumed.
func (e *Endpoint) Send(msg any, fds []*os.File) error {
	if len(fds) > wire.MaxFDs {
		return trace.BadParameter("cannot send %d fds, maximum is %d", len(fds), wire.MaxFDs)
	}
	payload, err := wire.Encode(msg)
	if err != nil {
		return trace.Wrap(err)
	}

	var oob []byte
	if len(fds) > 0 {
		raw := make([]int, len(fds))
		for i, f := range fds {
			raw[i] = int(f.Fd())
		}
		oob = unix.UnixRights(raw...)
	}

	rawConn, err := e.conn.SyscallConn()
	if err != nil {
		return trace.Wrap(err, "obtaining raw socket conn")
	}
	var sendErr error
	ctrlErr := rawConn.Write(func(fd uintptr) bool {
		sendErr = unix.Sendmsg(int(fd), payload, oob, nil, 0)
		return sendErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return trace.Wrap(ctrlErr, "writing to rpc socket")
	}
	if sendErr != nil {
		return trace.Wrap(sendErr, "sendmsg")
	}
	return nil
}

// Receive blocks until one datagram is available, decodes its payload into
// v (a *wire.Request or *wire.Response), and returns every file descriptor
// delivered alongside it, newly owned by the caller.
//
// A payload larger than wire.MaxPayloadSize, more than wire.MaxFDs
// ancillary descriptors, or any ancillary message that is not
// SCM_RIGHTS is a protocol error. If decoding the payload fails after
// descriptors were already extracted from the kernel buffer, those
// descriptors are closed before the error is returned — they must never
// leak to a caller that has no way to know about them.
func (e *Endpoint) Receive(v any) ([]*os.File, error) {
	buf := make([]byte, wire.MaxPayloadSize)
	oob := make([]byte, unix.CmsgSpace(4*wire.MaxFDs))

	rawConn, err := e.conn.SyscallConn()
	if err != nil {
		return nil, trace.Wrap(err, "obtaining raw socket conn")
	}

	var n, oobn int
	var recvErr error
	ctrlErr := rawConn.Read(func(fd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
		return recvErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return nil, trace.Wrap(ctrlErr, "reading from rpc socket")
	}
	if recvErr != nil {
		return nil, trace.Wrap(recvErr, "recvmsg")
	}
	if n == 0 {
		return nil, trace.ConnectionProblem(nil, "peer closed rpc socket")
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(fds) > wire.MaxFDs {
		closeAll(fds)
		return nil, trace.BadParameter("received %d fds, maximum is %d", len(fds), wire.MaxFDs)
	}

	if err := wire.Decode(buf[:n], v); err != nil {
		closeAll(fds)
		return nil, trace.Wrap(err, "payload truncated or malformed")
	}

	files := make([]*os.File, len(fds))
	for i, fd := range fds {
		files[i] = os.NewFile(uintptr(fd), "sshmonitor-rpc-fd")
	}
	return files, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, trace.Wrap(err, "parsing ancillary data")
	}
	var fds []int
	for _, scm := range scms {
		if scm.Header.Type != unix.SCM_RIGHTS {
			return nil, trace.BadParameter("unexpected ancillary message type %d", scm.Header.Type)
		}
		rights, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, trace.Wrap(err, "parsing SCM_RIGHTS")
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
