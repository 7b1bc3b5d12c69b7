//go:build !windows

package monitor

import (
	"os"

	"github.com/creack/pty"
	"github.com/gravitational/trace"

	"github.com/gravitational/sshmonitor/lib/wire"
)

// ptyPair holds both ends of an allocated pseudo-terminal. The monitor
// keeps the subordinate end open (to later attach a spawned shell to it)
// and sends the controller end's fd across the RPC boundary.
type ptyPair struct {
	controller *os.File
	subordinate *os.File
}

func (s *Server) handlePtyReq(req *wire.PtyRequest) error {
	if s.pty != nil {
		return s.respondErr("already requests pty")
	}

	controller, subordinate, err := pty.Open()
	if err != nil {
		return s.respondErr("allocating pty: %v", err)
	}

	if err := pty.Setsize(controller, &pty.Winsize{
		Rows: uint16(req.Rows),
		Cols: uint16(req.Cols),
		X:    uint16(req.PxWidth),
		Y:    uint16(req.PxHeight),
	}); err != nil {
		controller.Close()
		subordinate.Close()
		return s.respondErr("sizing pty: %v", err)
	}

	// req.Modes (encoded terminal modes) would be applied to the
	// subordinate's termios here; that is PTY-device-internal behavior
	// out of scope for this core.

	s.pty = &ptyPair{controller: controller, subordinate: subordinate}

	if err := s.respondWithFDs(&wire.Response{Unit: true}, []*os.File{controller}); err != nil {
		return trace.Wrap(err)
	}
	// The controller fd now belongs to the connection daemon's copy; our
	// local handle is still open because Send does not close fds on
	// success (see transport.Endpoint.Send), so we must close it
	// ourselves once it has been handed off.
	controller.Close()
	return nil
}
