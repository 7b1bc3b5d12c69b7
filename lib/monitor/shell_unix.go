//go:build !windows

package monitor

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/gravitational/sshmonitor/lib/wire"
)

// shellProcess tracks the single child the monitor supports running at a
// time; this state machine supports serial exec only.
type shellProcess struct {
	cmd *exec.Cmd

	// waitDone receives cmd.Wait's result exactly once, from the reaper
	// goroutine started alongside the child. handleWait may give up on
	// this channel (on timeout) and come back to it later without
	// re-invoking cmd.Wait, which is only ever safe to call once.
	waitDone chan error
}

func (s *Server) handleShell(req *wire.ShellRequest) error {
	if s.shell != nil {
		return s.respondErr("process already running")
	}
	if s.authenticatedUser == nil {
		return s.respondErr("unauthenticated")
	}

	fds, err := s.spawnShell(req)
	if err != nil {
		return s.respondErr("%v", err)
	}
	if err := s.respondWithFDs(&wire.Response{Unit: true}, fds); err != nil {
		return trace.Wrap(err)
	}
	closeAll(fds) // handed off to the peer; see pty_unix.go's handlePtyReq for why
	return nil
}

func (s *Server) spawnShell(req *wire.ShellRequest) ([]*os.File, error) {
	user := s.authenticatedUser
	hasPTY := req.PTYTerm != nil

	if hasPTY != (s.pty != nil) {
		return nil, trace.BadParameter("mismatch between client and server pty requests")
	}

	shellPath := user.Shell
	var args []string
	if req.Command != nil {
		args = []string{"-c", *req.Command}
	}
	cmd := exec.Command(shellPath, args...)
	cmd.Dir = user.Home
	cmd.Env = []string{"USER=" + user.Name}
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var resultFDs []*os.File

	if hasPTY {
		cmd.Env = append(cmd.Env, "TERM="+*req.PTYTerm)
		cmd.Stdin = s.pty.subordinate
		cmd.Stdout = s.pty.subordinate
		cmd.Stderr = s.pty.subordinate
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setsid:     true,
			Setctty:    true,
			Ctty:       int(s.pty.subordinate.Fd()),
			Credential: &syscall.Credential{Uid: user.UID, Gid: user.GID},
		}
	} else {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cmd.Stdin = stdinR
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: user.UID, Gid: user.GID},
		}
		// The child inherits stdinR/stdoutW/stderrW across fork+exec; the
		// monitor keeps and hands off the opposite ends.
		defer stdinR.Close()
		defer stdoutW.Close()
		defer stderrW.Close()
		resultFDs = []*os.File{stdinW, stdoutR, stderrR}
	}

	s.log.WithField("cmd", shellPath).
		WithField("uid", user.UID).
		WithField("gid", user.GID).
		Debug("executing process")

	if err := cmd.Start(); err != nil {
		for _, f := range resultFDs {
			f.Close()
		}
		return nil, trace.Wrap(err, "spawning shell")
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()
	s.shell = &shellProcess{cmd: cmd, waitDone: waitDone}
	return resultFDs, nil
}

func (s *Server) handleWait(ctx context.Context) error {
	if s.shell == nil {
		return s.respondErr("no child running")
	}
	shell := s.shell

	var err error
	if s.waitTimeout > 0 {
		select {
		case err = <-shell.waitDone:
		case <-s.clock.After(s.waitTimeout):
			return s.respondErr("wait timed out after %s", s.waitTimeout)
		}
	} else {
		err = <-shell.waitDone
	}
	s.shell = nil

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := int32(exitErr.ExitCode())
			if code >= 0 {
				return s.respond(&wire.Response{WaitExitCode: &code})
			}
			// Negative ExitCode means the child was killed by a signal;
			// report no exit code at all for that case.
			return s.respond(&wire.Response{})
		}
		return s.respondErr("%v", err)
	}

	code := int32(0)
	return s.respond(&wire.Response{WaitExitCode: &code})
}
