// Package monitor implements the privileged RPC server: the process that
// holds host private keys and spawns shells as authenticated users on
// behalf of one paired, unprivileged connection daemon.
//
// A Server instance is scoped to exactly one connection: all per-connection
// state is realized as owned fields, never as process-global state. The
// privileged process forks (or otherwise instantiates) one Server per
// incoming connection, and the authenticated-user/shell-process slots live
// and die with it.
package monitor

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/sshmonitor/lib/hostkey"
	"github.com/gravitational/sshmonitor/lib/policy"
	"github.com/gravitational/sshmonitor/lib/transport"
	"github.com/gravitational/sshmonitor/lib/wire"
)

// Server is the privileged side of the RPC pair. Exactly one is created per
// connection.
type Server struct {
	endpoint *transport.Endpoint
	hostKeys []hostkey.HostKey
	policy   policy.Policy
	log      logrus.FieldLogger
	clock    clockwork.Clock

	// waitTimeout bounds how long handleWait will block reaping the child
	// before reporting a timeout instead. Zero disables the bound.
	waitTimeout time.Duration

	authenticatedUser *policy.SystemUser
	pty               *ptyPair
	shell             *shellProcess
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithClock overrides the clock used to enforce WaitTimeout, so tests can
// drive it deterministically with a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithWaitTimeout bounds how long the Wait RPC will block before reporting
// a timeout rather than waiting for the child forever.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) { s.waitTimeout = d }
}

// New builds a Server bound to endpoint, ready to service one connection.
func New(endpoint *transport.Endpoint, hostKeys []hostkey.HostKey, pol policy.Policy, log logrus.FieldLogger, opts ...Option) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		endpoint: endpoint,
		hostKeys: hostKeys,
		policy:   pol,
		log:      log.WithField("component", "monitor"),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process runs forever, servicing one request per iteration, until the
// transport fails (peer closed, or a transport-level error). A
// precondition, policy or signing failure is answered with an Err reply and
// never stops the loop. The loop stops on a transport.Endpoint.Receive/Send
// error, on a malformed request (one that carries fds or names no
// operation), or when ctx is cancelled.
func (s *Server) Process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var req wire.Request
		fds, err := s.endpoint.Receive(&req)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return trace.Wrap(err, "receiving rpc request")
		}
		if len(fds) != 0 {
			closeAll(fds)
			return trace.BadParameter("connection daemon sent fds in a request, which is never valid")
		}

		if err := s.dispatch(ctx, &req); err != nil {
			return trace.Wrap(err, "servicing rpc request")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *wire.Request) error {
	switch {
	case req.Sign != nil:
		return s.handleSign(req.Sign)
	case req.CheckPublicKey != nil:
		return s.handleCheckPublicKey(ctx, req.CheckPublicKey)
	case req.VerifySignature != nil:
		return s.handleVerifySignature(ctx, req.VerifySignature)
	case req.PtyReq != nil:
		return s.handlePtyReq(req.PtyReq)
	case req.Shell != nil:
		return s.handleShell(req.Shell)
	case req.Wait:
		return s.handleWait(ctx)
	default:
		return trace.BadParameter("empty rpc request")
	}
}

func (s *Server) respond(resp *wire.Response) error {
	return s.endpoint.Send(resp, nil)
}

func (s *Server) respondErr(format string, args ...any) error {
	msg := trace.Errorf(format, args...).Error()
	s.log.WithField("reason", msg).Debug("rejecting rpc request")
	return s.respond(wire.ErrResponse(msg))
}

func (s *Server) respondWithFDs(resp *wire.Response, files []*os.File) error {
	return s.endpoint.Send(resp, files)
}

// handleSign implements the Sign RPC. This signs whatever 32-byte hash it
// is given over a loaded host key; it does not verify that the hash
// corresponds to any key exchange the monitor itself participated in. A
// stricter design would have the monitor own the key exchange and derive
// the hash itself, closing off a would-be signing oracle, but that is a
// larger change than this core attempts.
func (s *Server) handleSign(req *wire.SignRequest) error {
	key, ok := hostkey.Find(s.hostKeys, req.PublicKey)
	if !ok {
		return s.respondErr("missing private key")
	}
	sig, err := key.Sign(req.Hash)
	if err != nil {
		return s.respondErr("%v", err)
	}
	return s.respond(&wire.Response{Sign: sig})
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
