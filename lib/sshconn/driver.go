package sshconn

import (
	"context"
	"io"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const mailboxCapacity = 15

// ClientConnection runs a single-threaded cooperative event loop that
// reconciles bytes from the stream, credential callback results,
// application-enqueued channel operations, and protocol channel updates.
// Everything that touches proto or channels runs on the
// goroutine that calls Progress — no lock is needed on either of them. The
// other goroutines in play are readLoop, which only ever talks to the main
// loop through the reads channel, and the credential tasks spawned by
// dispatchAuthRequests, which only ever talk to it through the operations
// mailbox.
type ClientConnection struct {
	stream Stream
	proto  ProtocolConn
	auth   Auth
	log    logrus.FieldLogger

	opsRecv <-chan operation
	opsSend chan<- operation

	channelOpsRecv <-chan ChannelOperation
	channelOpsSend chan<- ChannelOperation

	reads <-chan readResult

	channels map[ChannelNumber]*channelState

	clock clockwork.Clock
}

// readResult is one completed stream.Read, handed from the dedicated reader
// goroutine (see readLoop) to the main loop's select in progressOnce. Using
// a goroutine-plus-channel here, rather than polling Read from inside the
// select itself, is what lets a blocking read genuinely race against the
// two mailboxes instead of starving them.
type readResult struct {
	data []byte
	err  error
}

// New constructs a driver around stream and proto. Callers must then drive
// Progress in a loop until it returns an error (see Run).
func New(stream Stream, proto ProtocolConn, auth Auth, log logrus.FieldLogger) *ClientConnection {
	return NewWithClock(stream, proto, auth, log, clockwork.NewRealClock())
}

// NewWithClock is New with an injectable clock, so that Auth.CredentialTimeout
// can be exercised in tests without a real sleep.
func NewWithClock(stream Stream, proto ProtocolConn, auth Auth, log logrus.FieldLogger, clock clockwork.Clock) *ClientConnection {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ops := make(chan operation, mailboxCapacity)
	chanOps := make(chan ChannelOperation, mailboxCapacity)
	reads := make(chan readResult)
	c := &ClientConnection{
		stream:         stream,
		proto:          proto,
		auth:           auth,
		log:            log.WithField("component", "sshconn"),
		opsRecv:        ops,
		opsSend:        ops,
		channelOpsRecv: chanOps,
		channelOpsSend: chanOps,
		reads:          reads,
		channels:       map[ChannelNumber]*channelState{},
		clock:          clock,
	}
	go c.readLoop(reads)
	return c
}

// readLoop is the only goroutine that ever calls stream.Read. It hands each
// completed read to the main loop and stops after the first error (which
// includes io.EOF): the main loop treats that as terminal and never asks
// for another.
func (c *ClientConnection) readLoop(reads chan<- readResult) {
	buf := make([]byte, 4096)
	for {
		n, err := c.stream.Read(buf)
		data := append([]byte(nil), buf[:n]...)
		reads <- readResult{data: data, err: err}
		if err != nil {
			return
		}
	}
}

// Connect builds a driver and runs Progress until the handshake completes
// (proto.IsOpen() becomes true) or a fatal error occurs. A connection that
// ends before the handshake completes is reported as an error.
func Connect(ctx context.Context, stream Stream, proto ProtocolConn, auth Auth, log logrus.FieldLogger) (*ClientConnection, error) {
	c := New(stream, proto, auth, log)
	for !c.proto.IsOpen() {
		done, err := c.progressOnce(ctx)
		if err != nil {
			return nil, trace.Wrap(err, "completing handshake")
		}
		if done {
			return nil, trace.ConnectionProblem(nil, "connection closed before handshake completed")
		}
	}
	return c, nil
}

// Run drives the main loop until it hits a fatal error, which it returns,
// or the connection ends normally (EOF on the stream, or a peer
// Disconnect), in which case it returns nil. When Run returns, every
// channel still in the table is closed: a pending channel's WaitReady
// returns (nil, nil) and an open channel's NextUpdate returns its terminal
// error.
func (c *ClientConnection) Run(ctx context.Context) error {
	defer func() {
		for number, entry := range c.channels {
			if entry.pending {
				close(entry.readySend)
			}
			close(entry.updatesSend)
			delete(c.channels, number)
		}
	}()
	for {
		done, err := c.progressOnce(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Progress executes exactly one main-loop iteration.
func (c *ClientConnection) Progress(ctx context.Context) error {
	_, err := c.progressOnce(ctx)
	return err
}

func (c *ClientConnection) progressOnce(ctx context.Context) (done bool, err error) {
	// Step 1: authentication dispatch.
	if authHandle, ok := c.proto.Auth(); ok {
		c.dispatchAuthRequests(ctx, authHandle)
	}

	// Step 2: channel update delivery.
	if channels, ok := c.proto.Channels(); ok {
		for {
			update, ok := channels.NextChannelUpdate()
			if !ok {
				break
			}
			if err := c.deliverChannelUpdate(update); err != nil {
				return true, trace.Wrap(err)
			}
		}
	}

	// Step 3: outbound flush.
	if err := c.flush(); err != nil {
		return true, trace.Wrap(err)
	}

	// Step 4: await one of four sources — whichever is first to become
	// ready wins.
	select {
	case <-ctx.Done():
		return true, ctx.Err()

	case chanOp, ok := <-c.channelOpsRecv:
		if ok {
			channels, ok := c.proto.Channels()
			if !ok {
				return true, trace.BadParameter("channel operation received before channels are available")
			}
			channels.DoOperation(chanOp)
		}
		if err := c.flush(); err != nil {
			return true, trace.Wrap(err)
		}

	case op := <-c.opsRecv:
		if err := c.handleOperation(op); err != nil {
			return true, trace.Wrap(err)
		}
		if err := c.flush(); err != nil {
			return true, trace.Wrap(err)
		}

	case res := <-c.reads:
		if res.err != nil && res.err != io.EOF {
			return true, trace.Wrap(res.err, "reading from connection")
		}
		if len(res.data) == 0 {
			return true, nil
		}
		if err := c.proto.RecvBytes(res.data); err != nil {
			switch e := err.(type) {
			case *PeerError:
				return true, trace.Wrap(e)
			case *Disconnect:
				return true, nil
			default:
				return true, trace.Wrap(err)
			}
		}
		if res.err == io.EOF {
			// The final bytes arrived together with EOF.
			return true, nil
		}
	}

	return false, nil
}

func (c *ClientConnection) dispatchAuthRequests(ctx context.Context, authHandle AuthHandle) {
	for _, req := range authHandle.UserRequests() {
		switch r := req.(type) {
		case PasswordUserRequest:
			send := c.opsSend
			prompt := c.auth.PromptPassword
			go func() {
				value, err := awaitWithTimeout(c, func() (string, error) { return prompt(ctx) })
				send <- operation{password: &passwordResult{value: value, err: err}}
			}()

		case PrivateKeySignUserRequest:
			send := c.opsSend
			sign := c.auth.SignPubkey
			sessionID := r.SessionID
			go func() {
				value, err := awaitWithTimeout(c, func() (SignatureResult, error) { return sign(ctx, sessionID) })
				send <- operation{signature: &signatureResult{value: value, err: err}}
			}()

		case BannerUserRequest:
			c.log.WithField("banner", r.Text).Debug("ignoring banner, not surfaced by this driver")
		}
	}
}

// awaitWithTimeout runs fn on its own goroutine and returns its result, or
// a timeout error if c.auth.CredentialTimeout elapses first (the zero
// value disables the timeout). Using c.clock rather than time.After keeps
// this deterministically testable under a fake clock.
func awaitWithTimeout[T any](c *ClientConnection, fn func() (T, error)) (T, error) {
	if c.auth.CredentialTimeout <= 0 {
		return fn()
	}

	type result struct {
		value T
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		value, err := fn()
		resultCh <- result{value: value, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-c.clock.After(c.auth.CredentialTimeout):
		var zero T
		return zero, trace.LimitExceeded("credential callback timed out after %s", c.auth.CredentialTimeout)
	}
}

func (c *ClientConnection) handleOperation(op operation) error {
	authHandle, ok := c.proto.Auth()
	switch {
	case op.password != nil:
		if op.password.err != nil {
			return trace.Wrap(op.password.err, "password prompt failed")
		}
		if !ok {
			c.log.Debug("ignoring entered password, auth phase already concluded")
			return nil
		}
		authHandle.SendPassword(op.password.value)

	case op.signature != nil:
		if op.signature.err != nil {
			return trace.Wrap(op.signature.err, "signing callback failed")
		}
		if !ok {
			c.log.Debug("ignoring signature, auth phase already concluded")
			return nil
		}
		authHandle.SendSignature(op.signature.value.KeyAlgName, op.signature.value.PublicKey, op.signature.value.Signature)
	}
	return nil
}

func (c *ClientConnection) flush() error {
	c.proto.Progress()
	for {
		msg, ok := c.proto.NextMsgToSend()
		if !ok {
			break
		}
		if _, err := c.stream.Write(msg); err != nil {
			return trace.Wrap(err, "writing to connection")
		}
	}
	return nil
}

// deliverChannelUpdate routes one channel update to its table entry: open,
// open-failed, or an ordinary in-flight update.
func (c *ClientConnection) deliverChannelUpdate(update ChannelUpdate) error {
	entry, ok := c.channels[update.Number]
	if !ok {
		return trace.BadParameter("update for unknown channel %d", update.Number)
	}

	if update.Kind.isOpen() {
		if !entry.pending {
			return trace.BadParameter("channel %d opened twice", update.Number)
		}
		entry.pending = false
		entry.readySend <- nil
		close(entry.readySend)
		entry.readySend = nil
		return nil
	}

	if msg, isFailed := update.Kind.openFailedMessage(); isFailed {
		if !entry.pending {
			return trace.BadParameter("open-failed for already-open channel %d", update.Number)
		}
		delete(c.channels, update.Number)
		m := msg
		entry.readySend <- &m
		close(entry.readySend)
		return nil
	}

	if entry.pending {
		return trace.BadParameter("channel %d received an update before it was ready", update.Number)
	}
	entry.updatesSend <- update.Kind
	return nil
}

// OpenChannel asks the protocol state machine to open a channel of the
// given kind and returns a handle to await its readiness. The channel
// number is assigned synchronously by the state machine.
func (c *ClientConnection) OpenChannel(kind ChannelOpen) (*PendingChannel, error) {
	channels, ok := c.proto.Channels()
	if !ok {
		return nil, trace.BadParameter("connection not ready for channels yet")
	}

	updates := make(chan ChannelUpdateKind, 10)
	ready := make(chan *string, 1)

	number := channels.CreateChannel(kind)

	c.channels[number] = &channelState{
		pending:     true,
		readySend:   ready,
		updatesSend: updates,
	}

	return &PendingChannel{
		ready: ready,
		channel: &Channel{
			number:      number,
			updatesRecv: updates,
			opsSend:     c.channelOpsSend,
		},
	}, nil
}
