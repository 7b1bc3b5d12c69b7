// Package sshconn implements the client connection driver: a
// single-threaded cooperative event loop that multiplexes a raw byte
// stream, an authentication substate, and a pool of logical channels. The
// SSH wire protocol itself — framing, cipher negotiation, key exchange —
// is treated as an external collaborator; this package only consumes it
// through the ProtocolConn interface below.
package sshconn

import "io"

// ChannelOpen describes the kind of channel to open (e.g. "session",
// "direct-tcpip"); its encoding is owned by the protocol state machine.
type ChannelOpen struct {
	Kind    string
	Payload []byte
}

// ChannelNumber identifies one multiplexed logical channel.
type ChannelNumber uint32

// ChannelOperationKind is an application-originated action targeting a
// channel: send data, window-adjust, a channel request, close, etc. Its
// concrete shape is owned by the protocol state machine; the driver only
// tags it with a channel number and forwards it.
type ChannelOperationKind any

// ChannelOperation is a ChannelOperationKind addressed to a specific
// channel.
type ChannelOperation struct {
	Number ChannelNumber
	Kind   ChannelOperationKind
}

// ChannelUpdateKind is a peer-originated event addressed to a channel:
// open confirmation, open failure, data, a channel request, close, etc.
type ChannelUpdateKind interface {
	// isOpen reports whether this update is the Open variant.
	isOpen() bool
	// openFailedMessage returns (message, true) if this update is the
	// OpenFailed variant.
	openFailedMessage() (string, bool)
}

// ChannelUpdate pairs a ChannelUpdateKind with the channel it targets.
type ChannelUpdate struct {
	Number ChannelNumber
	Kind   ChannelUpdateKind
}

// ChannelOpenUpdate is the Open variant of ChannelUpdateKind.
type ChannelOpenUpdate struct{ Payload []byte }

func (ChannelOpenUpdate) isOpen() bool                        { return true }
func (ChannelOpenUpdate) openFailedMessage() (string, bool)   { return "", false }

// ChannelOpenFailedUpdate is the OpenFailed variant of ChannelUpdateKind.
type ChannelOpenFailedUpdate struct{ Message string }

func (ChannelOpenFailedUpdate) isOpen() bool { return false }
func (u ChannelOpenFailedUpdate) openFailedMessage() (string, bool) {
	return u.Message, true
}

// ChannelDataUpdate carries ordinary channel data — the common case of an
// update that is neither an open confirmation nor an open failure.
type ChannelDataUpdate struct {
	Data   []byte
	Extended bool
}

func (ChannelDataUpdate) isOpen() bool                      { return false }
func (ChannelDataUpdate) openFailedMessage() (string, bool) { return "", false }

// UserRequestKind is one pending authentication request the protocol state
// machine wants serviced.
type UserRequestKind interface{ isUserRequest() }

// PasswordUserRequest asks the driver to prompt for a password.
type PasswordUserRequest struct{}

func (PasswordUserRequest) isUserRequest() {}

// PrivateKeySignUserRequest asks the driver to sign SessionID with the
// user's private key.
type PrivateKeySignUserRequest struct{ SessionID []byte }

func (PrivateKeySignUserRequest) isUserRequest() {}

// BannerUserRequest carries an informational banner; a conforming driver
// is free to simply discard it.
type BannerUserRequest struct{ Text string }

func (BannerUserRequest) isUserRequest() {}

// AuthHandle is the authentication substate exposed while the handshake's
// auth phase is active.
type AuthHandle interface {
	UserRequests() []UserRequestKind
	SendPassword(password string)
	SendSignature(algName string, pubkey, signature []byte)
}

// ChannelsHandle is the channel multiplexing substate exposed once the
// connection has a channel layer.
type ChannelsHandle interface {
	NextChannelUpdate() (ChannelUpdate, bool)
	DoOperation(op ChannelOperation)
	CreateChannel(kind ChannelOpen) ChannelNumber
}

// PeerError is a fatal error reported by the peer.
type PeerError struct{ Message string }

func (e *PeerError) Error() string { return "peer error: " + e.Message }

// Disconnect is a normal peer-initiated disconnect, fatal to the driver
// loop but not an application error.
type Disconnect struct{}

func (*Disconnect) Error() string { return "peer disconnected" }

// ProtocolConn is the external SSH protocol state machine the driver
// pumps, consumed as a collaborator rather than owned by this package;
// this interface is the entire surface the driver needs from it. A real
// implementation adapts whatever SSH engine is in use (e.g.
// golang.org/x/crypto/ssh's transport primitives) to this shape — that
// adaptation is wire-framing work, out of this core's scope.
type ProtocolConn interface {
	IsOpen() bool
	// Auth returns the auth substate and true while it is active, or
	// (nil, false) once authentication has completed or never applies.
	Auth() (AuthHandle, bool)
	// Channels returns the channel substate and true once channels may be
	// created, or (nil, false) before that point.
	Channels() (ChannelsHandle, bool)
	// RecvBytes feeds inbound bytes read from the stream. A non-nil error
	// is always fatal (*PeerError or *Disconnect).
	RecvBytes(buf []byte) error
	// NextMsgToSend drains one queued outbound frame, or (nil, false) if
	// none is pending.
	NextMsgToSend() ([]byte, bool)
	// Progress lets the state machine run any internal transitions that
	// do not depend on new input.
	Progress()
}

// Stream is the polymorphic byte-stream the driver multiplexes traffic
// over; any io.ReadWriter works (a net.Conn, a pipe, ...).
type Stream interface {
	io.Reader
	io.Writer
}
