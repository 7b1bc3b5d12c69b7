// Package wire defines the request/response types exchanged between the
// connection daemon and the monitor, and their binary encoding.
//
// Encoding is CBOR (RFC 8949): self-describing, compact, and already a
// dependency elsewhere in the stack for certificate-adjacent blobs. A
// message never carries its own length prefix — the transport's datagram
// boundary is the frame.
package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

// MaxPayloadSize is the largest encoded Request or Response this protocol
// will ever produce or accept. The transport allocates exactly this many
// bytes for every receive.
const MaxPayloadSize = 1024

// MaxFDs is the largest number of ancillary file descriptors any single
// datagram may carry.
const MaxFDs = 3

// PtyRequest is the body of a PtyReq request.
type PtyRequest struct {
	Rows     uint32 `cbor:"rows"`
	Cols     uint32 `cbor:"cols"`
	PxWidth  uint32 `cbor:"px_w"`
	PxHeight uint32 `cbor:"px_h"`
	Modes    []byte `cbor:"modes"`
}

// ShellRequest is the body of a Shell request. PTYTerm is nil when the
// session has no PTY; Command is nil for an interactive shell.
type ShellRequest struct {
	PTYTerm *string           `cbor:"pty_term"`
	Command *string           `cbor:"command"`
	Env     map[string]string `cbor:"env"`
}

// Request is the tagged union of every operation the connection daemon may
// ask the monitor to perform. Exactly one field is non-nil.
type Request struct {
	Sign            *SignRequest            `cbor:"sign,omitempty"`
	CheckPublicKey  *CheckPublicKeyRequest  `cbor:"check_pubkey,omitempty"`
	VerifySignature *VerifySignatureRequest `cbor:"verify_sig,omitempty"`
	PtyReq          *PtyRequest             `cbor:"pty_req,omitempty"`
	Shell           *ShellRequest           `cbor:"shell,omitempty"`
	Wait            bool                    `cbor:"wait,omitempty"`
}

// SignRequest asks the monitor to sign hash with the private key matching
// PublicKey. The monitor does not derive hash itself, it signs whatever is
// handed in — see lib/monitor's handleSign for the accepted risk.
type SignRequest struct {
	Hash      [32]byte `cbor:"hash"`
	PublicKey []byte   `cbor:"public_key"` // wire-format ssh.PublicKey.Marshal()
}

// CheckPublicKeyRequest asks the authorization policy whether pubkey would
// be accepted for user, without mutating any state.
type CheckPublicKeyRequest struct {
	User          string   `cbor:"user"`
	SessionID     [32]byte `cbor:"session_id"`
	PubkeyAlgName string   `cbor:"alg"`
	Pubkey        []byte   `cbor:"pubkey"`
}

// VerifySignatureRequest asks the monitor to verify signature over
// SessionID for user with pubkey, and on success latch the resulting
// system identity for the remainder of the connection.
type VerifySignatureRequest struct {
	User          string   `cbor:"user"`
	SessionID     [32]byte `cbor:"session_id"`
	PubkeyAlgName string   `cbor:"alg"`
	Pubkey        []byte   `cbor:"pubkey"`
	Signature     []byte   `cbor:"signature"`
}

// Response is Ok(payload) | Err(message). Only one of Err or the relevant
// payload field is set; which payload field is meaningful is determined by
// the request that provoked it, not by the wire message itself (the
// endpoint is request/response in strict lock-step, see lib/authproc).
type Response struct {
	Err *string `cbor:"err,omitempty"`

	Sign         []byte `cbor:"sign_reply,omitempty"`
	Bool         *bool  `cbor:"bool_reply,omitempty"`
	Unit         bool   `cbor:"unit_reply,omitempty"`
	WaitExitCode *int32 `cbor:"wait_reply,omitempty"`
}

// Encode marshals v (a *Request or *Response) to CBOR and fails if the
// result would not fit in a single datagram.
func Encode(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err, "encoding RPC message")
	}
	if len(b) > MaxPayloadSize {
		return nil, trace.LimitExceeded("encoded message is %d bytes, exceeds %d byte maximum", len(b), MaxPayloadSize)
	}
	return b, nil
}

// Decode unmarshals b (received from the transport) into v (a *Request or
// *Response).
func Decode(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return trace.Wrap(err, "decoding RPC message")
	}
	return nil
}

// AsError converts a Response carrying Err into a Go error, or returns nil
// if the response was a success.
func (r *Response) AsError() error {
	if r.Err != nil {
		return trace.Errorf("%s", *r.Err)
	}
	return nil
}

// ErrResponse builds a failure Response carrying msg.
func ErrResponse(msg string) *Response {
	return &Response{Err: &msg}
}
