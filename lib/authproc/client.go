// Package authproc is the thin, stateless RPC client façade the
// unprivileged connection daemon uses to talk to its paired monitor. At
// most one request may be in flight per Client, and callers are expected
// to own a Client exclusively rather than share it.
package authproc

import (
	"os"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/sshmonitor/lib/transport"
	"github.com/gravitational/sshmonitor/lib/wire"
)

// Client is the auth-side half of the RPC pair.
type Client struct {
	endpoint *transport.Endpoint
}

// New wraps an already-connected transport.Endpoint as a Client.
func New(endpoint *transport.Endpoint) *Client {
	return &Client{endpoint: endpoint}
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	return c.endpoint.Close()
}

// Sign asks the monitor to sign hash with the host key matching pubkey.
func (c *Client) Sign(hash [32]byte, pubkey ssh.PublicKey) ([]byte, error) {
	resp, _, err := c.call(&wire.Request{Sign: &wire.SignRequest{
		Hash:      hash,
		PublicKey: pubkey.Marshal(),
	}}, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.Sign, nil
}

// CheckPublicKey asks whether pubkey would be accepted for user, without
// attempting authentication.
func (c *Client) CheckPublicKey(user string, sessionID [32]byte, algName string, pubkey []byte) (bool, error) {
	resp, _, err := c.call(&wire.Request{CheckPublicKey: &wire.CheckPublicKeyRequest{
		User:          user,
		SessionID:     sessionID,
		PubkeyAlgName: algName,
		Pubkey:        pubkey,
	}}, 0)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return boolOf(resp), nil
}

// VerifySignature asks the monitor to verify signature over sessionID and,
// on success, latch the resulting identity.
func (c *Client) VerifySignature(user string, sessionID [32]byte, algName string, pubkey, signature []byte) (bool, error) {
	resp, _, err := c.call(&wire.Request{VerifySignature: &wire.VerifySignatureRequest{
		User:          user,
		SessionID:     sessionID,
		PubkeyAlgName: algName,
		Pubkey:        pubkey,
		Signature:     signature,
	}}, 0)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return boolOf(resp), nil
}

// PtyReq asks the monitor to allocate a pseudo-terminal and returns the
// controller end. It fails with a ProtocolError-shaped trace error if the
// monitor's reply does not carry exactly one fd.
func (c *Client) PtyReq(rows, cols, pxWidth, pxHeight uint32, modes []byte) (*os.File, error) {
	_, fds, err := c.call(&wire.Request{PtyReq: &wire.PtyRequest{
		Rows: rows, Cols: cols, PxWidth: pxWidth, PxHeight: pxHeight, Modes: modes,
	}}, 1)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return fds[0], nil
}

// Shell asks the monitor to spawn a shell (or shell -c command) as the
// authenticated user. When ptyTerm is nil it returns the three std-stream
// pipe ends (stdin, stdout, stderr, in that order); when ptyTerm is set it
// returns no fds, the PTY controller obtained from a prior PtyReq already
// carries the session's I/O.
func (c *Client) Shell(command, ptyTerm *string, env map[string]string) ([]*os.File, error) {
	want := 3
	if ptyTerm != nil {
		want = 0
	}
	_, fds, err := c.call(&wire.Request{Shell: &wire.ShellRequest{
		PTYTerm: ptyTerm,
		Command: command,
		Env:     env,
	}}, want)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return fds, nil
}

// Wait blocks until the monitor reports the running shell has exited, and
// returns its exit code, or nil if it terminated without one (e.g. killed
// by a signal).
func (c *Client) Wait() (*int32, error) {
	resp, _, err := c.call(&wire.Request{Wait: true}, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.WaitExitCode, nil
}

// call sends req, receives the single matching response, fails on an
// Err(...) payload, and enforces that the reply carried exactly wantFDs
// file descriptors.
func (c *Client) call(req *wire.Request, wantFDs int) (*wire.Response, []*os.File, error) {
	if err := c.endpoint.Send(req, nil); err != nil {
		return nil, nil, trace.Wrap(err, "sending rpc request")
	}

	var resp wire.Response
	fds, err := c.endpoint.Receive(&resp)
	if err != nil {
		return nil, nil, trace.Wrap(err, "receiving rpc response")
	}
	if err := resp.AsError(); err != nil {
		closeAll(fds)
		return nil, nil, trace.Wrap(err)
	}
	if len(fds) != wantFDs {
		closeAll(fds)
		return nil, nil, trace.BadParameter("expected %d fds in rpc reply, got %d", wantFDs, len(fds))
	}
	return &resp, fds, nil
}

func boolOf(resp *wire.Response) bool {
	return resp.Bool != nil && *resp.Bool
}

func closeAll(fds []*os.File) {
	for _, f := range fds {
		f.Close()
	}
}
