package monitor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"os/user"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/sshmonitor/lib/hostkey"
	"github.com/gravitational/sshmonitor/lib/policy"
	"github.com/gravitational/sshmonitor/lib/transport"
	"github.com/gravitational/sshmonitor/lib/wire"
)

// fakePolicy accepts a single hard-coded (user, pubkey) pair and otherwise
// rejects everything, so tests don't depend on the host's real user
// database or authorized_keys files.
type fakePolicy struct {
	user   string
	pubkey ssh.PublicKey
	result *policy.SystemUser
}

func (f fakePolicy) CheckPubkey(_ context.Context, req policy.CheckPubkeyRequest) (bool, error) {
	return req.User == f.user && string(req.Pubkey.Marshal()) == string(f.pubkey.Marshal()), nil
}

func (f fakePolicy) VerifySignature(ctx context.Context, req policy.VerifySignatureRequest) (*policy.SystemUser, error) {
	ok, err := f.CheckPubkey(ctx, policy.CheckPubkeyRequest{User: req.User, Pubkey: req.Pubkey})
	if err != nil || !ok {
		return nil, err
	}
	sig := &ssh.Signature{Format: req.PubkeyAlgName, Blob: req.Signature}
	if err := req.Pubkey.Verify(req.SessionID[:], sig); err != nil {
		return nil, nil
	}
	return f.result, nil
}

type testFixture struct {
	server *Server
	client *transport.Endpoint
	key    hostkey.HostKey
	signer ssh.Signer
	user   string
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	return newFixtureWithOpts(t)
}

func newFixtureWithOpts(t *testing.T, opts ...Option) *testFixture {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)

	_, userPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	userSigner, err := ssh.NewSignerFromSigner(userPriv)
	require.NoError(t, err)

	self, err := user.Current()
	require.NoError(t, err)

	monEnd, clientEnd, err := transport.NewPair()
	require.NoError(t, err)
	t.Cleanup(func() { clientEnd.Close() })

	pol := fakePolicy{
		user:   self.Username,
		pubkey: userSigner.PublicKey(),
		result: &policy.SystemUser{
			Name:  self.Username,
			Home:  "/tmp",
			Shell: "/bin/sh",
			UID:   uint32(os.Getuid()),
			GID:   uint32(os.Getgid()),
		},
	}

	srv := New(monEnd, []hostkey.HostKey{{Signer: hostSigner}}, pol, nil, opts...)
	go func() { _ = srv.Process(context.Background()) }()
	t.Cleanup(func() { monEnd.Close() })

	return &testFixture{server: srv, client: clientEnd, key: hostkey.HostKey{Signer: hostSigner}, signer: userSigner, user: self.Username}
}

func roundTrip(t *testing.T, ep *transport.Endpoint, req *wire.Request) *wire.Response {
	t.Helper()
	require.NoError(t, ep.Send(req, nil))
	var resp wire.Response
	_, err := ep.Receive(&resp)
	require.NoError(t, err)
	return &resp
}

func TestSignUnknownKeyFails(t *testing.T) {
	f := newFixture(t)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromSigner(otherPriv)
	require.NoError(t, err)

	var hash [32]byte
	resp := roundTrip(t, f.client, &wire.Request{Sign: &wire.SignRequest{
		Hash:      hash,
		PublicKey: otherSigner.PublicKey().Marshal(),
	}})
	require.NotNil(t, resp.Err)
	require.Equal(t, "missing private key", *resp.Err)
}

func TestShellBeforeAuthFails(t *testing.T) {
	f := newFixture(t)

	resp := roundTrip(t, f.client, &wire.Request{Shell: &wire.ShellRequest{}})
	require.NotNil(t, resp.Err)
	require.Equal(t, "unauthenticated", *resp.Err)
}

func TestDoublePtyReqFails(t *testing.T) {
	f := newFixture(t)

	req := &wire.Request{PtyReq: &wire.PtyRequest{Rows: 24, Cols: 80}}
	require.NoError(t, f.client.Send(req, nil))
	var resp wire.Response
	fds, err := f.client.Receive(&resp)
	require.NoError(t, err)
	require.Nil(t, resp.Err)
	require.Len(t, fds, 1)
	for _, fd := range fds {
		fd.Close()
	}

	resp2 := roundTrip(t, f.client, req)
	require.NotNil(t, resp2.Err)
	require.Equal(t, "already requests pty", *resp2.Err)
}

func TestCheckPublicKeyAcceptsAndRejects(t *testing.T) {
	f := newFixture(t)

	var sessionID [32]byte
	resp := roundTrip(t, f.client, &wire.Request{CheckPublicKey: &wire.CheckPublicKeyRequest{
		User:          f.user,
		SessionID:     sessionID,
		PubkeyAlgName: f.signer.PublicKey().Type(),
		Pubkey:        f.signer.PublicKey().Marshal(),
	}})
	require.Nil(t, resp.Err)
	require.NotNil(t, resp.Bool)
	require.True(t, *resp.Bool)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromSigner(otherPriv)
	require.NoError(t, err)

	resp2 := roundTrip(t, f.client, &wire.Request{CheckPublicKey: &wire.CheckPublicKeyRequest{
		User:          f.user,
		SessionID:     sessionID,
		PubkeyAlgName: otherSigner.PublicKey().Type(),
		Pubkey:        otherSigner.PublicKey().Marshal(),
	}})
	require.Nil(t, resp2.Err)
	require.NotNil(t, resp2.Bool)
	require.False(t, *resp2.Bool)
}

func TestCheckPublicKeyInvalidKeyBytesFails(t *testing.T) {
	f := newFixture(t)

	var sessionID [32]byte
	resp := roundTrip(t, f.client, &wire.Request{CheckPublicKey: &wire.CheckPublicKeyRequest{
		User:      f.user,
		SessionID: sessionID,
		Pubkey:    []byte("not a real ssh public key"),
	}})
	require.NotNil(t, resp.Err)
	require.Contains(t, *resp.Err, "invalid public key")
}

func TestWaitWithoutShellFails(t *testing.T) {
	f := newFixture(t)

	resp := roundTrip(t, f.client, &wire.Request{Wait: true})
	require.NotNil(t, resp.Err)
	require.Equal(t, "no child running", *resp.Err)
}

func TestHappyPathSignVerifyCommandAndWait(t *testing.T) {
	f := newFixture(t)

	var hash [32]byte
	signResp := roundTrip(t, f.client, &wire.Request{Sign: &wire.SignRequest{
		Hash:      hash,
		PublicKey: f.key.PublicKey().Marshal(),
	}})
	require.Nil(t, signResp.Err)
	require.NotEmpty(t, signResp.Sign)

	var sessionID [32]byte
	sig, err := f.signer.Sign(rand.Reader, sessionID[:])
	require.NoError(t, err)

	verifyResp := roundTrip(t, f.client, &wire.Request{VerifySignature: &wire.VerifySignatureRequest{
		User:          f.user,
		SessionID:     sessionID,
		PubkeyAlgName: sig.Format,
		Pubkey:        f.signer.PublicKey().Marshal(),
		Signature:     sig.Blob,
	}})
	require.Nil(t, verifyResp.Err)
	require.NotNil(t, verifyResp.Bool)
	require.True(t, *verifyResp.Bool)

	// A second verify after the identity has latched must fail without
	// consulting the policy again.
	verifyResp2 := roundTrip(t, f.client, &wire.Request{VerifySignature: &wire.VerifySignatureRequest{
		User:          f.user,
		SessionID:     sessionID,
		PubkeyAlgName: sig.Format,
		Pubkey:        f.signer.PublicKey().Marshal(),
		Signature:     sig.Blob,
	}})
	require.NotNil(t, verifyResp2.Err)
	require.Equal(t, "user already authenticated", *verifyResp2.Err)

	require.NoError(t, f.client.Send(&wire.Request{Shell: &wire.ShellRequest{
		PTYTerm: nil,
		Command: strPtr("true"),
		Env:     map[string]string{},
	}}, nil))
	var shellResp wire.Response
	fds, err := f.client.Receive(&shellResp)
	require.NoError(t, err)
	require.Nil(t, shellResp.Err)
	require.Len(t, fds, 3)
	for _, fd := range fds {
		fd.Close()
	}

	waitResp := roundTrip(t, f.client, &wire.Request{Wait: true})
	require.Nil(t, waitResp.Err)
	require.NotNil(t, waitResp.WaitExitCode)
	require.Equal(t, int32(0), *waitResp.WaitExitCode)
}

func TestWaitTimesOutOnFakeClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixtureWithOpts(t, WithClock(clock), WithWaitTimeout(time.Minute))

	var sessionID [32]byte
	sig, err := f.signer.Sign(rand.Reader, sessionID[:])
	require.NoError(t, err)
	verifyResp := roundTrip(t, f.client, &wire.Request{VerifySignature: &wire.VerifySignatureRequest{
		User:          f.user,
		SessionID:     sessionID,
		PubkeyAlgName: sig.Format,
		Pubkey:        f.signer.PublicKey().Marshal(),
		Signature:     sig.Blob,
	}})
	require.Nil(t, verifyResp.Err)

	require.NoError(t, f.client.Send(&wire.Request{Shell: &wire.ShellRequest{
		Command: strPtr("sleep 100"),
		Env:     map[string]string{},
	}}, nil))
	var shellResp wire.Response
	fds, err := f.client.Receive(&shellResp)
	require.NoError(t, err)
	require.Nil(t, shellResp.Err)
	for _, fd := range fds {
		fd.Close()
	}

	waitCh := make(chan *wire.Response, 1)
	go func() {
		require.NoError(t, f.client.Send(&wire.Request{Wait: true}, nil))
		var resp wire.Response
		_, err := f.client.Receive(&resp)
		require.NoError(t, err)
		waitCh <- &resp
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	select {
	case resp := <-waitCh:
		require.NotNil(t, resp.Err)
		require.Contains(t, *resp.Err, "timed out")
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not time out")
	}
}

func strPtr(s string) *string { return &s }
