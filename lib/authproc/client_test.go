package authproc

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/sshmonitor/lib/hostkey"
	"github.com/gravitational/sshmonitor/lib/monitor"
	"github.com/gravitational/sshmonitor/lib/policy"
	"github.com/gravitational/sshmonitor/lib/transport"
)

type acceptAllPolicy struct {
	user   string
	pubkey ssh.PublicKey
}

func (p acceptAllPolicy) CheckPubkey(_ context.Context, req policy.CheckPubkeyRequest) (bool, error) {
	return req.User == p.user, nil
}

func (p acceptAllPolicy) VerifySignature(_ context.Context, req policy.VerifySignatureRequest) (*policy.SystemUser, error) {
	sig := &ssh.Signature{Format: req.PubkeyAlgName, Blob: req.Signature}
	if err := req.Pubkey.Verify(req.SessionID[:], sig); err != nil {
		return nil, nil
	}
	return &policy.SystemUser{
		Name:  p.user,
		Home:  "/tmp",
		Shell: "/bin/sh",
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
	}, nil
}

func newTestClient(t *testing.T) (*Client, ssh.Signer, ssh.Signer) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromSigner(hostPriv)
	require.NoError(t, err)

	_, userPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	userSigner, err := ssh.NewSignerFromSigner(userPriv)
	require.NoError(t, err)

	monEnd, clientEnd, err := transport.NewPair()
	require.NoError(t, err)
	t.Cleanup(func() { monEnd.Close() })

	srv := monitor.New(monEnd, []hostkey.HostKey{{Signer: hostSigner}}, acceptAllPolicy{user: "alice", pubkey: userSigner.PublicKey()}, nil)
	go func() { _ = srv.Process(context.Background()) }()

	client := New(clientEnd)
	t.Cleanup(func() { client.Close() })
	return client, hostSigner, userSigner
}

func TestClientSignRoundTrip(t *testing.T) {
	client, hostSigner, _ := newTestClient(t)

	var hash [32]byte
	sig, err := client.Sign(hash, hostSigner.PublicKey())
	require.NoError(t, err)
	require.NotEmpty(t, sig)
}

func TestClientSignUnknownKeyIsError(t *testing.T) {
	client, _, _ := newTestClient(t)

	_, unknownPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	unknownSigner, err := ssh.NewSignerFromSigner(unknownPriv)
	require.NoError(t, err)

	var hash [32]byte
	_, err = client.Sign(hash, unknownSigner.PublicKey())
	require.ErrorContains(t, err, "missing private key")
}

func TestClientCheckPublicKey(t *testing.T) {
	client, _, userSigner := newTestClient(t)

	var sessionID [32]byte
	ok, err := client.CheckPublicKey("alice", sessionID, userSigner.PublicKey().Type(), userSigner.PublicKey().Marshal())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client.CheckPublicKey("bob", sessionID, userSigner.PublicKey().Type(), userSigner.PublicKey().Marshal())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClientVerifyAndShellAndWait(t *testing.T) {
	client, _, userSigner := newTestClient(t)

	var sessionID [32]byte
	sig, err := userSigner.Sign(rand.Reader, sessionID[:])
	require.NoError(t, err)

	ok, err := client.VerifySignature("alice", sessionID, sig.Format, userSigner.PublicKey().Marshal(), sig.Blob)
	require.NoError(t, err)
	require.True(t, ok)

	cmd := "true"
	fds, err := client.Shell(&cmd, nil, nil)
	require.NoError(t, err)
	require.Len(t, fds, 3)
	for _, f := range fds {
		f.Close()
	}

	code, err := client.Wait()
	require.NoError(t, err)
	require.NotNil(t, code)
	require.Equal(t, int32(0), *code)
}

func TestClientPtyReqHappyPath(t *testing.T) {
	client, _, _ := newTestClient(t)

	f, err := client.PtyReq(24, 80, 0, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, f)
	f.Close()
}
