package monitor

import (
	"context"

	"golang.org/x/crypto/ssh"

	"github.com/gravitational/sshmonitor/lib/policy"
	"github.com/gravitational/sshmonitor/lib/wire"
)

func (s *Server) handleCheckPublicKey(ctx context.Context, req *wire.CheckPublicKeyRequest) error {
	pubkey, err := ssh.ParsePublicKey(req.Pubkey)
	if err != nil {
		return s.respondErr("invalid public key: %v", err)
	}

	ok, err := s.policy.CheckPubkey(ctx, policy.CheckPubkeyRequest{
		User:          req.User,
		SessionID:     req.SessionID,
		PubkeyAlgName: req.PubkeyAlgName,
		Pubkey:        pubkey,
	})
	if err != nil {
		return s.respondErr("%v", err)
	}
	return s.respond(&wire.Response{Bool: &ok})
}

// handleVerifySignature implements VerifySignature. Once an identity is
// latched, every later VerifySignature is rejected immediately and the
// policy collaborator is never consulted again for this connection.
func (s *Server) handleVerifySignature(ctx context.Context, req *wire.VerifySignatureRequest) error {
	if s.authenticatedUser != nil {
		return s.respondErr("user already authenticated")
	}

	pubkey, err := ssh.ParsePublicKey(req.Pubkey)
	if err != nil {
		return s.respondErr("invalid public key: %v", err)
	}

	user, err := s.policy.VerifySignature(ctx, policy.VerifySignatureRequest{
		User:          req.User,
		SessionID:     req.SessionID,
		PubkeyAlgName: req.PubkeyAlgName,
		Pubkey:        pubkey,
		Signature:     req.Signature,
	})
	if err != nil {
		return s.respondErr("%v", err)
	}

	ok := user != nil
	if ok {
		s.authenticatedUser = user
		s.log.WithField("user", user.Name).Info("user authenticated")
	}
	return s.respond(&wire.Response{Bool: &ok})
}
