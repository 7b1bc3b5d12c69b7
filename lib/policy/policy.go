// Package policy declares the authorization-policy and user-directory
// collaborators the monitor consults. Both are treated as external
// services; this package is only the interface the monitor programs
// against, plus a minimal implementation backed by the host's own
// authorized_keys files and passwd database for a self-contained daemon.
package policy

import (
	"context"

	"golang.org/x/crypto/ssh"
)

// CheckPubkeyRequest mirrors wire.CheckPublicKeyRequest with the pubkey
// already parsed.
type CheckPubkeyRequest struct {
	User          string
	SessionID     [32]byte
	PubkeyAlgName string
	Pubkey        ssh.PublicKey
}

// VerifySignatureRequest mirrors wire.VerifySignatureRequest with the
// pubkey already parsed.
type VerifySignatureRequest struct {
	User          string
	SessionID     [32]byte
	PubkeyAlgName string
	Pubkey        ssh.PublicKey
	Signature     []byte
}

// SystemUser is the identity VerifySignature latches on success.
type SystemUser struct {
	Name     string
	UID      uint32
	GID      uint32
	Home     string
	Shell    string
}

// Policy decides whether a public key is acceptable for a user, and
// verifies a challenge signature over that key.
type Policy interface {
	// CheckPubkey reports whether req.Pubkey would be accepted for
	// req.User. It must not have side effects visible to future calls.
	CheckPubkey(ctx context.Context, req CheckPubkeyRequest) (bool, error)

	// VerifySignature verifies req.Signature over req.SessionID was
	// produced by the private key matching req.Pubkey, and that the
	// resulting identity is authorized to log in as req.User. It returns
	// the resolved SystemUser on success, or (nil, nil) — not an error —
	// when the signature or authorization simply does not check out.
	VerifySignature(ctx context.Context, req VerifySignatureRequest) (*SystemUser, error)
}
