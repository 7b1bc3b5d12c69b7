package sshconn

import (
	"context"
	"time"
)

// SignatureResult is what a signing callback produces: the algorithm name,
// the public key blob, and the signature blob, all in the protocol's own
// wire format.
type SignatureResult struct {
	KeyAlgName string
	PublicKey  []byte
	Signature  []byte
}

// Auth bundles the credential-producing collaborators the driver consumes
// when the protocol state machine asks for them. Both callbacks may block
// (they run on a spawned goroutine, never on the driver's own loop) and
// both are invoked at most as many times as the protocol asks.
type Auth struct {
	Username string

	// PromptPassword is invoked once per PasswordUserRequest.
	PromptPassword func(ctx context.Context) (string, error)

	// SignPubkey is invoked once per PrivateKeySignUserRequest, with the
	// session identifier bytes the signature must cover.
	SignPubkey func(ctx context.Context, sessionID []byte) (SignatureResult, error)

	// CredentialTimeout bounds how long the driver waits for either
	// callback before treating it as failed. Zero disables the bound.
	CredentialTimeout time.Duration
}

// operation is the internal mailbox item produced by a spawned credential
// task and consumed by the driver's main loop.
type operation struct {
	password  *passwordResult
	signature *signatureResult
}

type passwordResult struct {
	value string
	err   error
}

type signatureResult struct {
	value SignatureResult
	err   error
}
