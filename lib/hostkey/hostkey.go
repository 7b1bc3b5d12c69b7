// Package hostkey loads the plaintext host private keys the monitor signs
// exchange hashes with. It never leaves the monitor process — the
// connection daemon only ever learns a signature, never a key.
package hostkey

import (
	"os"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// HostKey is one loaded host private key, together with the public key an
// RPC caller names it by.
type HostKey struct {
	Signer ssh.Signer
}

// PublicKey returns the public key; its Marshal() form is what Find
// compares against wire.SignRequest.PublicKey.
func (k HostKey) PublicKey() ssh.PublicKey {
	return k.Signer.PublicKey()
}

// Sign signs hash with the private key. The caller is trusted to have
// derived hash itself from a key exchange; this method performs no such
// derivation and will sign whatever 32 bytes it is handed.
func (k HostKey) Sign(hash [32]byte) ([]byte, error) {
	sig, err := k.Signer.Sign(nil, hash[:])
	if err != nil {
		return nil, trace.Wrap(err, "signing with host key")
	}
	return sig.Blob, nil
}

// Load reads and parses every host private key at paths. A key that fails
// to load is a fatal startup error — there is no partial-keyset mode.
func Load(paths []string) ([]HostKey, error) {
	var keys []HostKey
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, trace.Wrap(err, "reading host key %q", path)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, trace.Wrap(err, "parsing host key %q", path)
		}
		keys = append(keys, HostKey{Signer: signer})
	}
	if len(keys) == 0 {
		return nil, trace.BadParameter("no host keys configured")
	}
	return keys, nil
}

// Find returns the loaded key whose public key matches marshaled, or false
// if no such key is loaded.
func Find(keys []HostKey, marshaled []byte) (HostKey, bool) {
	for _, k := range keys {
		if string(k.PublicKey().Marshal()) == string(marshaled) {
			return k, true
		}
	}
	return HostKey{}, false
}
