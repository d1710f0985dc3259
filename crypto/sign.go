package crypto

import (
	"crypto/ed25519"
	"io"
)

// SignatureLen is the length of an Ed25519 signature.
const SignatureLen = ed25519.SignatureSize

// GenerateSigningKey creates a fresh Ed25519 keypair from r.
func GenerateSigningKey(r io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(r)
}

// Sign returns the 64-byte Ed25519 signature of msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
// Non-canonical signature encodings are rejected.
func Verify(pub ed25519.PublicKey, sig, msg []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
