// Package crypto wraps the primitives the vault is built on: AES-256-GCM,
// Argon2id, Ed25519 and SHA-256. Every function is total; failures are
// reported as typed errors and no partial output is ever returned.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// KeyLen is the length of every symmetric key in the system.
	KeyLen = 32
	// NonceLen is the AES-GCM nonce length.
	NonceLen = 12
	// TagLen is the AES-GCM authentication tag length.
	TagLen = 16
	// SaltLen is the drive salt length.
	SaltLen = 16
)

var (
	ErrKeySize     = errors.New("crypto: key must be 32 bytes")
	ErrTagMismatch = errors.New("crypto: authentication tag mismatch")
)

// Params holds the Argon2id cost parameters. The salt lives outside the
// params because it is persisted separately in the vault metadata.
type Params struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// DefaultParams returns the cost parameters new vaults are created with.
// Readers must always use the snapshot stored in the metadata instead.
func DefaultParams() Params { return Params{Time: 3, Memory: 64 * 1024, Threads: 1} }

// SealedBox is one AEAD encryption result. Nonce and Tag are carried
// separately from the ciphertext to match the on-disk layout.
type SealedBox struct {
	Nonce      []byte
	Tag        []byte
	Ciphertext []byte
}

// GenerateMasterKey draws a fresh 32-byte key from r.
func GenerateMasterKey(r io.Reader) ([]byte, error) {
	return RandBytes(r, KeyLen)
}

// RandBytes reads exactly n bytes from r.
func RandBytes(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// DeriveKey runs Argon2id over secret and salt and returns a 32-byte key.
func DeriveKey(secret, salt []byte, p Params) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.Memory, p.Threads, KeyLen)
}

// Encrypt seals plaintext under key with a nonce freshly drawn from r.
func Encrypt(r io.Reader, key, plaintext []byte) (*SealedBox, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(r, NonceLen)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagLen
	return &SealedBox{
		Nonce:      nonce,
		Tag:        sealed[split:],
		Ciphertext: sealed[:split],
	}, nil
}

// Decrypt opens box under key. Any tampering with the ciphertext, nonce or
// tag yields ErrTagMismatch and no plaintext.
func Decrypt(key []byte, box *SealedBox) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(box.Nonce) != NonceLen || len(box.Tag) != TagLen {
		return nil, ErrTagMismatch
	}
	sealed := make([]byte, 0, len(box.Ciphertext)+TagLen)
	sealed = append(sealed, box.Ciphertext...)
	sealed = append(sealed, box.Tag...)
	pt, err := aead.Open(nil, box.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrTagMismatch
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// Zero overwrites b with zeros. Call it on every buffer that held key
// material before the buffer goes out of scope.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
