// Package shamir provides M-of-N secret sharing for 32-byte keys on top of
// the GF(2^8) scheme from hashicorp/vault. Each share carries its slot
// index, the reconstruction threshold and a short checksum of the secret so
// that Combine can tell "not enough shares" apart from "tampered shares"
// without being told M.
package shamir

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"

	"github.com/ursafe/ursafe/crypto"
)

const (
	// SecretLen is the only secret size the vault splits.
	SecretLen = 32

	checksumLen = 4
	version     = 0x01
	metaLen     = 1 + 1 + 1 + checksumLen // version, index, threshold, checksum
)

var (
	ErrInsufficientShares = errors.New("shamir: not enough distinct shares")
	ErrInconsistentShares = errors.New("shamir: shares do not belong to one secret")
	ErrMalformedShare     = errors.New("shamir: malformed share")
)

// Share is one output of Split.
type Share struct {
	Index     byte   // 1-based slot index, unique within a set
	Threshold byte   // shares required to reconstruct
	Checksum  []byte // first 4 bytes of SHA-256(secret)
	Part      []byte // raw GF(2^8) share material
}

// Marshal serializes the share into its stored byte form.
func (s *Share) Marshal() []byte {
	buf := make([]byte, 0, metaLen+len(s.Part))
	buf = append(buf, version, s.Index, s.Threshold)
	buf = append(buf, s.Checksum...)
	buf = append(buf, s.Part...)
	return buf
}

// Unmarshal parses a stored share.
func Unmarshal(b []byte) (*Share, error) {
	if len(b) <= metaLen {
		return nil, ErrMalformedShare
	}
	if b[0] != version {
		return nil, fmt.Errorf("%w: unknown version %#x", ErrMalformedShare, b[0])
	}
	s := &Share{
		Index:     b[1],
		Threshold: b[2],
		Checksum:  append([]byte(nil), b[3:3+checksumLen]...),
		Part:      append([]byte(nil), b[metaLen:]...),
	}
	if s.Index == 0 || s.Threshold < 2 {
		return nil, ErrMalformedShare
	}
	return s, nil
}

// Split divides a 32-byte secret into n shares, any m of which reconstruct
// it. Indices run 1..n.
func Split(secret []byte, m, n int) ([]*Share, error) {
	if len(secret) != SecretLen {
		return nil, fmt.Errorf("shamir: secret must be %d bytes, got %d", SecretLen, len(secret))
	}
	if m < 2 {
		return nil, fmt.Errorf("shamir: threshold must be at least 2, got %d", m)
	}
	if n < m || n > 255 {
		return nil, fmt.Errorf("shamir: total shares must be in [%d..255], got %d", m, n)
	}
	parts, err := shamir.Split(secret, n, m)
	if err != nil {
		return nil, fmt.Errorf("shamir: split: %w", err)
	}
	checksum := crypto.Hash(secret)[:checksumLen]
	shares := make([]*Share, n)
	for i, part := range parts {
		shares[i] = &Share{
			Index:     byte(i + 1),
			Threshold: byte(m),
			Checksum:  append([]byte(nil), checksum...),
			Part:      part,
		}
	}
	return shares, nil
}

// Combine reconstructs the secret from m or more shares. Shares with
// duplicate indices count once. Returns ErrInsufficientShares when fewer
// than the embedded threshold of distinct shares are present, and
// ErrInconsistentShares when the shares are mutually incompatible or
// reconstruct to a secret that fails the checksum.
func Combine(shares []*Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrInsufficientShares
	}
	threshold := shares[0].Threshold
	checksum := shares[0].Checksum

	seen := make(map[byte]bool, len(shares))
	parts := make([][]byte, 0, len(shares))
	for _, s := range shares {
		if s.Threshold != threshold {
			return nil, ErrInconsistentShares
		}
		if !bytes.Equal(s.Checksum, checksum) {
			return nil, ErrInconsistentShares
		}
		if seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		parts = append(parts, s.Part)
	}
	if len(parts) < int(threshold) {
		return nil, ErrInsufficientShares
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, ErrInconsistentShares
	}
	if len(secret) != SecretLen || !bytes.Equal(crypto.Hash(secret)[:checksumLen], checksum) {
		crypto.Zero(secret)
		return nil, ErrInconsistentShares
	}
	return secret, nil
}
