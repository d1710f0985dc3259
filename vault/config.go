package vault

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/ursafe/ursafe/chunks"
	"github.com/ursafe/ursafe/crypto"
	"github.com/ursafe/ursafe/fingerprint"
)

// Config carries everything the engine used to reach for implicitly: the
// host share directory, KDF cost parameters, sharing geometry and the
// injectable collaborators (clock, randomness, fingerprint collector).
type Config struct {
	// HostChunkDir is the host-side share directory. Shared across vaults
	// on one host; share filenames collide if two vaults are initialized
	// with the same directory.
	HostChunkDir string

	// KDF are the Argon2id cost parameters for new vaults. Existing vaults
	// use the snapshot stored in their metadata.
	KDF crypto.Params

	// RequiredShares (M) of TotalShares (N) reconstruct a secret.
	// HostShares (H) + DriveShares (D) must equal N.
	RequiredShares int
	TotalShares    int
	HostShares     int
	DriveShares    int

	// Rand supplies nonces, salts and fresh keys. Defaults to crypto/rand.
	Rand io.Reader

	// Now supplies log timestamps. Defaults to time.Now.
	Now func() time.Time

	// Collect reads the host attributes the fingerprint is derived from.
	// Defaults to the live collector.
	Collect func() fingerprint.Attributes
}

// DefaultConfig returns the stock configuration: 10-of-20 sharing with 15
// host shares and 5 drive shares, default Argon2id costs, live collaborators.
func DefaultConfig() Config {
	return Config{
		HostChunkDir:   chunks.HostDir(),
		KDF:            crypto.DefaultParams(),
		RequiredShares: 10,
		TotalShares:    20,
		HostShares:     15,
		DriveShares:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HostChunkDir == "" {
		c.HostChunkDir = d.HostChunkDir
	}
	if c.KDF == (crypto.Params{}) {
		c.KDF = d.KDF
	}
	if c.TotalShares == 0 {
		c.RequiredShares = d.RequiredShares
		c.TotalShares = d.TotalShares
		c.HostShares = d.HostShares
		c.DriveShares = d.DriveShares
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Collect == nil {
		c.Collect = fingerprint.Collect
	}
	return c
}
