// Package vault implements the multi-factor vault engine. Unlocking takes
// four independent factors: possession of the drive, the PIN, enough key
// shares on host and drive, and the hardware fingerprint of the bound host.
package vault

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ursafe/ursafe/chunks"
	"github.com/ursafe/ursafe/crypto"
	"github.com/ursafe/ursafe/drive"
	"github.com/ursafe/ursafe/logchain"
	"github.com/ursafe/ursafe/shamir"
)

// Engine drives one vault on one drive. Operations are serialized; an
// engine never runs two of its own operations concurrently. After a tamper
// detection the engine quarantines itself and refuses further unlocks for
// its lifetime.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	drivePath  string
	hostStore  chunks.Store
	driveStore chunks.Store
	chain      *logchain.Chain

	quarantined bool
	unlocked    bool

	masterKey  []byte
	signingKey ed25519.PrivateKey
	signingPub ed25519.PublicKey
	workingKey []byte
	metaKey    []byte
	payload    *metadataPayload
	secrets    SecretsMap
}

// New binds an engine to a drive path. The configuration is fixed for the
// engine's lifetime.
func New(drivePath string, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		drivePath:  drivePath,
		hostStore:  chunks.Store{Dir: cfg.HostChunkDir},
		driveStore: chunks.DriveStore(drivePath),
		chain:      logchain.New(drivePath, cfg.Now),
	}
}

// DrivePath returns the drive this engine is bound to.
func (e *Engine) DrivePath() string { return e.drivePath }

// Initialize creates a fresh vault on the drive: new master and signing
// keys, shares distributed across host and drive stores, an empty encrypted
// secrets map, metadata, a signed manifest and the genesis log entry.
// The pin buffer is zeroized before Initialize returns.
func (e *Engine) Initialize(pin []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer crypto.Zero(pin)

	if drive.IsVaultDrive(e.drivePath) {
		return ErrAlreadyInitialized
	}
	if e.cfg.HostShares+e.cfg.DriveShares != e.cfg.TotalShares || e.cfg.HostShares < 1 || e.cfg.DriveShares < 1 {
		return fmt.Errorf("vault: share split %d+%d does not cover %d total shares",
			e.cfg.HostShares, e.cfg.DriveShares, e.cfg.TotalShares)
	}
	if err := os.MkdirAll(drive.VaultDir(e.drivePath), 0o700); err != nil {
		return fmt.Errorf("vault: create drive layout: %w", err)
	}
	e.removeStaged()

	masterKey, err := crypto.GenerateMasterKey(e.cfg.Rand)
	if err != nil {
		return fmt.Errorf("vault: generate master key: %w", err)
	}
	defer crypto.Zero(masterKey)

	signingPub, signingKey, err := crypto.GenerateSigningKey(e.cfg.Rand)
	if err != nil {
		return fmt.Errorf("vault: generate signing key: %w", err)
	}
	defer crypto.Zero(signingKey)
	seed := signingKey.Seed()
	defer crypto.Zero(seed)

	reading := e.cfg.Collect().Fingerprint()
	if reading.Stability < 0.5 {
		logrus.WithField("stability", reading.Stability).
			Warn("few hardware attributes readable; binding will be weak")
	}

	salt, err := drive.NewSalt(e.cfg.Rand)
	if err != nil {
		return fmt.Errorf("vault: generate drive salt: %w", err)
	}

	driveIndices, err := e.distributeShares(masterKey, seed)
	if err != nil {
		return err
	}

	metaKey := crypto.DeriveKey(pin, salt, e.cfg.KDF)
	defer crypto.Zero(metaKey)
	workingKey := deriveWorkingKey(pin, salt, reading.Digest, masterKey, e.cfg.KDF)
	defer crypto.Zero(workingKey)

	plaintext, err := json.Marshal(SecretsMap{})
	if err != nil {
		return err
	}
	vaultBox, err := crypto.Encrypt(e.cfg.Rand, workingKey, plaintext)
	if err != nil {
		return fmt.Errorf("vault: encrypt secrets: %w", err)
	}

	payload := &metadataPayload{
		DriveSalt:         salt,
		KDF:               e.cfg.KDF,
		FingerprintCheck:  crypto.Hash(reading.Digest)[:16],
		SigningPub:        signingPub,
		DriveShareIndices: driveIndices,
	}
	payloadBytes, err := payload.marshal()
	if err != nil {
		return err
	}
	metaBox, err := crypto.Encrypt(e.cfg.Rand, metaKey, payloadBytes)
	if err != nil {
		return fmt.Errorf("vault: encrypt metadata: %w", err)
	}

	if err := chunks.AtomicWriteFile(drive.VaultPath(e.drivePath), encodeVaultFile(vaultBox), 0o600); err != nil {
		return fmt.Errorf("vault: write vault file: %w", err)
	}
	if err := chunks.AtomicWriteFile(drive.MetadataPath(e.drivePath), encodeMetadataFile(salt, metaBox), 0o600); err != nil {
		return fmt.Errorf("vault: write metadata file: %w", err)
	}
	sig := crypto.Sign(signingKey, manifestMessage(vaultBox.Ciphertext, metaBox.Ciphertext, logchain.GenesisHash))
	if err := chunks.AtomicWriteFile(drive.ManifestPath(e.drivePath), sig, 0o600); err != nil {
		return fmt.Errorf("vault: write manifest: %w", err)
	}

	if _, err := e.chain.Append(logchain.ActionVaultCreated, signingKey); err != nil {
		return fmt.Errorf("vault: append genesis log entry: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"drive":     e.drivePath,
		"shares":    e.cfg.TotalShares,
		"stability": reading.Stability,
	}).Info("vault initialized")
	return nil
}

// distributeShares splits both 32-byte secrets and writes share files to
// the host and drive stores. Returns the drive-side index set.
func (e *Engine) distributeShares(masterKey, signingSeed []byte) ([]int, error) {
	keyShares, err := shamir.Split(masterKey, e.cfg.RequiredShares, e.cfg.TotalShares)
	if err != nil {
		return nil, fmt.Errorf("vault: split master key: %w", err)
	}
	sigShares, err := shamir.Split(signingSeed, e.cfg.RequiredShares, e.cfg.TotalShares)
	if err != nil {
		return nil, fmt.Errorf("vault: split signing key: %w", err)
	}

	var driveIndices []int
	for i := 0; i < e.cfg.TotalShares; i++ {
		index := i + 1
		store := e.hostStore
		if index > e.cfg.HostShares {
			store = e.driveStore
			driveIndices = append(driveIndices, index)
		}
		if err := store.Put(chunks.MasterKey, index, keyShares[i].Marshal()); err != nil {
			return nil, err
		}
		if err := store.Put(chunks.SigningKey, index, sigShares[i].Marshal()); err != nil {
			return nil, err
		}
		crypto.Zero(keyShares[i].Part)
		crypto.Zero(sigShares[i].Part)
	}
	return driveIndices, nil
}

// Unlock verifies all four factors and returns the decrypted secrets map.
// The engine keeps the reconstructed keys for the session until Lock. The
// pin buffer is zeroized before Unlock returns.
func (e *Engine) Unlock(pin []byte) (SecretsMap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer crypto.Zero(pin)

	if e.quarantined {
		return nil, ErrQuarantined
	}
	if !drive.IsVaultDrive(e.drivePath) {
		return nil, ErrDriveNotVault
	}

	metaKey, payload, err := e.openMetadata(pin)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(metaKey)

	reading := e.cfg.Collect().Fingerprint()
	if !bytes.Equal(crypto.Hash(reading.Digest)[:16], payload.FingerprintCheck) {
		e.appendBestEffort(logchain.ActionFingerprintMismatch)
		return nil, ErrHardwareMismatch
	}

	masterKey, err := e.combineShares(chunks.MasterKey)
	if err != nil {
		return nil, e.shareFailure(err)
	}
	signingSeed, err := e.combineShares(chunks.SigningKey)
	if err != nil {
		crypto.Zero(masterKey)
		return nil, e.shareFailure(err)
	}
	signingKey := ed25519.NewKeyFromSeed(signingSeed)
	crypto.Zero(signingSeed)
	signingPub := ed25519.PublicKey(payload.SigningPub)
	if !bytes.Equal(signingKey.Public().(ed25519.PublicKey), signingPub) {
		crypto.Zero(masterKey)
		crypto.Zero(signingKey)
		return nil, e.integrityFailure(ErrTamperDetected, "signing shares do not match recorded public key")
	}

	vaultRaw, metaRaw, err := e.verifyManifest(signingPub)
	if err != nil {
		crypto.Zero(masterKey)
		crypto.Zero(signingKey)
		return nil, err
	}
	// The verified metadata may be a staged copy from an interrupted save;
	// its payload is identical, but reparse from the authenticated bytes.
	if payload, err = e.reopenMetadata(metaKey, metaRaw); err != nil {
		crypto.Zero(masterKey)
		crypto.Zero(signingKey)
		return nil, err
	}

	if err := e.chain.Verify(signingPub); err != nil {
		crypto.Zero(masterKey)
		crypto.Zero(signingKey)
		return nil, e.integrityFailure(ErrCorruptLog, err.Error())
	}

	workingKey := deriveWorkingKey(pin, payload.DriveSalt, reading.Digest, masterKey, payload.KDF)
	vaultBox, err := decodeVaultFile(vaultRaw)
	if err != nil {
		crypto.Zero(masterKey)
		crypto.Zero(signingKey)
		crypto.Zero(workingKey)
		return nil, e.integrityFailure(ErrTamperDetected, "vault file layout corrupt")
	}
	plaintext, err := crypto.Decrypt(workingKey, vaultBox)
	if err != nil {
		crypto.Zero(masterKey)
		crypto.Zero(signingKey)
		crypto.Zero(workingKey)
		return nil, e.integrityFailure(ErrTamperDetected, "vault payload does not authenticate")
	}

	var secrets SecretsMap
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		crypto.Zero(masterKey)
		crypto.Zero(signingKey)
		crypto.Zero(workingKey)
		return nil, e.integrityFailure(ErrTamperDetected, "vault plaintext malformed")
	}
	crypto.Zero(plaintext)
	if secrets == nil {
		secrets = SecretsMap{}
	}

	if _, err := e.chain.Append(logchain.ActionVaultUnlocked, signingKey); err != nil {
		crypto.Zero(masterKey)
		crypto.Zero(signingKey)
		crypto.Zero(workingKey)
		return nil, fmt.Errorf("vault: append unlock entry: %w", err)
	}

	e.masterKey = masterKey
	e.signingKey = signingKey
	e.signingPub = signingPub
	e.workingKey = workingKey
	e.metaKey = append([]byte(nil), metaKey...)
	e.payload = payload
	e.secrets = secrets.Clone()
	e.unlocked = true

	logrus.WithFields(logrus.Fields{
		"drive":   e.drivePath,
		"records": len(secrets),
	}).Info("vault unlocked")
	return secrets, nil
}

// openMetadata reads the metadata file (or its staged copy from an
// interrupted save), derives the metadata key from the pin and the header
// salt, and decrypts. A failing tag with an intact layout means the PIN is
// wrong; a broken layout means tampering. Both documented historical KDF
// parameter sets are tried so older vaults keep unlocking; the parameter
// snapshot inside the metadata stays authoritative for the working key.
func (e *Engine) openMetadata(pin []byte) (metaKey []byte, payload *metadataPayload, err error) {
	paramSets := []crypto.Params{e.cfg.KDF}
	if legacy := (crypto.Params{Time: 2, Memory: 64 * 1024, Threads: 1}); legacy != e.cfg.KDF {
		paramSets = append(paramSets, legacy)
	}
	var sawTagFailure, sawCandidate bool
	for _, path := range []string{
		drive.MetadataPath(e.drivePath),
		drive.MetadataPath(e.drivePath) + stagedSuffix,
	} {
		candidate, ok := readFileIfExists(path)
		if !ok {
			continue
		}
		sawCandidate = true
		salt, box, decErr := decodeMetadataFile(candidate)
		if decErr != nil {
			continue
		}
		for _, params := range paramSets {
			key := crypto.DeriveKey(pin, salt, params)
			plaintext, decErr := crypto.Decrypt(key, box)
			if decErr != nil {
				crypto.Zero(key)
				sawTagFailure = true
				continue
			}
			p, parseErr := parseMetadataPayload(plaintext)
			crypto.Zero(plaintext)
			if parseErr != nil {
				crypto.Zero(key)
				break
			}
			return key, p, nil
		}
	}
	if sawTagFailure {
		return nil, nil, ErrBadPin
	}
	if sawCandidate {
		return nil, nil, e.integrityFailure(ErrTamperDetected, "metadata file layout corrupt")
	}
	return nil, nil, ErrDriveNotVault
}

func (e *Engine) reopenMetadata(metaKey, metaRaw []byte) (*metadataPayload, error) {
	_, box, err := decodeMetadataFile(metaRaw)
	if err != nil {
		return nil, e.integrityFailure(ErrTamperDetected, "metadata file layout corrupt")
	}
	plaintext, err := crypto.Decrypt(metaKey, box)
	if err != nil {
		return nil, e.integrityFailure(ErrTamperDetected, "metadata does not authenticate")
	}
	defer crypto.Zero(plaintext)
	payload, err := parseMetadataPayload(plaintext)
	if err != nil {
		return nil, e.integrityFailure(ErrTamperDetected, "metadata payload malformed")
	}
	return payload, nil
}

// combineShares enumerates both stores for one share set and reconstructs
// the 32-byte secret.
func (e *Engine) combineShares(kind chunks.Kind) ([]byte, error) {
	var shares []*shamir.Share
	for _, store := range []chunks.Store{e.hostStore, e.driveStore} {
		found, err := store.Enumerate(kind)
		if err != nil {
			return nil, fmt.Errorf("vault: enumerate shares: %w", err)
		}
		for _, raw := range found {
			share, err := shamir.Unmarshal(raw)
			if err != nil {
				continue
			}
			shares = append(shares, share)
		}
	}
	secret, err := shamir.Combine(shares)
	for _, s := range shares {
		crypto.Zero(s.Part)
	}
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func (e *Engine) shareFailure(err error) error {
	switch {
	case err == shamir.ErrInsufficientShares:
		return ErrInsufficientShares
	case err == shamir.ErrInconsistentShares:
		return e.integrityFailure(ErrTamperDetected, "shares reconstruct inconsistently")
	default:
		return err
	}
}

// integrityFailure quarantines the engine, records an integrity_failure
// entry when a signing key can be reconstructed, and returns kind.
func (e *Engine) integrityFailure(kind error, detail string) error {
	logrus.WithFields(logrus.Fields{
		"drive":  e.drivePath,
		"detail": detail,
	}).Error("integrity failure; quarantining engine")
	e.quarantined = true
	e.appendBestEffort(logchain.ActionIntegrityFailure)
	e.wipeSession()
	return kind
}

// appendBestEffort writes a log entry on a failure path. The session may
// not hold the signing key yet, so it is reconstructed from shares on
// demand; if too few signing shares are readable the entry is skipped, as
// an unsigned entry would itself break chain verification.
func (e *Engine) appendBestEffort(action logchain.Action) {
	key := e.signingKey
	if key == nil {
		seed, err := e.combineShares(chunks.SigningKey)
		if err != nil {
			logrus.WithField("action", action).Warn("cannot reconstruct signing key; audit entry skipped")
			return
		}
		key = ed25519.NewKeyFromSeed(seed)
		crypto.Zero(seed)
		defer crypto.Zero(key)
	}
	if _, err := e.chain.Append(action, key); err != nil {
		logrus.WithField("action", action).WithError(err).Warn("audit entry skipped")
	}
}

func (e *Engine) wipeSession() {
	crypto.Zero(e.masterKey)
	crypto.Zero(e.signingKey)
	crypto.Zero(e.workingKey)
	crypto.Zero(e.metaKey)
	e.masterKey = nil
	e.signingKey = nil
	e.signingPub = nil
	e.workingKey = nil
	e.metaKey = nil
	e.payload = nil
	e.secrets = nil
	e.unlocked = false
}

func deriveWorkingKey(pin, salt, fp, masterKey []byte, params crypto.Params) []byte {
	material := make([]byte, 0, len(salt)+len(fp)+len(masterKey))
	material = append(material, salt...)
	material = append(material, fp...)
	material = append(material, masterKey...)
	key := crypto.DeriveKey(pin, material, params)
	crypto.Zero(material)
	return key
}
