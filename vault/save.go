package vault

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ursafe/ursafe/chunks"
	"github.com/ursafe/ursafe/crypto"
	"github.com/ursafe/ursafe/drive"
	"github.com/ursafe/ursafe/logchain"
)

// stagedSuffix marks the not-yet-committed copies a save writes before the
// final renames. The manifest rename is the commit point; Unlock rolls an
// interrupted save forward or back by checking which combination of live
// and staged files the manifests actually sign.
const stagedSuffix = ".new"

// Save re-encrypts the secrets map with fresh nonces, atomically replaces
// the vault, metadata and manifest files, and appends one log entry per
// changed record. Requires an unlocked session.
func (e *Engine) Save(newMap SecretsMap) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quarantined {
		return ErrQuarantined
	}
	if !e.unlocked {
		return ErrNotUnlocked
	}

	plaintext, err := json.Marshal(newMap)
	if err != nil {
		return err
	}
	vaultBox, err := crypto.Encrypt(e.cfg.Rand, e.workingKey, plaintext)
	crypto.Zero(plaintext)
	if err != nil {
		return fmt.Errorf("vault: encrypt secrets: %w", err)
	}
	payloadBytes, err := e.payload.marshal()
	if err != nil {
		return err
	}
	metaBox, err := crypto.Encrypt(e.cfg.Rand, e.metaKey, payloadBytes)
	if err != nil {
		return fmt.Errorf("vault: encrypt metadata: %w", err)
	}

	vaultPath := drive.VaultPath(e.drivePath)
	metaPath := drive.MetadataPath(e.drivePath)
	manifestPath := drive.ManifestPath(e.drivePath)

	if err := chunks.AtomicWriteFile(vaultPath+stagedSuffix, encodeVaultFile(vaultBox), 0o600); err != nil {
		return fmt.Errorf("vault: stage vault file: %w", err)
	}
	if err := chunks.AtomicWriteFile(metaPath+stagedSuffix, encodeMetadataFile(e.payload.DriveSalt, metaBox), 0o600); err != nil {
		return fmt.Errorf("vault: stage metadata file: %w", err)
	}
	head, err := e.chain.HeadHash()
	if err != nil {
		return fmt.Errorf("vault: read log head: %w", err)
	}
	sig := crypto.Sign(e.signingKey, manifestMessage(vaultBox.Ciphertext, metaBox.Ciphertext, head))
	if err := chunks.AtomicWriteFile(manifestPath+stagedSuffix, sig, 0o600); err != nil {
		return fmt.Errorf("vault: stage manifest: %w", err)
	}

	// Commit. A crash between these renames leaves a state the staged
	// manifest still proves authentic, so recovery can finish the job.
	for _, path := range []string{vaultPath, metaPath, manifestPath} {
		if err := os.Rename(path+stagedSuffix, path); err != nil {
			return fmt.Errorf("vault: commit save: %w", err)
		}
	}

	added, updated, removed := diffSecrets(e.secrets, newMap)
	for _, batch := range []struct {
		action logchain.Action
		names  []string
	}{
		{logchain.ActionSecretAdded, added},
		{logchain.ActionSecretUpdated, updated},
		{logchain.ActionSecretRemoved, removed},
	} {
		for range batch.names {
			if _, err := e.chain.Append(batch.action, e.signingKey); err != nil {
				return fmt.Errorf("vault: append save entry: %w", err)
			}
		}
	}

	e.secrets = newMap.Clone()
	logrus.WithFields(logrus.Fields{
		"drive":   e.drivePath,
		"added":   len(added),
		"updated": len(updated),
		"removed": len(removed),
	}).Info("vault saved")
	return nil
}

// Lock appends a vault_locked entry and wipes every key the session held.
func (e *Engine) Lock() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.unlocked {
		return nil
	}
	_, err := e.chain.Append(logchain.ActionVaultLocked, e.signingKey)
	e.wipeSession()
	if err != nil {
		return fmt.Errorf("vault: append lock entry: %w", err)
	}
	logrus.WithField("drive", e.drivePath).Info("vault locked")
	return nil
}

// diffSecrets returns the record names added, updated and removed between
// two maps, each sorted for deterministic log ordering.
func diffSecrets(before, after SecretsMap) (added, updated, removed []string) {
	for name, rec := range after {
		prev, ok := before[name]
		if !ok {
			added = append(added, name)
			continue
		}
		prevJSON, _ := json.Marshal(prev)
		recJSON, _ := json.Marshal(rec)
		if !bytes.Equal(prevJSON, recJSON) {
			updated = append(updated, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(updated)
	sort.Strings(removed)
	return added, updated, removed
}

// verifyManifest finds the combination of live and staged files a manifest
// signature actually covers, preferring the staged manifest so interrupted
// saves roll forward. On success the chosen combination is promoted to the
// live names and leftover staged files removed; the verified vault and
// metadata bytes are returned.
func (e *Engine) verifyManifest(pub ed25519.PublicKey) (vaultRaw, metaRaw []byte, err error) {
	vaultPath := drive.VaultPath(e.drivePath)
	metaPath := drive.MetadataPath(e.drivePath)
	manifestPath := drive.ManifestPath(e.drivePath)

	heads, err := e.chain.HeadHistory()
	if err != nil {
		return nil, nil, e.integrityFailure(ErrCorruptLog, err.Error())
	}

	type candidate struct {
		raw    []byte
		staged bool
	}
	load := func(path string) []candidate {
		var cands []candidate
		if b, ok := readFileIfExists(path + stagedSuffix); ok {
			cands = append(cands, candidate{raw: b, staged: true})
		}
		if b, ok := readFileIfExists(path); ok {
			cands = append(cands, candidate{raw: b, staged: false})
		}
		return cands
	}
	// Staged first: a staged manifest that verifies means a save was
	// committing and must win over the superseded live state.
	manifests := load(manifestPath)
	vaults := load(vaultPath)
	metas := load(metaPath)

	for _, manifest := range manifests {
		if len(manifest.raw) != crypto.SignatureLen {
			continue
		}
		for _, vaultCand := range vaults {
			vbox, err := decodeVaultFile(vaultCand.raw)
			if err != nil {
				continue
			}
			for _, metaCand := range metas {
				_, mbox, err := decodeMetadataFile(metaCand.raw)
				if err != nil {
					continue
				}
				for i := len(heads) - 1; i >= 0; i-- {
					msg := manifestMessage(vbox.Ciphertext, mbox.Ciphertext, heads[i])
					if !crypto.Verify(pub, manifest.raw, msg) {
						continue
					}
					if err := e.promote(manifestPath, manifest.staged, vaultPath, vaultCand.staged, metaPath, metaCand.staged); err != nil {
						return nil, nil, fmt.Errorf("vault: finish interrupted save: %w", err)
					}
					return vaultCand.raw, metaCand.raw, nil
				}
			}
		}
	}
	return nil, nil, e.integrityFailure(ErrTamperDetected, "no manifest signature covers the drive state")
}

// promote renames the staged files that verification selected over their
// live names and deletes whatever staged files remain.
func (e *Engine) promote(manifestPath string, manifestStaged bool, vaultPath string, vaultStaged bool, metaPath string, metaStaged bool) error {
	for _, f := range []struct {
		path   string
		staged bool
	}{
		{vaultPath, vaultStaged},
		{metaPath, metaStaged},
		{manifestPath, manifestStaged},
	} {
		if f.staged {
			if err := os.Rename(f.path+stagedSuffix, f.path); err != nil {
				return err
			}
		} else {
			_ = os.Remove(f.path + stagedSuffix)
		}
	}
	return nil
}

// removeStaged drops any staged files left behind by an aborted operation.
func (e *Engine) removeStaged() {
	for _, path := range []string{
		drive.VaultPath(e.drivePath),
		drive.MetadataPath(e.drivePath),
		drive.ManifestPath(e.drivePath),
	} {
		_ = os.Remove(path + stagedSuffix)
	}
}
