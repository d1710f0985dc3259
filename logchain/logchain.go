// Package logchain maintains the append-only usage log on the drive. Each
// entry links to its predecessor by hash and is individually signed with the
// vault's long-term Ed25519 key, so any rewrite of history is detectable
// with the public key alone.
package logchain

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ursafe/ursafe/crypto"
)

// FileName is the log file inside the drive's vault directory.
const FileName = "logchain.json"

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "genesis"

// timeLayout is ISO-8601 UTC with millisecond precision.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Action enumerates the auditable vault operations.
type Action string

const (
	ActionVaultCreated        Action = "vault_created"
	ActionVaultUnlocked       Action = "vault_unlocked"
	ActionVaultLocked         Action = "vault_locked"
	ActionSecretAdded         Action = "secret_added"
	ActionSecretUpdated       Action = "secret_updated"
	ActionSecretRemoved       Action = "secret_removed"
	ActionIntegrityFailure    Action = "integrity_failure"
	ActionFingerprintMismatch Action = "fingerprint_mismatch"
)

var knownActions = map[Action]bool{
	ActionVaultCreated:        true,
	ActionVaultUnlocked:       true,
	ActionVaultLocked:         true,
	ActionSecretAdded:         true,
	ActionSecretUpdated:       true,
	ActionSecretRemoved:       true,
	ActionIntegrityFailure:    true,
	ActionFingerprintMismatch: true,
}

// ErrUnknownAction is returned by Append for actions outside the enumerated set.
var ErrUnknownAction = errors.New("logchain: unknown action")

// Entry is one log line. Field order matches the canonical sorted-key JSON.
type Entry struct {
	Action      string `json:"action"`
	CurrentHash string `json:"current_hash"`
	PrevHash    string `json:"prev_hash"`
	Signature   string `json:"signature"`
	Timestamp   string `json:"timestamp"`
}

// canonicalEntry is the hashed and signed portion of an entry, again in
// sorted key order so the serialization is reproducible.
type canonicalEntry struct {
	Action    string `json:"action"`
	PrevHash  string `json:"prev_hash"`
	Timestamp string `json:"timestamp"`
}

func canonicalize(action, prevHash, timestamp string) []byte {
	b, _ := json.Marshal(canonicalEntry{Action: action, PrevHash: prevHash, Timestamp: timestamp})
	return b
}

// CorruptError reports an unparseable log line.
type CorruptError struct {
	Line int
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("logchain: corrupt entry at line %d: %v", e.Line, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Reason classifies a verification failure.
type Reason string

const (
	ReasonHashMismatch     Reason = "hash_mismatch"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonNonMonotonicTime Reason = "non_monotonic_time"
	ReasonMalformed        Reason = "malformed"
)

// BrokenError reports the first entry at which verification failed.
type BrokenError struct {
	Line   int
	Reason Reason
}

func (e *BrokenError) Error() string {
	return fmt.Sprintf("logchain: broken at line %d: %s", e.Line, e.Reason)
}

// Chain is the log of one drive.
type Chain struct {
	path string
	now  func() time.Time
}

// New returns the chain stored on the given drive. now supplies entry
// timestamps; pass nil for wall-clock time.
func New(drivePath string, now func() time.Time) *Chain {
	if now == nil {
		now = time.Now
	}
	return &Chain{
		path: filepath.Join(drivePath, ".ursafe", FileName),
		now:  now,
	}
}

// Append constructs, signs and durably writes a new entry. The entry links
// to the current head, or to the genesis marker when the log is empty.
func (c *Chain) Append(action Action, key ed25519.PrivateKey) (*Entry, error) {
	if !knownActions[action] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	prevHash, err := c.HeadHash()
	if err != nil {
		return nil, err
	}
	timestamp := c.now().UTC().Format(timeLayout)
	canonical := canonicalize(string(action), prevHash, timestamp)

	entry := &Entry{
		Action:      string(action),
		CurrentHash: hex.EncodeToString(crypto.Hash(canonical)),
		PrevHash:    prevHash,
		Signature:   hex.EncodeToString(crypto.Sign(key, canonical)),
		Timestamp:   timestamp,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("logchain: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("logchain: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("logchain: sync: %w", err)
	}
	return entry, nil
}

// Entries reads and parses the whole chain. A malformed line aborts with a
// CorruptError naming the offending line.
func (c *Chain) Entries() ([]Entry, error) {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("logchain: open: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, &CorruptError{Line: line, Err: err}
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("logchain: read: %w", err)
	}
	return entries, nil
}

// HeadHash returns the current head hash, or the genesis marker for an
// empty or absent log.
func (c *Chain) HeadHash() (string, error) {
	entries, err := c.Entries()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return GenesisHash, nil
	}
	return entries[len(entries)-1].CurrentHash, nil
}

// HeadHistory returns every head the chain has ever had, oldest first,
// starting with the genesis marker.
func (c *Chain) HeadHistory() ([]string, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	heads := make([]string, 0, len(entries)+1)
	heads = append(heads, GenesisHash)
	for _, e := range entries {
		heads = append(heads, e.CurrentHash)
	}
	return heads, nil
}

// Verify walks the chain and checks hash linkage, per-entry signatures and
// timestamp monotonicity. The first failure is reported as a BrokenError;
// unparseable lines surface as CorruptError from Entries.
func (c *Chain) Verify(pub ed25519.PublicKey) error {
	entries, err := c.Entries()
	if err != nil {
		return err
	}
	prevHash := GenesisHash
	var prevTime time.Time
	for i, entry := range entries {
		line := i + 1
		ts, err := time.Parse(timeLayout, entry.Timestamp)
		if err != nil {
			return &BrokenError{Line: line, Reason: ReasonMalformed}
		}
		if i > 0 && ts.Before(prevTime) {
			return &BrokenError{Line: line, Reason: ReasonNonMonotonicTime}
		}
		if entry.PrevHash != prevHash {
			return &BrokenError{Line: line, Reason: ReasonHashMismatch}
		}
		canonical := canonicalize(entry.Action, entry.PrevHash, entry.Timestamp)
		if hex.EncodeToString(crypto.Hash(canonical)) != entry.CurrentHash {
			return &BrokenError{Line: line, Reason: ReasonHashMismatch}
		}
		sig, err := hex.DecodeString(entry.Signature)
		if err != nil {
			return &BrokenError{Line: line, Reason: ReasonMalformed}
		}
		if !crypto.Verify(pub, sig, canonical) {
			return &BrokenError{Line: line, Reason: ReasonBadSignature}
		}
		prevHash = entry.CurrentHash
		prevTime = ts
	}
	return nil
}
