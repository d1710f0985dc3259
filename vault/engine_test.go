package vault

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ursafe/ursafe/crypto"
	"github.com/ursafe/ursafe/drive"
	"github.com/ursafe/ursafe/fingerprint"
	"github.com/ursafe/ursafe/logchain"
)

// Light KDF costs keep the suite fast; the engine honors whatever snapshot
// the metadata carries.
func testKDF() crypto.Params { return crypto.Params{Time: 1, Memory: 8 * 1024, Threads: 1} }

func testAttributes() fingerprint.Attributes {
	return fingerprint.Attributes{
		CPUID:       "GenuineIntel test-cpu",
		BoardSerial: "MB-TEST-001",
		MACs:        []string{"aa:bb:cc:dd:ee:ff"},
		Platform:    "linux/amd64",
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return Config{
		HostChunkDir:   filepath.Join(t.TempDir(), "hostchunks"),
		KDF:            testKDF(),
		RequiredShares: 10,
		TotalShares:    20,
		HostShares:     15,
		DriveShares:    5,
		Now: func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		},
		Collect: testAttributes,
	}
}

func pin(s string) []byte { return []byte(s) }

func chainActions(t *testing.T, drivePath string) []string {
	t.Helper()
	entries, err := logchain.New(drivePath, nil).Entries()
	require.NoError(t, err)
	actions := make([]string, len(entries))
	for i, entry := range entries {
		actions[i] = entry.Action
	}
	return actions
}

func countPrefixed(t *testing.T, dir, prefix string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	count := 0
	for _, entry := range entries {
		if len(entry.Name()) > len(prefix) && entry.Name()[:len(prefix)] == prefix {
			count++
		}
	}
	return count
}

func TestInitializeThenUnlock(t *testing.T) {
	drivePath := t.TempDir()
	cfg := testConfig(t)
	engine := New(drivePath, cfg)

	require.NoError(t, engine.Initialize(pin("1234")))

	// Drive layout.
	assert.FileExists(t, drive.VaultPath(drivePath))
	assert.FileExists(t, drive.MetadataPath(drivePath))
	assert.FileExists(t, drive.ManifestPath(drivePath))
	assert.True(t, drive.IsVaultDrive(drivePath))

	manifest, err := os.ReadFile(drive.ManifestPath(drivePath))
	require.NoError(t, err)
	assert.Len(t, manifest, 64)

	// Drive store holds exactly the tail indices, both share sets.
	chunksDir := filepath.Join(drivePath, ".ursafe", "chunks")
	assert.Equal(t, 5, countPrefixed(t, chunksDir, ".c_"))
	assert.Equal(t, 5, countPrefixed(t, chunksDir, ".s_"))
	for i := 16; i <= 20; i++ {
		assert.FileExists(t, filepath.Join(chunksDir, ".c_"+strconv.Itoa(i)))
	}
	assert.Equal(t, 15, countPrefixed(t, cfg.HostChunkDir, ".c_"))
	assert.Equal(t, 15, countPrefixed(t, cfg.HostChunkDir, ".s_"))

	// Genesis log entry.
	entries, err := logchain.New(drivePath, nil).Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(logchain.ActionVaultCreated), entries[0].Action)
	assert.Equal(t, logchain.GenesisHash, entries[0].PrevHash)

	// All four factors present: unlock succeeds with an empty map.
	secrets, err := engine.Unlock(pin("1234"))
	require.NoError(t, err)
	assert.Empty(t, secrets)
	assert.Equal(t, []string{"vault_created", "vault_unlocked"}, chainActions(t, drivePath))
}

func TestInitializeRefusesExistingVault(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))

	err := engine.Initialize(pin("1234"))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestUnlockWrongPIN(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))

	_, err := engine.Unlock(pin("9999"))
	assert.ErrorIs(t, err, ErrBadPin)

	// No audit entry for a bad PIN.
	assert.Equal(t, []string{"vault_created"}, chainActions(t, drivePath))

	// The engine is not quarantined; the right PIN still works.
	_, err = engine.Unlock(pin("1234"))
	assert.NoError(t, err)
}

func TestUnlockInsufficientShares(t *testing.T) {
	drivePath := t.TempDir()
	cfg := testConfig(t)
	engine := New(drivePath, cfg)
	require.NoError(t, engine.Initialize(pin("1234")))

	// Remove 11 of the 15 host master-key shares: 4 host + 5 drive = 9 < 10.
	for i := 1; i <= 11; i++ {
		require.NoError(t, os.Remove(filepath.Join(cfg.HostChunkDir, ".c_"+strconv.Itoa(i))))
	}

	_, err := engine.Unlock(pin("1234"))
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestUnlockTamperedManifest(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))

	manifestPath := drive.ManifestPath(drivePath)
	manifest, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	priorHead, err := logchain.New(drivePath, nil).HeadHash()
	require.NoError(t, err)

	manifest[10] ^= 0x01
	require.NoError(t, os.WriteFile(manifestPath, manifest, 0o600))

	_, err = engine.Unlock(pin("1234"))
	assert.ErrorIs(t, err, ErrTamperDetected)

	// The failure is audited and chained onto the prior head.
	entries, err := logchain.New(drivePath, nil).Entries()
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, string(logchain.ActionIntegrityFailure), last.Action)
	assert.Equal(t, priorHead, last.PrevHash)

	// Quarantined: even the correct PIN is refused until re-selection.
	_, err = engine.Unlock(pin("1234"))
	assert.ErrorIs(t, err, ErrQuarantined)
	assert.True(t, engine.Status().Quarantined)
}

func TestUnlockTamperedVaultFile(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))

	vaultPath := drive.VaultPath(drivePath)
	raw, err := os.ReadFile(vaultPath)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, os.WriteFile(vaultPath, raw, 0o600))

	// The manifest no longer covers the ciphertext.
	_, err = engine.Unlock(pin("1234"))
	assert.ErrorIs(t, err, ErrTamperDetected)
	assert.True(t, engine.Status().Quarantined)
}

func TestUnlockTruncatedMetadata(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))

	metaPath := drive.MetadataPath(drivePath)
	require.NoError(t, os.WriteFile(metaPath, []byte{0x01, 0x02, 0x03}, 0o600))

	_, err := engine.Unlock(pin("1234"))
	assert.ErrorIs(t, err, ErrTamperDetected)
}

func TestSaveLockUnlock(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))

	secrets, err := engine.Unlock(pin("1234"))
	require.NoError(t, err)

	secrets["github"] = Record{
		ID:       uuid.New().String(),
		Kind:     RecordPassword,
		Username: "octocat",
		Password: "pw1",
	}
	require.NoError(t, engine.Save(secrets))
	require.NoError(t, engine.Lock())

	reopened, err := engine.Unlock(pin("1234"))
	require.NoError(t, err)
	require.Len(t, reopened, 1)
	assert.Equal(t, "pw1", reopened["github"].Password)
	assert.Equal(t, secrets["github"], reopened["github"])

	assert.Equal(t, []string{
		"vault_created", "vault_unlocked", "secret_added", "vault_locked", "vault_unlocked",
	}, chainActions(t, drivePath))
}

func TestSaveDiffEntries(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))
	secrets, err := engine.Unlock(pin("1234"))
	require.NoError(t, err)

	secrets["alpha"] = Record{ID: "1", Kind: RecordNote, Note: "a"}
	secrets["beta"] = Record{ID: "2", Kind: RecordNote, Note: "b"}
	require.NoError(t, engine.Save(secrets))

	secrets["alpha"] = Record{ID: "1", Kind: RecordNote, Note: "a2"}
	delete(secrets, "beta")
	secrets["gamma"] = Record{ID: "3", Kind: RecordKeyValue, Values: map[string]string{"k": "v"}}
	require.NoError(t, engine.Save(secrets))

	assert.Equal(t, []string{
		"vault_created", "vault_unlocked",
		"secret_added", "secret_added",
		"secret_added", "secret_updated", "secret_removed",
	}, chainActions(t, drivePath))
}

func TestSaveRequiresUnlock(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))

	err := engine.Save(SecretsMap{"x": {ID: "1", Kind: RecordNote}})
	assert.ErrorIs(t, err, ErrNotUnlocked)
}

func TestUnlockFingerprintDrift(t *testing.T) {
	drivePath := t.TempDir()
	cfg := testConfig(t)
	engine := New(drivePath, cfg)
	require.NoError(t, engine.Initialize(pin("1234")))

	drifted := cfg
	drifted.Collect = func() fingerprint.Attributes {
		attrs := testAttributes()
		attrs.BoardSerial = "MB-REPLACED-999"
		return attrs
	}
	other := New(drivePath, drifted)

	_, err := other.Unlock(pin("1234"))
	assert.ErrorIs(t, err, ErrHardwareMismatch)

	actions := chainActions(t, drivePath)
	assert.Equal(t, "fingerprint_mismatch", actions[len(actions)-1])

	// Not a tamper event: the engine is not quarantined and the original
	// host still unlocks.
	assert.False(t, other.Status().Quarantined)
	_, err = engine.Unlock(pin("1234"))
	assert.NoError(t, err)
}

func TestUnlockNonVaultDrive(t *testing.T) {
	engine := New(t.TempDir(), testConfig(t))
	_, err := engine.Unlock(pin("1234"))
	assert.ErrorIs(t, err, ErrDriveNotVault)
}

func TestUnlockCorruptLog(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))

	logPath := filepath.Join(drivePath, ".ursafe", logchain.FileName)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{broken\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = engine.Unlock(pin("1234"))
	assert.ErrorIs(t, err, ErrCorruptLog)
	assert.True(t, engine.Status().Quarantined)
}

func TestStatusQueries(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))

	status := engine.Status()
	assert.False(t, status.Initialized)
	assert.Equal(t, 1.0, status.FingerprintStability)

	require.NoError(t, engine.Initialize(pin("1234")))
	secrets, err := engine.Unlock(pin("1234"))
	require.NoError(t, err)
	secrets["a"] = Record{ID: "1", Kind: RecordNote, Note: "n"}
	require.NoError(t, engine.Save(secrets))

	status = engine.Status()
	assert.True(t, status.Initialized)
	assert.True(t, status.Unlocked)
	assert.Equal(t, 1, status.RecordCount)

	chunkStatus, err := engine.ChunkStatus()
	require.NoError(t, err)
	assert.Equal(t, 10, chunkStatus.Required)
	assert.Equal(t, 20, chunkStatus.Total)
	assert.Equal(t, 15, chunkStatus.HostPresent)
	assert.Equal(t, 5, chunkStatus.DrivePresent)
	assert.Equal(t, []int{16, 17, 18, 19, 20}, chunkStatus.DriveIndices)

	logStats, err := engine.LogStats()
	require.NoError(t, err)
	assert.Equal(t, 3, logStats.Entries)
	assert.Equal(t, 1, logStats.Actions["vault_created"])
	assert.Equal(t, 1, logStats.Actions["secret_added"])
	assert.NotEmpty(t, logStats.HeadHash)
}

func TestZeroizationOnLock(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))
	require.NoError(t, engine.Initialize(pin("1234")))
	_, err := engine.Unlock(pin("1234"))
	require.NoError(t, err)

	masterKey := engine.masterKey
	signingKey := engine.signingKey
	workingKey := engine.workingKey
	metaKey := engine.metaKey
	require.NotEmpty(t, masterKey)

	require.NoError(t, engine.Lock())

	for _, buf := range [][]byte{masterKey, signingKey, workingKey, metaKey} {
		for i, b := range buf {
			require.Zero(t, b, "byte %d survived lock", i)
		}
	}
	assert.Nil(t, engine.masterKey)
	assert.Nil(t, engine.signingKey)
	assert.False(t, engine.Status().Unlocked)
}

func TestPINBufferZeroized(t *testing.T) {
	drivePath := t.TempDir()
	engine := New(drivePath, testConfig(t))

	initPIN := pin("1234")
	require.NoError(t, engine.Initialize(initPIN))
	assert.Equal(t, make([]byte, 4), initPIN)

	unlockPIN := pin("1234")
	_, err := engine.Unlock(unlockPIN)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4), unlockPIN)
}
