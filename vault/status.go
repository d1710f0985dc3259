package vault

import (
	"github.com/ursafe/ursafe/chunks"
	"github.com/ursafe/ursafe/drive"
)

// Status reports the engine's view of the vault for monitoring surfaces.
// It never touches key material.
func (e *Engine) Status() VaultStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := VaultStatus{
		DrivePath:            e.drivePath,
		Initialized:          drive.IsVaultDrive(e.drivePath),
		Unlocked:             e.unlocked,
		Quarantined:          e.quarantined,
		FingerprintStability: e.cfg.Collect().Fingerprint().Stability,
	}
	if e.unlocked {
		status.RecordCount = len(e.secrets)
	}
	return status
}

// ChunkStatus reports how many master-key shares each store currently
// holds against the configured geometry.
func (e *Engine) ChunkStatus() (ChunkStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hostIndices, err := e.hostStore.Indices(chunks.MasterKey)
	if err != nil {
		return ChunkStatus{}, err
	}
	driveIndices, err := e.driveStore.Indices(chunks.MasterKey)
	if err != nil {
		return ChunkStatus{}, err
	}
	return ChunkStatus{
		Required:     e.cfg.RequiredShares,
		Total:        e.cfg.TotalShares,
		HostPresent:  len(hostIndices),
		DrivePresent: len(driveIndices),
		HostIndices:  hostIndices,
		DriveIndices: driveIndices,
	}, nil
}

// LogStats summarizes the audit chain without verifying it.
func (e *Engine) LogStats() (LogStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, err := e.chain.Entries()
	if err != nil {
		return LogStats{}, err
	}
	stats := LogStats{
		Entries: len(entries),
		Actions: make(map[string]int),
	}
	for _, entry := range entries {
		stats.Actions[entry.Action]++
	}
	if len(entries) > 0 {
		stats.HeadHash = entries[len(entries)-1].CurrentHash
		stats.FirstTimestamp = entries[0].Timestamp
		stats.LastTimestamp = entries[len(entries)-1].Timestamp
	}
	return stats, nil
}
