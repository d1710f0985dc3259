// Package drive identifies removable drives that carry a vault layout and
// owns the on-drive path constants.
package drive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/ursafe/ursafe/crypto"
)

// On-drive layout under <drive>/.ursafe/.
const (
	Dir          = ".ursafe"
	VaultFile    = "vault.enc"
	MetadataFile = "metadata.enc"
	ManifestFile = "manifest.sig"
	ChunksDir    = "chunks"
)

// VaultDir returns the vault directory on a drive.
func VaultDir(drivePath string) string { return filepath.Join(drivePath, Dir) }

// VaultPath returns the encrypted secrets file on a drive.
func VaultPath(drivePath string) string { return filepath.Join(drivePath, Dir, VaultFile) }

// MetadataPath returns the encrypted metadata file on a drive.
func MetadataPath(drivePath string) string { return filepath.Join(drivePath, Dir, MetadataFile) }

// ManifestPath returns the detached manifest signature on a drive.
func ManifestPath(drivePath string) string { return filepath.Join(drivePath, Dir, ManifestFile) }

// IsVaultDrive reports whether the path carries a complete vault layout:
// the vault, metadata and manifest files plus a non-empty chunks directory.
func IsVaultDrive(drivePath string) bool {
	for _, name := range []string{VaultFile, MetadataFile, ManifestFile} {
		info, err := os.Stat(filepath.Join(drivePath, Dir, name))
		if err != nil || info.IsDir() {
			return false
		}
	}
	entries, err := os.ReadDir(filepath.Join(drivePath, Dir, ChunksDir))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return true
		}
	}
	return false
}

// NewSalt draws a fresh 16-byte drive salt from r. The salt is not secret;
// it binds key derivation to this particular drive.
func NewSalt(r io.Reader) ([]byte, error) {
	return crypto.RandBytes(r, crypto.SaltLen)
}

// Salt reads the drive salt from the fixed-offset header of the metadata
// file without decrypting anything.
func Salt(drivePath string) ([]byte, error) {
	f, err := os.Open(MetadataPath(drivePath))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	salt := make([]byte, crypto.SaltLen)
	if _, err := io.ReadFull(f, salt); err != nil {
		return nil, fmt.Errorf("drive: metadata header truncated: %w", err)
	}
	return salt, nil
}

// Enumerate lists the mount points of removable volumes. Errors degrade to
// an empty list; the caller decides how to present "no drives found".
func Enumerate() []string {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return nil
	}
	var mounts []string
	for _, p := range partitions {
		if p.Mountpoint == "" {
			continue
		}
		if isRemovable(p) {
			mounts = append(mounts, p.Mountpoint)
		}
	}
	return mounts
}

func isRemovable(p disk.PartitionStat) bool {
	for _, opt := range p.Opts {
		if strings.Contains(opt, "removable") {
			return true
		}
	}
	device := strings.ToLower(p.Device)
	return strings.Contains(device, "usb") ||
		strings.Contains(p.Mountpoint, "/media/") ||
		strings.Contains(p.Mountpoint, "/run/media/") ||
		strings.Contains(p.Mountpoint, "/Volumes/")
}
