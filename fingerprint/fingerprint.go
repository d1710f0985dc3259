// Package fingerprint derives a stable 32-byte identifier for the host the
// vault is bound to. The identifier is a hash over CPU identity, motherboard
// serial, stable MAC addresses and the platform string. Attributes that
// cannot be read degrade to "unknown" rather than failing, and the fraction
// of readable attributes is reported as a stability score so callers can
// warn before binding to a weak fingerprint.
package fingerprint

import (
	"net"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/ursafe/ursafe/crypto"
)

// Unknown substitutes any attribute the host does not expose.
const Unknown = "unknown"

// Attributes are the raw inputs to the fingerprint.
type Attributes struct {
	CPUID       string
	BoardSerial string
	MACs        []string
	Platform    string
}

// Reading is a computed fingerprint plus its stability score: the fraction
// of attributes that were actually readable, in [0,1].
type Reading struct {
	Digest    []byte
	Stability float64
}

// MAC prefixes of common virtual interfaces, excluded so that starting a VM
// or container runtime does not change the fingerprint.
var virtualMACPrefixes = []string{
	"00:05:69", "00:0c:29", "00:1c:14", "00:50:56", // vmware
	"08:00:27", "0a:00:27", // virtualbox
	"00:15:5d", // hyper-v
	"02:42:",   // docker
	"52:54:00", // qemu/kvm
}

// Collect reads the live host attributes.
func Collect() Attributes {
	return Attributes{
		CPUID:       cpuID(),
		BoardSerial: boardSerial(),
		MACs:        stableMACs(),
		Platform:    platformString(),
	}
}

// Fingerprint hashes the canonical serialization of a and scores its
// stability. Pure function of a; never fails.
func (a Attributes) Fingerprint() Reading {
	cpuPart := orUnknown(a.CPUID)
	boardPart := orUnknown(a.BoardSerial)
	platformPart := orUnknown(a.Platform)

	macs := make([]string, 0, len(a.MACs))
	for _, m := range a.MACs {
		if m != "" {
			macs = append(macs, strings.ToLower(m))
		}
	}
	sort.Strings(macs)
	macPart := Unknown
	if len(macs) > 0 {
		macPart = strings.Join(macs, "\x00")
	}

	known := 0
	for _, part := range []string{cpuPart, boardPart, macPart, platformPart} {
		if part != Unknown {
			known++
		}
	}

	canonical := strings.Join([]string{cpuPart, boardPart, macPart, platformPart}, "\x00")
	return Reading{
		Digest:    crypto.Hash([]byte(canonical)),
		Stability: float64(known) / 4,
	}
}

// Read collects the live attributes and fingerprints them.
func Read() Reading {
	return Collect().Fingerprint()
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown
	}
	return s
}

func cpuID() string {
	infos, err := cpu.Info()
	if err != nil || len(infos) == 0 {
		return Unknown
	}
	c := infos[0]
	id := strings.TrimSpace(c.VendorID + " " + c.ModelName)
	if id == "" {
		return Unknown
	}
	return id
}

func boardSerial() string {
	if runtime.GOOS == "linux" {
		for _, path := range []string{
			"/sys/class/dmi/id/board_serial",
			"/sys/class/dmi/id/product_uuid",
		} {
			if b, err := os.ReadFile(path); err == nil {
				if s := strings.TrimSpace(string(b)); s != "" {
					return s
				}
			}
		}
	}
	// Other platforms, and Linux hosts whose DMI files are unreadable,
	// report the machine identifier instead; it is as stable as the board
	// serial and readable without elevation.
	if id, err := host.HostID(); err == nil && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	return Unknown
}

func stableMACs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		mac := strings.ToLower(iface.HardwareAddr.String())
		if mac == "" || isVirtualMAC(mac) {
			continue
		}
		macs = append(macs, mac)
	}
	return macs
}

func isVirtualMAC(mac string) bool {
	for _, prefix := range virtualMACPrefixes {
		if strings.HasPrefix(mac, prefix) {
			return true
		}
	}
	return false
}

func platformString() string {
	if hi, err := host.Info(); err == nil && hi.OS != "" {
		arch := hi.KernelArch
		if arch == "" {
			arch = runtime.GOARCH
		}
		return hi.OS + "/" + arch
	}
	return runtime.GOOS + "/" + runtime.GOARCH
}
