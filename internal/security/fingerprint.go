package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
)

// IdentitySource supplies the raw host identifiers that are hashed into the fingerprint
type IdentitySource interface {
	RawIdentifiers() ([]string, error)
}

// HardwareIdentity derives the anonymized machine fingerprint once per process
type HardwareIdentity struct {
	compute func() ([]byte, error)
}

// NewHardwareIdentity hashes the identifiers of source on first use and memoizes the result
func NewHardwareIdentity(source IdentitySource) *HardwareIdentity {
	return &HardwareIdentity{
		compute: sync.OnceValues(func() ([]byte, error) {
			ids, err := source.RawIdentifiers()
			if err != nil {
				return nil, fmt.Errorf("failed to read host identifiers: %w", err)
			}
			if len(ids) == 0 {
				return nil, errors.New("no host identifiers available")
			}
			sum := sha256.Sum256([]byte(strings.Join(ids, "|")))
			return sum[:], nil
		}),
	}
}

// NewStaticHardwareIdentity wraps an already derived fingerprint
func NewStaticHardwareIdentity(fingerprint []byte) *HardwareIdentity {
	fp := append([]byte(nil), fingerprint...)
	return &HardwareIdentity{
		compute: func() ([]byte, error) { return fp, nil },
	}
}

// Bytes returns a copy of the fingerprint
func (h *HardwareIdentity) Bytes() ([]byte, error) {
	fp, err := h.compute()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), fp...), nil
}

// Hex returns the lowercase hex form sent to the license service
func (h *HardwareIdentity) Hex() (string, error) {
	fp, err := h.compute()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(fp), nil
}

// SigningHex returns the uppercase, dash separated form covered by license signatures
func (h *HardwareIdentity) SigningHex() (string, error) {
	fp, err := h.compute()
	if err != nil {
		return "", err
	}
	return DashedHex(fp), nil
}

// DashedHex renders b as uppercase byte pairs joined by dashes, e.g. "0A-FF-10"
func DashedHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return sb.String()
}

// HostIdentitySource reads stable identifiers of the local machine
type HostIdentitySource struct {
	Logger *slog.Logger
}

// RawIdentifiers returns the machine id, primary MAC address, hostname and platform.
// Identifiers that cannot be read are skipped.
func (s HostIdentitySource) RawIdentifiers() ([]string, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var ids []string
	if id, err := machineID(); err == nil {
		ids = append(ids, id)
	} else {
		logger.Debug("machine id unavailable", slog.String("error", err.Error()))
	}

	if mac, err := primaryMACAddress(); err == nil {
		ids = append(ids, mac)
	} else {
		logger.Debug("MAC address unavailable", slog.String("error", err.Error()))
	}

	if hostname, err := os.Hostname(); err == nil && strings.TrimSpace(hostname) != "" {
		ids = append(ids, strings.ToLower(strings.TrimSpace(hostname)))
	}

	if len(ids) == 0 {
		return nil, errors.New("no stable host identifier found")
	}
	return append(ids, runtime.GOOS, runtime.GOARCH), nil
}

// machineID reads the OS installation identifier
func machineID() (string, error) {
	var candidates []string
	switch runtime.GOOS {
	case "linux":
		candidates = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	case "freebsd", "openbsd", "netbsd":
		candidates = []string{"/etc/hostid"}
	case "windows":
		if id := os.Getenv("PROCESSOR_IDENTIFIER"); id != "" {
			return id + os.Getenv("COMPUTERNAME"), nil
		}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no machine id source for %s", runtime.GOOS)
}

// primaryMACAddress returns the MAC address of the first up, non-loopback interface
func primaryMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}
	return "", errors.New("no valid MAC address found")
}
