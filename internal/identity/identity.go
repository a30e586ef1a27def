// Package identity derives the device id a node stamps into every envelope
// it originates, and mints the per-message tokens.
//
// A device id is "ID" followed by lowercase hex of a 6-byte hardware
// identifier. Longer identifiers (machine ids, serials) are folded to 6 bytes
// through blake2b so ids stay short on the air.
package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	prefix     = "ID"
	hardwareID = 6
)

var ErrNoHardwareID = errors.New("identity: no hardware identifier available")

// machineIDPaths are consulted in order by Host.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// FromHardware returns the device id for a raw hardware identifier.
func FromHardware(hw []byte) (string, error) {
	if len(hw) == 0 {
		return "", ErrNoHardwareID
	}
	if len(hw) == hardwareID {
		return prefix + hex.EncodeToString(hw), nil
	}
	sum := blake2b.Sum256(hw)
	return prefix + hex.EncodeToString(sum[:hardwareID]), nil
}

// Host derives the device id of the machine the process runs on: the
// machine id when present, else the MAC of the first non-loopback interface.
func Host() (string, error) {
	for _, p := range machineIDPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		b = bytes.TrimSpace(b)
		if len(b) > 0 {
			return FromHardware(b)
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("identity: list interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return FromHardware(ifc.HardwareAddr)
	}
	return "", ErrNoHardwareID
}

// Valid reports whether id has the shape FromHardware produces.
func Valid(id string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(id, prefix))
	return err == nil && len(raw) == hardwareID
}

// NewToken returns a fresh message id (UUID v4 string).
func NewToken() string {
	return uuid.NewString()
}
