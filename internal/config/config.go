// Package config holds the runtime configuration record threaded
// explicitly through scanner and installer calls, instead of the
// module-level mutable scan bounds spec.md §9 flags as a design smell.
package config

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zboralski/dxeinfect/internal/hook"
)

// Defaults mirroring uefi.py's module-level constants.
const (
	DefaultDevicePath = "/dev/fpga0"
	DefaultGUIDsPath  = "guids.json"

	// DefaultSysScanFrom is ST_SCAN_FROM (spec.md §4.4.a).
	DefaultSysScanFrom = uint64(0xf000_0000)
	// DefaultProtScanFrom is PROT_SCAN_FROM (spec.md §4.4.b).
	DefaultProtScanFrom = uint64(0x9500_0000)
	// DefaultProtScanTo is PROT_SCAN_TO (spec.md §4.4.b).
	DefaultProtScanTo = uint64(0xa000_0000)
)

// Config is built once at startup from CLI flags and passed by value into
// every discovery/install call; nothing in this package is a package-level
// variable.
type Config struct {
	// Device is the PCIe BAR character device backing the transport.
	Device string
	// GUIDsPath is the optional GUID-name database; a missing file
	// yields an empty table (see internal/guiddb.Load).
	GUIDsPath string

	// ProtScanFrom/ProtScanTo bound the protocol-entry scan (spec.md
	// §4.4.b), overridable via --from/--to.
	ProtScanFrom, ProtScanTo uint64
	// SysScanFrom bounds the system-table scan (spec.md §4.4.a).
	SysScanFrom uint64

	// Method selects which hook variant Install uses.
	Method hook.Method
	// PayloadPath is the on-disk payload PE to plant.
	PayloadPath string
	// HookGUID is the protocol method's target GUID.
	HookGUID uuid.UUID
	// HookSlot is the protocol method's target interface function slot.
	HookSlot int

	// AllowReinfect disables the supervisor's already-infected guard.
	AllowReinfect bool
	// Verbose selects development-mode (colorized, debug-level) logging.
	Verbose bool
}

// New returns a Config with every field at its spec.md-derived default.
func New() Config {
	guid, err := uuid.Parse(hook.DefaultHookGUID)
	if err != nil {
		// DefaultHookGUID is a compile-time constant; a parse failure
		// here means the constant itself is malformed.
		panic(fmt.Sprintf("config: DefaultHookGUID: %v", err))
	}
	return Config{
		Device:       DefaultDevicePath,
		GUIDsPath:    DefaultGUIDsPath,
		ProtScanFrom: DefaultProtScanFrom,
		ProtScanTo:   DefaultProtScanTo,
		SysScanFrom:  DefaultSysScanFrom,
		Method:       hook.Protocol,
		HookGUID:     guid,
		HookSlot:     hook.DefaultHookSlot,
	}
}

// Validate checks the invariant the CLI can't express as a flag
// constraint directly (spec.md §6: "--to HEX ... requires to > from").
func (c Config) Validate() error {
	if c.ProtScanTo <= c.ProtScanFrom {
		return fmt.Errorf("config: --to (0x%x) must be greater than --from (0x%x)", c.ProtScanTo, c.ProtScanFrom)
	}
	return nil
}
