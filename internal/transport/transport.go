// Package transport defines the byte-addressable DMA contract dxeinfect
// uses to talk to target physical memory over a PCIe transaction layer, and
// a concrete implementation backed by a PCIe BAR character device.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PageSize is the DMA transfer granularity assumed throughout dxeinfect.
const PageSize = 0x1000

// Sentinel errors distinguishing transport failure classes. The scanner
// treats ErrBadCompletion as "skip this region"; every other error
// propagates to the caller.
var (
	// ErrLinkNotReady means the PCIe endpoint has not come up yet.
	ErrLinkNotReady = errors.New("transport: link not ready")
	// ErrTimeout means the DMA request did not complete in time.
	ErrTimeout = errors.New("transport: timeout")
	// ErrBadCompletion means the host completer returned UR/CA — the
	// address likely falls inside SMRAM/TSEG or unmapped space.
	ErrBadCompletion = errors.New("transport: bad completion")
)

// Transport is the narrow interface dxeinfect consumes from the PCIe
// transaction-layer driver. Implementations must distinguish the three
// sentinel error classes above; any other error is treated as fatal.
type Transport interface {
	// Read returns n bytes read from target physical memory at addr.
	Read(addr uint64, n int) ([]byte, error)
	// Write writes data to target physical memory at addr.
	Write(addr uint64, data []byte) error
	// ReadU64 reads a little-endian uint64 at addr.
	ReadU64(addr uint64) (uint64, error)
	// WriteU64 writes val as a little-endian uint64 at addr. The write
	// contract requires this reach the target as a single transaction
	// when used for the hook pointer swap (see internal/hook).
	WriteU64(addr, val uint64) error
	// Close releases the underlying endpoint.
	Close() error
}

// ReadU64 is a helper implementing Transport.ReadU64 in terms of Read, for
// transports whose underlying medium has no native 8-byte primitive.
func ReadU64(t Transport, addr uint64) (uint64, error) {
	data, err := t.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("transport: short read at 0x%x: got %d bytes", addr, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// WriteU64 is a helper implementing Transport.WriteU64 in terms of Write.
func WriteU64(t Transport, addr, val uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)
	return t.Write(addr, buf)
}
