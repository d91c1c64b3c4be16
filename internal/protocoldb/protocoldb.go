// Package protocoldb walks the EDK2 internal protocol database: the
// circular doubly linked list of ProtocolEntry records (one per
// registered protocol GUID) and, for each entry, the circular list of
// ProtocolInterface records installed under it (spec.md §3, §4.5).
//
// Every pointer read out of target memory is untrusted input. The walker
// never follows a link it hasn't validated against validDXEAddr first,
// and a step that violates the invariant aborts the whole traversal with
// ErrCorruptProtocolDatabase rather than dereferencing it.
package protocoldb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zboralski/dxeinfect/internal/transport"
)

const (
	// EntrySignature tags a valid ProtocolEntry record.
	EntrySignature = "prte"
	// InterfaceSignature tags a valid ProtocolInterface record.
	InterfaceSignature = "pifc"

	// entryRecordLen is the ProtocolEntry bytes read per step: signature,
	// next, prev, guid.
	entryRecordLen = 8 + 8 + 8 + 16

	// entryNextFieldOffset is the offset subtracted from a successor
	// pointer stored in `next` to land back on the successor's record
	// base (the pointer targets the successor's `next` field, which
	// follows an 8-byte signature).
	entryNextFieldOffset = 8

	// intfListHeadOffset is the offset of the interface-list head
	// (flink, blink) within a ProtocolEntry record.
	intfListHeadOffset = 8*3 + 16

	// interfaceRecordLen is the ProtocolInterface bytes read per step:
	// signature, three reserved words, next, prev, protocol, interface.
	interfaceRecordLen = 8 * 8

	// interfaceFlinkFieldOffset is the offset of the `flink` field
	// within a ProtocolInterface record — EDK2's internal layout for
	// this firmware generation puts it after the signature and three
	// reserved machine words.
	interfaceFlinkFieldOffset = 8 * 4
)

// ErrCorruptProtocolDatabase is returned when a traversal step reads a
// pointer that fails validDXEAddr, or a record whose back-reference
// doesn't match its owning entry.
var ErrCorruptProtocolDatabase = errors.New("protocoldb: corrupt protocol database")

func validDXEAddr(val uint64) bool {
	return val > 0x1000 && val < 0xffffffff
}

// Entry is a decoded ProtocolEntry record.
type Entry struct {
	Addr         uint64
	GUID         uuid.UUID
	Next, Prev   uint64
	IntfListHead uint64
}

// Interface is a decoded ProtocolInterface record.
type Interface struct {
	Addr      uint64
	Protocol  uint64 // back-reference to the owning ProtocolEntry
	Interface uint64 // the installed protocol's vtable address
}

// readEntry reads and validates the ProtocolEntry at addr. It returns
// ErrCorruptProtocolDatabase if addr or either link fails validDXEAddr.
func readEntry(t transport.Transport, addr uint64) (Entry, bool, error) {
	if !validDXEAddr(addr) {
		return Entry{}, false, fmt.Errorf("%w: entry addr 0x%x", ErrCorruptProtocolDatabase, addr)
	}

	raw, err := t.Read(addr, entryRecordLen)
	if err != nil {
		return Entry{}, false, err
	}

	sig := raw[0:8]
	next := binary.LittleEndian.Uint64(raw[8:16])
	prev := binary.LittleEndian.Uint64(raw[16:24])
	guidBytes := raw[24:40]

	if !validDXEAddr(next) || !validDXEAddr(prev) {
		return Entry{}, false, fmt.Errorf("%w: entry at 0x%x has invalid links", ErrCorruptProtocolDatabase, addr)
	}

	if !hasSignature(sig, EntrySignature) {
		return Entry{Addr: addr, Next: next, Prev: prev}, false, nil
	}

	g, err := GUIDFromWire(guidBytes)
	if err != nil {
		return Entry{}, false, fmt.Errorf("protocoldb: decode guid at 0x%x: %w", addr, err)
	}

	return Entry{
		Addr:         addr,
		GUID:         g,
		Next:         next,
		Prev:         prev,
		IntfListHead: addr + intfListHeadOffset,
	}, true, nil
}

func hasSignature(raw []byte, want string) bool {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n]) == want
}

// leToBigMixed reorders EDK2's mixed-endian GUID wire layout (d1,d2,d3
// little-endian; d4 byte array verbatim) into the big-endian layout
// uuid.FromBytes expects.
func leToBigMixed(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

// GUIDFromWire decodes a 16-byte EDK2 mixed-endian GUID (the same wire
// layout used by ProtocolEntry.guid and by an FFS_FILE_GUID embedded in a
// MEDIA_PIWG_FW_FILE_DP device-path node) into a uuid.UUID. Exported so
// internal/loadedimage can decode device-path GUIDs without duplicating
// the byte-reordering logic.
func GUIDFromWire(b []byte) (uuid.UUID, error) {
	return uuid.FromBytes(leToBigMixed(b))
}

// Visitor is invoked once per valid ProtocolEntry encountered during
// Walk. Returning found=true stops the traversal and its value becomes
// Walk's result.
type Visitor[T any] func(e Entry) (result T, found bool)

// Walk traverses the circular ProtocolEntry list starting at root,
// calling visit on every entry whose signature validates, until visit
// reports a match or the traversal returns to root.
func Walk[T any](t transport.Transport, root uint64, visit Visitor[T]) (T, error) {
	var zero T

	entry := root
	for {
		e, valid, err := readEntry(t, entry)
		if err != nil {
			return zero, err
		}

		if valid {
			if result, found := visit(e); found {
				return result, nil
			}
		}

		next := e.Next
		entry = next - entryNextFieldOffset

		if entry == root {
			return zero, nil
		}
	}
}

// CollectByGUID returns every interface address installed under the
// first ProtocolEntry matching want.
func CollectByGUID(t transport.Transport, root uint64, want uuid.UUID) ([]uint64, error) {
	var enumErr error

	addrs, err := Walk(t, root, func(e Entry) ([]uint64, bool) {
		if e.GUID != want {
			return nil, false
		}
		intfs, err := EnumInterfaces(t, e.Addr)
		if err != nil {
			enumErr = err
			return nil, true
		}
		out := make([]uint64, 0, len(intfs))
		for _, i := range intfs {
			out = append(out, i.Interface)
		}
		return out, true
	})
	if err != nil {
		return nil, err
	}
	if enumErr != nil {
		return nil, enumErr
	}
	return addrs, nil
}

// FirstMatching returns the first ProtocolEntry whose GUID equals want.
func FirstMatching(t transport.Transport, root uint64, want uuid.UUID) (Entry, bool, error) {
	type found struct {
		e  Entry
		ok bool
	}
	r, err := Walk(t, root, func(e Entry) (found, bool) {
		if e.GUID == want {
			return found{e, true}, true
		}
		return found{}, false
	})
	if err != nil {
		return Entry{}, false, err
	}
	return r.e, r.ok, nil
}

// PrintEntries renders every entry and its interfaces through emit,
// resolving GUIDs to names via names when available. This is the Go
// counterpart of prot_print: a visitor variant with a side effect
// instead of a return value.
func PrintEntries(t transport.Transport, root uint64, names map[uuid.UUID]string, emit func(line string)) error {
	_, err := Walk(t, root, func(e Entry) (struct{}, bool) {
		label := e.GUID.String()
		if name, ok := names[e.GUID]; ok {
			label = name
		}
		emit(fmt.Sprintf(" * 0x%08x: guid = %s", e.Addr, label))

		intfs, err := EnumInterfaces(t, e.Addr)
		if err != nil {
			emit(fmt.Sprintf("   ! enumerate interfaces: %v", err))
			return struct{}{}, false
		}
		for _, i := range intfs {
			emit(fmt.Sprintf("   0x%08x: addr = 0x%08x", i.Addr, i.Interface))
		}
		return struct{}{}, false
	})
	return err
}

// EnumInterfaces walks the interface list threaded through entryAddr's
// intrusive list head, returning every valid ProtocolInterface found.
// A list whose head's flink equals the head address is empty (spec.md
// §7 boundary behavior) and yields nil, not an error.
func EnumInterfaces(t transport.Transport, entryAddr uint64) ([]Interface, error) {
	listHead := entryAddr + intfListHeadOffset

	headRaw, err := t.Read(listHead, 16)
	if err != nil {
		return nil, err
	}
	flink := binary.LittleEndian.Uint64(headRaw[0:8])
	blink := binary.LittleEndian.Uint64(headRaw[8:16])

	if !validDXEAddr(flink) || !validDXEAddr(blink) {
		return nil, fmt.Errorf("%w: interface list head at 0x%x has invalid links", ErrCorruptProtocolDatabase, listHead)
	}

	if flink == listHead {
		return nil, nil
	}

	var out []Interface
	cursor := flink - interfaceFlinkFieldOffset
	first := cursor

	for {
		if !validDXEAddr(cursor) {
			return nil, fmt.Errorf("%w: interface addr 0x%x", ErrCorruptProtocolDatabase, cursor)
		}

		raw, err := t.Read(cursor, interfaceRecordLen)
		if err != nil {
			return nil, err
		}

		sig := raw[0:8]
		next := binary.LittleEndian.Uint64(raw[32:40])
		prev := binary.LittleEndian.Uint64(raw[40:48])
		prot := binary.LittleEndian.Uint64(raw[48:56])
		addr := binary.LittleEndian.Uint64(raw[56:64])

		if !validDXEAddr(next) || !validDXEAddr(prev) || !validDXEAddr(prot) {
			return nil, fmt.Errorf("%w: interface at 0x%x has invalid links", ErrCorruptProtocolDatabase, cursor)
		}
		if addr != 0 && !validDXEAddr(addr) {
			return nil, fmt.Errorf("%w: interface at 0x%x has invalid interface addr", ErrCorruptProtocolDatabase, cursor)
		}

		if hasSignature(sig, InterfaceSignature) {
			if prot != entryAddr {
				return nil, fmt.Errorf("%w: interface at 0x%x back-references 0x%x, want 0x%x",
					ErrCorruptProtocolDatabase, cursor, prot, entryAddr)
			}
			out = append(out, Interface{Addr: cursor, Protocol: prot, Interface: addr})
		}

		cursor = next - interfaceFlinkFieldOffset
		if cursor == first {
			break
		}
	}

	return out, nil
}
