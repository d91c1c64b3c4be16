package hook

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/zboralski/dxeinfect/internal/protocoldb"
	"github.com/zboralski/dxeinfect/internal/transport"
)

// Record-layout offsets mirrored from internal/protocoldb (spec.md §3):
// unexported there, so a test in this package recomputes them from the
// documented constants rather than reaching across package boundaries.
const (
	entryNextFieldOffset     = 8
	intfListHeadOffset       = 8*3 + 16
	interfaceFlinkFieldOffset = 8 * 4
)

const (
	hookSectionAlign = 0x200
	hookFileAlign    = 0x200
	hookImageBase    = uint64(0x140000000)
)

func hookAlign(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

// buildHookPayloadPE assembles a minimal PE32+ payload with a .conf
// section pre-populated with entryVA, mirroring internal/payload's test
// fixtures but local to this package's test files.
func buildHookPayloadPE(entryVA uint64) []byte {
	dosHeaderSize := 0x40
	peOffset := uint32(dosHeaderSize)
	fileHeaderSize := 20
	optHeaderSize := 112 + 16*8
	sectionHeaderSize := 40
	numSections := 3

	headersEnd := int(peOffset) + 4 + fileHeaderSize + optHeaderSize + numSections*sectionHeaderSize
	headersSize := hookAlign(uint32(headersEnd), hookFileAlign)

	sectionSizes := []uint32{0x100, 0x100, 24}
	rawOffsets := make([]uint32, numSections)
	rawSizes := make([]uint32, numSections)
	cursor := headersSize
	for i, sz := range sectionSizes {
		rawOffsets[i] = cursor
		rawSizes[i] = hookAlign(sz, hookFileAlign)
		cursor += rawSizes[i]
	}
	totalSize := cursor

	buf := make([]byte, totalSize)
	copy(buf[0:], []byte("MZ"))
	binary.LittleEndian.PutUint32(buf[0x3C:], peOffset)
	copy(buf[peOffset:], []byte("PE\x00\x00"))

	fh := buf[peOffset+4:]
	binary.LittleEndian.PutUint16(fh[0:], 0x8664)
	binary.LittleEndian.PutUint16(fh[2:], uint16(numSections))
	binary.LittleEndian.PutUint16(fh[16:], uint16(optHeaderSize))
	binary.LittleEndian.PutUint16(fh[18:], 0x0022)

	oh := fh[fileHeaderSize:]
	binary.LittleEndian.PutUint16(oh[0:], 0x20B)
	binary.LittleEndian.PutUint32(oh[16:], 0x1000)
	binary.LittleEndian.PutUint32(oh[20:], 0x1000)
	binary.LittleEndian.PutUint64(oh[24:], hookImageBase)
	binary.LittleEndian.PutUint32(oh[32:], hookSectionAlign)
	binary.LittleEndian.PutUint32(oh[36:], hookFileAlign)
	binary.LittleEndian.PutUint32(oh[56:], totalSize)
	binary.LittleEndian.PutUint32(oh[60:], headersSize)
	binary.LittleEndian.PutUint16(oh[68:], 2)
	binary.LittleEndian.PutUint32(oh[108:], 16)

	names := []string{".text", ".data", ".conf"}
	secTableStart := int(peOffset) + 4 + fileHeaderSize + optHeaderSize
	for i, name := range names {
		off := secTableStart + i*sectionHeaderSize
		sh := buf[off : off+sectionHeaderSize]
		copy(sh[0:8], []byte(name))
		binary.LittleEndian.PutUint32(sh[8:], sectionSizes[i])
		binary.LittleEndian.PutUint32(sh[12:], rawOffsets[i])
		binary.LittleEndian.PutUint32(sh[16:], rawSizes[i])
		binary.LittleEndian.PutUint32(sh[20:], rawOffsets[i])
	}

	confOff := rawOffsets[2]
	binary.LittleEndian.PutUint64(buf[confOff:], entryVA)
	// locate_protocol, system_table left zero; PreparePayload overwrites
	// all three fields.

	return buf
}

func putU64(m *transport.Mock, addr, val uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, val)
	m.WriteBytes(addr, b)
}

func writeGUID(m *transport.Mock, addr uint64, g uuid.UUID) {
	b := g[:]
	wire := make([]byte, 16)
	wire[0], wire[1], wire[2], wire[3] = b[3], b[2], b[1], b[0]
	wire[4], wire[5] = b[5], b[4]
	wire[6], wire[7] = b[7], b[6]
	copy(wire[8:], b[8:16])
	m.WriteBytes(addr, wire)
}

// writeSingleProtocolEntry seeds a one-entry, one-interface protocol
// database, per internal/protocoldb's record layout.
func writeSingleProtocolEntry(m *transport.Mock, entryAddr uint64, g uuid.UUID, intfAddr, interfaceVal uint64) {
	m.WriteBytes(entryAddr, []byte(protocoldb.EntrySignature+"\x00\x00\x00\x00"))
	putU64(m, entryAddr+8, entryAddr+entryNextFieldOffset)
	putU64(m, entryAddr+16, entryAddr+entryNextFieldOffset)
	writeGUID(m, entryAddr+24, g)

	listHead := entryAddr + intfListHeadOffset
	putU64(m, listHead, intfAddr+interfaceFlinkFieldOffset)
	putU64(m, listHead+8, intfAddr+interfaceFlinkFieldOffset)

	m.WriteBytes(intfAddr, []byte(protocoldb.InterfaceSignature+"\x00\x00\x00\x00"))
	putU64(m, intfAddr+32, intfAddr+interfaceFlinkFieldOffset)
	putU64(m, intfAddr+40, intfAddr+interfaceFlinkFieldOffset)
	putU64(m, intfAddr+48, entryAddr)
	putU64(m, intfAddr+56, interfaceVal)
}
