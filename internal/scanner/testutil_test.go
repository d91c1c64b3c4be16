package scanner

import "encoding/binary"

// scanTestSection describes a section header to embed in a header-only
// synthetic PE built by buildHeaderOnlyPE. Raw data is never materialized:
// the scanner only parses the header to learn section RVAs, then reads
// section contents itself over the transport, so PointerToRawData and
// SizeOfRawData are left zero.
type scanTestSection struct {
	name          string
	virtualAddr   uint32
	sizeOfRawData uint32
}

const (
	scanSectionAlign = 0x200
	scanFileAlign    = 0x200
	scanImageBase    = uint64(0x140000000)
)

// buildHeaderOnlyPE assembles a minimal PE32+ header (DOS header, file
// header, optional header, section headers) with no section raw data,
// sized to fit comfortably inside HeaderProbeSize.
func buildHeaderOnlyPE(sections []scanTestSection, sizeOfImage uint32) []byte {
	dosHeaderSize := 0x40
	peOffset := uint32(dosHeaderSize)
	fileHeaderSize := 20
	optHeaderSize := 112 + 16*8
	numSections := len(sections)
	sectionHeaderSize := 40

	headersEnd := int(peOffset) + 4 + fileHeaderSize + optHeaderSize + numSections*sectionHeaderSize
	headersSize := scanAlign(uint32(headersEnd), scanFileAlign)

	buf := make([]byte, headersSize)

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
	binary.LittleEndian.PutUint32(oh[16:], 0x1000) // AddressOfEntryPoint
	binary.LittleEndian.PutUint32(oh[20:], 0x1000)
	binary.LittleEndian.PutUint64(oh[24:], scanImageBase)
	binary.LittleEndian.PutUint32(oh[32:], scanSectionAlign)
	binary.LittleEndian.PutUint32(oh[36:], scanFileAlign)
	binary.LittleEndian.PutUint32(oh[56:], sizeOfImage)
	binary.LittleEndian.PutUint32(oh[60:], headersSize)
	binary.LittleEndian.PutUint16(oh[68:], 2)
	binary.LittleEndian.PutUint32(oh[108:], 16)

	secTableStart := int(peOffset) + 4 + fileHeaderSize + optHeaderSize
	for i, s := range sections {
		off := secTableStart + i*sectionHeaderSize
		sh := buf[off : off+sectionHeaderSize]
		nameBytes := []byte(s.name)
		if len(nameBytes) > 8 {
			nameBytes = nameBytes[:8]
		}
		copy(sh[0:8], nameBytes)
		binary.LittleEndian.PutUint32(sh[8:], s.virtualAddr)
		binary.LittleEndian.PutUint32(sh[12:], s.virtualAddr)
		binary.LittleEndian.PutUint32(sh[16:], s.sizeOfRawData)
		binary.LittleEndian.PutUint32(sh[20:], s.virtualAddr)
	}

	return buf
}

func scanAlign(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

func qword(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
