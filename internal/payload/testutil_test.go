package payload

import "encoding/binary"

// These mirror internal/peimage's synthetic-PE builder closely enough to
// exercise the patcher without a real linked payload, but are kept local
// since peimage's builder is unexported outside that package.

const (
	testSectionAlign = 0x200
	testFileAlign    = 0x200
	testImageBase    = uint64(0x140000000)
)

func align(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

type payloadSection struct {
	name string
	data []byte
}

func buildPayloadPE(entryRVA uint32, sections []payloadSection) []byte {
	dosHeaderSize := 0x40
	peOffset := uint32(dosHeaderSize)

	fileHeaderSize := 20
	optHeaderSize := 112 + 16*8
	numSections := len(sections)
	sectionHeaderSize := 40

	headersEnd := int(peOffset) + 4 + fileHeaderSize + optHeaderSize + numSections*sectionHeaderSize
	headersSize := align(uint32(headersEnd), testFileAlign)

	rawOffsets := make([]uint32, numSections)
	rawSizes := make([]uint32, numSections)
	cursor := headersSize
	for i, s := range sections {
		rawOffsets[i] = cursor
		rawSizes[i] = align(uint32(len(s.data)), testFileAlign)
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
	binary.LittleEndian.PutUint32(oh[16:], entryRVA)
	binary.LittleEndian.PutUint32(oh[20:], 0x1000)
	binary.LittleEndian.PutUint64(oh[24:], testImageBase)
	binary.LittleEndian.PutUint32(oh[32:], testSectionAlign)
	binary.LittleEndian.PutUint32(oh[36:], testFileAlign)
	binary.LittleEndian.PutUint32(oh[56:], totalSize)
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
		binary.LittleEndian.PutUint32(sh[8:], uint32(len(s.data)))
		binary.LittleEndian.PutUint32(sh[12:], rawOffsets[i])
		binary.LittleEndian.PutUint32(sh[16:], rawSizes[i])
		binary.LittleEndian.PutUint32(sh[20:], rawOffsets[i])

		copy(buf[rawOffsets[i]:], s.data)
	}

	return buf
}

// buildTestPayload builds a payload PE with a .conf section pre-populated
// with confData and an entry point placed in .text.
func buildTestPayload(entryRVA uint32, confData []byte) []byte {
	return buildPayloadPE(entryRVA, []payloadSection{
		{name: ".text", data: make([]byte, 0x100)},
		{name: ".data", data: make([]byte, 0x100)},
		{name: ".conf", data: confData},
	})
}

// buildTestPayloadNoConf builds a payload PE with no .conf section at all.
func buildTestPayloadNoConf() []byte {
	return buildPayloadPE(0x1000, []payloadSection{
		{name: ".text", data: make([]byte, 0x100)},
	})
}

// buildMisalignedPayload builds a PE whose FileAlignment differs from its
// SectionAlignment, violating the payload contract's invariant.
func buildMisalignedPayload() []byte {
	data := buildTestPayload(0x1000, make([]byte, ConfRecordLen))
	// SectionAlignment lives at optional-header offset 32 relative to oh,
	// which starts right after the 20-byte file header following the PE
	// signature and 4-byte offset.
	ohOffset := 0x40 + 4 + 20
	binary.LittleEndian.PutUint32(data[ohOffset+32:], 0x1000) // SectionAlignment != FileAlignment(0x200)
	return data
}
