package peimage

import "encoding/binary"

// testSection describes a section to embed in a synthetic PE32+ image
// built by buildTestPE. Raw data is padded out to sectionAlign bytes so
// file offsets line up with RVAs, matching the payload alignment
// invariant dxeinfect requires (FileAlignment == SectionAlignment).
type testSection struct {
	name string
	data []byte
}

const (
	testSectionAlign = 0x200
	testFileAlign    = 0x200
	testImageBase    = uint64(0x140000000)
)

// buildTestPE assembles a minimal, well-formed PE32+ (x86-64) image with
// FileAlignment == SectionAlignment, suitable for exercising peimage.Parse
// against github.com/saferwall/pe without needing a real linked binary.
func buildTestPE(entryRVA uint32, sections []testSection) []byte {
	dosHeaderSize := 0x40
	peOffset := uint32(dosHeaderSize)

	fileHeaderSize := 20
	optHeaderSize := 112 + 16*8 // fixed fields + 16 data directories
	numSections := len(sections)
	sectionHeaderSize := 40

	headersEnd := int(peOffset) + 4 + fileHeaderSize + optHeaderSize + numSections*sectionHeaderSize
	headersSize := align(uint32(headersEnd), testFileAlign)

	// Lay out section raw data back-to-back after the headers, aligned.
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

	// DOS header: just the "MZ" magic and e_lfanew at 0x3C.
	copy(buf[0:], []byte("MZ"))
	binary.LittleEndian.PutUint32(buf[0x3C:], peOffset)

	// PE signature.
	copy(buf[peOffset:], []byte("PE\x00\x00"))

	// IMAGE_FILE_HEADER.
	fh := buf[peOffset+4:]
	binary.LittleEndian.PutUint16(fh[0:], 0x8664) // IMAGE_FILE_MACHINE_AMD64
	binary.LittleEndian.PutUint16(fh[2:], uint16(numSections))
	binary.LittleEndian.PutUint32(fh[4:], 0) // TimeDateStamp
	binary.LittleEndian.PutUint32(fh[8:], 0) // PointerToSymbolTable
	binary.LittleEndian.PutUint32(fh[12:], 0)
	binary.LittleEndian.PutUint16(fh[16:], uint16(optHeaderSize))
	binary.LittleEndian.PutUint16(fh[18:], 0x0022) // EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE

	// IMAGE_OPTIONAL_HEADER64.
	oh := fh[fileHeaderSize:]
	binary.LittleEndian.PutUint16(oh[0:], 0x20B) // PE32+ magic
	oh[2] = 14                                   // MajorLinkerVersion
	oh[3] = 0
	binary.LittleEndian.PutUint32(oh[4:], 0x1000)       // SizeOfCode
	binary.LittleEndian.PutUint32(oh[8:], 0x1000)       // SizeOfInitializedData
	binary.LittleEndian.PutUint32(oh[12:], 0)           // SizeOfUninitializedData
	binary.LittleEndian.PutUint32(oh[16:], entryRVA)    // AddressOfEntryPoint
	binary.LittleEndian.PutUint32(oh[20:], 0x1000)      // BaseOfCode
	binary.LittleEndian.PutUint64(oh[24:], testImageBase)
	binary.LittleEndian.PutUint32(oh[32:], testSectionAlign) // SectionAlignment
	binary.LittleEndian.PutUint32(oh[36:], testFileAlign)    // FileAlignment
	binary.LittleEndian.PutUint32(oh[56:], totalSize)        // SizeOfImage
	binary.LittleEndian.PutUint32(oh[60:], headersSize)      // SizeOfHeaders
	binary.LittleEndian.PutUint16(oh[68:], 2)                // Subsystem: EFI application-ish
	binary.LittleEndian.PutUint32(oh[108:], 16)              // NumberOfRvaAndSizes

	// Section headers.
	secTableStart := int(peOffset) + 4 + fileHeaderSize + optHeaderSize
	for i, s := range sections {
		off := secTableStart + i*sectionHeaderSize
		sh := buf[off : off+sectionHeaderSize]
		nameBytes := []byte(s.name)
		if len(nameBytes) > 8 {
			nameBytes = nameBytes[:8]
		}
		copy(sh[0:8], nameBytes)
		// FileAlignment == SectionAlignment means RVA == file offset for a
		// conformant payload; mirror that here for the same reason.
		binary.LittleEndian.PutUint32(sh[8:], uint32(len(s.data))) // VirtualSize
		binary.LittleEndian.PutUint32(sh[12:], rawOffsets[i])      // VirtualAddress
		binary.LittleEndian.PutUint32(sh[16:], rawSizes[i])        // SizeOfRawData
		binary.LittleEndian.PutUint32(sh[20:], rawOffsets[i])      // PointerToRawData

		copy(buf[rawOffsets[i]:], s.data)
	}

	return buf
}

func align(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}
