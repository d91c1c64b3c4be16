// Package peimage parses PE32+ images — both the on-disk payload and PE
// headers read out of target memory over DMA — into the small set of
// fields dxeinfect actually needs: sections, image base, size, entry
// point, and the file/section alignment invariant payloads must satisfy.
//
// The payload contract (spec.md §3, §6) requires FileAlignment ==
// SectionAlignment, which makes every section's raw file offset equal its
// RVA; dxeinfect relies on that equality instead of doing its own
// RVA-to-file-offset translation.
package peimage

import (
	"fmt"

	saferpe "github.com/saferwall/pe"
)

// Section is the subset of a PE section header dxeinfect consults.
type Section struct {
	Name             string
	VirtualAddress   uint32
	PointerToRawData uint32
	SizeOfRawData    uint32
}

// Image is the parsed view of a PE32+ file dxeinfect operates on.
type Image struct {
	Sections         []Section
	ImageBase        uint64
	SizeOfImage      uint32
	EntryPointRVA    uint32
	FileAlignment    uint32
	SectionAlignment uint32
}

// Parse parses a complete PE32+ image already held in memory (read from a
// local file or from target RAM over DMA).
func Parse(data []byte) (*Image, error) {
	f, err := saferpe.NewBytes(data, &saferpe.Options{})
	if err != nil {
		return nil, fmt.Errorf("peimage: open: %w", err)
	}
	if err := f.Parse(); err != nil {
		return nil, fmt.Errorf("peimage: parse: %w", err)
	}
	if !f.Is64 {
		return nil, fmt.Errorf("peimage: not a PE32+ image")
	}

	oh, ok := f.NtHeader.OptionalHeader.(saferpe.ImageOptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("peimage: missing 64-bit optional header")
	}

	img := &Image{
		ImageBase:        oh.ImageBase,
		SizeOfImage:      oh.SizeOfImage,
		EntryPointRVA:    oh.AddressOfEntryPoint,
		FileAlignment:    oh.FileAlignment,
		SectionAlignment: oh.SectionAlignment,
	}

	for _, s := range f.Sections {
		img.Sections = append(img.Sections, Section{
			Name:             sectionName(s.Header.Name),
			VirtualAddress:   s.Header.VirtualAddress,
			PointerToRawData: s.Header.PointerToRawData,
			SizeOfRawData:    s.Header.SizeOfRawData,
		})
	}

	return img, nil
}

// ParseHeader parses a buffer holding only the leading bytes of a PE
// image, as read from target memory during the memory scan (spec.md
// §4.4), where reading the whole image up front would be wasteful. It
// applies the same parsing as Parse to whatever bytes it is given.
func ParseHeader(header []byte) (*Image, error) {
	return Parse(header)
}

// AlignedOK reports whether the payload contract's alignment invariant
// holds: FileAlignment == SectionAlignment, so file offsets equal RVAs.
func (img *Image) AlignedOK() bool {
	return img.FileAlignment == img.SectionAlignment
}

// SectionByPrefix returns the first section whose name begins with
// prefix, or nil if none match.
func (img *Image) SectionByPrefix(prefix string) *Section {
	for i := range img.Sections {
		if hasPrefix(img.Sections[i].Name, prefix) {
			return &img.Sections[i]
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func sectionName(raw [8]uint8) string {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}
