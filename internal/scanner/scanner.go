// Package scanner implements the DMA-driven memory scanner (spec.md §4.4):
// sweeping a physical-address window for DOS-header-tagged PE images and,
// from each candidate image, locating either the EFI_SYSTEM_TABLE or the
// root of the firmware's PROTOCOL_ENTRY linked-list database.
//
// Both searches walk target memory in page-multiple steps, treat a
// transport.ErrBadCompletion as "this region is unreadable, skip it"
// (typically SMRAM/TSEG), and let every other transport error propagate.
package scanner

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zboralski/dxeinfect/internal/log"
	"github.com/zboralski/dxeinfect/internal/peimage"
	"github.com/zboralski/dxeinfect/internal/transport"
)

const (
	// HeaderMagic is the DOS header signature every PE image begins with.
	HeaderMagic = "MZ"

	// HeaderProbeSize is how much of a candidate image is read to parse
	// its PE header before deciding whether to search it further.
	HeaderProbeSize = 0x400

	// SysTableSignature is the 8-byte tag at offset 0 of EFI_SYSTEM_TABLE.
	SysTableSignature = "IBI SYST"

	// ProtocolEntrySignature is the ASCII tag identifying a PROTOCOL_ENTRY
	// record inside a driver's scanned data page.
	ProtocolEntrySignature = "prte"

	// STScanStep is the step used while sweeping for candidate PE images
	// during EFI_SYSTEM_TABLE discovery.
	STScanStep = 0x10 * transport.PageSize

	// TSEGMaxSize is how far the system-table scan advances past a
	// BadCompletion, skipping over an SMRAM/TSEG-sized hole.
	TSEGMaxSize = 0x80_0000

	// ProtScanStep is the step used while sweeping for candidate PE
	// images during protocol-database discovery.
	ProtScanStep = transport.PageSize
)

// ErrSystemTableNotFound is returned when the system-table scan exhausts
// its window without locating EFI_SYSTEM_TABLE.
var ErrSystemTableNotFound = errors.New("scanner: EFI_SYSTEM_TABLE not found")

// ErrProtocolEntryNotFound is returned when the protocol-database scan
// exhausts its window without locating a PROTOCOL_ENTRY record.
var ErrProtocolEntryNotFound = errors.New("scanner: PROTOCOL_ENTRY not found")

// validDXEAddr reports whether val looks like a plausible DXE-phase
// physical pointer: non-null-ish and below the 4GB boundary this tool
// operates in.
func validDXEAddr(val uint64) bool {
	return val > 0x1000 && val < 0xffffffff
}

// readHeaderImage reads and parses the PE header at addr, returning nil,
// nil if the DOS signature doesn't match (not an error: the caller just
// moves on to the next candidate).
func readHeaderImage(t transport.Transport, addr uint64) (*peimage.Image, error) {
	magic, err := t.Read(addr, len(HeaderMagic))
	if err != nil {
		return nil, err
	}
	if string(magic) != HeaderMagic {
		return nil, nil
	}

	header, err := t.Read(addr, HeaderProbeSize)
	if err != nil {
		return nil, err
	}
	img, err := peimage.ParseHeader(header)
	if err != nil {
		// A DOS-tagged region that doesn't parse as a full PE is not a
		// candidate; treat it the same as a signature mismatch.
		return nil, nil
	}
	return img, nil
}

// findSysTableFromImage implements find_sys_table_from_image: it looks
// for a pointer to EFI_SYSTEM_TABLE among the 64-bit words in the first
// page of .data, then the last page of .text, probing every non-null
// qword in turn (not just the first that looks plausible) until one
// dereferences to the signature or the page is exhausted.
func findSysTableFromImage(ctx context.Context, t transport.Transport, addr uint64, img *peimage.Image) (uint64, error) {
	check := func(data []byte) (uint64, error) {
		for off := 0; off+8 <= len(data); off += 8 {
			val := binary.LittleEndian.Uint64(data[off : off+8])
			if val == 0 {
				continue
			}

			sig, err := t.Read(val, len(SysTableSignature))
			if err != nil {
				if errors.Is(err, transport.ErrBadCompletion) {
					continue
				}
				return 0, err
			}
			if string(sig) == SysTableSignature {
				return val, nil
			}
		}
		return 0, nil
	}

	if sec := img.SectionByPrefix(".data"); sec != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		data, err := t.Read(addr+uint64(sec.VirtualAddress), transport.PageSize)
		if err != nil {
			return 0, err
		}
		if val, err := check(data); err != nil {
			return 0, err
		} else if val != 0 {
			return val, nil
		}
	}

	if sec := img.SectionByPrefix(".text"); sec != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		tail := addr + uint64(sec.VirtualAddress) + uint64(sec.SizeOfRawData) - transport.PageSize
		data, err := t.Read(tail, transport.PageSize)
		if err != nil {
			return 0, err
		}
		if val, err := check(data); err != nil {
			return 0, err
		} else if val != 0 {
			return val, nil
		}
	}

	return 0, nil
}

// FindSystemTable walks downward from scanFrom toward zero in STScanStep
// strides, looking for a DOS-tagged PE image and, within it, a pointer to
// EFI_SYSTEM_TABLE (spec.md §4.4.a).
func FindSystemTable(ctx context.Context, t transport.Transport, logger *log.Logger, scanFrom uint64) (uint64, error) {
	var ptr uint64
	for ptr < scanFrom {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		image := scanFrom - ptr

		img, err := readHeaderImage(t, image)
		switch {
		case errors.Is(err, transport.ErrBadCompletion):
			ptr += TSEGMaxSize
			continue
		case err != nil:
			return 0, err
		}

		if img != nil {
			logger.Discovery("pe-image", image)

			addr, err := findSysTableFromImage(ctx, t, image, img)
			if err != nil {
				if errors.Is(err, transport.ErrBadCompletion) {
					ptr += TSEGMaxSize
					continue
				}
				return 0, err
			}
			if addr != 0 {
				logger.Discovery("system-table", addr)
				return addr, nil
			}
		}

		ptr += STScanStep
	}

	return 0, ErrSystemTableNotFound
}

// findProtEntryFromImage implements find_prot_entry_from_image: it scans
// the first two pages of a candidate image's .data section for plausible
// DXE pointers not yet probed, and checks each unvisited page for the
// PROTOCOL_ENTRY signature.
func findProtEntryFromImage(ctx context.Context, t transport.Transport, addr uint64, img *peimage.Image, known *[]uint64) (uint64, error) {
	sec := img.SectionByPrefix(".data")
	if sec == nil {
		return 0, nil
	}

	data, err := t.Read(addr+uint64(sec.VirtualAddress), 2*transport.PageSize)
	if err != nil {
		return 0, err
	}

	for off := 0; off+8 <= len(data); off += 8 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		val := binary.LittleEndian.Uint64(data[off : off+8])
		if !validDXEAddr(val) || val >= addr || val&0xfff == 0 {
			continue
		}

		if isKnownPage(*known, val) {
			continue
		}
		*known = append(*known, val)

		page, err := t.Read(val, transport.PageSize)
		if err != nil {
			if errors.Is(err, transport.ErrBadCompletion) {
				continue
			}
			return 0, err
		}

		if i := bytes.Index(page, []byte(ProtocolEntrySignature)); i != -1 {
			return val + uint64(i), nil
		}
	}

	return 0, nil
}

func isKnownPage(known []uint64, val uint64) bool {
	for _, k := range known {
		if val >= k && val < k+transport.PageSize {
			return true
		}
	}
	return false
}

// FindProtocolEntry walks upward from scanFrom to scanTo in ProtScanStep
// strides, looking for a DOS-tagged PE image whose .data section holds a
// pointer into a PROTOCOL_ENTRY record (spec.md §4.4.b).
func FindProtocolEntry(ctx context.Context, t transport.Transport, logger *log.Logger, scanFrom, scanTo uint64) (uint64, error) {
	if scanTo <= scanFrom {
		return 0, fmt.Errorf("scanner: scanTo (0x%x) must be greater than scanFrom (0x%x)", scanTo, scanFrom)
	}

	image := scanFrom
	var known []uint64

	for image < scanTo {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		img, err := readHeaderImage(t, image)
		switch {
		case errors.Is(err, transport.ErrBadCompletion):
			image += ProtScanStep
			continue
		case err != nil:
			return 0, err
		}

		if img == nil {
			image += ProtScanStep
			continue
		}

		logger.Discovery("pe-image", image)

		addr, err := findProtEntryFromImage(ctx, t, image, img, &known)
		if err != nil {
			if errors.Is(err, transport.ErrBadCompletion) {
				image += ProtScanStep
				continue
			}
			return 0, err
		}
		if addr != 0 {
			logger.Discovery("protocol-entry", addr)
			return addr, nil
		}

		image += uint64(alignUp(img.SizeOfImage, transport.PageSize))
	}

	return 0, ErrProtocolEntryNotFound
}

func alignUp(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}
