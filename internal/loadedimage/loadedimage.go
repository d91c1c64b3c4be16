// Package loadedimage implements the loaded-image enumeration supplement
// (SPEC_FULL.md §2.9): walking the protocol database a second time for
// EFI_LOADED_IMAGE_PROTOCOL interfaces and, for each one, decoding the
// leading EFI_DEVICE_PATH_PROTOCOL node to recover a driver's FFS file
// GUID when the node is a MEDIA_PIWG_FW_FILE_DP.
//
// This is read-only and purely informational — a `dxeinfect list`
// surface — and never feeds into the hook installer.
package loadedimage

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/zboralski/dxeinfect/internal/protocoldb"
	"github.com/zboralski/dxeinfect/internal/transport"
)

// GUID is EFI_LOADED_IMAGE_PROTOCOL_GUID.
const GUID = "5b1b31a1-9562-11d2-8e3f-00a0c969723b"

// Field offsets within an EFI_LOADED_IMAGE_PROTOCOL interface, reproduced
// verbatim from uefi.py's main() rather than the official EDK2 struct
// layout: the original reads image_path at 4*8, image_addr at 8*8, and
// image_size at 9*8, and this enumeration is purely informational, so
// fidelity to the original's (non-canonical) offsets matters more than
// re-deriving the real structure.
const (
	filePathOffset  = 4 * 8
	imageAddrOffset = 8 * 8
	imageSizeOffset = 9 * 8
)

// Device-path node header layout (EFI_DEVICE_PATH_PROTOCOL): Type:u8,
// SubType:u8, Length:u16, followed by node-specific data.
const (
	devicePathNodeLen = 4
	ffsFileGUIDLen    = 16

	mediaDevicePath   = 0x04
	mediaPIWGFwFileDP = 0x06
)

// Image is one enumerated EFI_LOADED_IMAGE_PROTOCOL interface.
type Image struct {
	// InterfaceAddr is the address of the PROTOCOL_INTERFACE's
	// installed interface (the LOADED_IMAGE struct itself).
	InterfaceAddr uint64
	// Addr is image_addr as read by uefi.py (not ImageBase; kept under
	// the original's name since the offset it reads is already
	// non-canonical).
	Addr uint64
	Size uint64
	// FileGUID is the FFS_FILE_GUID decoded from the image's leading
	// MEDIA_PIWG_FW_FILE_DP device-path node, or the zero UUID if the
	// image has no FilePath or the leading node isn't that type.
	FileGUID uuid.UUID
	// HasFileGUID reports whether FileGUID was actually decoded.
	HasFileGUID bool
}

func validDXEAddr(val uint64) bool {
	return val > 0x1000 && val < 0xffffffff
}

// Enumerate locates the PROTOCOL_ENTRY for EFI_LOADED_IMAGE_PROTOCOL
// under root and decodes every installed interface into an Image.
func Enumerate(t transport.Transport, root uint64) ([]Image, error) {
	want, err := uuid.Parse(GUID)
	if err != nil {
		panic("loadedimage: malformed GUID constant: " + err.Error())
	}

	addrs, err := protocoldb.CollectByGUID(t, root, want)
	if err != nil {
		return nil, err
	}

	images := make([]Image, 0, len(addrs))
	for _, addr := range addrs {
		img, err := decodeImage(t, addr)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func decodeImage(t transport.Transport, interfaceAddr uint64) (Image, error) {
	filePath, err := t.ReadU64(interfaceAddr + filePathOffset)
	if err != nil {
		return Image{}, err
	}
	imageAddr, err := t.ReadU64(interfaceAddr + imageAddrOffset)
	if err != nil {
		return Image{}, err
	}
	imageSize, err := t.ReadU64(interfaceAddr + imageSizeOffset)
	if err != nil {
		return Image{}, err
	}

	img := Image{InterfaceAddr: interfaceAddr, Addr: imageAddr, Size: imageSize}

	if filePath == 0 {
		return img, nil
	}
	if !validDXEAddr(filePath) {
		return img, nil
	}

	guid, ok, err := decodeFFSFileGUID(t, filePath)
	if err != nil {
		return Image{}, err
	}
	if ok {
		img.FileGUID = guid
		img.HasFileGUID = true
	}
	return img, nil
}

// decodeFFSFileGUID reads the device-path node at addr and, if it is a
// MEDIA_PIWG_FW_FILE_DP node, decodes the trailing 16 bytes as an
// FFS_FILE_GUID.
func decodeFFSFileGUID(t transport.Transport, addr uint64) (uuid.UUID, bool, error) {
	raw, err := t.Read(addr, devicePathNodeLen+ffsFileGUIDLen)
	if err != nil {
		return uuid.UUID{}, false, err
	}

	nodeType := raw[0]
	subType := raw[1]
	_ = binary.LittleEndian.Uint16(raw[2:4]) // node length, unused

	if nodeType != mediaDevicePath || subType != mediaPIWGFwFileDP {
		return uuid.UUID{}, false, nil
	}

	g, err := protocoldb.GUIDFromWire(raw[devicePathNodeLen:])
	if err != nil {
		return uuid.UUID{}, false, err
	}
	return g, true, nil
}
