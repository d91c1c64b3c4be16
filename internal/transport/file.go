package transport

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// FileTransport implements Transport over a PCIe BAR character device
// (e.g. /dev/fpga0) exposing the target's physical address space, using
// positioned reads/writes so concurrent callers never race the file
// offset.
type FileTransport struct {
	f *os.File
}

// Open opens the PCIe BAR character device at path. It does not itself
// wait for link readiness; see internal/supervisor for the retry loop
// that wraps Open.
func Open(path string) (*FileTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENODEV) {
			return nil, fmt.Errorf("%w: %s", ErrLinkNotReady, path)
		}
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	return &FileTransport{f: f}, nil
}

// Read implements Transport.
func (t *FileTransport) Read(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		got, err := unix.Pread(int(t.f.Fd()), buf[read:], int64(addr)+int64(read))
		if err != nil {
			return nil, classify(addr, err)
		}
		if got == 0 {
			return nil, fmt.Errorf("%w: short read at 0x%x", ErrBadCompletion, addr)
		}
		read += got
	}
	return buf, nil
}

// Write implements Transport.
func (t *FileTransport) Write(addr uint64, data []byte) error {
	written := 0
	for written < len(data) {
		n, err := unix.Pwrite(int(t.f.Fd()), data[written:], int64(addr)+int64(written))
		if err != nil {
			return classify(addr, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: short write at 0x%x", ErrBadCompletion, addr)
		}
		written += n
	}
	return nil
}

// ReadU64 implements Transport.
func (t *FileTransport) ReadU64(addr uint64) (uint64, error) {
	return ReadU64(t, addr)
}

// WriteU64 implements Transport.
func (t *FileTransport) WriteU64(addr, val uint64) error {
	return WriteU64(t, addr, val)
}

// Close implements Transport.
func (t *FileTransport) Close() error {
	return t.f.Close()
}

// classify maps the character device's errno space onto dxeinfect's
// transport error taxonomy: ETIMEDOUT is a link hiccup worth retrying,
// EIO/ENXIO/EFAULT mean the completer rejected the transaction (typically
// SMRAM/TSEG or an unmapped hole), ENODEV/ENOLINK mean the link is not
// up, and anything else is wrapped with the address and propagates.
func classify(addr uint64, err error) error {
	switch {
	case errors.Is(err, syscall.ETIMEDOUT):
		return fmt.Errorf("%w: 0x%x: %v", ErrTimeout, addr, err)
	case errors.Is(err, syscall.EIO), errors.Is(err, syscall.ENXIO), errors.Is(err, syscall.EFAULT):
		return fmt.Errorf("%w: 0x%x: %v", ErrBadCompletion, addr, err)
	case errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOLINK):
		return fmt.Errorf("%w: 0x%x: %v", ErrLinkNotReady, addr, err)
	default:
		return fmt.Errorf("transport: 0x%x: %w", addr, err)
	}
}
