package transport

import "fmt"

// MockSpan marks a half-open physical-address range [Start, Start+Size)
// that reads as ErrBadCompletion, simulating SMRAM/TSEG or an unmapped
// hole. Used by tests across internal/scanner, internal/protocoldb, and
// internal/hook to exercise spec scenarios against a known memory image
// without a real PCIe endpoint.
type MockSpan struct {
	Start, Size uint64
}

func (s MockSpan) contains(addr uint64, n int) bool {
	end := addr + uint64(n)
	return addr < s.Start+s.Size && end > s.Start
}

// Mock is an in-memory Transport backed by a sparse byte map, keyed by
// physical address. It is the mock device described in spec.md §8's
// end-to-end scenarios.
type Mock struct {
	mem   map[uint64]byte
	bad   []MockSpan
	Reads []uint64 // every address probed via Read, for bounds assertions
}

// NewMock returns an empty mock transport.
func NewMock() *Mock {
	return &Mock{mem: make(map[uint64]byte)}
}

// SetBadCompletion registers a span that always fails with
// ErrBadCompletion, regardless of whether bytes were ever written there.
func (m *Mock) SetBadCompletion(start, size uint64) {
	m.bad = append(m.bad, MockSpan{Start: start, Size: size})
}

// WriteBytes seeds memory content directly, bypassing the Transport
// interface (for test setup, not a protocol operation).
func (m *Mock) WriteBytes(addr uint64, data []byte) {
	for i, b := range data {
		m.mem[addr+uint64(i)] = b
	}
}

// Read implements Transport.
func (m *Mock) Read(addr uint64, n int) ([]byte, error) {
	m.Reads = append(m.Reads, addr)
	for _, span := range m.bad {
		if span.contains(addr, n) {
			return nil, fmt.Errorf("%w: 0x%x", ErrBadCompletion, addr)
		}
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = m.mem[addr+uint64(i)]
	}
	return buf, nil
}

// Write implements Transport.
func (m *Mock) Write(addr uint64, data []byte) error {
	for _, span := range m.bad {
		if span.contains(addr, len(data)) {
			return fmt.Errorf("%w: 0x%x", ErrBadCompletion, addr)
		}
	}
	m.WriteBytes(addr, data)
	return nil
}

// ReadU64 implements Transport.
func (m *Mock) ReadU64(addr uint64) (uint64, error) {
	return ReadU64(m, addr)
}

// WriteU64 implements Transport.
func (m *Mock) WriteU64(addr, val uint64) error {
	return WriteU64(m, addr, val)
}

// Close implements Transport.
func (m *Mock) Close() error { return nil }
