// Package kvm wraps the subset of the KVM control interface this
// hypervisor needs: VM and vCPU creation, guest memory registration,
// register access, and the run entry point.
package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMMapSize     = 44548
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 1075883590

	// APIVersion is the stable KVM API version. Anything else is a
	// kernel we do not know how to talk to.
	APIVersion = 12

	EXITUNKNOWN       = 0
	EXITEXCEPTION     = 1
	EXITIO            = 2
	EXITHYPERCALL     = 3
	EXITDEBUG         = 4
	EXITHLT           = 5
	EXITMMIO          = 6
	EXITIRQWINDOWOPEN = 7
	EXITSHUTDOWN      = 8
	EXITFAILENTRY     = 9
	EXITINTR          = 10
	EXITSETTPR        = 11
	EXITTPRACCESS     = 12
	EXITS390SIEIC     = 13
	EXITS390RESET     = 14
	EXITDCR           = 15
	EXITNMI           = 16
	EXITINTERNALERROR = 17

	EXITIOIN  = 0
	EXITIOOUT = 1

	numInterrupts = 0x100
)

var (
	// ErrUnexpectedExitReason is returned for exit reasons the run
	// loop has no handler for.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrInternalError is returned when KVM reports an emulation
	// failure inside the kernel.
	ErrInternalError = errors.New("kvm internal error")

	// ErrAPIVersion is returned when the kernel speaks a KVM API
	// version other than the stable one.
	ErrAPIVersion = errors.New("kvm api version mismatch")
)

// ExitType is a KVM exit reason.
type ExitType uint32

func (e ExitType) String() string {
	switch e {
	case EXITUNKNOWN:
		return "KVM_EXIT_UNKNOWN"
	case EXITEXCEPTION:
		return "KVM_EXIT_EXCEPTION"
	case EXITIO:
		return "KVM_EXIT_IO"
	case EXITHYPERCALL:
		return "KVM_EXIT_HYPERCALL"
	case EXITDEBUG:
		return "KVM_EXIT_DEBUG"
	case EXITHLT:
		return "KVM_EXIT_HLT"
	case EXITMMIO:
		return "KVM_EXIT_MMIO"
	case EXITIRQWINDOWOPEN:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case EXITSHUTDOWN:
		return "KVM_EXIT_SHUTDOWN"
	case EXITFAILENTRY:
		return "KVM_EXIT_FAIL_ENTRY"
	case EXITINTR:
		return "KVM_EXIT_INTR"
	case EXITSETTPR:
		return "KVM_EXIT_SET_TPR"
	case EXITTPRACCESS:
		return "KVM_EXIT_TPR_ACCESS"
	case EXITINTERNALERROR:
		return "KVM_EXIT_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("KVM_EXIT_%d", uint32(e))
	}
}

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// RunData mirrors the head of struct kvm_run, the region shared with
// the kernel from which exit reasons and I/O metadata are read. The
// Data array overlays the exit-reason union.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO unpacks the kvm_run io union on an EXITIO: direction, access
// size, port, repeat count, and the payload's byte offset from the
// start of the shared region.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// InternalSuberror unpacks the kvm_run internal union on an
// EXITINTERNALERROR.
func (r *RunData) InternalSuberror() uint32 {
	return uint32(r.Data[0] & 0xFFFFFFFF)
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Ioctl issues an ioctl on fd and returns the raw result.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// GetAPIVersion returns the KVM API version spoken by the kernel.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmGetAPIVersion), uintptr(0))
}

// CreateVM creates a new VM and returns its control fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmCreateVM), uintptr(0))
}

// CreateVCPU creates a vCPU inside a VM and returns its fd.
func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return Ioctl(vmFd, uintptr(kvmCreateVCPU), uintptr(vcpuID))
}

// Run enters guest execution on a vCPU. It returns when the guest
// exits. EINTR and EAGAIN are absorbed: they only mean the host
// interrupted us and the caller should re-enter.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmRun), uintptr(0))
	if err != nil {
		// refs: https://github.com/kvmtool/kvmtool/blob/415f92c33a227c02f6719d4594af6fad10f07abf/kvm-cpu.c#L44
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
	}

	return err
}

// GetVCPUMMapSize returns the size in bytes of the per-vCPU shared
// region to mmap over each vCPU fd.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), uintptr(0))
}

// GetSregs reads the special registers of a vCPU.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := Ioctl(vcpuFd, uintptr(kvmGetSregs), uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

// SetSregs writes the special registers of a vCPU.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmSetSregs), uintptr(unsafe.Pointer(&sregs)))

	return err
}

// GetRegs reads the general purpose registers of a vCPU.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := Ioctl(vcpuFd, uintptr(kvmGetRegs), uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

// SetRegs writes the general purpose registers of a vCPU.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmSetRegs), uintptr(unsafe.Pointer(&regs)))

	return err
}

// SetUserMemoryRegion registers a host memory range as guest physical
// memory on a VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))

	return err
}
