// Package machine builds and drives single-vCPU long-mode guests on
// top of the kvm package: guest memory and paging setup, register
// state, the run loop, and the io-port dispatch to the two synthetic
// devices.
package machine

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/vlah02/miniHypervisor/debugcon"
	"github.com/vlah02/miniHypervisor/fileport"
	"github.com/vlah02/miniHypervisor/kvm"
)

var (
	// ErrHostUnavailable indicates the virtualization control device
	// could not be opened at all.
	ErrHostUnavailable = errors.New("virtualization host unavailable")

	// ErrHostProtocol indicates a control-interface call failed after
	// the device was opened.
	ErrHostProtocol = errors.New("virtualization host protocol error")

	// ErrConfigInvalid indicates a rejected guest configuration.
	ErrConfigInvalid = errors.New("invalid guest configuration")

	// ErrMemOutOfRange indicates a guest physical access outside the
	// allocated memory.
	ErrMemOutOfRange = errors.New("guest memory access out of range")
)

var mlog = logrus.WithField("component", "machine")

// stackTop is the initial guest stack pointer: the top of the first
// 2 MiB page. In 2 MiB mode the first populated page starts at that
// same boundary, so the stack sits right at the edge of the mapped
// window; the guest images are built against exactly this layout.
const stackTop = 1 << 21

// Config describes one guest to build.
type Config struct {
	// ID namespaces this guest's host-side files; assigned
	// monotonically by the supervisor.
	ID int

	// MemSize is the guest physical memory size in bytes, a multiple
	// of 2 MiB.
	MemSize int

	// Page selects 2 MiB or 4 KiB leaf mappings.
	Page PageSize

	// Console is the bidirectional byte channel behind the debug
	// port.
	Console io.ReadWriter

	// Files is this guest's file-protocol engine.
	Files *fileport.Engine
}

// Machine is one virtual machine with a single vCPU. The mem slice is
// the guest's physical address space: guest physical address G lives
// at mem[G].
type Machine struct {
	vmFd, vcpuFd   uintptr
	mem            []byte
	runRaw         []byte
	run            *kvm.RunData
	id             int
	pageKind       PageSize
	startAddr      uint64
	console        *debugcon.Device
	files          *fileport.Engine
	ioportHandlers [0x10000][2]func(m *Machine, port uint64, bytes []byte) error
}

// New creates a VM, allocates and registers guest memory, creates the
// vCPU and maps its shared region, writes the long-mode page tables,
// and programs the entry register state. The returned machine is
// ready for LoadImage and RunInfiniteLoop.
func New(vmm *VMM, cfg Config) (*Machine, error) {
	if cfg.MemSize <= 0 || cfg.MemSize%pageSize2M != 0 {
		return nil, fmt.Errorf("%w: memory size %#x is not a multiple of 2 MiB", ErrConfigInvalid, cfg.MemSize)
	}

	m := &Machine{id: cfg.ID, pageKind: cfg.Page}

	var err error
	if m.vmFd, err = kvm.CreateVM(vmm.Fd()); err != nil {
		return m, fmt.Errorf("%w: KVM_CREATE_VM: %v", ErrHostProtocol, err)
	}

	m.mem, err = unix.Mmap(-1, 0, cfg.MemSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return m, fmt.Errorf("%w: mmap guest memory: %v", ErrHostProtocol, err)
	}

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(cfg.MemSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	})
	if err != nil {
		return m, fmt.Errorf("%w: KVM_SET_USER_MEMORY_REGION: %v", ErrHostProtocol, err)
	}

	if m.vcpuFd, err = kvm.CreateVCPU(m.vmFd, 0); err != nil {
		return m, fmt.Errorf("%w: KVM_CREATE_VCPU: %v", ErrHostProtocol, err)
	}

	if m.runRaw, err = unix.Mmap(int(m.vcpuFd), 0, vmm.VCPUMMapSize(),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return m, fmt.Errorf("%w: mmap vcpu shared region: %v", ErrHostProtocol, err)
	}

	m.run = (*kvm.RunData)(unsafe.Pointer(&m.runRaw[0]))

	if m.startAddr, err = SetupLongMode(m.mem, cfg.Page); err != nil {
		return m, err
	}

	if err := m.initSregs(); err != nil {
		return m, err
	}

	if err := m.initRegs(); err != nil {
		return m, err
	}

	m.console = debugcon.New(cfg.Console)
	m.files = cfg.Files
	m.initIOPortHandlers()

	return m, nil
}

// ID returns the guest's supervisor-assigned id.
func (m *Machine) ID() int {
	return m.id
}

// StartAddr returns the guest physical address the image is loaded
// at; guest virtual address 0 resolves there.
func (m *Machine) StartAddr() uint64 {
	return m.startAddr
}

// ReadAt reads from the guest physical address space.
func (m *Machine) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, fmt.Errorf("%w: read at %#x", ErrMemOutOfRange, off)
	}

	n := copy(b, m.mem[off:])
	if n < len(b) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt writes into the guest physical address space.
func (m *Machine) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, fmt.Errorf("%w: write at %#x", ErrMemOutOfRange, off)
	}

	n := copy(m.mem[off:], b)
	if n < len(b) {
		return n, fmt.Errorf("%w: write of %d bytes at %#x", ErrMemOutOfRange, len(b), off)
	}

	return n, nil
}

// LoadImage copies the guest image into memory at the start address
// in chunks and returns the number of bytes loaded.
func (m *Machine) LoadImage(r io.Reader) (int64, error) {
	var (
		buf   [4096]byte
		total int64
	)

	off := int64(m.startAddr)

	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			if _, werr := m.WriteAt(buf[:n], off); werr != nil {
				return total, werr
			}

			off += int64(n)
			total += int64(n)
		}

		if errors.Is(err, io.EOF) {
			return total, nil
		}

		if err != nil {
			return total, fmt.Errorf("read image: %w", err)
		}
	}
}

func (m *Machine) initSregs() error {
	sregs, err := kvm.GetSregs(m.vcpuFd)
	if err != nil {
		return fmt.Errorf("%w: KVM_GET_SREGS: %v", ErrHostProtocol, err)
	}

	ApplyLongMode(&sregs)

	if err := kvm.SetSregs(m.vcpuFd, sregs); err != nil {
		return fmt.Errorf("%w: KVM_SET_SREGS: %v", ErrHostProtocol, err)
	}

	return nil
}

func (m *Machine) initRegs() error {
	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return fmt.Errorf("%w: KVM_GET_REGS: %v", ErrHostProtocol, err)
	}

	// Zero every general register, then set the agreed entry state.
	regs = kvm.Regs{}
	regs.RIP = 0
	regs.RSP = stackTop
	regs.RFLAGS = 2 // reserved bit, always one

	if err := kvm.SetRegs(m.vcpuFd, regs); err != nil {
		return fmt.Errorf("%w: KVM_SET_REGS: %v", ErrHostProtocol, err)
	}

	return nil
}

// RunInfiniteLoop runs the guest until a terminal exit. On return the
// guest's file-protocol state has been released, so a dead guest
// cannot hold the shared file mutex.
func (m *Machine) RunInfiniteLoop() error {
	// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
	// - vcpu ioctls: These query and set attributes that control the operation
	//   of a single virtual cpu.
	//
	//   vcpu ioctls should be issued from the same thread that was used to create
	//   the vcpu, except for asynchronous vcpu ioctl that are marked as such in
	//   the documentation.  Otherwise, the first ioctl after switching threads
	//   could see a performance impact.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer m.files.Shutdown()

	for {
		isContinue, err := m.RunOnce()
		if err != nil {
			return err
		}

		if !isContinue {
			return nil
		}
	}
}

// RunOnce enters the guest once and services the resulting exit. The
// handler runs to completion before the next entry, so the guest
// observes synchronous device semantics.
func (m *Machine) RunOnce() (bool, error) {
	if err := kvm.Run(m.vcpuFd); err != nil {
		return false, fmt.Errorf("%w: KVM_RUN: %v", ErrHostProtocol, err)
	}

	switch exit := kvm.ExitType(m.run.ExitReason); exit {
	case kvm.EXITIO:
		direction, size, port, count, offset := m.run.IO()
		f := m.ioportHandlers[port][direction]

		bytes := (*(*[100]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(m.run)) + uintptr(offset))))[0:size]

		for i := 0; i < int(count); i++ {
			if err := f(m, port, bytes); err != nil {
				return false, err
			}
		}

		return true, nil
	case kvm.EXITHLT:
		fmt.Println("KVM_EXIT_HLT")

		return false, nil
	case kvm.EXITSHUTDOWN:
		fmt.Println("Shutdown")

		return false, nil
	case kvm.EXITINTR:
		// A host signal interrupted the vcpu; just re-enter.
		return true, nil
	case kvm.EXITINTERNALERROR:
		suberror := m.run.InternalSuberror()
		fmt.Printf("KVM_EXIT_INTERNAL_ERROR: suberror %d\n", suberror)
		m.dumpFault()

		return false, fmt.Errorf("%w: suberror %d", kvm.ErrInternalError, suberror)
	default:
		fmt.Printf("Unknown exit reason %d\n", m.run.ExitReason)
		m.dumpFault()

		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit)
	}
}

// dumpFault reports the faulting register state, with the instruction
// at RIP disassembled when it is reachable in guest memory.
func (m *Machine) dumpFault() {
	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return
	}

	entry := mlog.WithFields(logrus.Fields{
		"guest":  m.id,
		"rip":    fmt.Sprintf("%#x", regs.RIP),
		"rsp":    fmt.Sprintf("%#x", regs.RSP),
		"rflags": fmt.Sprintf("%#x", regs.RFLAGS),
	})

	// x86 instructions are at most 15 bytes.
	const instMax = 16

	if phys := m.startAddr + regs.RIP; phys+instMax <= uint64(len(m.mem)) {
		if inst, derr := x86asm.Decode(m.mem[phys:phys+instMax], 64); derr == nil {
			entry = entry.WithField("inst", inst.String())
		}
	}

	entry.Error("guest fault")
}

func (m *Machine) initIOPortHandlers() {
	funcError := func(m *Machine, port uint64, bytes []byte) error {
		return fmt.Errorf("%w: unexpected io port %#x", kvm.ErrUnexpectedExitReason, port)
	}

	// default handler
	for port := 0; port < 0x10000; port++ {
		for dir := kvm.EXITIOIN; dir <= kvm.EXITIOOUT; dir++ {
			m.ioportHandlers[port][dir] = funcError
		}
	}

	m.ioportHandlers[debugcon.Port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
		return m.console.In(port, bytes)
	}
	m.ioportHandlers[debugcon.Port][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
		return m.console.Out(port, bytes)
	}

	m.ioportHandlers[fileport.Port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
		return m.files.In(port, bytes)
	}
	m.ioportHandlers[fileport.Port][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
		return m.files.Out(port, bytes)
	}
}

// Close unmaps the shared regions and closes the guest's fds. The
// process-wide VMM handle is not touched.
func (m *Machine) Close() {
	if m.runRaw != nil {
		if err := unix.Munmap(m.runRaw); err != nil {
			mlog.WithError(err).Warn("munmap vcpu shared region")
		}

		m.runRaw, m.run = nil, nil
	}

	if m.mem != nil {
		if err := unix.Munmap(m.mem); err != nil {
			mlog.WithError(err).Warn("munmap guest memory")
		}

		m.mem = nil
	}

	if m.vcpuFd != 0 {
		_ = unix.Close(int(m.vcpuFd))
		m.vcpuFd = 0
	}

	if m.vmFd != 0 {
		_ = unix.Close(int(m.vmFd))
		m.vmFd = 0
	}
}
