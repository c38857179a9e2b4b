//go:build linux

package hypervisor

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request codes. The teacher's core_engine/hypervisor/kvm.go
// computes these from hand-rolled bit shifts and labels them
// "placeholder values, you'll need the actual constants" -- here they
// are the real values for the host architecture, as used in practice
// (cross-checked against a known-good Go KVM binding).
const (
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMMapSize     = 44548
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 1075883590
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type kvmSegment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type, Present, DPL, DB, S, L, G, AVL uint8
	_                              uint8
}

type kvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type kvmSregs struct {
	CS, DS, ES, FS, GS, SS kvmSegment
	TR, LDT                kvmSegment
	GDT, IDT               kvmDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

// kvmRunShared mirrors the leading header of the kernel's `struct
// kvm_run`, up to and including the exit reason discriminant at byte
// offset 8. The exit union (io and mmio members, at ioExitOffset) is
// not part of it: decodeExit addresses the reason and the union by raw
// offset into runMem, since Go cannot express the kernel's union.
type kvmRunShared struct {
	RequestInterruptWindow uint8
	_                      [7]byte
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                 uint8
	_                      [2]byte
}

const (
	kvmExitUnknown  = 0
	kvmExitIO       = 2
	kvmExitHlt      = 5
	kvmExitMmio     = 6
	kvmExitShutdown = 8
)

// ioExitOffset is the byte offset of the io-exit sub-struct within
// struct kvm_run on x86-64, past the common header fields.
const ioExitOffset = 32

type kvmIOExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

const (
	kvmExitIODirIn  = 0
	kvmExitIODirOut = 1
)

// kvmMmioExit mirrors the mmio member of the kvm_run exit union, which
// shares the same offset as the io-exit sub-struct (they are mutually
// exclusive, as only one exit reason is active at a time).
type kvmMmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// KVMDriver implements Driver against /dev/kvm, grounded on the
// teacher's VirtualMachine/vCPU split (core_engine/virtual_machine.go,
// core_engine/vcpu.go) but restructured around the Driver interface
// and a single vCPU per sandbox (spec.md never runs more than one).
type KVMDriver struct {
	kvmFD, vmFD, vcpuFD int
	runSize             int
	runMem              []byte

	cancelRequested int32
	cfg             Config
}

func init() {
	kvmIsPresent = KVMIsPresent
	newKVMDriver = func(cfg Config) (Driver, error) { return NewKVMDriver(cfg) }
}

// KVMIsPresent reports whether /dev/kvm exists and is usable,
// grounded on the teacher's implicit assumption (it opens /dev/kvm
// unconditionally in NewVirtualMachine) but made an explicit,
// non-fatal probe per spec.md §9's NoHypervisorFound path.
func KVMIsPresent() bool {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// NewKVMDriver opens /dev/kvm, creates a VM and a single vCPU, and
// maps the kvm_run shared page, mirroring NewVirtualMachine's
// constructor sequence.
func NewKVMDriver(cfg Config) (*KVMDriver, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	kvmFD := int(f.Fd())

	vmFD, err := ioctl(kvmFD, kvmCreateVM, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	vcpuFD, err := ioctl(int(vmFD), kvmCreateVCPU, 0)
	if err != nil {
		return nil, err
	}

	runSize, err := ioctl(kvmFD, kvmGetVCPUMMapSize, 0)
	if err != nil {
		return nil, err
	}

	runMem, err := unix.Mmap(int(vcpuFD), 0, int(runSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	return &KVMDriver{
		kvmFD:   kvmFD,
		vmFD:    int(vmFD),
		vcpuFD:  int(vcpuFD),
		runSize: int(runSize),
		runMem:  runMem,
		cfg:     cfg,
	}, nil
}

func (d *KVMDriver) MapMemory(guestPhysAddr uint64, hostAddr uintptr, length uint64, writable, executable bool) error {
	_ = executable // KVM slots carry no execute bit; NX is enforced via page tables
	flags := uint32(0)
	if !writable {
		flags = 1 << 0 // KVM_MEM_READONLY
	}
	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         flags,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    length,
		UserspaceAddr: uint64(hostAddr),
	}
	_, err := ioctl(d.vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	return err
}

func toKVMSegment(s Segment) kvmSegment {
	return kvmSegment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL,
		DB: s.DB, S: s.S, L: s.L, G: s.G, AVL: s.AVL,
	}
}

func (d *KVMDriver) SetRegisters(regs Regs, sregs SRegs) error {
	kr := kvmRegs{
		RAX: regs.RAX, RBX: regs.RBX, RCX: regs.RCX, RDX: regs.RDX,
		RSI: regs.RSI, RDI: regs.RDI, RSP: regs.RSP, RBP: regs.RBP,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		RIP: regs.RIP, RFLAGS: regs.RFLAGS,
	}
	if _, err := ioctl(d.vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(&kr))); err != nil {
		return err
	}

	ks := kvmSregs{
		CS: toKVMSegment(sregs.CS), DS: toKVMSegment(sregs.DS),
		ES: toKVMSegment(sregs.ES), FS: toKVMSegment(sregs.FS),
		GS: toKVMSegment(sregs.GS), SS: toKVMSegment(sregs.SS),
		CR0: sregs.CR0, CR2: sregs.CR2, CR3: sregs.CR3, CR4: sregs.CR4,
		EFER: sregs.EFER,
	}
	_, err := ioctl(d.vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(&ks)))
	return err
}

func (d *KVMDriver) Initialise(entryPoint, pebAddress, rsp uint64) (Exit, error) {
	atomic.StoreInt32(&d.cancelRequested, 0)
	regs := Regs{RIP: entryPoint, RSP: rsp, RCX: pebAddress, RFLAGS: 0x2}
	sregs := SRegs{
		CS:   DecodeLongModeCodeSegment(),
		DS:   FlatDataSegment(),
		ES:   FlatDataSegment(),
		FS:   FlatDataSegment(),
		GS:   FlatDataSegment(),
		SS:   FlatDataSegment(),
		CR0:  CR0PE | CR0PG,
		CR4:  CR4PAE,
		EFER: EFERLME | EFERLMA,
	}
	if err := d.SetRegisters(regs, sregs); err != nil {
		return Exit{}, err
	}
	return d.Run()
}

func (d *KVMDriver) DispatchCallFromHost(dispatchFunctionAddr, rsp uint64) (Exit, error) {
	atomic.StoreInt32(&d.cancelRequested, 0)
	var regs kvmRegs
	if _, err := ioctl(d.vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return Exit{}, err
	}
	regs.RIP = dispatchFunctionAddr
	regs.RSP = rsp
	if _, err := ioctl(d.vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return Exit{}, err
	}
	return d.Run()
}

func (d *KVMDriver) Run() (Exit, error) {
	if atomic.LoadInt32(&d.cancelRequested) != 0 {
		return Exit{Reason: ExitCancelled}, nil
	}
	_, err := ioctl(d.vcpuFD, kvmRun, 0)
	if err != nil {
		if err == unix.EINTR {
			atomic.StoreInt32(&d.cancelRequested, 0)
			return Exit{Reason: ExitCancelled}, nil
		}
		return Exit{}, err
	}
	return d.decodeExit(), nil
}

func (d *KVMDriver) decodeExit() Exit {
	reason := *(*uint32)(unsafe.Pointer(&d.runMem[8]))
	switch reason {
	case kvmExitHlt:
		return Exit{Reason: ExitHalt}
	case kvmExitIO:
		io := (*kvmIOExit)(unsafe.Pointer(&d.runMem[ioExitOffset]))
		if io.Direction != kvmExitIODirOut {
			return Exit{Reason: ExitUnknown, UnknownHwReason: uint64(reason)}
		}
		size := int(io.Size)
		data := make([]byte, size)
		copy(data, d.runMem[io.DataOffset:uint64(io.DataOffset)+uint64(size)])
		return Exit{Reason: ExitIoOut, Port: io.Port, Data: data}
	case kvmExitMmio:
		mmio := (*kvmMmioExit)(unsafe.Pointer(&d.runMem[ioExitOffset]))
		return Exit{Reason: ExitMmio, GPA: mmio.PhysAddr, Writable: mmio.IsWrite != 0}
	case kvmExitShutdown:
		return Exit{Reason: ExitExecutionAccessViolation, GPA: d.lastFaultGPA()}
	default:
		return Exit{Reason: ExitUnknown, UnknownHwReason: uint64(reason)}
	}
}

// lastFaultGPA recovers the faulting address behind a KVM_EXIT_SHUTDOWN
// (an unhandled guest page fault escalating to a triple fault): CR2
// holds the linear address of the last page fault, and this driver's
// guest memory is identity-mapped (spec.md §4.1), so CR2 and the
// guest-physical address coincide.
func (d *KVMDriver) lastFaultGPA() uint64 {
	var sregs kvmSregs
	if _, err := ioctl(d.vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return 0
	}
	return sregs.CR2
}

// Cancel sets the termination-requested flag, which Run checks before
// entering KVM_RUN and Initialise/DispatchCallFromHost clear. Unblocking
// a KVM_RUN already in progress (it returns EINTR) is the job of the
// signal delivery loop in the handler package (cancel_linux.go), which
// owns the OS thread id; Cancel itself sends no signal.
func (d *KVMDriver) Cancel() error {
	atomic.StoreInt32(&d.cancelRequested, 1)
	return nil
}

func (d *KVMDriver) Close() error {
	_ = unix.Munmap(d.runMem)
	unix.Close(d.vcpuFD)
	unix.Close(d.vmFD)
	unix.Close(d.kvmFD)
	return nil
}
