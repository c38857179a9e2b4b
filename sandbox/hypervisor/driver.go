// Package hypervisor abstracts over the host virtualization backends
// (KVM, MSHV, WHP) behind a single capability interface, the way the
// teacher's core_engine/hypervisor package wraps raw KVM ioctls behind
// VirtualMachine -- except here the wrapping goes one level further,
// to a tagged-variant Driver rather than a single concrete backend.
package hypervisor

import "time"

// Driver is the uniform operation set spec.md §4.3 requires every
// hypervisor back-end to implement: map guest memory once, seed
// initial register state, run until an Exit, and support
// out-of-band cancellation of an in-flight run.
type Driver interface {
	// MapMemory registers a single guest-physical range backed by the
	// given host virtual address. Called once per SharedMemory region
	// at sandbox construction (there is no support for unmapping or
	// remapping after initialise).
	MapMemory(guestPhysAddr uint64, hostAddr uintptr, length uint64, writable, executable bool) error

	// SetRegisters installs general-purpose and segment/control
	// register state; Initialise uses it for the first run.
	// DispatchCallFromHost does not go through it and rewrites only
	// RIP and RSP.
	SetRegisters(regs Regs, sregs SRegs) error

	// Initialise performs the one-time vCPU bring-up: entry point,
	// PEB pointer, and initial stack, then runs until the first Exit.
	// The caller resumes it with Run until the guest halts
	// (spec.md §4.4's "Initialise").
	Initialise(entryPoint, pebAddress, rsp uint64) (Exit, error)

	// DispatchCallFromHost resets RIP to the guest's dispatch function
	// and RSP to the initial stack top, then runs until the next Exit.
	DispatchCallFromHost(dispatchFunctionAddr, rsp uint64) (Exit, error)

	// Run resumes the vCPU (used after handling a HyperlightExit that
	// requires host-side action but not a register reset, e.g. an IoOut
	// serviced out of band).
	Run() (Exit, error)

	// Cancel requests termination of an in-flight Run/Initialise/
	// DispatchCallFromHost on another goroutine. Implementations must
	// be safe to call concurrently with those methods exactly once.
	Cancel() error

	// Close releases the vCPU and VM file descriptors/handles.
	Close() error
}

// Config is the subset of SandboxConfiguration the driver layer needs
// to bound how long it waits for a run to notice a cancellation
// request before giving up (spec.md §4.6).
type Config struct {
	MaxExecutionTime       time.Duration
	MaxWaitForCancellation time.Duration
}
