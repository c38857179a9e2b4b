// Package handler runs one goroutine per sandbox that owns the vCPU
// exclusively, serving requests over channels so no mutex is ever held
// across a blocking hypervisor ioctl -- the structural answer to the
// teacher's VCPU.Run's single-goroutine-owns-the-fd loop
// (core_engine/vcpu.go), generalised from a polling select over a
// stop channel and a ticker into a request/reply actor.
package handler

import (
	"sync/atomic"
	"time"

	"github.com/hyperlight-dev/hyperlight-go/sandbox/hypervisor"
)

// ActionKind tags a message sent to the handler goroutine.
type ActionKind int

const (
	ActionInitialise ActionKind = iota
	ActionDispatchCall
	ActionTerminate
)

// ToHandler is a request the controller sends to the handler
// goroutine (spec.md §4.4's "ToHandler" channel action).
type ToHandler struct {
	Kind ActionKind

	// Initialise fields.
	EntryPoint uint64
	PEBAddress uint64
	RSP        uint64

	// DispatchCall fields.
	DispatchFunctionAddr uint64
	CallRSP              uint64
}

// FromHandlerKind tags the handler's reply.
type FromHandlerKind int

const (
	FromHandlerFinished FromHandlerKind = iota
	FromHandlerError
)

// FromHandler is the handler goroutine's reply to a ToHandler request.
type FromHandler struct {
	Kind  FromHandlerKind
	Exit  hypervisor.Exit
	Err   error
}

// IOOutFunc services an IoOut exit inline, on the handler goroutine,
// before the vCPU is resumed -- the role the teacher's IOBus plays
// inside VCPU.Run's KVM_EXIT_IO case.
type IOOutFunc func(port uint16, payload byte) error

// Handler owns a Driver for the lifetime of one sandbox and serves
// ToHandler actions sent over In, replying on Out.
type Handler struct {
	driver hypervisor.Driver
	ioOut  IOOutFunc

	In  chan ToHandler
	Out chan FromHandler

	// tid is the OS thread id the handler goroutine locked itself to,
	// set once loop starts. The platform cancel implementation signals
	// this thread to interrupt a blocked hypervisor ioctl.
	tid int32
}

// New starts the handler goroutine and returns its channel pair.
func New(driver hypervisor.Driver, ioOut IOOutFunc) *Handler {
	h := &Handler{
		driver: driver,
		ioOut:  ioOut,
		In:     make(chan ToHandler),
		Out:    make(chan FromHandler),
	}
	started := make(chan struct{})
	go h.loop(started)
	<-started
	return h
}

func (h *Handler) loop(started chan struct{}) {
	lockToOSThread()
	atomic.StoreInt32(&h.tid, int32(currentThreadID()))
	close(started)

	for req := range h.In {
		switch req.Kind {
		case ActionInitialise:
			exit, err := h.runUntilHalt(func() (hypervisor.Exit, error) {
				return h.driver.Initialise(req.EntryPoint, req.PEBAddress, req.RSP)
			})
			h.reply(exit, err)
		case ActionDispatchCall:
			exit, err := h.runUntilHalt(func() (hypervisor.Exit, error) {
				return h.driver.DispatchCallFromHost(req.DispatchFunctionAddr, req.CallRSP)
			})
			h.reply(exit, err)
		case ActionTerminate:
			_ = h.driver.Close()
			return
		}
	}
}

// runUntilHalt drives first with the given entry call, then resumes
// the driver on every IoOut exit after servicing it, until Halt,
// Cancelled, or a terminal exit/error (spec.md §4.4's run loop:
// "traps on I/O-port writes ... which E relays back to the host and
// then resumes; on HLT, E signals completion").
func (h *Handler) runUntilHalt(first func() (hypervisor.Exit, error)) (hypervisor.Exit, error) {
	exit, err := first()
	if err != nil {
		return exit, err
	}
	for {
		switch exit.Reason {
		case hypervisor.ExitHalt, hypervisor.ExitCancelled,
			hypervisor.ExitExecutionAccessViolation, hypervisor.ExitGuardPageViolation,
			hypervisor.ExitMmio, hypervisor.ExitUnknown:
			return exit, nil
		case hypervisor.ExitIoOut:
			var payload byte
			if len(exit.Data) > 0 {
				payload = exit.Data[0]
			}
			if ioErr := h.ioOut(exit.Port, payload); ioErr != nil {
				return exit, ioErr
			}
			exit, err = h.driver.Run()
			if err != nil {
				return exit, err
			}
		default:
			return exit, nil
		}
	}
}

func (h *Handler) reply(exit hypervisor.Exit, err error) {
	if err != nil {
		h.Out <- FromHandler{Kind: FromHandlerError, Err: err}
		return
	}
	h.Out <- FromHandler{Kind: FromHandlerFinished, Exit: exit}
}

// RequestCancel asks the driver to cancel the in-flight run and, on
// Linux, re-signals the handler's thread for the whole of maxWait. It
// does not wait for the handler to acknowledge; the handler's reply to
// the cancelled action arrives on Out.
func (h *Handler) RequestCancel(maxWait time.Duration) error {
	if err := h.driver.Cancel(); err != nil {
		return err
	}
	interruptBlockedRun(int(atomic.LoadInt32(&h.tid)), maxWait)
	return nil
}

// Close tells the handler goroutine to stop and release its driver.
func (h *Handler) Close() {
	h.In <- ToHandler{Kind: ActionTerminate}
}
