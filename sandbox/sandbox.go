package sandbox

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hyperlight-dev/hyperlight-go/sandbox/handler"
	"github.com/hyperlight-dev/hyperlight-go/sandbox/hypervisor"
	"github.com/hyperlight-dev/hyperlight-go/sandbox/pe"
	"github.com/hyperlight-dev/hyperlight-go/sandbox/ports"
)

// GuestReturnType is the caller-declared expected return type of a
// Call, checked against the guest's actual result (spec.md §3, §4.5).
type GuestReturnType = ReturnType

// Sandbox is the top-level handle a caller drives: it owns the guest's
// shared memory, hypervisor driver, and handler goroutine, and
// enforces the Uninitialised -> {MultiUse|SingleUse} -> CallContext
// state machine (spec.md §4.6). It is the structural descendant of
// the teacher's VirtualMachine (core_engine/virtual_machine.go), with
// the device table specialised to the three sandbox I/O ports and the
// register/paging setup specialised to 64-bit long mode.
type Sandbox struct {
	id uuid.UUID

	cfg    SandboxConfiguration
	mem    *SharedMemory
	layout *MemoryLayout
	driver hypervisor.Driver
	hdl    *handler.Handler

	bus         *ports.Bus
	registry    *HostFunctionRegistry
	logDev      *logDevice
	hostCallDev *hostCallDevice
	abortDev    *abortDevice

	log *logrus.Entry

	state            State
	dispatchFuncAddr uint64
	lastCallDuration time.Duration

	// initEntryPoint/initPEBAddress/initRSP are the arguments the
	// original Initialise used, kept so a cancelled call can
	// re-initialise the vCPU from scratch (spec.md §4.3.2).
	initEntryPoint uint64
	initPEBAddress uint64
	initRSP        uint64

	// singleUseConsumed guards SingleUse against a second call after
	// its one permitted invocation (spec.md §4.6's SingleUse rule).
	singleUseConsumed bool
}

// Option configures a Sandbox at construction time.
type Option func(*sandboxOptions)

type sandboxOptions struct {
	multiUse bool
	logger   *logrus.Logger
}

// WithMultiUse selects the MultiUse state over the SingleUse default.
func WithMultiUse() Option {
	return func(o *sandboxOptions) { o.multiUse = true }
}

// WithLogger overrides the default logrus.Logger used for guest log
// relay and lifecycle diagnostics.
func WithLogger(l *logrus.Logger) Option {
	return func(o *sandboxOptions) { o.logger = l }
}

// NewSandbox loads guestBinary, lays out and maps its shared memory,
// opens a hypervisor driver, and drives the guest's init pass to
// completion, leaving the sandbox in MultiUse or SingleUse state ready
// for Call (spec.md §4.4 "Initialise", §4.6).
func NewSandbox(guestBinary []byte, cfg SandboxConfiguration, registry *HostFunctionRegistry, opts ...Option) (*Sandbox, error) {
	options := sandboxOptions{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&options)
	}

	cfg, err := NewSandboxConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewHostFunctionRegistry()
	}

	codeSize, err := pe.ImageSize(guestBinary)
	if err != nil {
		return nil, wrapError(KindConfigurationRejected, err, "inspecting guest binary")
	}

	layout, err := NewMemoryLayout(cfg, codeSize, 0, 0)
	if err != nil {
		return nil, err
	}

	image, err := pe.Load(guestBinary, layout.CodeAddress())
	if err != nil {
		return nil, wrapError(KindConfigurationRejected, err, "loading guest binary")
	}

	total, err := layout.TotalSize()
	if err != nil {
		return nil, err
	}
	mem, err := NewSharedMemory(total)
	if err != nil {
		return nil, err
	}

	if err := BuildPageTables(mem, layout); err != nil {
		mem.Release()
		return nil, err
	}
	if err := mem.CopyFromSlice(image.Bytes, layout.guestCodeOffset); err != nil {
		mem.Release()
		return nil, err
	}
	if err := WritePEB(mem, layout); err != nil {
		mem.Release()
		return nil, err
	}

	id := uuid.New()
	log := options.logger.WithFields(logrus.Fields{"sandbox_id": id.String()})

	bus := ports.NewBus(log)
	logDev := newLogDevice(mem, layout.OutputDataOffset(), log)
	hostCallDev := newHostCallDevice(mem, layout, registry, log)
	abortDev := newAbortDevice(mem, layout)
	bus.Register(ports.LogPort, logDev)
	bus.Register(ports.HostCallPort, hostCallDev)
	bus.Register(ports.AbortPort, abortDev)

	driver, err := hypervisor.Open(hypervisor.Config{
		MaxExecutionTime:       cfg.MaxExecutionTime,
		MaxWaitForCancellation: cfg.MaxWaitForCancellation,
	})
	if err != nil {
		mem.Release()
		if hypervisor.IsNoHypervisorFound(err) {
			return nil, newError(KindNoHypervisorFound, "%v", err)
		}
		return nil, wrapError(KindHypervisorAPIUnstable, err, "opening hypervisor driver")
	}

	for _, region := range layout.Regions() {
		writable := region.Flags&RegionWrite != 0
		executable := region.Flags&RegionExecute != 0
		hostAddr := mem.BaseAddr() + uintptr(region.GuestOffset)
		if err := driver.MapMemory(region.GuestAddr(), hostAddr, region.Length, writable, executable); err != nil {
			driver.Close()
			mem.Release()
			return nil, wrapError(KindHypervisorAPIUnstable, err, "mapping region %s", region.Kind)
		}
	}

	sb := &Sandbox{
		id:          id,
		cfg:         cfg,
		mem:         mem,
		layout:      layout,
		driver:      driver,
		bus:         bus,
		registry:    registry,
		logDev:      logDev,
		hostCallDev: hostCallDev,
		abortDev:    abortDev,
		log:         log,
		state:       StateUninitialised,
	}
	sb.hdl = handler.New(driver, sb.handleIOOut)

	entryPoint := layout.CodeAddress() + image.EntryPointOffset
	sb.initEntryPoint = entryPoint
	sb.initPEBAddress = layout.PEBAddress()
	sb.initRSP = layout.StackTopAddress()
	exit, err := sb.runAndWait(handler.ToHandler{
		Kind:       handler.ActionInitialise,
		EntryPoint: sb.initEntryPoint,
		PEBAddress: sb.initPEBAddress,
		RSP:        sb.initRSP,
	})
	if err != nil {
		sb.Close()
		return nil, err
	}
	if exit.Reason != hypervisor.ExitHalt {
		sb.Close()
		return nil, newError(KindGuestPanic, "guest init pass did not halt (exit=%s)", exit.Reason)
	}

	peb, err := ReadPEB(mem, layout)
	if err != nil {
		sb.Close()
		return nil, err
	}
	sb.dispatchFuncAddr = peb.GuestDispatchFunctionPtr

	if options.multiUse {
		sb.state = StateMultiUse
	} else {
		sb.state = StateSingleUse
	}
	return sb, nil
}

// handleIOOut services one IoOut exit inline on the handler goroutine,
// before the vCPU is resumed (spec.md §5).
func (s *Sandbox) handleIOOut(port uint16, payload byte) error {
	return s.bus.Dispatch(port, payload)
}

// runAndWait sends req to the handler and blocks for its reply,
// enforcing MaxExecutionTime by requesting cancellation if the
// handler doesn't reply in time (spec.md §4.6).
func (s *Sandbox) runAndWait(req handler.ToHandler) (hypervisor.Exit, error) {
	s.hdl.In <- req
	select {
	case reply := <-s.hdl.Out:
		if reply.Kind == handler.FromHandlerError {
			return hypervisor.Exit{}, wrapError(KindHandlerCommunicationFailure, reply.Err, "handler run failed")
		}
		return reply.Exit, nil
	case <-time.After(s.cfg.MaxExecutionTime):
		if err := s.hdl.RequestCancel(s.cfg.MaxWaitForCancellation); err != nil {
			return hypervisor.Exit{}, wrapError(KindHandlerCommunicationFailure, err, "requesting cancellation")
		}
		select {
		case reply := <-s.hdl.Out:
			if reply.Kind == handler.FromHandlerFinished && reply.Exit.Reason != hypervisor.ExitCancelled {
				return hypervisor.Exit{}, newError(KindCancelAttemptOnFinishedExecution, "call finished before cancellation took effect")
			}
			return hypervisor.Exit{}, newError(KindExecutionCanceledByHost, "execution exceeded max_execution_time")
		case <-time.After(s.cfg.MaxWaitForCancellation):
			return hypervisor.Exit{}, newError(KindHandlerMessageReceiveTimedOut, "handler did not acknowledge cancellation")
		}
	}
}

// reinitialise re-runs the guest's init pass after a cancelled call,
// since register state and in-flight guest bookkeeping are unreliable
// once a run has been interrupted mid-flight (spec.md §4.3.2: "the
// sandbox must ... re-initialise the vCPU").
func (s *Sandbox) reinitialise() error {
	exit, err := s.runAndWait(handler.ToHandler{
		Kind:       handler.ActionInitialise,
		EntryPoint: s.initEntryPoint,
		PEBAddress: s.initPEBAddress,
		RSP:        s.initRSP,
	})
	if err != nil {
		return err
	}
	if exit.Reason != hypervisor.ExitHalt {
		return newError(KindGuestPanic, "guest re-init pass did not halt (exit=%s)", exit.Reason)
	}
	return nil
}

// Call invokes a guest function by name, restoring the pre-call memory
// snapshot on any failure (spec.md §4.5 "Error path"). A SingleUse
// sandbox permits exactly one Call; a MultiUse sandbox permits any
// number.
func (s *Sandbox) Call(name string, returnType GuestReturnType, params []Parameter) (FunctionCallResult, error) {
	if s.state != StateMultiUse && s.state != StateSingleUse {
		return FunctionCallResult{}, newError(KindConfigurationRejected, "call on sandbox in state %s", s.state)
	}
	if s.state == StateSingleUse {
		if s.singleUseConsumed {
			return FunctionCallResult{}, newError(KindConfigurationRejected, "single-use sandbox already consumed")
		}
		s.singleUseConsumed = true
	}

	return s.callWithSnapshot(name, returnType, params)
}

// callWithSnapshot wraps callTimed with the snapshot-and-restore-on-
// error behaviour a standalone Call gets (spec.md §4.5 "Error path").
// CallContext.Call does not use this: it shares one snapshot across
// its whole batch instead (spec.md §4.6).
func (s *Sandbox) callWithSnapshot(name string, returnType GuestReturnType, params []Parameter) (FunctionCallResult, error) {
	snapshot := TakeSnapshot(s.mem)

	result, err := s.callTimed(name, returnType, params)

	if err != nil {
		// A cancelled call already restored its own pre-call snapshot
		// and re-initialised the vCPU inside callOnce; redoing it here
		// against an earlier snapshot would stomp that re-init.
		if KindOf(err) == KindExecutionCanceledByHost {
			return FunctionCallResult{}, err
		}
		if restoreErr := snapshot.Restore(s.mem); restoreErr != nil {
			return FunctionCallResult{}, wrapError(KindIOFailure, restoreErr, "restoring snapshot after failed call")
		}
		return FunctionCallResult{}, err
	}
	return result, nil
}

// callTimed runs callOnce and records LastCallDuration.
func (s *Sandbox) callTimed(name string, returnType GuestReturnType, params []Parameter) (FunctionCallResult, error) {
	start := time.Now()
	result, err := s.callOnce(name, returnType, params)
	s.lastCallDuration = time.Since(start)
	return result, err
}

func (s *Sandbox) callOnce(name string, returnType GuestReturnType, params []Parameter) (FunctionCallResult, error) {
	call := FunctionCall{FunctionName: name, Parameters: params, CallType: CallTypeGuest}
	encoded, err := EncodeFunctionCall(call, s.cfg.InputDataSize)
	if err != nil {
		return FunctionCallResult{}, err
	}
	if err := s.mem.CopyFromSlice(encoded, s.layout.InputDataOffset()); err != nil {
		return FunctionCallResult{}, err
	}

	preCall := TakeSnapshot(s.mem)

	exit, err := s.runAndWait(handler.ToHandler{
		Kind:                 handler.ActionDispatchCall,
		DispatchFunctionAddr: s.dispatchFuncAddr,
		CallRSP:              s.layout.StackTopAddress(),
	})
	if err != nil {
		if KindOf(err) == KindExecutionCanceledByHost {
			if restoreErr := preCall.Restore(s.mem); restoreErr != nil {
				return FunctionCallResult{}, wrapError(KindIOFailure, restoreErr, "restoring snapshot after cancellation")
			}
			if reinitErr := s.reinitialise(); reinitErr != nil {
				return FunctionCallResult{}, wrapError(KindHandlerCommunicationFailure, reinitErr, "re-initialising vCPU after cancellation")
			}
		}
		return FunctionCallResult{}, err
	}

	if abortErr, aborted := s.abortDev.takeAbort(); aborted {
		return FunctionCallResult{}, abortErr
	}

	switch exit.Reason {
	case hypervisor.ExitHalt:
	case hypervisor.ExitGuardPageViolation:
		return FunctionCallResult{}, newError(KindStackOverflow, "guest stack overflowed into the guard page")
	case hypervisor.ExitExecutionAccessViolation:
		return FunctionCallResult{}, s.classifyExecutionViolation(exit.GPA)
	case hypervisor.ExitMmio:
		return FunctionCallResult{}, newError(KindMemoryAccessOutOfBounds, "guest accessed unmapped address 0x%x", exit.GPA)
	default:
		return FunctionCallResult{}, newError(KindGuestPanic, "unexpected exit during call: %s", exit.Reason)
	}

	outputBuf, err := s.mem.ReadBytes(s.layout.OutputDataOffset(), s.cfg.OutputDataSize)
	if err != nil {
		return FunctionCallResult{}, err
	}
	result, err := DecodeFunctionCallResult(outputBuf)
	if err != nil {
		return FunctionCallResult{}, err
	}
	if err := ValidateResultCallType(result, CallTypeGuest); err != nil {
		return FunctionCallResult{}, err
	}
	if result.IsError {
		return FunctionCallResult{}, &Error{Kind: result.ErrorKind, Message: result.ErrorMessage}
	}
	if result.ReturnType != returnType {
		return FunctionCallResult{}, newError(KindGuestFunctionParameterTypeMismatch, "expected return type %d, got %d", returnType, result.ReturnType)
	}
	return result, nil
}

// classifyExecutionViolation distinguishes a guest stack overflow
// (execution faulted inside the guard page) from a genuine attempt to
// execute a non-executable page elsewhere in guest memory (spec.md
// §4.3.1: "ExecutionAccessViolation(gpa) -> fail with StackOverflow if
// gpa is in the guard-page region, else ExecutionNX").
func (s *Sandbox) classifyExecutionViolation(gpa uint64) error {
	if gpa >= BaseAddress {
		if region, ok := s.layout.RegionContaining(gpa - BaseAddress); ok && region.Kind == RegionGuardPage {
			return newError(KindStackOverflow, "guest executed into the guard page at 0x%x", gpa)
		}
	}
	return newError(KindExecutionNX, "guest executed a non-executable page at 0x%x", gpa)
}

// LastCallDuration returns how long the most recent Call took, start
// to reply, including any cancellation wait.
func (s *Sandbox) LastCallDuration() time.Duration { return s.lastCallDuration }

// CallContext is a MultiUse sandbox evolved for a bounded run of calls
// sharing one uninterrupted borrow (spec.md §4.6): it takes a single
// snapshot on entry, batches any number of calls against it with no
// snapshot/restore between them, and restores that one snapshot when
// released, undoing the whole batch at once.
type CallContext struct {
	sb       *Sandbox
	snapshot *Snapshot
}

// NewCallContext evolves a MultiUse sandbox into a CallContext and
// takes the snapshot its eventual Release will restore. The sandbox is
// unusable for direct Call until the context is Released.
func (s *Sandbox) NewCallContext() (*CallContext, error) {
	if s.state != StateMultiUse {
		return nil, newError(KindConfigurationRejected, "new_call_context requires MultiUse state, got %s", s.state)
	}
	s.state = StateCallContext
	return &CallContext{sb: s, snapshot: TakeSnapshot(s.mem)}, nil
}

// Call runs a guest function without a per-call snapshot or restore:
// the whole batch is undone together when the context is Released
// (spec.md §4.6 "batches calls without snapshot/restore between
// them").
func (c *CallContext) Call(name string, returnType GuestReturnType, params []Parameter) (FunctionCallResult, error) {
	return c.sb.callTimed(name, returnType, params)
}

// Release restores the snapshot taken on entry and evolves the
// sandbox back to MultiUse (spec.md §4.6 "terminal drop restores the
// snapshot taken on entry").
func (c *CallContext) Release() error {
	c.sb.state = StateMultiUse
	return c.snapshot.Restore(c.sb.mem)
}

// Close releases the hypervisor driver and shared memory. Further use
// of the Sandbox after Close is undefined.
func (s *Sandbox) Close() error {
	if s.hdl != nil {
		s.hdl.Close()
	}
	return s.mem.Release()
}
