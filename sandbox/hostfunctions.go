package sandbox

import "github.com/sirupsen/logrus"

// HostFunction is a host-implemented function the guest may invoke by
// name through the HOST_CALL_PORT protocol (spec.md §4.5, §5).
type HostFunction func(params []Parameter) (FunctionCallResult, error)

// HostFunctionRegistry maps guest-visible function names to their Go
// implementations. A sandbox's registry is fixed before it is
// initialised; there is no support for registering functions after
// the first call, matching the teacher's pattern of finalising device
// tables before the VM starts running (virtual_machine.go builds its
// IOBus once, in NewVirtualMachine).
type HostFunctionRegistry struct {
	functions map[string]HostFunction
}

func NewHostFunctionRegistry() *HostFunctionRegistry {
	return &HostFunctionRegistry{functions: make(map[string]HostFunction)}
}

func (r *HostFunctionRegistry) Register(name string, fn HostFunction) {
	r.functions[name] = fn
}

func (r *HostFunctionRegistry) lookup(name string) (HostFunction, bool) {
	fn, ok := r.functions[name]
	return fn, ok
}

// hostCallDevice implements ports.Device for HOST_CALL_PORT: it reads
// a FunctionCall from the output buffer, dispatches it to a
// registered HostFunction, and writes the FunctionCallResult back
// into the input buffer (spec.md §5, "the host trap handler ... reads
// the host call, dispatches ... serializes the result back into the
// input buffer").
type hostCallDevice struct {
	mem      *SharedMemory
	layout   *MemoryLayout
	registry *HostFunctionRegistry
	log      *logrus.Entry
}

func newHostCallDevice(mem *SharedMemory, layout *MemoryLayout, registry *HostFunctionRegistry, log *logrus.Entry) *hostCallDevice {
	return &hostCallDevice{mem: mem, layout: layout, registry: registry, log: log}
}

func (d *hostCallDevice) HandleOut(payload byte) error {
	_ = payload
	frameBuf, err := d.mem.ReadBytes(d.layout.OutputDataOffset(), d.layout.cfg.OutputDataSize)
	if err != nil {
		return err
	}
	call, err := DecodeFunctionCall(frameBuf)
	if err != nil {
		return err
	}
	if call.CallType != CallTypeHost {
		return newError(KindFlatbufferValidation, "expected host call_type on HOST_CALL_PORT, got %d", call.CallType)
	}

	fn, ok := d.registry.lookup(call.FunctionName)
	if !ok {
		result := ResultError(KindGuestFunctionNotFound, "no host function registered: "+call.FunctionName, CallTypeHost)
		return d.writeResult(result)
	}

	result, err := fn(call.Parameters)
	if err != nil {
		if sErr, ok2 := err.(*Error); ok2 {
			result = ResultError(sErr.Kind, sErr.Message, CallTypeHost)
		} else {
			result = ResultError(KindIOFailure, err.Error(), CallTypeHost)
		}
	} else {
		result.CallType = CallTypeHost
	}
	return d.writeResult(result)
}

func (d *hostCallDevice) writeResult(result FunctionCallResult) error {
	encoded, err := EncodeFunctionCallResult(result, d.layout.cfg.InputDataSize)
	if err != nil {
		return err
	}
	return d.mem.CopyFromSlice(encoded, d.layout.InputDataOffset())
}
