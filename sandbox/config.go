package sandbox

import "time"

// Default sizes mirror the teacher's pattern of defaulting zero-valued
// construction parameters (see the teacher's NewVirtualMachine, which
// defaults MemorySize/NumVCPUs when the caller passes zero) but here
// defaults apply only to the two overridable sizes; every other size
// is a hard required field per the Zero-size rejection invariant.
const (
	DefaultStackSize = 64 * 1024
	DefaultHeapSize  = 256 * 1024

	DefaultMaxExecutionTime          = 1000 * time.Millisecond
	DefaultMaxWaitForCancellation    = 100 * time.Millisecond
	DefaultInputDataSize             = 64 * 1024
	DefaultOutputDataSize            = 64 * 1024
	DefaultHostFunctionDefinitionSize = 32 * 1024
	DefaultHostExceptionSize         = 4 * 1024
	DefaultGuestErrorBufferSize      = 4 * 1024
	DefaultGuestPanicContextBufferSize = 4 * 1024
)

// SandboxConfiguration is a value type describing the buffer sizes and
// execution limits of a sandbox instance. Every size below is
// validated non-zero by NewSandboxConfiguration; this mirrors
// spec.md §3's "every size is non-zero" invariant.
type SandboxConfiguration struct {
	InputDataSize                 uint64
	OutputDataSize                uint64
	HostFunctionDefinitionSize    uint64
	HostExceptionSize             uint64
	GuestErrorBufferSize          uint64
	GuestPanicContextBufferSize   uint64

	// StackSizeOverride, when non-zero, replaces DefaultStackSize. The
	// guest binary's declared stack reserve is not consulted.
	StackSizeOverride uint64
	// HeapSizeOverride, when non-zero, replaces DefaultHeapSize. The
	// guest binary's declared heap reserve is not consulted.
	HeapSizeOverride uint64

	MaxExecutionTime       time.Duration
	MaxWaitForCancellation time.Duration

	// ExecutableHeap selects RWX over RW for the heap region (§4.1,
	// region 10). Defaults to false (W^X enforced).
	ExecutableHeap bool
}

// NewSandboxConfiguration builds a SandboxConfiguration, defaulting
// MaxExecutionTime/MaxWaitForCancellation when zero, and rejecting any
// required size that is zero with KindConfigurationRejected.
func NewSandboxConfiguration(cfg SandboxConfiguration) (SandboxConfiguration, error) {
	if cfg.MaxExecutionTime == 0 {
		cfg.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if cfg.MaxWaitForCancellation == 0 {
		cfg.MaxWaitForCancellation = DefaultMaxWaitForCancellation
	}

	required := map[string]uint64{
		"host_function_definition_size": cfg.HostFunctionDefinitionSize,
		"host_exception_size":           cfg.HostExceptionSize,
		"guest_error_buffer_size":       cfg.GuestErrorBufferSize,
		"input_data_size":               cfg.InputDataSize,
		"output_data_size":              cfg.OutputDataSize,
		"guest_panic_context_buffer_size": cfg.GuestPanicContextBufferSize,
	}
	for name, v := range required {
		if v == 0 {
			return SandboxConfiguration{}, newError(KindConfigurationRejected, "%s must be non-zero", name)
		}
	}
	return cfg, nil
}
