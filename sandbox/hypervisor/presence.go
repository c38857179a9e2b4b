package hypervisor

import "fmt"

type unimplementedBackendError struct{ name string }

func (e unimplementedBackendError) Error() string {
	return fmt.Sprintf("%s hypervisor backend has no driver implementation on this platform", e.name)
}

func errUnimplementedBackend(name string) error { return unimplementedBackendError{name} }

// BackendKind names an available hypervisor backend, in the priority
// order Open tries them (spec.md §4.3: "the first available capable
// backend wins").
type BackendKind int

const (
	BackendKVM BackendKind = iota
	BackendMSHV
	BackendWHP
)

func (k BackendKind) String() string {
	switch k {
	case BackendKVM:
		return "kvm"
	case BackendMSHV:
		return "mshv"
	case BackendWHP:
		return "whp"
	default:
		return "unknown"
	}
}

// The platform-specific build-tagged files (kvm_linux.go, mshv_linux.go,
// whp_windows.go) overwrite these via init() with their real presence
// check and constructor; on a platform where a backend doesn't apply
// the default here (always absent) keeps Open's fixed try-order free
// of build tags.
var (
	kvmIsPresent  = func() bool { return false }
	newKVMDriver  = func(cfg Config) (Driver, error) { return nil, errUnimplementedBackend("kvm") }
	mshvIsPresent = func() bool { return false }
	newMSHVDriver = func(cfg Config) (Driver, error) { return nil, errUnimplementedBackend("mshv") }
	whpIsPresent  = func() bool { return false }
	newWHPDriver  = func(cfg Config) (Driver, error) { return nil, errUnimplementedBackend("whp") }
)

// Open probes backends in priority order (KVM, MSHV, WHP) and returns
// the first one present on this host, mirroring the real runtime's
// layered fallback (spec.md §9's NoHypervisorFound surfaces only once
// every backend has been tried).
func Open(cfg Config) (Driver, error) {
	if kvmIsPresent() {
		return newKVMDriver(cfg)
	}
	if mshvIsPresent() {
		return newMSHVDriver(cfg)
	}
	if whpIsPresent() {
		return newWHPDriver(cfg)
	}
	return nil, noHypervisorFoundError{}
}

type noHypervisorFoundError struct{}

func (noHypervisorFoundError) Error() string { return "no usable hypervisor backend found" }

// IsNoHypervisorFound reports whether err is the sentinel Open returns
// when no backend is present, so callers can map it to
// sandbox.KindNoHypervisorFound without this package depending on the
// sandbox package's error taxonomy.
func IsNoHypervisorFound(err error) bool {
	_, ok := err.(noHypervisorFoundError)
	return ok
}
