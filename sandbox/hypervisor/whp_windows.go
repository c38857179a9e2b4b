//go:build windows

package hypervisor

import "golang.org/x/sys/windows"

// WHPDriver targets the Windows Hypervisor Platform API
// (WinHvPlatform.dll). Cancellation there uses
// WHvCancelRunVirtualProcessor rather than a POSIX signal, which is
// why Driver.Cancel is implemented per-backend instead of uniformly
// in the handler package.
type WHPDriver struct {
	partition windows.Handle
}

func init() {
	whpIsPresent = WHPIsPresent
	newWHPDriver = func(cfg Config) (Driver, error) { return NewWHPDriver(cfg) }
}

func WHPIsPresent() bool {
	mod := windows.NewLazySystemDLL("WinHvPlatform.dll")
	return mod.Load() == nil
}

func NewWHPDriver(cfg Config) (*WHPDriver, error) {
	_ = cfg
	return nil, errUnimplementedBackend("whp")
}

func (d *WHPDriver) MapMemory(guestPhysAddr uint64, hostAddr uintptr, length uint64, writable, executable bool) error {
	return errUnimplementedBackend("whp")
}
func (d *WHPDriver) SetRegisters(regs Regs, sregs SRegs) error { return errUnimplementedBackend("whp") }
func (d *WHPDriver) Initialise(entryPoint, pebAddress, rsp uint64) (Exit, error) {
	return Exit{}, errUnimplementedBackend("whp")
}
func (d *WHPDriver) DispatchCallFromHost(dispatchFunctionAddr, rsp uint64) (Exit, error) {
	return Exit{}, errUnimplementedBackend("whp")
}
func (d *WHPDriver) Run() (Exit, error) { return Exit{}, errUnimplementedBackend("whp") }
func (d *WHPDriver) Cancel() error      { return errUnimplementedBackend("whp") }
func (d *WHPDriver) Close() error       { return nil }
