//go:build linux

package hypervisor

import "os"

// MSHVDriver targets Microsoft's /dev/mshv hypervisor interface,
// available on Azure-hosted Linux guests as an alternative to KVM.
// The pack has no MSHV example to ground an ioctl table on, so this
// backend only shares KVMDriver's Driver surface (it holds no run
// page) rather than being grounded in example code; only presence
// detection is implemented, matching the real
// crate's layered fallback (KVM, then MSHV, then "no hypervisor").
type MSHVDriver struct {
	fd int
}

func init() {
	mshvIsPresent = MSHVIsPresent
	newMSHVDriver = func(cfg Config) (Driver, error) { return NewMSHVDriver(cfg) }
}

// MSHVIsPresent reports whether /dev/mshv is openable.
func MSHVIsPresent() bool {
	f, err := os.OpenFile("/dev/mshv", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// NewMSHVDriver is not implemented: no MSHV ioctl layout is grounded
// in the retrieved examples. Callers should fall back to KVM, or
// treat this as KindNoHypervisorFound.
func NewMSHVDriver(cfg Config) (*MSHVDriver, error) {
	_ = cfg
	return nil, errUnimplementedBackend("mshv")
}

func (d *MSHVDriver) MapMemory(guestPhysAddr uint64, hostAddr uintptr, length uint64, writable, executable bool) error {
	return errUnimplementedBackend("mshv")
}
func (d *MSHVDriver) SetRegisters(regs Regs, sregs SRegs) error { return errUnimplementedBackend("mshv") }
func (d *MSHVDriver) Initialise(entryPoint, pebAddress, rsp uint64) (Exit, error) {
	return Exit{}, errUnimplementedBackend("mshv")
}
func (d *MSHVDriver) DispatchCallFromHost(dispatchFunctionAddr, rsp uint64) (Exit, error) {
	return Exit{}, errUnimplementedBackend("mshv")
}
func (d *MSHVDriver) Run() (Exit, error)  { return Exit{}, errUnimplementedBackend("mshv") }
func (d *MSHVDriver) Cancel() error       { return errUnimplementedBackend("mshv") }
func (d *MSHVDriver) Close() error        { return nil }
