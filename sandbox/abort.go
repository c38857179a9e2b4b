package sandbox

import "sync/atomic"

// abortDevice implements ports.Device for ABORT_PORT: the OUT
// payload's low byte is the abort code, and an optional message may
// have been written to the panic-context buffer beforehand (spec.md
// §5). Observing an abort sets a flag the controller consults after
// the run exits, rather than unwinding through the trap itself.
type abortDevice struct {
	mem    *SharedMemory
	layout *MemoryLayout

	aborted    int32
	abortCode  uint8
	abortMsg   string
}

func newAbortDevice(mem *SharedMemory, layout *MemoryLayout) *abortDevice {
	return &abortDevice{mem: mem, layout: layout}
}

func (d *abortDevice) HandleOut(payload byte) error {
	msg, err := d.readPanicMessage()
	if err != nil {
		msg = ""
	}
	d.abortCode = payload
	d.abortMsg = msg
	atomic.StoreInt32(&d.aborted, 1)
	return nil
}

func (d *abortDevice) readPanicMessage() (string, error) {
	lenBytes, err := d.mem.ReadBytes(d.layout.guestPanicContextBufferOffset, 4)
	if err != nil {
		return "", err
	}
	length := uint64(lenBytes[0]) | uint64(lenBytes[1])<<8 | uint64(lenBytes[2])<<16 | uint64(lenBytes[3])<<24
	if length == 0 {
		return "", nil
	}
	msgBytes, err := d.mem.ReadBytes(d.layout.guestPanicContextBufferOffset+4, length)
	if err != nil {
		return "", err
	}
	return string(msgBytes), nil
}

func (d *abortDevice) takeAbort() (*Error, bool) {
	if atomic.SwapInt32(&d.aborted, 0) == 0 {
		return nil, false
	}
	return &Error{
		Kind:         KindGuestAborted,
		Message:      d.abortMsg,
		AbortCode:    d.abortCode,
		AbortMessage: d.abortMsg,
	}, true
}
