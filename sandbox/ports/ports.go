// Package ports adapts the teacher's PioDevice/IOBus pattern
// (core_engine/devices/iobus.go) from a table of emulated hardware
// devices into a dispatcher over the sandbox's single I/O port
// channel (spec.md §5 "I/O ports").
package ports

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Port numbers the guest's OUT instructions are dispatched on. These
// are the sandbox's only hardware-visible surface; every other
// host/guest interaction happens through shared memory.
const (
	HostCallPort uint16 = 0x3F8
	LogPort      uint16 = 0x3F9
	AbortPort    uint16 = 0x3FA
)

// Device handles one OUT trap on its registered port. Unlike the
// teacher's PioDevice, there is no IN direction or size parameter to
// carry: every sandbox port is a single-byte OUT signal whose real
// payload lives in a shared-memory buffer the device itself knows how
// to locate.
type Device interface {
	HandleOut(payload byte) error
}

// Bus routes an OUT on a given port to its registered Device, the
// direct descendant of the teacher's IOBus but keyed only by the
// three fixed ports this sandbox ever uses.
type Bus struct {
	devices map[uint16]Device
	log     *logrus.Entry
}

// NewBus builds an empty port dispatcher.
func NewBus(log *logrus.Entry) *Bus {
	return &Bus{devices: make(map[uint16]Device), log: log}
}

// Register installs a Device to handle OUTs on port.
func (b *Bus) Register(port uint16, d Device) {
	if d == nil {
		b.log.Warnf("ports: refusing to register nil device for port %#x", port)
		return
	}
	if _, exists := b.devices[port]; exists {
		b.log.Warnf("ports: overwriting existing device on port %#x", port)
	}
	b.devices[port] = d
}

// Dispatch routes a single OUT with the given one-byte payload to its
// registered device, mirroring IOBus.HandleIO but specialised to the
// OUT-only, single-byte-payload shape every sandbox port uses.
func (b *Bus) Dispatch(port uint16, payload byte) error {
	d, ok := b.devices[port]
	if !ok {
		return fmt.Errorf("ports: unhandled OUT on port %#x", port)
	}
	return d.HandleOut(payload)
}
