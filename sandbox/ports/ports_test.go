package ports

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDevice struct {
	payloads []byte
}

func (d *recordingDevice) HandleOut(payload byte) error {
	d.payloads = append(d.payloads, payload)
	return nil
}

func newTestBus() *Bus {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewBus(log.WithField("test", true))
}

func TestBusDispatchRoutesToRegisteredDevice(t *testing.T) {
	bus := newTestBus()
	dev := &recordingDevice{}
	bus.Register(LogPort, dev)

	require.NoError(t, bus.Dispatch(LogPort, 0x42))
	assert.Equal(t, []byte{0x42}, dev.payloads)
}

func TestBusDispatchUnregisteredPortErrors(t *testing.T) {
	bus := newTestBus()
	err := bus.Dispatch(HostCallPort, 0)
	require.Error(t, err)
}

func TestBusRegisterOverwritesExisting(t *testing.T) {
	bus := newTestBus()
	first := &recordingDevice{}
	second := &recordingDevice{}
	bus.Register(AbortPort, first)
	bus.Register(AbortPort, second)

	require.NoError(t, bus.Dispatch(AbortPort, 7))
	assert.Empty(t, first.payloads)
	assert.Equal(t, []byte{7}, second.payloads)
}
