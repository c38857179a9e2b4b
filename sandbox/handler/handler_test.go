package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperlight-dev/hyperlight-go/sandbox/hypervisor"
)

// fakeDriver drives a scripted sequence of exits without touching any
// real hypervisor, so the handler's run-until-halt loop can be
// exercised in isolation.
type fakeDriver struct {
	exits     []hypervisor.Exit
	runCalls  int
	cancelled bool
	closed    bool
}

func (d *fakeDriver) MapMemory(uint64, uintptr, uint64, bool, bool) error { return nil }
func (d *fakeDriver) SetRegisters(hypervisor.Regs, hypervisor.SRegs) error { return nil }

func (d *fakeDriver) Initialise(entryPoint, pebAddress, rsp uint64) (hypervisor.Exit, error) {
	return d.Run()
}

func (d *fakeDriver) DispatchCallFromHost(dispatchFunctionAddr, rsp uint64) (hypervisor.Exit, error) {
	return d.Run()
}

func (d *fakeDriver) Run() (hypervisor.Exit, error) {
	exit := d.exits[d.runCalls]
	d.runCalls++
	return exit, nil
}

func (d *fakeDriver) Cancel() error { d.cancelled = true; return nil }
func (d *fakeDriver) Close() error  { d.closed = true; return nil }

func TestHandlerRunsUntilHaltDirectly(t *testing.T) {
	driver := &fakeDriver{exits: []hypervisor.Exit{{Reason: hypervisor.ExitHalt}}}
	h := New(driver, func(port uint16, payload byte) error { return nil })
	defer h.Close()

	h.In <- ToHandler{Kind: ActionInitialise}
	reply := <-h.Out
	require.Equal(t, FromHandlerFinished, reply.Kind)
	assert.Equal(t, hypervisor.ExitHalt, reply.Exit.Reason)
	assert.Equal(t, 1, driver.runCalls)
}

func TestHandlerServicesIoOutThenResumes(t *testing.T) {
	driver := &fakeDriver{exits: []hypervisor.Exit{
		{Reason: hypervisor.ExitIoOut, Port: 0x3f9, Data: []byte{1}},
		{Reason: hypervisor.ExitHalt},
	}}
	var seenPort uint16
	h := New(driver, func(port uint16, payload byte) error {
		seenPort = port
		return nil
	})
	defer h.Close()

	h.In <- ToHandler{Kind: ActionDispatchCall}
	reply := <-h.Out
	require.Equal(t, FromHandlerFinished, reply.Kind)
	assert.Equal(t, hypervisor.ExitHalt, reply.Exit.Reason)
	assert.Equal(t, uint16(0x3f9), seenPort)
	assert.Equal(t, 2, driver.runCalls)
}

func TestHandlerPropagatesIoOutError(t *testing.T) {
	driver := &fakeDriver{exits: []hypervisor.Exit{
		{Reason: hypervisor.ExitIoOut, Port: 0x3fa, Data: []byte{9}},
	}}
	h := New(driver, func(port uint16, payload byte) error {
		return assert.AnError
	})
	defer h.Close()

	h.In <- ToHandler{Kind: ActionInitialise}
	reply := <-h.Out
	require.Equal(t, FromHandlerError, reply.Kind)
	require.Error(t, reply.Err)
}

func TestHandlerRequestCancelInvokesDriverCancel(t *testing.T) {
	driver := &fakeDriver{exits: []hypervisor.Exit{{Reason: hypervisor.ExitHalt}}}
	h := New(driver, func(uint16, byte) error { return nil })
	defer h.Close()

	require.NoError(t, h.RequestCancel(10*time.Millisecond))
	assert.True(t, driver.cancelled)
}
