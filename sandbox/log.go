package sandbox

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

// logDevice relays guest log records to a logrus.Entry. The guest
// writes `[u32 length][u8 level][bytes message]` at the start of the
// output data buffer and signals with an OUT on ports.LogPort
// (spec.md §5).
type logDevice struct {
	mem    *SharedMemory
	offset uint64
	log    *logrus.Entry
}

func newLogDevice(mem *SharedMemory, outputDataBufferOffset uint64, log *logrus.Entry) *logDevice {
	return &logDevice{mem: mem, offset: outputDataBufferOffset, log: log}
}

// guestLogLevel mirrors the single-byte level tag the guest writes
// ahead of its message.
type guestLogLevel uint8

const (
	guestLogTrace guestLogLevel = iota
	guestLogDebug
	guestLogInfo
	guestLogWarn
	guestLogError
)

func (d *logDevice) HandleOut(payload byte) error {
	_ = payload // the OUT payload itself carries no data; the record lives in shared memory
	lengthBytes, err := d.mem.ReadBytes(d.offset, 4)
	if err != nil {
		return err
	}
	length := binary.LittleEndian.Uint32(lengthBytes)
	if length == 0 {
		return newError(KindFlatbufferValidation, "empty log record")
	}
	record, err := d.mem.ReadBytes(d.offset+4, uint64(length))
	if err != nil {
		return err
	}
	level := guestLogLevel(record[0])
	message := string(record[1:])

	entry := d.log.WithField("source", "guest")
	switch level {
	case guestLogTrace:
		entry.Trace(message)
	case guestLogDebug:
		entry.Debug(message)
	case guestLogInfo:
		entry.Info(message)
	case guestLogWarn:
		entry.Warn(message)
	case guestLogError:
		entry.Error(message)
	default:
		entry.Info(message)
	}
	return nil
}
