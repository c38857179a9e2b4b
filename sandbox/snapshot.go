package sandbox

// Snapshot is a copy of the guest-visible bytes of a SharedMemory,
// taken before a call so the controller can restore on failure
// (spec.md §4.5 "Error path", §8 "Snapshot idempotence").
type Snapshot struct {
	bytes []byte
}

// TakeSnapshot copies every byte of mem's guest-visible region.
func TakeSnapshot(mem *SharedMemory) *Snapshot {
	return &Snapshot{bytes: mem.CopyAllToVec()}
}

// Restore writes the snapshot's bytes back into mem. Restoring the
// same snapshot twice is a no-op difference from the guest's
// perspective (spec.md §8's idempotence property), since it always
// writes the identical byte sequence.
func (s *Snapshot) Restore(mem *SharedMemory) error {
	return mem.CopyFromSlice(s.bytes, 0)
}
