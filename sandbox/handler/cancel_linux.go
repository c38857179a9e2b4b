//go:build linux

package handler

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	// SIGRTMIN's default disposition is to terminate the process;
	// registering it with signal.Notify switches Go's runtime to
	// deliver it instead of acting on it, while leaving the in-flight
	// blocking syscall to return EINTR as usual. The channel is never
	// read: its only job is to keep the signal registered.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.Signal(unix.SIGRTMIN()))
}

func lockToOSThread() { runtime.LockOSThread() }

func currentThreadID() int { return unix.Gettid() }

// interruptBlockedRun repeatedly delivers SIGRTMIN to tid until
// maxWait elapses, the classic pthread_kill-before-syscall race
// guard: a single signal sent between the driver flipping its
// cancel-requested flag and the thread re-entering the blocking ioctl
// could be missed entirely, so the signal is redelivered on a short
// tick for the whole window (spec.md §4.6).
func interruptBlockedRun(tid int, maxWait time.Duration) {
	if tid == 0 {
		return
	}
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	sig := syscall.Signal(unix.SIGRTMIN())
	for {
		_ = unix.Tgkill(unix.Getpid(), tid, sig)
		if time.Now().After(deadline) {
			return
		}
		<-ticker.C
	}
}
