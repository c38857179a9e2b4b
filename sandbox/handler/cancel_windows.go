//go:build windows

package handler

import (
	"runtime"
	"time"
)

// On Windows there is no signal redelivery loop: interruptBlockedRun
// is a no-op and cancellation rests entirely on Driver.Cancel. The WHP
// back-end's Cancel is not implemented and returns an error.
func lockToOSThread() { runtime.LockOSThread() }

func currentThreadID() int { return 0 }

func interruptBlockedRun(tid int, maxWait time.Duration) {}
