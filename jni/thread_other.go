//go:build !linux && !windows

package jni

// No portable OS thread id is available here; affinity is still enforced
// by LockOSThread, but cross-thread use is not detected.
const threadAffinityChecked = false

func currentThreadID() uint64 {
	return 0
}
