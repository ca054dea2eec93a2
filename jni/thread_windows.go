//go:build windows

package jni

import "golang.org/x/sys/windows"

const threadAffinityChecked = true

func currentThreadID() uint64 {
	return uint64(windows.GetCurrentThreadId())
}
