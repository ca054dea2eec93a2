//go:build linux

package jni

import "golang.org/x/sys/unix"

const threadAffinityChecked = true

func currentThreadID() uint64 {
	return uint64(unix.Gettid())
}
