// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package immix

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// lockThread wires the calling goroutine to its OS thread, names the
// thread and returns its tid. The goroutine exits without unlocking, so
// the renamed thread is torn down with it rather than returned to the
// scheduler.
func lockThread(name string) int {
	runtime.LockOSThread()
	// The kernel truncates names to 15 bytes.
	if len(name) > 15 {
		name = name[:15]
	}
	if p, err := unix.BytePtrFromString(name); err == nil {
		unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0)
	}
	return unix.Gettid()
}
