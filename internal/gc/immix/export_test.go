// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Export guts for testing.

package immix

// Done returns the channel closed when the current marker thread exits.
func (m *Marker) Done() <-chan struct{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.done
}

func FmtNSAsMS(ns uint64) string {
	var buf [24]byte
	return string(fmtNSAsMS(buf[:], ns))
}

func ItoaDiv(val uint64, dec int) string {
	var buf [24]byte
	return string(itoaDiv(buf[:], val, dec))
}
