package util

import "runtime"

// Wipe zeroes key material in place once it is no longer needed.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
