//go:build !linux

package space

import (
	"fmt"
	"runtime"
)

// FreeBytes is only implemented on Linux.
func FreeBytes(path string) (int64, error) {
	return 0, fmt.Errorf("free space probing not supported on %s", runtime.GOOS)
}
