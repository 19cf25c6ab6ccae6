//go:build linux

package space

import (
	"golang.org/x/sys/unix"

	"github.com/fly-io/deltaota/pkg/errors"
)

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding path.
func FreeBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, errors.Wrap(err, "statfs "+path)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
