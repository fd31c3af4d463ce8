package recorder

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves disk blocks so that a full disk fails here and not
// as a SIGBUS on a later store into the mapping.
func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return f.Truncate(size)
	}
	return err
}
