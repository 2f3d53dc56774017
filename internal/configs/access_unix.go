//go:build unix

package configs

import "golang.org/x/sys/unix"

// checkAccess asks the kernel whether the process may read, and optionally
// write, path.
func checkAccess(path string, write bool) error {
	mode := uint32(unix.R_OK)
	if write {
		mode |= unix.W_OK
	}
	return unix.Access(path, mode)
}
