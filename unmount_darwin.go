package fuse

import "golang.org/x/sys/unix"

// unmount tears the mount at dir down directly; macFUSE mounts are
// unmounted with the plain unmount(2) syscall rather than a helper
// binary.
func unmount(dir string) error {
	return unix.Unmount(dir, 0)
}
