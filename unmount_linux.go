package fuse

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// unmount asks the fusermount helper to tear down dir. A mount under
// /dev/fd/N belongs to a wrapper process that owns its lifecycle, so a
// failure there is reported as ErrExternallyManagedMountPoint rather than
// a plain helper error.
func unmount(dir string) error {
	err := fusermountUnmount(dir)
	if err != nil && strings.HasPrefix(dir, "/dev/fd/") {
		return fmt.Errorf("%w: %s", ErrExternallyManagedMountPoint, err)
	}
	return err
}

func fusermountUnmount(dir string) error {
	fusermount, err := findFusermount()
	if err != nil {
		return err
	}

	output, err := exec.Command(fusermount, "-u", dir).CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			return fmt.Errorf("%v: %s", err, bytes.TrimRight(output, "\n"))
		}
		return err
	}
	return nil
}
