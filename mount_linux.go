// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fuse

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// ErrExternallyManagedMountPoint is returned, wrapped, by Unmount when the
// fusermount helper fails to unmount a /dev/fd/N mountpoint handed to us by
// a wrapper process (e.g. a container runtime) that owns the mount's
// lifecycle itself.
var ErrExternallyManagedMountPoint = errors.New("mountpoint is externally managed")

func findFusermount() (string, error) {
	for _, name := range []string{"fusermount3", "fusermount"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("fusermount not found in PATH")
}

// mount opens /dev/fuse and hands it off to the setuid fusermount helper,
// which performs the actual mount(2) and passes the resulting file
// descriptor back to us over a unix socket pair (by way of stdout, per the
// fusermount --auto-unmount fd-passing convention).
func mount(dir string, cfg *MountConfig) (dev *os.File, err error) {
	fusermount, err := findFusermount()
	if err != nil {
		return nil, err
	}

	dev, err = os.OpenFile("/dev/fuse", os.O_RDWR, 0000)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/fuse: %w", err)
	}

	opts := cfg.optionsString()
	if opts == "" {
		opts = "rootmode=40000,user_id=" + strconv.Itoa(os.Getuid()) + ",group_id=" + strconv.Itoa(os.Getgid())
	} else {
		opts += ",rootmode=40000,user_id=" + strconv.Itoa(os.Getuid()) + ",group_id=" + strconv.Itoa(os.Getgid())
	}

	cmd := exec.Command(fusermount, "-o", opts, dir)
	cmd.ExtraFiles = []*os.File{dev}
	cmd.Env = append(os.Environ(), "_FUSE_COMMFD=3")

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err = cmd.Run(); err != nil {
		dev.Close()
		output := bytes.TrimRight(buf.Bytes(), "\n")
		return nil, fmt.Errorf("fusermount: %v: %s", err, output)
	}

	return dev, nil
}
