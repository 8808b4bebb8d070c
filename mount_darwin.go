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
	"syscall"
)

var errNoAvail = errors.New("no available fuse devices")
var errNotLoaded = errors.New("macfuse is not loaded")

func loadMacFUSE() error {
	cmd := exec.Command("/Library/Filesystems/macfuse.fs/Contents/Resources/load_macfuse")
	cmd.Dir = "/"
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func openMacFUSEDev() (dev *os.File, err error) {
	for i := uint64(0); ; i++ {
		path := fmt.Sprintf("/dev/macfuse%d", i)
		dev, err = os.OpenFile(path, os.O_RDWR, 0000)
		if os.IsNotExist(err) {
			if i == 0 {
				err = errNotLoaded
				return
			}
			err = errNoAvail
			return
		}

		if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.EBUSY {
			continue
		}

		return
	}
}

func callMount(dir string, cfg *MountConfig, f *os.File) error {
	const bin = "/Library/Filesystems/macfuse.fs/Contents/Resources/mount_macfuse"

	cmd := exec.Command(
		bin,
		"-o", cfg.optionsString(),
		"-o", "iosize="+strconv.FormatUint(MaxWriteSize, 10),
		"3",
		dir,
	)
	cmd.ExtraFiles = []*os.File{f}
	cmd.Env = append(os.Environ(), "MOUNT_FUSEFS_CALL_BY_LIB=", "MOUNT_FUSEFS_DAEMON_PATH="+bin)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		output := bytes.TrimRight(buf.Bytes(), "\n")
		return fmt.Errorf("%v: %s", err, output)
	}

	return nil
}

// mount opens the host's FUSE device and hands it to the mount_macfuse
// helper so the kernel starts routing dir's traffic to us.
func mount(dir string, cfg *MountConfig) (dev *os.File, err error) {
	dev, err = openMacFUSEDev()
	if err == errNotLoaded {
		if err = loadMacFUSE(); err != nil {
			return nil, fmt.Errorf("loadMacFUSE: %w", err)
		}
		dev, err = openMacFUSEDev()
	}
	if err != nil {
		return nil, fmt.Errorf("openMacFUSEDev: %w", err)
	}

	if err = callMount(dir, cfg, dev); err != nil {
		dev.Close()
		return nil, fmt.Errorf("callMount: %w", err)
	}

	return dev, nil
}
