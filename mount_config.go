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
	"fmt"
	"log"
	"strings"
)

// MaxWriteSize bounds the size of a single write the kernel will send us,
// and is advertised to the OS X mount helper via the iosize mount option.
const MaxWriteSize = 1 << 20

// MountConfig holds the FUSE-facing mount options from spec.md section 6.
// It does not carry the overlay-specific options (upperdir/lowerdir/etc.);
// those live in overlay.Config. A MountConfig is the subset the kernel
// mount(8)/mount_macfuse(8) call itself cares about.
type MountConfig struct {
	// FSName is surfaced to the OS via the fsname mount option, and shows
	// up in the output of mount(8) and df(1).
	FSName string

	// Subtype is appended to the fstype the OS reports.
	Subtype string

	// AllowOther lets users other than the mount owner access the file
	// system. This generally requires user_allow_other in
	// /etc/fuse.conf on Linux.
	AllowOther bool

	// Privileged records whether a privileged mount was requested.
	// Unprivileged is the default per spec.md section 6. The mount code
	// does not read it: every mount goes through the fusermount helper
	// (mount_macfuse on Darwin); there is no raw mount(2) path.
	Privileged bool

	// ForceReaddirPlus records a request that the kernel always send
	// READDIRPLUS rather than READDIR. optionsString does not pass it to
	// the mount helper, so it does not change what the kernel sends.
	ForceReaddirPlus bool

	// Uid and Gid override the reported owner of the mount's root inode.
	// Zero means "use the mounting process's credentials".
	Uid uint32
	Gid uint32

	// ErrorLogger receives messages about fatal problems talking to the
	// kernel. DebugLogger, if non-nil, receives a line per op handled.
	ErrorLogger *log.Logger
	DebugLogger *log.Logger
}

// optionsString builds the comma-joined -o argument passed to the platform
// mount helper.
func (cfg *MountConfig) optionsString() string {
	var opts []string

	if cfg.FSName != "" {
		opts = append(opts, "fsname="+cfg.FSName)
	}
	if cfg.Subtype != "" {
		opts = append(opts, "subtype="+cfg.Subtype)
	}
	if cfg.AllowOther {
		opts = append(opts, "allow_other")
	}
	if cfg.Uid != 0 {
		opts = append(opts, fmt.Sprintf("uid=%d", cfg.Uid))
	}
	if cfg.Gid != 0 {
		opts = append(opts, fmt.Sprintf("gid=%d", cfg.Gid))
	}

	return strings.Join(opts, ",")
}
