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

package fuseutil

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fuseoverlayfs/fuseoverlayfs/fuseops"
)

// Write the supplied directory entry into the given buffer in the format
// expected in fuseops.ReadDirOp.Dst, returning the number of bytes written.
// Return zero if the entry would not fit.
func WriteDirent(buf []byte, d fuseops.Dirent) (n int) {
	// We want to write bytes with the layout of fuse_dirent
	// (http://goo.gl/BmFxob) in host order. The struct must be aligned according
	// to FUSE_DIRENT_ALIGN (http://goo.gl/UziWvH), which dictates 8-byte
	// alignment.
	type fuse_dirent struct {
		ino     uint64
		off     uint64
		namelen uint32
		type_   uint32
		name    [0]byte
	}

	const direntAlignment = 8
	const direntSize = 8 + 8 + 4 + 4

	// Compute the number of bytes of padding we'll need to maintain alignment
	// for the next entry.
	var padLen int
	if len(d.Name)%direntAlignment != 0 {
		padLen = direntAlignment - (len(d.Name) % direntAlignment)
	}

	// Do we have enough room?
	totalLen := direntSize + len(d.Name) + padLen
	if totalLen > len(buf) {
		return n
	}

	// Write the header.
	de := fuse_dirent{
		ino:     uint64(d.Inode),
		off:     uint64(d.Offset),
		namelen: uint32(len(d.Name)),
		type_:   uint32(d.Type),
	}

	n += copy(buf[n:], (*[direntSize]byte)(unsafe.Pointer(&de))[:])

	// Write the name afterward.
	n += copy(buf[n:], d.Name)

	// Add any necessary padding.
	if padLen != 0 {
		var padding [direntAlignment]byte
		n += copy(buf[n:], padding[:padLen])
	}

	return n
}

// WriteDirentPlus writes the supplied entry into the given buffer in the
// format expected in fuseops.ReadDirPlusOp.Dst: a fuse_entry_out header
// followed by the plain fuse_dirent, per struct fuse_direntplus. Returns
// zero if the entry would not fit.
func WriteDirentPlus(buf []byte, d fuseops.DirentPlus) (n int) {
	// fuse_attr and fuse_entry_out as of protocol 7.9+, in host order.
	type fuse_attr struct {
		ino       uint64
		size      uint64
		blocks    uint64
		atime     uint64
		mtime     uint64
		ctime     uint64
		atimensec uint32
		mtimensec uint32
		ctimensec uint32
		mode      uint32
		nlink     uint32
		uid       uint32
		gid       uint32
		rdev      uint32
		blksize   uint32
		padding   uint32
	}
	type fuse_entry_out struct {
		nodeid          uint64
		generation      uint64
		entry_valid     uint64
		attr_valid      uint64
		entry_validnsec uint32
		attr_validnsec  uint32
		attr            fuse_attr
	}

	const entryOutSize = int(unsafe.Sizeof(fuse_entry_out{}))

	// The trailing fuse_dirent begins 8-byte aligned because entryOutSize
	// is a multiple of 8; WriteDirent pads its own tail the same way.
	direntLen := direntPaddedSize(d.Dirent)
	if entryOutSize+direntLen > len(buf) {
		return 0
	}

	attrs := d.Entry.Attributes
	out := fuse_entry_out{
		nodeid:     uint64(d.Entry.Child),
		generation: uint64(d.Entry.Generation),
		attr: fuse_attr{
			ino:       uint64(d.Entry.Child),
			size:      attrs.Size,
			atime:     uint64(attrs.Atime.Unix()),
			mtime:     uint64(attrs.Mtime.Unix()),
			ctime:     uint64(attrs.Ctime.Unix()),
			atimensec: uint32(attrs.Atime.Nanosecond()),
			mtimensec: uint32(attrs.Mtime.Nanosecond()),
			ctimensec: uint32(attrs.Ctime.Nanosecond()),
			mode:      convertGoMode(attrs.Mode),
			nlink:     uint32(attrs.Nlink),
			uid:       attrs.Uid,
			gid:       attrs.Gid,
		},
	}
	out.entry_valid, out.entry_validnsec = convertExpirationTime(d.Entry.EntryExpiration)
	out.attr_valid, out.attr_validnsec = convertExpirationTime(d.Entry.AttributesExpiration)

	n += copy(buf[n:], (*[entryOutSize]byte)(unsafe.Pointer(&out))[:])
	n += WriteDirent(buf[n:], d.Dirent)
	return n
}

func direntPaddedSize(d fuseops.Dirent) int {
	const direntAlignment = 8
	const direntSize = 8 + 8 + 4 + 4

	total := direntSize + len(d.Name)
	if total%direntAlignment != 0 {
		total += direntAlignment - (total % direntAlignment)
	}
	return total
}

// convertExpirationTime converts an absolute cache-expiry time to the
// relative (seconds, nanoseconds) validity pair the kernel wants. A zero
// or already-past expiration yields zero validity, disabling caching.
func convertExpirationTime(t time.Time) (secs uint64, nsecs uint32) {
	if t.IsZero() {
		return 0, 0
	}
	d := time.Until(t)
	if d <= 0 {
		return 0, 0
	}
	return uint64(d / time.Second), uint32(d % time.Second)
}

// convertGoMode translates an os.FileMode to the S_IF*-style mode bits the
// kernel expects in fuse_attr.mode.
func convertGoMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m.IsDir():
		mode |= unix.S_IFDIR
	case m&os.ModeSymlink != 0:
		mode |= unix.S_IFLNK
	case m&os.ModeCharDevice != 0:
		mode |= unix.S_IFCHR
	case m&os.ModeDevice != 0:
		mode |= unix.S_IFBLK
	case m&os.ModeNamedPipe != 0:
		mode |= unix.S_IFIFO
	case m&os.ModeSocket != 0:
		mode |= unix.S_IFSOCK
	default:
		mode |= unix.S_IFREG
	}
	if m&os.ModeSetuid != 0 {
		mode |= unix.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		mode |= unix.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		mode |= unix.S_ISVTX
	}
	return mode
}
