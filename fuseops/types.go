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

// Package fuseops defines the vocabulary of FUSE operations consumed and
// produced across the fuse.Connection / fuseutil.FileSystem boundary: one
// struct per kernel request type, plus the small set of shared value types
// (inode IDs, attributes, directory entries) that those structs are built
// from.
package fuseops

import (
	"os"
	"time"
)

// InodeID is an opaque identifier assigned by a FileSystem to a particular
// inode. It corresponds to struct inode::i_no in the kernel VFS layer.
type InodeID uint64

// RootInodeID is the distinguished inode ID that identifies the root of the
// file system. Unlike every other inode ID, which is minted by the file
// system, the kernel may reference it without the file system ever having
// returned it from a previous call.
const RootInodeID = 1

// GenerationNumber distinguishes successive inodes that reuse the same
// InodeID. It is irrelevant to file systems that are never exported over
// NFS and never reuse inode numbers.
type GenerationNumber uint64

// HandleID is an opaque identifier for an open file or directory handle,
// corresponding to fuse_file_info::fh.
type HandleID uint64

// DirOffset is an opaque offset into an open directory handle's entry
// stream. Its legal values are exactly those that ReadDirOp has returned to
// the kernel in the Offset field of a previously written Dirent.
type DirOffset uint64

// OpHeader carries the credentials of the process that issued an op, taken
// from the kernel request header.
type OpHeader struct {
	Uid uint32
	Gid uint32

	// Pid is the process ID of the requester, when the kernel supplies one.
	Pid uint32
}

// InodeAttributes mirrors the subset of struct inode (cf. `man 2 stat`)
// that FUSE file systems are responsible for reporting.
type InodeAttributes struct {
	Size  uint64
	Nlink uint64
	Mode  os.FileMode

	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time

	Uid uint32
	Gid uint32
}

// ChildInodeEntry describes a child inode within its parent directory. It
// is shared by the responses to LookUpInode, MkDir, CreateFile, Mknod,
// Symlink, and Link, all of which mint or re-resolve a dentry.
type ChildInodeEntry struct {
	Child      InodeID
	Generation GenerationNumber
	Attributes InodeAttributes

	// AttributesExpiration and EntryExpiration bound how long the kernel may
	// cache, respectively, the inode's attributes and the name -> inode
	// mapping before revalidating with the file system. The zero value
	// disables caching.
	AttributesExpiration time.Time
	EntryExpiration      time.Time
}

// DirentType identifies the kind of inode a Dirent refers to, matching the
// DT_* constants from <dirent.h>.
type DirentType uint32

const (
	DT_Unknown  DirentType = 0
	DT_Socket   DirentType = 12
	DT_Link     DirentType = 10
	DT_File     DirentType = 8
	DT_Block    DirentType = 6
	DT_Directory DirentType = 4
	DT_Char     DirentType = 2
	DT_FIFO     DirentType = 1
)

// Dirent is a single entry returned by ReadDir, in the form consumed by
// fuseutil.WriteDirent.
type Dirent struct {
	Offset DirOffset
	Inode  InodeID
	Name   string
	Type   DirentType
}

// DirentPlus is a single entry returned by ReadDirPlus: the plain dirent
// plus the full lookup payload for its inode, in the form consumed by
// fuseutil.WriteDirentPlus. Entries for "." and ".." leave Entry zeroed;
// the kernel ignores the attributes for those names and no lookup count
// is charged for them.
type DirentPlus struct {
	Dirent Dirent
	Entry  ChildInodeEntry
}

// Op is implemented by every fuseops.*Op struct. It is the type ferried
// across fuse.Connection.ReadOp / Reply; FileSystem implementations type
// assert to the concrete op they care about (usually via
// fuseutil.FileSystem, never directly).
type Op interface {
	// ShortDesc returns a short description of the op for debug logging,
	// e.g. "LookUpInode(parent=12, name=\"foo\")".
	ShortDesc() string
}
