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

package fuseops

import (
	"fmt"
	"os"
	"time"
)

////////////////////////////////////////////////////////////////////////
// Mount lifecycle
////////////////////////////////////////////////////////////////////////

// InitOp is sent once when mounting the file system. It must succeed for
// the mount to succeed.
type InitOp struct {
	Header OpHeader

	// Set by the file system: the largest Size a ReadFileOp or WriteFileOp
	// should request.
	MaxReadahead uint32
}

func (op *InitOp) ShortDesc() string { return "Init()" }

// StatFSOp is sent in response to statfs(2) and friends (e.g. `df`).
type StatFSOp struct {
	Header OpHeader

	BlockSize   uint32
	Blocks      uint64
	BlocksFree  uint64
	BlocksAvail uint64
	IoSize      uint32
}

func (op *StatFSOp) ShortDesc() string { return "StatFS()" }

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

// LookUpInodeOp looks up a child by name within a parent directory. The
// kernel sends this when resolving user paths to dentries, which it then
// caches.
type LookUpInodeOp struct {
	Header OpHeader

	Parent InodeID
	Name   string

	// Set by the file system.
	Entry ChildInodeEntry
}

func (op *LookUpInodeOp) ShortDesc() string {
	return fmt.Sprintf("LookUpInode(parent=%v, name=%q)", op.Parent, op.Name)
}

// GetInodeAttributesOp refreshes the attributes for an inode whose ID was
// previously returned in a LookUpInodeOp, MkDirOp, etc. The kernel sends
// this when its cache of inode attributes has gone stale, per
// ChildInodeEntry.AttributesExpiration.
type GetInodeAttributesOp struct {
	Header OpHeader

	Inode InodeID

	// Set by the file system.
	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

func (op *GetInodeAttributesOp) ShortDesc() string {
	return fmt.Sprintf("GetInodeAttributes(inode=%v)", op.Inode)
}

// SetInodeAttributesOp changes attributes for an inode, e.g. in response to
// chmod(2), chown(2), truncate(2), or utimes(2).
type SetInodeAttributesOp struct {
	Header OpHeader

	Inode InodeID

	Size  *uint64
	Mode  *os.FileMode
	Atime *time.Time
	Mtime *time.Time

	// Set by the file system.
	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

func (op *SetInodeAttributesOp) ShortDesc() string {
	return fmt.Sprintf("SetInodeAttributes(inode=%v)", op.Inode)
}

// ForgetInodeOp tells the file system the kernel has evicted an inode ID
// previously issued to it from its caches, and that ID will not be used
// again (unless reissued by the file system via a later lookup).
type ForgetInodeOp struct {
	Header OpHeader

	Inode InodeID

	// N is the number of lookups being forgotten at once; it may be greater
	// than one when the kernel batches forgets.
	N uint64
}

func (op *ForgetInodeOp) ShortDesc() string {
	return fmt.Sprintf("ForgetInode(inode=%v, n=%v)", op.Inode, op.N)
}

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

// MkDirOp creates a directory inode as a child of an existing directory
// inode, in response to mkdir(2).
type MkDirOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
	Mode   os.FileMode

	// Set by the file system.
	Entry ChildInodeEntry
}

func (op *MkDirOp) ShortDesc() string {
	return fmt.Sprintf("MkDir(parent=%v, name=%q)", op.Parent, op.Name)
}

// MkNodeOp creates a non-directory, non-symlink inode (a regular file,
// FIFO, socket, or device node) as a child of an existing directory, in
// response to mknod(2).
type MkNodeOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
	Mode   os.FileMode
	Rdev   uint32

	// Set by the file system.
	Entry ChildInodeEntry
}

func (op *MkNodeOp) ShortDesc() string {
	return fmt.Sprintf("MkNode(parent=%v, name=%q)", op.Parent, op.Name)
}

// CreateFileOp creates a file inode and opens it, in response to open(2)
// with O_CREAT once the kernel has observed that the name doesn't already
// exist. File systems should nonetheless check for existence themselves
// and return EEXIST when appropriate, since the kernel's check is not
// airtight for volatile file systems.
type CreateFileOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
	Mode   os.FileMode

	// Set by the file system.
	Entry  ChildInodeEntry
	Handle HandleID
}

func (op *CreateFileOp) ShortDesc() string {
	return fmt.Sprintf("CreateFile(parent=%v, name=%q)", op.Parent, op.Name)
}

// CreateSymlinkOp creates a symlink inode, in response to symlink(2).
type CreateSymlinkOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
	Target string

	// Set by the file system.
	Entry ChildInodeEntry
}

func (op *CreateSymlinkOp) ShortDesc() string {
	return fmt.Sprintf("CreateSymlink(parent=%v, name=%q)", op.Parent, op.Name)
}

// CreateLinkOp creates a hard link to an existing inode in a new directory
// entry, in response to link(2). Per spec, cross-layer hard links are not
// supported the same way cross-layer renames aren't; a FileSystem is free
// to return EXDEV.
type CreateLinkOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
	Target InodeID

	// Set by the file system.
	Entry ChildInodeEntry
}

func (op *CreateLinkOp) ShortDesc() string {
	return fmt.Sprintf("CreateLink(parent=%v, name=%q, target=%v)", op.Parent, op.Name, op.Target)
}

// RenameOp moves or renames a directory entry, in response to rename(2).
type RenameOp struct {
	Header OpHeader

	OldParent InodeID
	OldName   string
	NewParent InodeID
	NewName   string
}

func (op *RenameOp) ShortDesc() string {
	return fmt.Sprintf(
		"Rename(oldParent=%v, oldName=%q, newParent=%v, newName=%q)",
		op.OldParent, op.OldName, op.NewParent, op.NewName)
}

// ReadSymlinkOp reads the target of a symlink inode, in response to
// readlink(2).
type ReadSymlinkOp struct {
	Header OpHeader

	Inode InodeID

	// Set by the file system.
	Target string
}

func (op *ReadSymlinkOp) ShortDesc() string {
	return fmt.Sprintf("ReadSymlink(inode=%v)", op.Inode)
}

////////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////////

// RmDirOp unlinks a directory from its parent, in response to rmdir(2). The
// file system is responsible for checking that the directory is empty.
type RmDirOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
}

func (op *RmDirOp) ShortDesc() string {
	return fmt.Sprintf("RmDir(parent=%v, name=%q)", op.Parent, op.Name)
}

// UnlinkOp unlinks a file from its parent, in response to unlink(2). If
// this brings the inode's link count to zero, the inode should be
// destroyed once the kernel sends ForgetInodeOp; it may still be
// referenced until then if a user has it open.
type UnlinkOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
}

func (op *UnlinkOp) ShortDesc() string {
	return fmt.Sprintf("Unlink(parent=%v, name=%q)", op.Parent, op.Name)
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

// OpenDirOp opens a directory inode, in response to opendir(3)/open(2).
type OpenDirOp struct {
	Header OpHeader

	Inode InodeID

	// Set by the file system.
	Handle HandleID
}

func (op *OpenDirOp) ShortDesc() string {
	return fmt.Sprintf("OpenDir(inode=%v)", op.Inode)
}

// ReadDirOp reads entries from a directory previously opened with
// OpenDir.
type ReadDirOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
	Offset DirOffset

	// Dst is the buffer the file system should fill with dirents (via
	// fuseutil.WriteDirent), advancing BytesRead as it does. An empty
	// read (BytesRead left at zero) signals the end of the directory.
	Dst       []byte
	BytesRead int
}

func (op *ReadDirOp) ShortDesc() string {
	return fmt.Sprintf("ReadDir(inode=%v, offset=%v)", op.Inode, op.Offset)
}

// ReadDirPlusOp reads entries from a directory like ReadDir, but each
// entry additionally carries the full lookup payload the kernel would
// otherwise have to fetch with one LOOKUP per name. The file system must
// account a lookup-count reference for every child entry written, exactly
// as if LookUpInode had been called on it ("." and ".." excepted).
type ReadDirPlusOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
	Offset DirOffset

	// Dst is the buffer the file system should fill with direntplus
	// records (via fuseutil.WriteDirentPlus), advancing BytesRead as it
	// does. An empty read signals the end of the directory.
	Dst       []byte
	BytesRead int
}

func (op *ReadDirPlusOp) ShortDesc() string {
	return fmt.Sprintf("ReadDirPlus(inode=%v, offset=%v)", op.Inode, op.Offset)
}

// ReleaseDirHandleOp releases a previously minted directory handle. The
// kernel guarantees the handle ID will not be used again unless reissued.
type ReleaseDirHandleOp struct {
	Header OpHeader

	Handle HandleID
}

func (op *ReleaseDirHandleOp) ShortDesc() string {
	return fmt.Sprintf("ReleaseDirHandle(handle=%v)", op.Handle)
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

// OpenFileOp opens a file inode, in response to open(2).
type OpenFileOp struct {
	Header OpHeader

	Inode InodeID

	// Set by the file system.
	Handle HandleID

	// KeepPageCache, if set by the file system, tells the kernel it may
	// continue to serve reads for this handle out of its page cache
	// without revalidating; used for upper-layer files that this process
	// is the sole writer of.
	KeepPageCache bool
}

func (op *OpenFileOp) ShortDesc() string {
	return fmt.Sprintf("OpenFile(inode=%v)", op.Inode)
}

// ReadFileOp reads data from a file previously opened with CreateFile or
// OpenFile. Not sent for every read(2) by the end user; some reads are
// served from the page cache.
type ReadFileOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
	Offset int64

	// Dst is filled in by the file system; BytesRead less than len(Dst)
	// indicates EOF and is not itself an error.
	Dst       []byte
	BytesRead int
}

func (op *ReadFileOp) ShortDesc() string {
	return fmt.Sprintf("ReadFile(inode=%v, offset=%v, len=%v)", op.Inode, op.Offset, len(op.Dst))
}

// WriteFileOp writes data to a file previously opened with CreateFile or
// OpenFile. Per the FUSE contract, the full length of Data must be written
// except on error.
type WriteFileOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
	Offset int64
	Data   []byte
}

func (op *WriteFileOp) ShortDesc() string {
	return fmt.Sprintf("WriteFile(inode=%v, offset=%v, len=%v)", op.Inode, op.Offset, len(op.Data))
}

// SyncFileOp synchronizes the current contents of an open file to storage,
// in response to fsync(2)/fdatasync(2).
type SyncFileOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
}

func (op *SyncFileOp) ShortDesc() string {
	return fmt.Sprintf("SyncFile(inode=%v)", op.Inode)
}

// FlushFileOp flushes the current state of an open file upon closing a
// file descriptor. Not necessarily one to one with OpenFileOp (e.g.
// dup2(2)); must not be used for reference counting.
type FlushFileOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
}

func (op *FlushFileOp) ShortDesc() string {
	return fmt.Sprintf("FlushFile(inode=%v)", op.Inode)
}

// ReleaseFileHandleOp releases a previously minted file handle. The kernel
// guarantees the handle ID will not be used again unless reissued.
type ReleaseFileHandleOp struct {
	Header OpHeader

	Handle HandleID
}

func (op *ReleaseFileHandleOp) ShortDesc() string {
	return fmt.Sprintf("ReleaseFileHandle(handle=%v)", op.Handle)
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

// GetXattrOp reads an extended attribute, in response to getxattr(2). This
// is the path the overlay engine's opacity marker travels: layers store
// "directory is opaque" as the xattr named by layer.OpaqueXattr.
type GetXattrOp struct {
	Header OpHeader

	Inode InodeID
	Name  string

	// Dst is filled in by the file system; if len(Name)'s value doesn't fit,
	// the file system should leave BytesRead at zero and return ERANGE, per
	// getxattr(2) semantics for a too-small buffer.
	Dst       []byte
	BytesRead int
}

func (op *GetXattrOp) ShortDesc() string {
	return fmt.Sprintf("GetXattr(inode=%v, name=%q)", op.Inode, op.Name)
}

// ListXattrOp lists the extended attribute names set on an inode, in
// response to listxattr(2).
type ListXattrOp struct {
	Header OpHeader

	Inode InodeID

	// Dst is filled in by the file system with a sequence of NUL-terminated
	// names.
	Dst       []byte
	BytesRead int
}

func (op *ListXattrOp) ShortDesc() string {
	return fmt.Sprintf("ListXattr(inode=%v)", op.Inode)
}

// SetXattrOp sets an extended attribute, in response to setxattr(2).
type SetXattrOp struct {
	Header OpHeader

	Inode InodeID
	Name  string
	Value []byte
	Flags uint32
}

func (op *SetXattrOp) ShortDesc() string {
	return fmt.Sprintf("SetXattr(inode=%v, name=%q)", op.Inode, op.Name)
}

// RemoveXattrOp removes an extended attribute, in response to
// removexattr(2).
type RemoveXattrOp struct {
	Header OpHeader

	Inode InodeID
	Name  string
}

func (op *RemoveXattrOp) ShortDesc() string {
	return fmt.Sprintf("RemoveXattr(inode=%v, name=%q)", op.Inode, op.Name)
}
