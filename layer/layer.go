// Package layer describes the capability set the overlay engine consumes
// from each backing filesystem: lookup/getattr/readdir/read/write and
// friends, plus the whiteout and opacity helpers overlay semantics are
// built on top of, plus a handful of ID-bypass "_helper" variants the
// copy-up engine uses to preserve host identity.
//
// Layer is a capability set, not an inheritance hierarchy: a new backing
// (a host directory, a tarball, an object store) implements this interface
// directly rather than extending a base type.
package layer

import (
	"context"
	"os"
	"time"
)

// OpaqueXattr is the extended attribute name that marks a directory as
// opaque: it shadows everything below the same path in every layer behind
// it. This is the unprivileged key; kernel overlayfs itself uses
// trusted.overlay.opaque, which requires CAP_SYS_ADMIN to read and write
// and is therefore unusable from ordinary FUSE layer implementations.
const OpaqueXattr = "user.fuseoverlayfs.opaque"

// Ino is a layer-local inode number: opaque outside of the layer that
// issued it. The overlay engine never compares Inos from different
// layers.
type Ino uint64

// Handle is a layer-local open file or directory handle.
type Handle uint64

// Attr is the subset of host stat(2) information the overlay engine needs
// from a layer, independent of any FUSE wire format.
type Attr struct {
	Ino   Ino
	Size  uint64
	Nlink uint64
	Mode  os.FileMode
	Rdev  uint32

	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	Uid uint32
	Gid uint32
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool { return a.Mode.IsDir() }

// IsSymlink reports whether the attributes describe a symlink.
func (a Attr) IsSymlink() bool { return a.Mode&os.ModeSymlink != 0 }

// IsWhiteout reports whether the attributes describe a whiteout marker: a
// character device with both major and minor numbers zero.
func (a Attr) IsWhiteout() bool {
	return a.Mode&os.ModeCharDevice != 0 && a.Mode&os.ModeDevice != 0 && a.Rdev == 0
}

// Entry is the result of a lookup-style call: the child's ino, its
// attributes, and how long the kernel may cache them.
type Entry struct {
	Ino                  Ino
	Attr                 Attr
	AttributesExpiration time.Time
	EntryExpiration      time.Time
}

// DirEntry is a single name produced by Readdir.
type DirEntry struct {
	Ino  Ino
	Name string
	Mode os.FileMode
}

// Layer is the capability set a backing filesystem must provide to act as
// one level (upper or lower) of an overlay.
type Layer interface {
	// RootIno returns this layer's root inode number.
	RootIno() Ino

	Lookup(ctx context.Context, parent Ino, name string) (Entry, error)
	Getattr(ctx context.Context, ino Ino, handle Handle) (Attr, time.Duration, error)
	Setattr(ctx context.Context, ino Ino, size *uint64, mode *os.FileMode, atime, mtime *time.Time) (Attr, error)
	Forget(ctx context.Context, ino Ino, n uint64)

	Mkdir(ctx context.Context, parent Ino, name string, mode os.FileMode) (Entry, error)
	Mknod(ctx context.Context, parent Ino, name string, mode os.FileMode, rdev uint32) (Entry, error)
	Create(ctx context.Context, parent Ino, name string, mode os.FileMode) (Entry, Handle, error)
	Symlink(ctx context.Context, parent Ino, name, target string) (Entry, error)
	Link(ctx context.Context, ino Ino, newParent Ino, newName string) (Entry, error)
	Readlink(ctx context.Context, ino Ino) (string, error)

	Unlink(ctx context.Context, parent Ino, name string) error
	Rmdir(ctx context.Context, parent Ino, name string) error
	Rename(ctx context.Context, oldParent Ino, oldName string, newParent Ino, newName string) error

	Opendir(ctx context.Context, ino Ino) (Handle, error)
	Readdir(ctx context.Context, ino Ino, handle Handle) ([]DirEntry, error)
	Releasedir(ctx context.Context, ino Ino, handle Handle) error

	Open(ctx context.Context, ino Ino, flags int) (Handle, error)
	Read(ctx context.Context, ino Ino, handle Handle, dst []byte, offset int64) (int, error)
	Write(ctx context.Context, ino Ino, handle Handle, data []byte, offset int64) (int, error)
	Release(ctx context.Context, ino Ino, handle Handle) error
	Fsync(ctx context.Context, ino Ino, handle Handle, dataOnly bool) error

	// Fallocate pre-allocates size bytes for the open file behind handle,
	// used by copy-up to size the destination file in one call instead of
	// growing it one write at a time. A layer that can't support this
	// (e.g. one not backed by a real file descriptor) returns a
	// NotImplemented error, which callers tolerate.
	Fallocate(ctx context.Context, ino Ino, handle Handle, size int64) error

	Getxattr(ctx context.Context, ino Ino, name string, dst []byte) (int, error)
	Setxattr(ctx context.Context, ino Ino, name string, value []byte, flags int) error
	Listxattr(ctx context.Context, ino Ino, dst []byte) (int, error)
	Removexattr(ctx context.Context, ino Ino, name string) error

	Statfs(ctx context.Context) (StatFS, error)

	// CreateWhiteout creates a whiteout marker named name in parent,
	// masking any same-named entry in layers behind this one. The default
	// behavior (see Passthrough.CreateWhiteout) is: fail Exists if a
	// non-whiteout entry of that name exists, otherwise mknod a 0/0
	// char-device.
	CreateWhiteout(ctx context.Context, parent Ino, name string) (Entry, error)

	// DeleteWhiteout removes a whiteout marker named name from parent. It
	// is an error (Invalid) to call this on a name that isn't a whiteout.
	DeleteWhiteout(ctx context.Context, parent Ino, name string) error

	// IsWhiteout reports whether ino is a whiteout marker.
	IsWhiteout(ctx context.Context, ino Ino) (bool, error)

	// SetOpaque marks ino (which must be a directory) opaque.
	SetOpaque(ctx context.Context, ino Ino) error

	// IsOpaque reports whether ino (a directory) is marked opaque.
	IsOpaque(ctx context.Context, ino Ino) (bool, error)

	// GetattrHelper returns raw, unmapped host attributes, bypassing any
	// ID mapping the layer otherwise applies. Used by copy-up to preserve
	// identity across the promotion from lower to upper.
	GetattrHelper(ctx context.Context, ino Ino, handle Handle) (Attr, time.Duration, error)

	// MkdirHelper, SymlinkHelper, and CreateHelper mirror Mkdir/Symlink/
	// Create but accept an explicit uid/gid, bypassing the layer's normal
	// credential-derived ownership so copy-up can preserve the source
	// file's owner exactly.
	MkdirHelper(ctx context.Context, parent Ino, name string, mode os.FileMode, uid, gid uint32) (Entry, error)
	SymlinkHelper(ctx context.Context, parent Ino, name, target string, uid, gid uint32) (Entry, error)
	CreateHelper(ctx context.Context, parent Ino, name string, mode os.FileMode, uid, gid uint32) (Entry, Handle, error)
}

// StatFS mirrors the subset of struct statfs FUSE's STATFS reply carries.
type StatFS struct {
	BlockSize   uint32
	Blocks      uint64
	BlocksFree  uint64
	BlocksAvail uint64
	IoSize      uint32
}
