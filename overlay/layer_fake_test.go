package overlay

import (
	"context"
	"os"
	"time"

	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// fakeLayer is a minimal layer.Layer test double: enough to exercise the
// realInode/overlayInode bookkeeping this package owns, without a real
// backing filesystem. Every call that isn't exercised by a test panics,
// matching the teacher's "a fake only needs to support what its tests use"
// convention in samples/memfs's canned failure handlers.
type fakeLayer struct {
	forgotten map[layer.Ino]bool
}

var _ layer.Layer = (*fakeLayer)(nil)

func (f *fakeLayer) mark(ino layer.Ino) {
	if f.forgotten == nil {
		f.forgotten = make(map[layer.Ino]bool)
	}
	f.forgotten[ino] = true
}

func (f *fakeLayer) RootIno() layer.Ino { return 1 }

func (f *fakeLayer) Lookup(ctx context.Context, parent layer.Ino, name string) (layer.Entry, error) {
	return layer.Entry{}, layer.New(layer.KindNotFound, "fakeLayer: no entries")
}

func (f *fakeLayer) Getattr(ctx context.Context, ino layer.Ino, handle layer.Handle) (layer.Attr, time.Duration, error) {
	return layer.Attr{Mode: os.ModeDir | 0755}, 0, nil
}

func (f *fakeLayer) Setattr(ctx context.Context, ino layer.Ino, size *uint64, mode *os.FileMode, atime, mtime *time.Time) (layer.Attr, error) {
	panic("fakeLayer: Setattr not supported")
}

func (f *fakeLayer) Forget(ctx context.Context, ino layer.Ino, n uint64) { f.mark(ino) }

func (f *fakeLayer) Mkdir(ctx context.Context, parent layer.Ino, name string, mode os.FileMode) (layer.Entry, error) {
	panic("fakeLayer: Mkdir not supported")
}

func (f *fakeLayer) Mknod(ctx context.Context, parent layer.Ino, name string, mode os.FileMode, rdev uint32) (layer.Entry, error) {
	panic("fakeLayer: Mknod not supported")
}

func (f *fakeLayer) Create(ctx context.Context, parent layer.Ino, name string, mode os.FileMode) (layer.Entry, layer.Handle, error) {
	panic("fakeLayer: Create not supported")
}

func (f *fakeLayer) Symlink(ctx context.Context, parent layer.Ino, name, target string) (layer.Entry, error) {
	panic("fakeLayer: Symlink not supported")
}

func (f *fakeLayer) Link(ctx context.Context, ino layer.Ino, newParent layer.Ino, newName string) (layer.Entry, error) {
	panic("fakeLayer: Link not supported")
}

func (f *fakeLayer) Readlink(ctx context.Context, ino layer.Ino) (string, error) {
	panic("fakeLayer: Readlink not supported")
}

func (f *fakeLayer) Unlink(ctx context.Context, parent layer.Ino, name string) error {
	panic("fakeLayer: Unlink not supported")
}

func (f *fakeLayer) Rmdir(ctx context.Context, parent layer.Ino, name string) error {
	panic("fakeLayer: Rmdir not supported")
}

func (f *fakeLayer) Rename(ctx context.Context, oldParent layer.Ino, oldName string, newParent layer.Ino, newName string) error {
	panic("fakeLayer: Rename not supported")
}

func (f *fakeLayer) Opendir(ctx context.Context, ino layer.Ino) (layer.Handle, error) {
	return 0, layer.New(layer.KindNotImplemented, "fakeLayer: Opendir")
}

func (f *fakeLayer) Readdir(ctx context.Context, ino layer.Ino, handle layer.Handle) ([]layer.DirEntry, error) {
	return nil, nil
}

func (f *fakeLayer) Releasedir(ctx context.Context, ino layer.Ino, handle layer.Handle) error {
	return nil
}

func (f *fakeLayer) Open(ctx context.Context, ino layer.Ino, flags int) (layer.Handle, error) {
	panic("fakeLayer: Open not supported")
}

func (f *fakeLayer) Read(ctx context.Context, ino layer.Ino, handle layer.Handle, dst []byte, offset int64) (int, error) {
	panic("fakeLayer: Read not supported")
}

func (f *fakeLayer) Write(ctx context.Context, ino layer.Ino, handle layer.Handle, data []byte, offset int64) (int, error) {
	panic("fakeLayer: Write not supported")
}

func (f *fakeLayer) Release(ctx context.Context, ino layer.Ino, handle layer.Handle) error {
	return nil
}

func (f *fakeLayer) Fsync(ctx context.Context, ino layer.Ino, handle layer.Handle, dataOnly bool) error {
	return nil
}

func (f *fakeLayer) Fallocate(ctx context.Context, ino layer.Ino, handle layer.Handle, size int64) error {
	return layer.New(layer.KindNotImplemented, "fakeLayer: Fallocate")
}

func (f *fakeLayer) Getxattr(ctx context.Context, ino layer.Ino, name string, dst []byte) (int, error) {
	panic("fakeLayer: Getxattr not supported")
}

func (f *fakeLayer) Setxattr(ctx context.Context, ino layer.Ino, name string, value []byte, flags int) error {
	panic("fakeLayer: Setxattr not supported")
}

func (f *fakeLayer) Listxattr(ctx context.Context, ino layer.Ino, dst []byte) (int, error) {
	panic("fakeLayer: Listxattr not supported")
}

func (f *fakeLayer) Removexattr(ctx context.Context, ino layer.Ino, name string) error {
	panic("fakeLayer: Removexattr not supported")
}

func (f *fakeLayer) Statfs(ctx context.Context) (layer.StatFS, error) {
	return layer.StatFS{}, nil
}

func (f *fakeLayer) CreateWhiteout(ctx context.Context, parent layer.Ino, name string) (layer.Entry, error) {
	panic("fakeLayer: CreateWhiteout not supported")
}

func (f *fakeLayer) DeleteWhiteout(ctx context.Context, parent layer.Ino, name string) error {
	panic("fakeLayer: DeleteWhiteout not supported")
}

func (f *fakeLayer) IsWhiteout(ctx context.Context, ino layer.Ino) (bool, error) {
	return false, nil
}

func (f *fakeLayer) SetOpaque(ctx context.Context, ino layer.Ino) error {
	panic("fakeLayer: SetOpaque not supported")
}

func (f *fakeLayer) IsOpaque(ctx context.Context, ino layer.Ino) (bool, error) {
	return false, nil
}

func (f *fakeLayer) GetattrHelper(ctx context.Context, ino layer.Ino, handle layer.Handle) (layer.Attr, time.Duration, error) {
	return f.Getattr(ctx, ino, handle)
}

func (f *fakeLayer) MkdirHelper(ctx context.Context, parent layer.Ino, name string, mode os.FileMode, uid, gid uint32) (layer.Entry, error) {
	panic("fakeLayer: MkdirHelper not supported")
}

func (f *fakeLayer) SymlinkHelper(ctx context.Context, parent layer.Ino, name, target string, uid, gid uint32) (layer.Entry, error) {
	panic("fakeLayer: SymlinkHelper not supported")
}

func (f *fakeLayer) CreateHelper(ctx context.Context, parent layer.Ino, name string, mode os.FileMode, uid, gid uint32) (layer.Entry, layer.Handle, error) {
	panic("fakeLayer: CreateHelper not supported")
}
