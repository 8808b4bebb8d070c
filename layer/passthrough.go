package layer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"
)

// Passthrough is a Layer backed by a single host directory. Every Ino it
// hands out maps to a path relative to that directory; every syscall it
// issues targets that path directly, with no ID remapping of its own
// (mapping, if any, is applied above this layer).
//
// Grounded on the bare host-directory walk demonstrated by
// samples/roloopbackfs.go in the retrieved package: a sync.Map from ino to
// path, with inos minted the first time a path is seen.
type Passthrough struct {
	root string

	mu       sync.Mutex
	byIno    map[Ino]string
	byPath   map[string]Ino
	nextIno  uint64
	dirFiles map[Handle]*os.File
	regFiles map[Handle]*os.File
	nextH    uint64
}

var _ Layer = (*Passthrough)(nil)

// NewPassthrough returns a Layer rooted at root, which must already exist.
func NewPassthrough(root string) (*Passthrough, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, New(KindNotDir, "passthrough root %q is not a directory", root)
	}

	p := &Passthrough{
		root:     filepath.Clean(root),
		byIno:    make(map[Ino]string),
		byPath:   make(map[string]Ino),
		nextIno:  2,
		dirFiles: make(map[Handle]*os.File),
		regFiles: make(map[Handle]*os.File),
	}
	p.byIno[1] = "/"
	p.byPath["/"] = 1
	return p, nil
}

func (p *Passthrough) RootIno() Ino { return 1 }

func (p *Passthrough) hostPath(ino Ino) (string, error) {
	p.mu.Lock()
	rel, ok := p.byIno[ino]
	p.mu.Unlock()
	if !ok {
		return "", New(KindNotFound, "no such inode %v", ino)
	}
	return filepath.Join(p.root, rel), nil
}

func (p *Passthrough) inoForPath(rel string) Ino {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ino, ok := p.byPath[rel]; ok {
		return ino
	}
	ino := Ino(p.nextIno)
	p.nextIno++
	p.byPath[rel] = ino
	p.byIno[ino] = rel
	return ino
}

func (p *Passthrough) relPath(parent Ino, name string) (string, error) {
	p.mu.Lock()
	parentRel, ok := p.byIno[parent]
	p.mu.Unlock()
	if !ok {
		return "", New(KindNotFound, "no such inode %v", parent)
	}
	return filepath.Join(parentRel, name), nil
}

func attrFromFileInfo(fi os.FileInfo, ino Ino) Attr {
	a := Attr{
		Ino:   ino,
		Size:  uint64(fi.Size()),
		Mode:  fi.Mode(),
		Mtime: fi.ModTime(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.Nlink = uint64(st.Nlink)
		a.Uid = st.Uid
		a.Gid = st.Gid
		a.Rdev = uint32(st.Rdev)
		a.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
		a.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return a
}

func (p *Passthrough) statIno(ino Ino) (Attr, error) {
	path, err := p.hostPath(ino)
	if err != nil {
		return Attr{}, err
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return Attr{}, Wrap(err)
	}
	return attrFromFileInfo(fi, ino), nil
}

func (p *Passthrough) Lookup(ctx context.Context, parent Ino, name string) (Entry, error) {
	rel, err := p.relPath(parent, name)
	if err != nil {
		return Entry{}, err
	}

	fi, err := os.Lstat(filepath.Join(p.root, rel))
	if err != nil {
		return Entry{}, Wrap(err)
	}

	ino := p.inoForPath(rel)
	return Entry{Ino: ino, Attr: attrFromFileInfo(fi, ino)}, nil
}

func (p *Passthrough) Getattr(ctx context.Context, ino Ino, handle Handle) (Attr, time.Duration, error) {
	a, err := p.statIno(ino)
	return a, 0, err
}

func (p *Passthrough) GetattrHelper(ctx context.Context, ino Ino, handle Handle) (Attr, time.Duration, error) {
	return p.Getattr(ctx, ino, handle)
}

func (p *Passthrough) Setattr(
	ctx context.Context,
	ino Ino,
	size *uint64,
	mode *os.FileMode,
	atime, mtime *time.Time,
) (Attr, error) {
	path, err := p.hostPath(ino)
	if err != nil {
		return Attr{}, err
	}

	if size != nil {
		if err := os.Truncate(path, int64(*size)); err != nil {
			return Attr{}, Wrap(err)
		}
	}
	if mode != nil {
		if err := os.Chmod(path, *mode); err != nil {
			return Attr{}, Wrap(err)
		}
	}
	if atime != nil || mtime != nil {
		now := time.Now()
		a, mt := now, now
		if atime != nil {
			a = *atime
		}
		if mtime != nil {
			mt = *mtime
		}
		if err := os.Chtimes(path, a, mt); err != nil {
			return Attr{}, Wrap(err)
		}
	}

	return p.statIno(ino)
}

func (p *Passthrough) Forget(ctx context.Context, ino Ino, n uint64) {
	// The path->ino mapping is retained for the process lifetime so that a
	// re-lookup of the same path yields the same ino; there is nothing to
	// release here beyond the kernel's own lookup count bookkeeping, which
	// lives one layer up in the overlay package's realInode.
}

func (p *Passthrough) mkEntry(rel string) (Entry, error) {
	fi, err := os.Lstat(filepath.Join(p.root, rel))
	if err != nil {
		return Entry{}, Wrap(err)
	}
	ino := p.inoForPath(rel)
	return Entry{Ino: ino, Attr: attrFromFileInfo(fi, ino)}, nil
}

func (p *Passthrough) Mkdir(ctx context.Context, parent Ino, name string, mode os.FileMode) (Entry, error) {
	rel, err := p.relPath(parent, name)
	if err != nil {
		return Entry{}, err
	}
	if err := os.Mkdir(filepath.Join(p.root, rel), mode.Perm()); err != nil {
		return Entry{}, Wrap(err)
	}
	return p.mkEntry(rel)
}

func (p *Passthrough) MkdirHelper(ctx context.Context, parent Ino, name string, mode os.FileMode, uid, gid uint32) (Entry, error) {
	e, err := p.Mkdir(ctx, parent, name, mode)
	if err != nil {
		return Entry{}, err
	}
	if err := p.chown(e.Ino, uid, gid); err != nil {
		return Entry{}, err
	}
	return p.mkEntryFromIno(e.Ino)
}

func (p *Passthrough) mkEntryFromIno(ino Ino) (Entry, error) {
	a, err := p.statIno(ino)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Ino: ino, Attr: a}, nil
}

func (p *Passthrough) chown(ino Ino, uid, gid uint32) error {
	path, err := p.hostPath(ino)
	if err != nil {
		return err
	}
	if err := os.Lchown(path, int(uid), int(gid)); err != nil {
		return Wrap(err)
	}
	return nil
}

func (p *Passthrough) Mknod(ctx context.Context, parent Ino, name string, mode os.FileMode, rdev uint32) (Entry, error) {
	rel, err := p.relPath(parent, name)
	if err != nil {
		return Entry{}, err
	}

	sysMode := uint32(mode.Perm())
	switch {
	case mode&os.ModeCharDevice != 0:
		sysMode |= unix.S_IFCHR
	case mode&os.ModeDevice != 0:
		sysMode |= unix.S_IFBLK
	case mode&os.ModeNamedPipe != 0:
		sysMode |= unix.S_IFIFO
	case mode&os.ModeSocket != 0:
		sysMode |= unix.S_IFSOCK
	default:
		sysMode |= unix.S_IFREG
	}

	if err := unix.Mknod(filepath.Join(p.root, rel), sysMode, int(rdev)); err != nil {
		return Entry{}, Wrap(err)
	}
	return p.mkEntry(rel)
}

func (p *Passthrough) Create(ctx context.Context, parent Ino, name string, mode os.FileMode) (Entry, Handle, error) {
	rel, err := p.relPath(parent, name)
	if err != nil {
		return Entry{}, 0, err
	}

	f, err := os.OpenFile(filepath.Join(p.root, rel), os.O_RDWR|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return Entry{}, 0, Wrap(err)
	}

	e, err := p.mkEntry(rel)
	if err != nil {
		f.Close()
		return Entry{}, 0, err
	}

	h := p.registerReg(f)
	return e, h, nil
}

func (p *Passthrough) CreateHelper(ctx context.Context, parent Ino, name string, mode os.FileMode, uid, gid uint32) (Entry, Handle, error) {
	e, h, err := p.Create(ctx, parent, name, mode)
	if err != nil {
		return Entry{}, 0, err
	}
	if err := p.chown(e.Ino, uid, gid); err != nil {
		return Entry{}, 0, err
	}
	e, err = p.mkEntryFromIno(e.Ino)
	return e, h, err
}

func (p *Passthrough) Symlink(ctx context.Context, parent Ino, name, target string) (Entry, error) {
	rel, err := p.relPath(parent, name)
	if err != nil {
		return Entry{}, err
	}
	if err := os.Symlink(target, filepath.Join(p.root, rel)); err != nil {
		return Entry{}, Wrap(err)
	}
	return p.mkEntry(rel)
}

func (p *Passthrough) SymlinkHelper(ctx context.Context, parent Ino, name, target string, uid, gid uint32) (Entry, error) {
	e, err := p.Symlink(ctx, parent, name, target)
	if err != nil {
		return Entry{}, err
	}
	if err := p.chown(e.Ino, uid, gid); err != nil {
		return Entry{}, err
	}
	return p.mkEntryFromIno(e.Ino)
}

func (p *Passthrough) Link(ctx context.Context, ino Ino, newParent Ino, newName string) (Entry, error) {
	oldPath, err := p.hostPath(ino)
	if err != nil {
		return Entry{}, err
	}
	rel, err := p.relPath(newParent, newName)
	if err != nil {
		return Entry{}, err
	}
	if err := os.Link(oldPath, filepath.Join(p.root, rel)); err != nil {
		return Entry{}, Wrap(err)
	}

	p.mu.Lock()
	p.byPath[rel] = ino
	p.mu.Unlock()

	return p.mkEntryFromIno(ino)
}

func (p *Passthrough) Readlink(ctx context.Context, ino Ino) (string, error) {
	path, err := p.hostPath(ino)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", Wrap(err)
	}
	return target, nil
}

func (p *Passthrough) Unlink(ctx context.Context, parent Ino, name string) error {
	rel, err := p.relPath(parent, name)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(p.root, rel)); err != nil {
		return Wrap(err)
	}
	p.forgetPath(rel)
	return nil
}

func (p *Passthrough) Rmdir(ctx context.Context, parent Ino, name string) error {
	rel, err := p.relPath(parent, name)
	if err != nil {
		return err
	}
	if err := unix.Rmdir(filepath.Join(p.root, rel)); err != nil {
		return Wrap(err)
	}
	p.forgetPath(rel)
	return nil
}

func (p *Passthrough) forgetPath(rel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ino, ok := p.byPath[rel]; ok {
		delete(p.byPath, rel)
		delete(p.byIno, ino)
	}
}

func (p *Passthrough) Rename(ctx context.Context, oldParent Ino, oldName string, newParent Ino, newName string) error {
	oldRel, err := p.relPath(oldParent, oldName)
	if err != nil {
		return err
	}
	newRel, err := p.relPath(newParent, newName)
	if err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(p.root, oldRel), filepath.Join(p.root, newRel)); err != nil {
		return Wrap(err)
	}

	p.mu.Lock()
	if ino, ok := p.byPath[oldRel]; ok {
		delete(p.byPath, oldRel)
		p.byPath[newRel] = ino
		p.byIno[ino] = newRel
	}
	p.mu.Unlock()

	return nil
}

func (p *Passthrough) Opendir(ctx context.Context, ino Ino) (Handle, error) {
	path, err := p.hostPath(ino)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, Wrap(err)
	}

	p.mu.Lock()
	p.nextH++
	h := Handle(p.nextH)
	p.dirFiles[h] = f
	p.mu.Unlock()

	return h, nil
}

func (p *Passthrough) Readdir(ctx context.Context, ino Ino, handle Handle) ([]DirEntry, error) {
	p.mu.Lock()
	f, ok := p.dirFiles[handle]
	p.mu.Unlock()
	if !ok {
		return nil, New(KindInvalid, "unknown directory handle %v", handle)
	}

	names, err := f.Readdirnames(0)
	if err != nil {
		return nil, Wrap(err)
	}

	rel, err := p.hostPathRel(ino)
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		childRel := filepath.Join(rel, name)
		fi, err := os.Lstat(filepath.Join(p.root, childRel))
		if err != nil {
			continue
		}
		entries = append(entries, DirEntry{
			Ino:  p.inoForPath(childRel),
			Name: name,
			Mode: fi.Mode(),
		})
	}

	return entries, nil
}

func (p *Passthrough) hostPathRel(ino Ino) (string, error) {
	p.mu.Lock()
	rel, ok := p.byIno[ino]
	p.mu.Unlock()
	if !ok {
		return "", New(KindNotFound, "no such inode %v", ino)
	}
	return rel, nil
}

func (p *Passthrough) Releasedir(ctx context.Context, ino Ino, handle Handle) error {
	p.mu.Lock()
	f, ok := p.dirFiles[handle]
	delete(p.dirFiles, handle)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Close()
}

func (p *Passthrough) registerReg(f *os.File) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextH++
	h := Handle(p.nextH)
	p.regFiles[h] = f
	return h
}

func (p *Passthrough) Open(ctx context.Context, ino Ino, flags int) (Handle, error) {
	path, err := p.hostPath(ino)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return 0, Wrap(err)
	}
	return p.registerReg(f), nil
}

func (p *Passthrough) regFile(handle Handle) (*os.File, error) {
	p.mu.Lock()
	f, ok := p.regFiles[handle]
	p.mu.Unlock()
	if !ok {
		return nil, New(KindInvalid, "unknown file handle %v", handle)
	}
	return f, nil
}

func (p *Passthrough) Read(ctx context.Context, ino Ino, handle Handle, dst []byte, offset int64) (int, error) {
	f, err := p.regFile(handle)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(dst, offset)
	if err != nil && err != io.EOF {
		return n, Wrap(err)
	}
	return n, nil
}

func (p *Passthrough) Write(ctx context.Context, ino Ino, handle Handle, data []byte, offset int64) (int, error) {
	f, err := p.regFile(handle)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(data, offset)
	if err != nil {
		return n, Wrap(err)
	}
	return n, nil
}

func (p *Passthrough) Release(ctx context.Context, ino Ino, handle Handle) error {
	p.mu.Lock()
	f, ok := p.regFiles[handle]
	delete(p.regFiles, handle)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Close()
}

func (p *Passthrough) Fsync(ctx context.Context, ino Ino, handle Handle, dataOnly bool) error {
	f, err := p.regFile(handle)
	if err != nil {
		return New(KindNotImplemented, "fsync: no open handle")
	}
	if err := f.Sync(); err != nil {
		return Wrap(err)
	}
	return nil
}

func (p *Passthrough) Fallocate(ctx context.Context, ino Ino, handle Handle, size int64) error {
	f, err := p.regFile(handle)
	if err != nil {
		return New(KindNotImplemented, "fallocate: no open handle")
	}
	if err := fallocate.Fallocate(f, 0, size); err != nil {
		return Wrap(err)
	}
	return nil
}

func (p *Passthrough) Getxattr(ctx context.Context, ino Ino, name string, dst []byte) (int, error) {
	path, err := p.hostPath(ino)
	if err != nil {
		return 0, err
	}
	n, err := unix.Lgetxattr(path, name, dst)
	if err != nil {
		return 0, Wrap(err)
	}
	return n, nil
}

func (p *Passthrough) Setxattr(ctx context.Context, ino Ino, name string, value []byte, flags int) error {
	path, err := p.hostPath(ino)
	if err != nil {
		return err
	}
	if err := unix.Lsetxattr(path, name, value, flags); err != nil {
		return Wrap(err)
	}
	return nil
}

func (p *Passthrough) Listxattr(ctx context.Context, ino Ino, dst []byte) (int, error) {
	path, err := p.hostPath(ino)
	if err != nil {
		return 0, err
	}
	n, err := unix.Llistxattr(path, dst)
	if err != nil {
		return 0, Wrap(err)
	}
	return n, nil
}

func (p *Passthrough) Removexattr(ctx context.Context, ino Ino, name string) error {
	path, err := p.hostPath(ino)
	if err != nil {
		return err
	}
	if err := unix.Lremovexattr(path, name); err != nil {
		return Wrap(err)
	}
	return nil
}

func (p *Passthrough) Statfs(ctx context.Context) (StatFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(p.root, &st); err != nil {
		return StatFS{}, Wrap(err)
	}
	return StatFS{
		BlockSize:   uint32(st.Bsize),
		Blocks:      st.Blocks,
		BlocksFree:  st.Bfree,
		BlocksAvail: st.Bavail,
		IoSize:      uint32(st.Frsize),
	}, nil
}

////////////////////////////////////////////////////////////////////////
// Whiteouts and opacity
////////////////////////////////////////////////////////////////////////

func (p *Passthrough) CreateWhiteout(ctx context.Context, parent Ino, name string) (Entry, error) {
	if entry, err := p.Lookup(ctx, parent, name); err == nil {
		if entry.Attr.IsWhiteout() {
			return entry, nil
		}
		return Entry{}, New(KindExists, "%q exists and is not a whiteout", name)
	} else if !Is(err, KindNotFound) {
		return Entry{}, err
	}

	return p.Mknod(ctx, parent, name, os.ModeCharDevice|os.ModeDevice|0o777, 0)
}

func (p *Passthrough) DeleteWhiteout(ctx context.Context, parent Ino, name string) error {
	entry, err := p.Lookup(ctx, parent, name)
	if err != nil {
		return err
	}
	if !entry.Attr.IsWhiteout() {
		return New(KindInvalid, "%q is not a whiteout", name)
	}
	return p.Unlink(ctx, parent, name)
}

func (p *Passthrough) IsWhiteout(ctx context.Context, ino Ino) (bool, error) {
	a, err := p.statIno(ino)
	if err != nil {
		return false, err
	}
	return a.IsWhiteout(), nil
}

func (p *Passthrough) SetOpaque(ctx context.Context, ino Ino) error {
	a, err := p.statIno(ino)
	if err != nil {
		return err
	}
	if !a.IsDir() {
		return New(KindNotDir, "inode %v is not a directory", ino)
	}
	return p.Setxattr(ctx, ino, OpaqueXattr, []byte("y"), 0)
}

func (p *Passthrough) IsOpaque(ctx context.Context, ino Ino) (bool, error) {
	buf := make([]byte, 8)
	n, err := p.Getxattr(ctx, ino, OpaqueXattr, buf)
	if err != nil {
		if Is(err, KindNotFound) || errIsNoXattr(err) {
			return false, nil
		}
		return false, err
	}
	return n > 0 && buf[0] == 'y', nil
}

func errIsNoXattr(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Unwrap() == syscall.ENODATA
}
