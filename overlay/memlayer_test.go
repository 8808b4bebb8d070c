package overlay

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// memLayer is an in-memory layer.Layer with a real tree, rich enough to
// stand in for a host directory in merge, copy-up and dispatcher tests.
// Unlike fakeLayer (which panics on anything a bookkeeping test doesn't
// need), memLayer implements the whole capability set.
//
// A memLayer built with newMemLayer(false) refuses every mutation with
// ReadOnly, so a test using it as a lower layer also proves the overlay
// never writes below the upper layer.
type memLayer struct {
	mu      sync.Mutex
	mutable bool

	nextIno layer.Ino
	nodes   map[layer.Ino]*memNode

	// forgotten accumulates Forget calls per ino, so tests can assert
	// lookup-count references are released rather than leaked.
	forgotten map[layer.Ino]uint64
}

type memNode struct {
	ino  layer.Ino
	mode os.FileMode
	rdev uint32
	uid  uint32
	gid  uint32

	nlink uint64
	mtime time.Time

	data     []byte
	target   string
	children map[string]layer.Ino
	xattr    map[string][]byte
}

var memEpoch = time.Unix(1234567890, 0)

func newMemLayer(mutable bool) *memLayer {
	l := &memLayer{
		mutable:   mutable,
		nextIno:   2,
		nodes:     make(map[layer.Ino]*memNode),
		forgotten: make(map[layer.Ino]uint64),
	}
	l.nodes[1] = &memNode{
		ino:      1,
		mode:     os.ModeDir | 0755,
		nlink:    1,
		mtime:    memEpoch,
		children: make(map[string]layer.Ino),
	}
	return l
}

////////////////////////////////////////////////////////////////////////
// Test-setup helpers (bypass the Layer interface and its write guard)
////////////////////////////////////////////////////////////////////////

func (l *memLayer) newNode(mode os.FileMode, uid, gid uint32) *memNode {
	n := &memNode{ino: l.nextIno, mode: mode, uid: uid, gid: gid, nlink: 1, mtime: memEpoch}
	if mode.IsDir() {
		n.children = make(map[string]layer.Ino)
	}
	l.nextIno++
	l.nodes[n.ino] = n
	return n
}

// resolveDir walks path's directory components from the root, creating
// missing directories along the way, and returns the final directory node
// plus the leaf name. A path of "/f" yields (root, "f").
func (l *memLayer) resolveDir(path string) (*memNode, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	dir := l.nodes[1]
	for _, name := range parts[:len(parts)-1] {
		if ino, ok := dir.children[name]; ok {
			dir = l.nodes[ino]
			continue
		}
		child := l.newNode(os.ModeDir|0755, 0, 0)
		dir.children[name] = child.ino
		dir = child
	}
	return dir, parts[len(parts)-1]
}

func (l *memLayer) mustMkdirAll(path string, mode os.FileMode, uid, gid uint32) *memNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, name := l.resolveDir(path)
	if ino, ok := dir.children[name]; ok {
		return l.nodes[ino]
	}
	child := l.newNode(os.ModeDir|mode.Perm(), uid, gid)
	dir.children[name] = child.ino
	return child
}

func (l *memLayer) mustWriteFile(path string, data []byte, mode os.FileMode, uid, gid uint32) *memNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, name := l.resolveDir(path)
	child := l.newNode(mode.Perm(), uid, gid)
	child.data = append([]byte(nil), data...)
	dir.children[name] = child.ino
	return child
}

func (l *memLayer) mustSymlink(path, target string, uid, gid uint32) *memNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, name := l.resolveDir(path)
	child := l.newNode(os.ModeSymlink|0777, uid, gid)
	child.target = target
	dir.children[name] = child.ino
	return child
}

func (l *memLayer) mustMknod(path string, mode os.FileMode, rdev uint32) *memNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, name := l.resolveDir(path)
	child := l.newNode(mode, 0, 0)
	child.rdev = rdev
	dir.children[name] = child.ino
	return child
}

func (l *memLayer) mustWhiteout(path string) *memNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, name := l.resolveDir(path)
	child := l.newNode(os.ModeDevice|os.ModeCharDevice|0777, 0, 0)
	dir.children[name] = child.ino
	return child
}

func (l *memLayer) mustSetOpaque(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, name := l.resolveDir(path)
	node := l.nodes[dir.children[name]]
	if node.xattr == nil {
		node.xattr = make(map[string][]byte)
	}
	node.xattr[layer.OpaqueXattr] = []byte("y")
}

// lookupPath resolves path to its node without going through the Layer
// interface; nil if any component is missing.
func (l *memLayer) lookupPath(path string) *memNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	node := l.nodes[1]
	if path == "" || path == "/" {
		return node
	}
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if node == nil || node.children == nil {
			return nil
		}
		ino, ok := node.children[name]
		if !ok {
			return nil
		}
		node = l.nodes[ino]
	}
	return node
}

func (l *memLayer) attrOf(n *memNode) layer.Attr {
	return layer.Attr{
		Ino:   n.ino,
		Size:  uint64(len(n.data)),
		Nlink: n.nlink,
		Mode:  n.mode,
		Rdev:  n.rdev,
		Atime: n.mtime,
		Mtime: n.mtime,
		Ctime: n.mtime,
		Uid:   n.uid,
		Gid:   n.gid,
	}
}

func (l *memLayer) entryOf(n *memNode) layer.Entry {
	return layer.Entry{Ino: n.ino, Attr: l.attrOf(n)}
}

func (l *memLayer) requireMutable() error {
	if !l.mutable {
		return layer.New(layer.KindReadOnly, "memLayer: read-only")
	}
	return nil
}

func (l *memLayer) dirNode(ino layer.Ino) (*memNode, error) {
	n, ok := l.nodes[ino]
	if !ok {
		return nil, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	if !n.mode.IsDir() {
		return nil, layer.New(layer.KindNotDir, "memLayer: inode %d is not a directory", ino)
	}
	return n, nil
}

////////////////////////////////////////////////////////////////////////
// layer.Layer
////////////////////////////////////////////////////////////////////////

var _ layer.Layer = (*memLayer)(nil)

func (l *memLayer) RootIno() layer.Ino { return 1 }

func (l *memLayer) Lookup(ctx context.Context, parent layer.Ino, name string) (layer.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, err := l.dirNode(parent)
	if err != nil {
		return layer.Entry{}, err
	}
	ino, ok := dir.children[name]
	if !ok {
		return layer.Entry{}, layer.New(layer.KindNotFound, "memLayer: no entry %q", name)
	}
	return l.entryOf(l.nodes[ino]), nil
}

func (l *memLayer) Getattr(ctx context.Context, ino layer.Ino, handle layer.Handle) (layer.Attr, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return layer.Attr{}, 0, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	return l.attrOf(n), 0, nil
}

func (l *memLayer) Setattr(ctx context.Context, ino layer.Ino, size *uint64, mode *os.FileMode, atime, mtime *time.Time) (layer.Attr, error) {
	if err := l.requireMutable(); err != nil {
		return layer.Attr{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return layer.Attr{}, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	if size != nil {
		if uint64(len(n.data)) > *size {
			n.data = n.data[:*size]
		} else {
			n.data = append(n.data, make([]byte, *size-uint64(len(n.data)))...)
		}
	}
	if mode != nil {
		n.mode = (n.mode &^ os.ModePerm) | mode.Perm()
	}
	if mtime != nil {
		n.mtime = *mtime
	}
	return l.attrOf(n), nil
}

func (l *memLayer) Forget(ctx context.Context, ino layer.Ino, n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forgotten[ino] += n
}

func (l *memLayer) createChild(parent layer.Ino, name string, mode os.FileMode, uid, gid uint32) (*memNode, error) {
	dir, err := l.dirNode(parent)
	if err != nil {
		return nil, err
	}
	if _, ok := dir.children[name]; ok {
		return nil, layer.New(layer.KindExists, "memLayer: %q already exists", name)
	}
	child := l.newNode(mode, uid, gid)
	dir.children[name] = child.ino
	return child, nil
}

func (l *memLayer) Mkdir(ctx context.Context, parent layer.Ino, name string, mode os.FileMode) (layer.Entry, error) {
	return l.MkdirHelper(ctx, parent, name, mode, 0, 0)
}

func (l *memLayer) MkdirHelper(ctx context.Context, parent layer.Ino, name string, mode os.FileMode, uid, gid uint32) (layer.Entry, error) {
	if err := l.requireMutable(); err != nil {
		return layer.Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	child, err := l.createChild(parent, name, os.ModeDir|mode.Perm(), uid, gid)
	if err != nil {
		return layer.Entry{}, err
	}
	return l.entryOf(child), nil
}

func (l *memLayer) Mknod(ctx context.Context, parent layer.Ino, name string, mode os.FileMode, rdev uint32) (layer.Entry, error) {
	if err := l.requireMutable(); err != nil {
		return layer.Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	child, err := l.createChild(parent, name, mode, 0, 0)
	if err != nil {
		return layer.Entry{}, err
	}
	child.rdev = rdev
	return l.entryOf(child), nil
}

func (l *memLayer) Create(ctx context.Context, parent layer.Ino, name string, mode os.FileMode) (layer.Entry, layer.Handle, error) {
	return l.CreateHelper(ctx, parent, name, mode, 0, 0)
}

func (l *memLayer) CreateHelper(ctx context.Context, parent layer.Ino, name string, mode os.FileMode, uid, gid uint32) (layer.Entry, layer.Handle, error) {
	if err := l.requireMutable(); err != nil {
		return layer.Entry{}, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	child, err := l.createChild(parent, name, mode.Perm(), uid, gid)
	if err != nil {
		return layer.Entry{}, 0, err
	}
	return l.entryOf(child), layer.Handle(child.ino), nil
}

func (l *memLayer) Symlink(ctx context.Context, parent layer.Ino, name, target string) (layer.Entry, error) {
	return l.SymlinkHelper(ctx, parent, name, target, 0, 0)
}

func (l *memLayer) SymlinkHelper(ctx context.Context, parent layer.Ino, name, target string, uid, gid uint32) (layer.Entry, error) {
	if err := l.requireMutable(); err != nil {
		return layer.Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	child, err := l.createChild(parent, name, os.ModeSymlink|0777, uid, gid)
	if err != nil {
		return layer.Entry{}, err
	}
	child.target = target
	return l.entryOf(child), nil
}

func (l *memLayer) Link(ctx context.Context, ino layer.Ino, newParent layer.Ino, newName string) (layer.Entry, error) {
	if err := l.requireMutable(); err != nil {
		return layer.Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return layer.Entry{}, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	dir, err := l.dirNode(newParent)
	if err != nil {
		return layer.Entry{}, err
	}
	if _, ok := dir.children[newName]; ok {
		return layer.Entry{}, layer.New(layer.KindExists, "memLayer: %q already exists", newName)
	}
	dir.children[newName] = ino
	n.nlink++
	return l.entryOf(n), nil
}

func (l *memLayer) Readlink(ctx context.Context, ino layer.Ino) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return "", layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	if n.mode&os.ModeSymlink == 0 {
		return "", layer.New(layer.KindInvalid, "memLayer: inode %d is not a symlink", ino)
	}
	return n.target, nil
}

func (l *memLayer) removeEntry(parent layer.Ino, name string, wantDir bool) error {
	dir, err := l.dirNode(parent)
	if err != nil {
		return err
	}
	ino, ok := dir.children[name]
	if !ok {
		return layer.New(layer.KindNotFound, "memLayer: no entry %q", name)
	}
	n := l.nodes[ino]
	if wantDir {
		if !n.mode.IsDir() {
			return layer.New(layer.KindNotDir, "memLayer: %q is not a directory", name)
		}
		if len(n.children) > 0 {
			return layer.New(layer.KindNotEmpty, "memLayer: %q is not empty", name)
		}
	} else if n.mode.IsDir() {
		return layer.New(layer.KindIsDir, "memLayer: %q is a directory", name)
	}
	delete(dir.children, name)
	n.nlink--
	if n.nlink == 0 {
		delete(l.nodes, ino)
	}
	return nil
}

func (l *memLayer) Unlink(ctx context.Context, parent layer.Ino, name string) error {
	if err := l.requireMutable(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeEntry(parent, name, false)
}

func (l *memLayer) Rmdir(ctx context.Context, parent layer.Ino, name string) error {
	if err := l.requireMutable(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeEntry(parent, name, true)
}

func (l *memLayer) Rename(ctx context.Context, oldParent layer.Ino, oldName string, newParent layer.Ino, newName string) error {
	if err := l.requireMutable(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src, err := l.dirNode(oldParent)
	if err != nil {
		return err
	}
	dst, err := l.dirNode(newParent)
	if err != nil {
		return err
	}
	ino, ok := src.children[oldName]
	if !ok {
		return layer.New(layer.KindNotFound, "memLayer: no entry %q", oldName)
	}
	if oldIno, ok := dst.children[newName]; ok {
		old := l.nodes[oldIno]
		old.nlink--
		if old.nlink == 0 {
			delete(l.nodes, oldIno)
		}
	}
	delete(src.children, oldName)
	dst.children[newName] = ino
	return nil
}

func (l *memLayer) Opendir(ctx context.Context, ino layer.Ino) (layer.Handle, error) {
	return layer.Handle(ino), nil
}

func (l *memLayer) Readdir(ctx context.Context, ino layer.Ino, handle layer.Handle) ([]layer.DirEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, err := l.dirNode(ino)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]layer.DirEntry, 0, len(names))
	for _, name := range names {
		child := l.nodes[dir.children[name]]
		out = append(out, layer.DirEntry{Ino: child.ino, Name: name, Mode: child.mode})
	}
	return out, nil
}

func (l *memLayer) Releasedir(ctx context.Context, ino layer.Ino, handle layer.Handle) error {
	return nil
}

func (l *memLayer) Open(ctx context.Context, ino layer.Ino, flags int) (layer.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nodes[ino]; !ok {
		return 0, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	return layer.Handle(ino), nil
}

func (l *memLayer) Read(ctx context.Context, ino layer.Ino, handle layer.Handle, dst []byte, offset int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return 0, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	if offset >= int64(len(n.data)) {
		return 0, nil
	}
	return copy(dst, n.data[offset:]), nil
}

func (l *memLayer) Write(ctx context.Context, ino layer.Ino, handle layer.Handle, data []byte, offset int64) (int, error) {
	if err := l.requireMutable(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return 0, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	if need := offset + int64(len(data)); need > int64(len(n.data)) {
		n.data = append(n.data, make([]byte, need-int64(len(n.data)))...)
	}
	return copy(n.data[offset:], data), nil
}

func (l *memLayer) Release(ctx context.Context, ino layer.Ino, handle layer.Handle) error {
	return nil
}

func (l *memLayer) Fsync(ctx context.Context, ino layer.Ino, handle layer.Handle, dataOnly bool) error {
	return nil
}

func (l *memLayer) Fallocate(ctx context.Context, ino layer.Ino, handle layer.Handle, size int64) error {
	return layer.New(layer.KindNotImplemented, "memLayer: Fallocate")
}

func (l *memLayer) Getxattr(ctx context.Context, ino layer.Ino, name string, dst []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return 0, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	value, ok := n.xattr[name]
	if !ok {
		return 0, layer.New(layer.KindNotFound, "memLayer: no xattr %q", name)
	}
	if len(dst) == 0 {
		return len(value), nil
	}
	return copy(dst, value), nil
}

func (l *memLayer) Setxattr(ctx context.Context, ino layer.Ino, name string, value []byte, flags int) error {
	if err := l.requireMutable(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	if n.xattr == nil {
		n.xattr = make(map[string][]byte)
	}
	n.xattr[name] = append([]byte(nil), value...)
	return nil
}

func (l *memLayer) Listxattr(ctx context.Context, ino layer.Ino, dst []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return 0, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	var out []byte
	for name := range n.xattr {
		out = append(out, name...)
		out = append(out, 0)
	}
	if len(dst) == 0 {
		return len(out), nil
	}
	return copy(dst, out), nil
}

func (l *memLayer) Removexattr(ctx context.Context, ino layer.Ino, name string) error {
	if err := l.requireMutable(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	delete(n.xattr, name)
	return nil
}

func (l *memLayer) Statfs(ctx context.Context) (layer.StatFS, error) {
	return layer.StatFS{BlockSize: 4096, Blocks: 1 << 20, BlocksFree: 1 << 19, BlocksAvail: 1 << 19, IoSize: 1 << 16}, nil
}

func (l *memLayer) CreateWhiteout(ctx context.Context, parent layer.Ino, name string) (layer.Entry, error) {
	if err := l.requireMutable(); err != nil {
		return layer.Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, err := l.dirNode(parent)
	if err != nil {
		return layer.Entry{}, err
	}
	if ino, ok := dir.children[name]; ok {
		existing := l.nodes[ino]
		if !l.attrOf(existing).IsWhiteout() {
			return layer.Entry{}, layer.New(layer.KindExists, "memLayer: %q exists and is not a whiteout", name)
		}
		return l.entryOf(existing), nil
	}
	child := l.newNode(os.ModeDevice|os.ModeCharDevice|0777, 0, 0)
	dir.children[name] = child.ino
	return l.entryOf(child), nil
}

func (l *memLayer) DeleteWhiteout(ctx context.Context, parent layer.Ino, name string) error {
	if err := l.requireMutable(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, err := l.dirNode(parent)
	if err != nil {
		return err
	}
	ino, ok := dir.children[name]
	if !ok {
		return layer.New(layer.KindNotFound, "memLayer: no entry %q", name)
	}
	if !l.attrOf(l.nodes[ino]).IsWhiteout() {
		return layer.New(layer.KindInvalid, "memLayer: %q is not a whiteout", name)
	}
	return l.removeEntry(parent, name, false)
}

func (l *memLayer) IsWhiteout(ctx context.Context, ino layer.Ino) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return false, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	return l.attrOf(n).IsWhiteout(), nil
}

func (l *memLayer) SetOpaque(ctx context.Context, ino layer.Ino) error {
	if err := l.requireMutable(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	if !n.mode.IsDir() {
		return layer.New(layer.KindNotDir, "memLayer: inode %d is not a directory", ino)
	}
	if n.xattr == nil {
		n.xattr = make(map[string][]byte)
	}
	n.xattr[layer.OpaqueXattr] = []byte("y")
	return nil
}

func (l *memLayer) IsOpaque(ctx context.Context, ino layer.Ino) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[ino]
	if !ok {
		return false, layer.New(layer.KindNotFound, "memLayer: no inode %d", ino)
	}
	return string(n.xattr[layer.OpaqueXattr]) == "y", nil
}

func (l *memLayer) GetattrHelper(ctx context.Context, ino layer.Ino, handle layer.Handle) (layer.Attr, time.Duration, error) {
	return l.Getattr(ctx, ino, handle)
}
