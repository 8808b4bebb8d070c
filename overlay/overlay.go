package overlay

import (
	"context"

	"github.com/fuseoverlayfs/fuseoverlayfs/fuseutil"
	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// Filesystem is a fuseutil.FileSystem backed by an optional writable upper
// layer.Layer stacked over zero or more read-only lower layer.Layers,
// presenting their union as a single merged namespace.
type Filesystem struct {
	config Config

	upper  layer.Layer
	lowers []layer.Layer

	inodes  *inodeStore
	handles *handleTable
	drops   *dropQueue

	root *overlayInode
}

// New builds a Filesystem over the given upper (may be nil for a
// read-only union of lowers) and lower layers. Call Mount (via
// fuseutil.NewFileSystemServer) to start serving FUSE requests; the root
// directory is imported and merged eagerly so the first lookup doesn't
// pay that cost.
func New(ctx context.Context, upper layer.Layer, lowers []layer.Layer, cfg Config) (*Filesystem, error) {
	cfg.normalize()

	fs := &Filesystem{
		config:  cfg,
		upper:   upper,
		lowers:  lowers,
		inodes:  newInodeStore(cfg.InodeBase, cfg.InodeLimit),
		handles: newHandleTable(),
		drops:   newDropQueue(),
	}

	root := newOverlayInode()
	root.ino = cfg.RootInode
	root.path = ""
	root.name = ""
	root.lookups.Store(2)

	if upper != nil {
		ri := newRealInode(ctx, upper, true, upper.RootIno(), false, false, fs.drops)
		root.realInodes = append(root.realInodes, ri)
	}
	for _, l := range lowers {
		ri := newRealInode(ctx, l, false, l.RootIno(), false, false, fs.drops)
		root.realInodes = append(root.realInodes, ri)
	}

	fs.inodes.active[cfg.RootInode] = root
	fs.inodes.nlink[cfg.RootInode] = 1
	fs.inodes.pathToIno[""] = cfg.RootInode
	fs.root = root

	if err := fs.loadDirectory(ctx, root); err != nil {
		return nil, err
	}

	return fs, nil
}

var _ fuseutil.FileSystem = (*Filesystem)(nil)

// Extend reassigns this overlay's inode allocation window to
// [key*2^32, (key+1)*2^32), per the windowing scheme an external
// multi-overlay coordinator uses to give several Filesystem instances
// mounted behind one kernel connection disjoint inode ranges (spec.md
// section 6, "Inode allocation batching"). Existing inode numbers already
// handed out are unaffected; only future allocation is rebound to the new
// window. Allocation that reaches (key+1)*2^32 wraps back to the
// configured InodeBase, not to key*2^32.
func (fs *Filesystem) Extend(key uint32) {
	next := uint64(key) << 32
	limit := uint64(key+1) << 32
	fs.inodes.extend(next, limit)
}

// Close waits for every realInode destruction spawned during this
// Filesystem's lifetime to finish issuing its layer.Forget before
// returning. Callers shut a mount down by unmounting and then calling
// Close so the process doesn't exit out from under an in-flight forget.
func (fs *Filesystem) Close() {
	fs.drops.wait()
}
