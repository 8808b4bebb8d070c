package overlay

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/fuseoverlayfs/fuseoverlayfs/fuseops"
	"github.com/fuseoverlayfs/fuseoverlayfs/fuseutil"
	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// This file implements fuseutil.FileSystem on *Filesystem, translating each
// FUSE op into calls against the merge engine (merge.go), the copy-up
// engine (copyup.go), and the inode/handle tables. It is the one place that
// knows about fuseops wire types; everything it calls into works purely in
// terms of overlayInode, realInode and layer.Layer.

func (fs *Filesystem) requireWritable() error {
	if fs.upper == nil || fs.config.ReadOnly {
		return layer.New(layer.KindReadOnly, "overlay has no writable upper layer")
	}
	return nil
}

func joinPath(parentPath, name string) string { return parentPath + "/" + name }

// lookupVisible is lookupNode with the whiteout-masks-existence rule
// applied: a name shadowed by a whiteout is reported as not found to every
// FUSE-facing caller, even though internal callers (mkdir, create, rename)
// need to see the whiteout node itself to know what to replace.
func (fs *Filesystem) lookupVisible(ctx context.Context, parent uint64, name string) (*overlayInode, error) {
	n, err := fs.lookupNode(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	if n.isWhiteout() {
		return nil, layer.New(layer.KindNotFound, "%q is masked by a whiteout", name)
	}
	return n, nil
}

// anyLowerHasName reports whether any lower real inode in parent's merge
// chain already has an entry named name, which decides whether a freshly
// created directory needs to be marked opaque to keep that lower content
// from bleeding back into view.
func (fs *Filesystem) anyLowerHasName(ctx context.Context, parent *overlayInode, name string) (bool, error) {
	for _, ri := range parent.allReal() {
		if ri.inUpper {
			continue
		}
		child, err := ri.lookupChild(ctx, name)
		if err != nil {
			return false, err
		}
		if child != nil {
			// The probe result itself isn't kept; release the layer
			// lookup-count reference it carries.
			child.destroy(ctx)
			return true, nil
		}
	}
	return false, nil
}

func removeWhiteoutIfPresent(ctx context.Context, parentUpper *realInode, existing *overlayInode, name string) error {
	if existing == nil || !existing.isWhiteout() {
		return nil
	}
	return parentUpper.layer.DeleteWhiteout(ctx, parentUpper.ino, name)
}

// attachNewOrReuse attaches a freshly created upper realInode under name in
// parent, reusing an existing overlayInode at that path when one is handed
// in (a whiteout marker being replaced) or still sitting in the deleted map
// under the path's reserved inode number (an unlink/create race where the
// old occupant is still pinned by an outstanding lookup count), so the ino
// stays stable across both cycles; otherwise it mints a new overlayInode.
// Both reuse cases hand the node's old content to resetRealInode rather
// than addUpperInode: this is a substitution of brand new content for
// stale content, not the idempotent dedupe of a racing copy-up that
// addUpperInode guards against.
func (fs *Filesystem) attachNewOrReuse(ctx context.Context, existing *overlayInode, parent *overlayInode, name string, ri *realInode) (*overlayInode, error) {
	path := joinPath(parent.getPath(), name)
	ino, err := fs.inodes.allocForPath(path)
	if err != nil {
		return nil, err
	}

	reclaimed := false
	if existing == nil {
		if existing = fs.inodes.reclaimDeleted(ino); existing != nil {
			reclaimed = true
		}
	}

	if existing != nil {
		existing.resetRealInode(ctx, ri)
		// The reply minting this entry hands the kernel a fresh reference,
		// on top of whatever the reused node still carries.
		existing.addLookup(1)
		if reclaimed {
			existing.setParent(parent)
			parent.insertChild(name, existing)
		}
		return existing, nil
	}

	node := newOverlayInodeFromReal(name, ino, path, ri)
	node.setParent(parent)
	parent.insertChild(name, node)
	fs.inodes.insert(ino, node)
	return node, nil
}

// installWhiteout creates a whiteout marker named name in parentUpper and
// attaches it to parent's children, so a later create/mkdir at the same
// name can find and replace it. If the name's path reservation is still
// occupied by the very node this whiteout is masking (unlinked moments ago
// but pinned in the deleted map by an outstanding lookup count), the
// whiteout takes over that same overlayInode object and inode number
// rather than a fresh one being minted alongside it, preserving the "at
// most one of {active, deleted}" invariant and the ino's one reservation
// per path.
func (fs *Filesystem) installWhiteout(ctx context.Context, parent *overlayInode, parentUpper *realInode, name string) error {
	ri, err := parentUpper.createWhiteout(ctx, name)
	if err != nil {
		return err
	}

	path := joinPath(parent.getPath(), name)
	ino, err := fs.inodes.allocForPath(path)
	if err != nil {
		ri.destroy(ctx)
		return err
	}

	if reused := fs.inodes.reclaimDeleted(ino); reused != nil {
		reused.resetRealInode(ctx, ri)
		reused.setParent(parent)
		parent.insertChild(name, reused)
		return nil
	}

	node := newOverlayInodeFromReal(name, ino, path, ri)
	node.lookups.Store(0)
	node.setParent(parent)
	parent.insertChild(name, node)
	fs.inodes.insert(ino, node)
	return nil
}

// destroyNode frees node's path reservation and releases every lookup-count
// reference it holds across its backing layers. Called once a node has
// fully left both the active and deleted maps.
func (fs *Filesystem) destroyNode(ctx context.Context, node *overlayInode) {
	fs.inodes.clearPath(node.getPath())
	for _, ri := range node.allReal() {
		ri.destroy(ctx)
	}
}

// detachAndFinalize removes name from parent's children and drives node
// through the InodeStore's nlink-to-zero deletion path, destroying it
// immediately if nothing still references it.
func (fs *Filesystem) detachAndFinalize(ctx context.Context, parent *overlayInode, name string, node *overlayInode) {
	parent.removeChild(name)
	if dropped := fs.inodes.remove(node.ino, ""); dropped != nil {
		fs.destroyNode(ctx, dropped)
	}
}

func (fs *Filesystem) nodeIsOpaque(ctx context.Context, n *overlayInode) (bool, error) {
	ur := n.upperReal()
	if ur == nil {
		return false, nil
	}
	return ur.layer.IsOpaque(ctx, ur.ino)
}

// emptyNodeDirectory deletes every whiteout child of node from the upper
// layer, used ahead of an rmdir/rename-over that found the merged directory
// empty of real entries but still carrying whiteouts in its upper half.
func (fs *Filesystem) emptyNodeDirectory(ctx context.Context, node *overlayInode) error {
	ur := node.upperReal()
	if ur == nil {
		return nil
	}
	for name, child := range node.snapshotChildren() {
		if !child.isWhiteout() {
			continue
		}
		if err := ur.layer.DeleteWhiteout(ctx, ur.ino, name); err != nil && !layer.Is(err, layer.KindNotFound) {
			return err
		}
		fs.detachAndFinalize(ctx, node, name, child)
	}
	return nil
}

func attrToFuseops(a layer.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: a.Nlink,
		Mode:  a.Mode,
		Atime: a.Atime,
		Mtime: a.Mtime,
		Ctime: a.Ctime,
		Uid:   a.Uid,
		Gid:   a.Gid,
	}
}

func (fs *Filesystem) attrExpiry() time.Time {
	return fs.config.Clock.Now().Add(fs.config.attrTTL())
}

func (fs *Filesystem) entryExpiry() time.Time {
	return fs.config.Clock.Now().Add(fs.config.entryTTL())
}

func (fs *Filesystem) childEntry(ctx context.Context, node *overlayInode) (fuseops.ChildInodeEntry, error) {
	attr, err := node.stat(ctx)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	return fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(node.ino),
		Attributes:           attrToFuseops(attr),
		AttributesExpiration: fs.attrExpiry(),
		EntryExpiration:      fs.entryExpiry(),
	}, nil
}

func direntType(mode os.FileMode) fuseops.DirentType {
	switch {
	case mode.IsDir():
		return fuseops.DT_Directory
	case mode&os.ModeSymlink != 0:
		return fuseops.DT_Link
	case mode&os.ModeNamedPipe != 0:
		return fuseops.DT_FIFO
	case mode&os.ModeSocket != 0:
		return fuseops.DT_Socket
	case mode&os.ModeCharDevice != 0:
		return fuseops.DT_Char
	case mode&os.ModeDevice != 0:
		return fuseops.DT_Block
	case mode.IsRegular():
		return fuseops.DT_File
	default:
		return fuseops.DT_Unknown
	}
}

// dirents builds the full, sorted (for stable paging across calls), "."/".."
// prefixed listing for node, skipping whiteout children: readdir never
// reveals the masking markers that make merge semantics work.
func (fs *Filesystem) dirents(ctx context.Context, node *overlayInode) ([]fuseops.Dirent, error) {
	if err := fs.loadDirectory(ctx, node); err != nil {
		return nil, err
	}

	children := node.snapshotChildren()
	names := make([]string, 0, len(children))
	for name, c := range children {
		if c.isWhiteout() {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	parent := node.getParent()
	if parent == nil {
		parent = node
	}

	out := make([]fuseops.Dirent, 0, len(names)+2)
	out = append(out, fuseops.Dirent{Inode: fuseops.InodeID(node.ino), Name: ".", Type: fuseops.DT_Directory})
	out = append(out, fuseops.Dirent{Inode: fuseops.InodeID(parent.ino), Name: "..", Type: fuseops.DT_Directory})

	for _, name := range names {
		c := children[name]
		attr, err := c.stat(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, fuseops.Dirent{Inode: fuseops.InodeID(c.ino), Name: name, Type: direntType(attr.Mode)})
	}
	return out, nil
}

////////////////////////////////////////////////////////////////////////
// Mount lifecycle
////////////////////////////////////////////////////////////////////////

func (fs *Filesystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	op.MaxReadahead = 1 << 20
	return nil
}

func (fs *Filesystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	real := fs.root.firstReal()
	st, err := real.layer.Statfs(ctx)
	if err != nil {
		return err
	}
	op.BlockSize = st.BlockSize
	op.Blocks = st.Blocks
	op.BlocksFree = st.BlocksFree
	op.BlocksAvail = st.BlocksAvail
	op.IoSize = st.IoSize
	return nil
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

func (fs *Filesystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	node, err := fs.lookupVisible(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}

	node.addLookup(1)

	if isDir, derr := node.isDir(ctx); derr == nil && isDir {
		if err := fs.loadDirectory(ctx, node); err != nil {
			return err
		}
	}

	entry, err := fs.childEntry(ctx, node)
	if err != nil {
		return err
	}
	op.Entry = entry
	return nil
}

func (fs *Filesystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Inode)
	}
	attr, err := node.stat(ctx)
	if err != nil {
		return err
	}
	op.Attributes = attrToFuseops(attr)
	op.AttributesExpiration = fs.attrExpiry()
	return nil
}

func (fs *Filesystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Inode)
	}

	if op.Size != nil || op.Mode != nil || op.Atime != nil || op.Mtime != nil {
		if err := fs.requireWritable(); err != nil {
			return err
		}
		var err error
		node, err = fs.copyNodeUp(ctx, node)
		if err != nil {
			return err
		}
	}

	real := node.firstReal()
	attr, err := real.layer.Setattr(ctx, real.ino, op.Size, op.Mode, op.Atime, op.Mtime)
	if err != nil {
		return err
	}
	op.Attributes = attrToFuseops(attr)
	op.AttributesExpiration = fs.attrExpiry()
	return nil
}

func (fs *Filesystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return nil
	}

	if remaining := node.subLookup(op.N); remaining == 0 {
		if dropped := fs.inodes.dropDeleted(uint64(op.Inode)); dropped != nil {
			fs.destroyNode(ctx, dropped)
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

func (fs *Filesystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}
	parent := fs.inodes.getActive(uint64(op.Parent))
	if parent == nil {
		return layer.New(layer.KindNotFound, "no such parent inode %v", op.Parent)
	}

	existing, err := fs.lookupNodeIgnoreNotFound(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}
	if existing != nil && !existing.isWhiteout() && existing.inUpperLayer() {
		// Fully materialized in the upper layer already; shadowing only
		// applies to names whose content lives below.
		return layer.New(layer.KindExists, "%q already exists", op.Name)
	}

	if err := fs.createUpperDir(ctx, parent); err != nil {
		return err
	}
	parentUpper := parent.upperReal()
	if parentUpper == nil {
		return layer.New(layer.KindIoError, "parent has no upper representation after copy-up")
	}

	if err := removeWhiteoutIfPresent(ctx, parentUpper, existing, op.Name); err != nil {
		return err
	}

	hasLower, err := fs.anyLowerHasName(ctx, parent, op.Name)
	if err != nil {
		return err
	}

	entry, err := parentUpper.layer.MkdirHelper(ctx, parentUpper.ino, op.Name, os.ModeDir|op.Mode.Perm(), op.Header.Uid, op.Header.Gid)
	if err != nil {
		return err
	}
	ri := &realInode{layer: parentUpper.layer, inUpper: true, ino: entry.Ino, attr: entry.Attr, haveAttr: true, drops: parentUpper.drops}

	if hasLower {
		if err := ri.layer.SetOpaque(ctx, ri.ino); err != nil {
			return err
		}
		ri.opaque = true
	}

	node, err := fs.attachNewOrReuse(ctx, existing, parent, op.Name, ri)
	if err != nil {
		return err
	}

	op.Entry, err = fs.childEntry(ctx, node)
	return err
}

func (fs *Filesystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}
	parent := fs.inodes.getActive(uint64(op.Parent))
	if parent == nil {
		return layer.New(layer.KindNotFound, "no such parent inode %v", op.Parent)
	}

	existing, err := fs.lookupNodeIgnoreNotFound(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}
	if existing != nil && !existing.isWhiteout() && existing.inUpperLayer() {
		// Fully materialized in the upper layer already; shadowing only
		// applies to names whose content lives below.
		return layer.New(layer.KindExists, "%q already exists", op.Name)
	}

	if err := fs.createUpperDir(ctx, parent); err != nil {
		return err
	}
	parentUpper := parent.upperReal()
	if parentUpper == nil {
		return layer.New(layer.KindIoError, "parent has no upper representation after copy-up")
	}

	if err := removeWhiteoutIfPresent(ctx, parentUpper, existing, op.Name); err != nil {
		return err
	}

	entry, err := parentUpper.layer.Mknod(ctx, parentUpper.ino, op.Name, op.Mode, op.Rdev)
	if err != nil {
		return err
	}
	ri := &realInode{layer: parentUpper.layer, inUpper: true, ino: entry.Ino, attr: entry.Attr, haveAttr: true, drops: parentUpper.drops}

	node, err := fs.attachNewOrReuse(ctx, existing, parent, op.Name, ri)
	if err != nil {
		return err
	}

	op.Entry, err = fs.childEntry(ctx, node)
	return err
}

func (fs *Filesystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}
	parent := fs.inodes.getActive(uint64(op.Parent))
	if parent == nil {
		return layer.New(layer.KindNotFound, "no such parent inode %v", op.Parent)
	}

	existing, err := fs.lookupNodeIgnoreNotFound(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}
	if existing != nil && !existing.isWhiteout() && existing.inUpperLayer() {
		// Fully materialized in the upper layer already; shadowing only
		// applies to names whose content lives below.
		return layer.New(layer.KindExists, "%q already exists", op.Name)
	}

	if err := fs.createUpperDir(ctx, parent); err != nil {
		return err
	}
	parentUpper := parent.upperReal()
	if parentUpper == nil {
		return layer.New(layer.KindIoError, "parent has no upper representation after copy-up")
	}

	if err := removeWhiteoutIfPresent(ctx, parentUpper, existing, op.Name); err != nil {
		return err
	}

	entry, lh, err := parentUpper.layer.CreateHelper(ctx, parentUpper.ino, op.Name, op.Mode, op.Header.Uid, op.Header.Gid)
	if err != nil {
		return err
	}
	ri := &realInode{layer: parentUpper.layer, inUpper: true, ino: entry.Ino, attr: entry.Attr, haveAttr: true, drops: parentUpper.drops}

	node, err := fs.attachNewOrReuse(ctx, existing, parent, op.Name, ri)
	if err != nil {
		return err
	}

	if fs.config.NoOpen {
		// The handle table still hands the kernel an ID, but its layer
		// binding is a pseudo-handle: layerHandle stays zero and I/O is
		// addressed by inode alone.
		if err := parentUpper.layer.Release(ctx, entry.Ino, lh); err != nil && !layer.NotImplemented(err) {
			return err
		}
		lh = 0
	}

	h := &handle{node: node, layer: parentUpper.layer, layerIno: entry.Ino, layerHandle: lh, inUpper: true}
	op.Handle = fuseops.HandleID(fs.handles.register(h))

	op.Entry, err = fs.childEntry(ctx, node)
	return err
}

func (fs *Filesystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}
	parent := fs.inodes.getActive(uint64(op.Parent))
	if parent == nil {
		return layer.New(layer.KindNotFound, "no such parent inode %v", op.Parent)
	}

	existing, err := fs.lookupNodeIgnoreNotFound(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}
	if existing != nil && !existing.isWhiteout() && existing.inUpperLayer() {
		// Fully materialized in the upper layer already; shadowing only
		// applies to names whose content lives below.
		return layer.New(layer.KindExists, "%q already exists", op.Name)
	}

	if err := fs.createUpperDir(ctx, parent); err != nil {
		return err
	}
	parentUpper := parent.upperReal()
	if parentUpper == nil {
		return layer.New(layer.KindIoError, "parent has no upper representation after copy-up")
	}

	if err := removeWhiteoutIfPresent(ctx, parentUpper, existing, op.Name); err != nil {
		return err
	}

	entry, err := parentUpper.layer.SymlinkHelper(ctx, parentUpper.ino, op.Name, op.Target, op.Header.Uid, op.Header.Gid)
	if err != nil {
		return err
	}
	ri := &realInode{layer: parentUpper.layer, inUpper: true, ino: entry.Ino, attr: entry.Attr, haveAttr: true, drops: parentUpper.drops}

	node, err := fs.attachNewOrReuse(ctx, existing, parent, op.Name, ri)
	if err != nil {
		return err
	}

	op.Entry, err = fs.childEntry(ctx, node)
	return err
}

func (fs *Filesystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}

	target := fs.inodes.getAny(uint64(op.Target))
	if target == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Target)
	}
	if isDir, err := target.isDir(ctx); err != nil {
		return err
	} else if isDir {
		return layer.New(layer.KindPerm, "cannot hard-link a directory")
	}

	parent := fs.inodes.getActive(uint64(op.Parent))
	if parent == nil {
		return layer.New(layer.KindNotFound, "no such parent inode %v", op.Parent)
	}

	existing, err := fs.lookupNodeIgnoreNotFound(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}
	if existing != nil && !existing.isWhiteout() {
		return layer.New(layer.KindExists, "%q already exists", op.Name)
	}

	if _, err := fs.copyNodeUp(ctx, target); err != nil {
		return err
	}

	if err := fs.createUpperDir(ctx, parent); err != nil {
		return err
	}
	parentUpper := parent.upperReal()
	if parentUpper == nil {
		return layer.New(layer.KindIoError, "parent has no upper representation after copy-up")
	}

	if err := removeWhiteoutIfPresent(ctx, parentUpper, existing, op.Name); err != nil {
		return err
	}

	srcUpper := target.upperReal()
	if srcUpper == nil {
		return layer.New(layer.KindIoError, "source has no upper representation after copy-up")
	}
	if srcUpper.layer != parentUpper.layer {
		return layer.New(layer.KindCrossDevice, "link: source and destination are on different upper layers")
	}

	entry, err := srcUpper.layer.Link(ctx, srcUpper.ino, parentUpper.ino, op.Name)
	if err != nil {
		return err
	}
	ri := &realInode{layer: srcUpper.layer, inUpper: true, ino: entry.Ino, attr: entry.Attr, haveAttr: true, drops: srcUpper.drops}
	target.appendReal(ri)

	if existing != nil {
		fs.detachAndFinalize(ctx, parent, op.Name, existing)
	}
	parent.insertChild(op.Name, target)
	fs.inodes.insert(target.ino, target)
	target.addLookup(1)

	op.Entry, err = fs.childEntry(ctx, target)
	return err
}

func (fs *Filesystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}

	oldParent := fs.inodes.getActive(uint64(op.OldParent))
	newParent := fs.inodes.getActive(uint64(op.NewParent))
	if oldParent == nil || newParent == nil {
		return layer.New(layer.KindNotFound, "rename: no such parent")
	}

	src, err := fs.lookupVisible(ctx, uint64(op.OldParent), op.OldName)
	if err != nil {
		return err
	}

	dst, err := fs.lookupNodeIgnoreNotFound(ctx, uint64(op.NewParent), op.NewName)
	if err != nil {
		return err
	}
	if dst != nil && dst.isWhiteout() {
		dst = nil
	}

	srcIsDir, err := src.isDir(ctx)
	if err != nil {
		return err
	}

	// Whether the old name needs a whiteout left behind must be decided
	// before the source is copied up: promotion clears the node's lower
	// real inodes, and a node promoted by an earlier write looks upper-only
	// even though the lower layers still list the old name.
	hadLower := !src.upperOnly()
	if !hadLower {
		hadLower, err = fs.anyLowerHasName(ctx, oldParent, op.OldName)
		if err != nil {
			return err
		}
	}

	if dst != nil {
		dstIsDir, err := dst.isDir(ctx)
		if err != nil {
			return err
		}
		if dstIsDir != srcIsDir {
			if srcIsDir {
				return layer.New(layer.KindNotDir, "rename: destination is not a directory")
			}
			return layer.New(layer.KindIsDir, "rename: destination is a directory")
		}

		if dstIsDir {
			if _, err := fs.copyDirectoryUp(ctx, dst); err != nil {
				return err
			}
			count, whiteouts := dst.countEntriesAndWhiteouts()
			if count > 0 {
				return layer.New(layer.KindNotEmpty, "rename: destination directory is not empty")
			}
			if whiteouts > 0 {
				if err := fs.emptyNodeDirectory(ctx, dst); err != nil {
					return err
				}
			}
		}
	}

	if err := fs.createUpperDir(ctx, oldParent); err != nil {
		return err
	}
	if err := fs.createUpperDir(ctx, newParent); err != nil {
		return err
	}

	if srcIsDir {
		if _, err := fs.copyDirectoryUp(ctx, src); err != nil {
			return err
		}
	} else if _, err := fs.copyNodeUp(ctx, src); err != nil {
		return err
	}

	oldParentUpper := oldParent.upperReal()
	newParentUpper := newParent.upperReal()
	if oldParentUpper == nil || newParentUpper == nil {
		return layer.New(layer.KindIoError, "rename: parents have no upper representation")
	}
	if oldParentUpper.layer != newParentUpper.layer {
		return layer.New(layer.KindCrossDevice, "rename: source and destination are on different upper layers")
	}

	if err := oldParentUpper.layer.Rename(ctx, oldParentUpper.ino, op.OldName, newParentUpper.ino, op.NewName); err != nil {
		return err
	}

	if dst != nil {
		fs.detachAndFinalize(ctx, newParent, op.NewName, dst)
	}

	oldParent.removeChild(op.OldName)
	oldPath := src.getPath()
	newPath := joinPath(newParent.getPath(), op.NewName)
	src.setPathName(newPath, op.NewName)
	src.setParent(newParent)
	newParent.insertChild(op.NewName, src)
	fs.inodes.rebindPath(oldPath, newPath, src.ino)

	if hadLower {
		if err := fs.installWhiteout(ctx, oldParent, oldParentUpper, op.OldName); err != nil {
			return err
		}
	}

	return nil
}

func (fs *Filesystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Inode)
	}
	real := node.firstReal()
	target, err := real.layer.Readlink(ctx, real.ino)
	if err != nil {
		return err
	}
	op.Target = target
	return nil
}

////////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////////

// doRemove implements the unlink/rmdir op pair, which share everything but
// the directory-ness check and which layer call removes the upper entry.
func (fs *Filesystem) doRemove(ctx context.Context, parentIno uint64, name string, wantDir bool) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}
	parent := fs.inodes.getActive(parentIno)
	if parent == nil {
		return layer.New(layer.KindNotFound, "no such parent inode %v", parentIno)
	}

	node, err := fs.lookupNode(ctx, parentIno, name)
	if err != nil {
		return err
	}
	if node.isWhiteout() {
		return layer.New(layer.KindNotFound, "%q is masked by a whiteout", name)
	}

	isDir, err := node.isDir(ctx)
	if err != nil {
		return err
	}
	if wantDir && !isDir {
		return layer.New(layer.KindNotDir, "rmdir: %q is not a directory", name)
	}
	if !wantDir && isDir {
		return layer.New(layer.KindIsDir, "unlink: %q is a directory", name)
	}

	if wantDir {
		if err := fs.loadDirectory(ctx, node); err != nil {
			return err
		}
		count, whiteouts := node.countEntriesAndWhiteouts()
		if count > 0 {
			return layer.New(layer.KindNotEmpty, "rmdir: %q is not empty", name)
		}
		if whiteouts > 0 {
			if err := fs.emptyNodeDirectory(ctx, node); err != nil {
				return err
			}
		}
	}

	if err := fs.createUpperDir(ctx, parent); err != nil {
		return err
	}
	parentUpper := parent.upperReal()
	if parentUpper == nil {
		return layer.New(layer.KindIoError, "parent has no upper representation after copy-up")
	}

	// Same caveat as rename: a node promoted by an earlier copy-up carries
	// no lower real inodes anymore, so an upper-only node still has to be
	// checked against the lower layers before the whiteout is skipped.
	hadLower := !node.upperOnly()
	if !hadLower {
		hadLower, err = fs.anyLowerHasName(ctx, parent, name)
		if err != nil {
			return err
		}
	}

	if node.inUpperLayer() {
		if wantDir {
			if err := parentUpper.layer.Rmdir(ctx, parentUpper.ino, name); err != nil {
				return err
			}
		} else {
			if err := parentUpper.layer.Unlink(ctx, parentUpper.ino, name); err != nil {
				return err
			}
		}
	}

	fs.detachAndFinalize(ctx, parent, name, node)

	if hadLower {
		opaque, err := fs.nodeIsOpaque(ctx, parent)
		if err != nil {
			return err
		}
		if !opaque {
			if err := fs.installWhiteout(ctx, parent, parentUpper, name); err != nil {
				return err
			}
		}
	}

	return nil
}

func (fs *Filesystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.doRemove(ctx, uint64(op.Parent), op.Name, true)
}

func (fs *Filesystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.doRemove(ctx, uint64(op.Parent), op.Name, false)
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *Filesystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Inode)
	}
	h := &handle{node: node, isDir: true}
	op.Handle = fuseops.HandleID(fs.handles.register(h))
	return nil
}

func (fs *Filesystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	h, ok := fs.handles.get(uint64(op.Handle))
	if !ok {
		return layer.New(layer.KindInvalid, "unknown directory handle %v", op.Handle)
	}

	entries, err := fs.dirents(ctx, h.node)
	if err != nil {
		return err
	}

	offset := int(op.Offset)
	n := 0
	for offset < len(entries) {
		de := entries[offset]
		de.Offset = fuseops.DirOffset(offset + 1)
		written := fuseutil.WriteDirent(op.Dst[n:], de)
		if written == 0 {
			break
		}
		n += written
		offset++
	}
	op.BytesRead = n
	return nil
}

// ReadDirPlus is ReadDir with the lookup fused in: every child entry
// written back is also charged one lookup-count reference, exactly as if
// the kernel had followed up with a LookUpInode per name. "." and ".."
// are emitted with a zeroed entry payload and charged nothing.
func (fs *Filesystem) ReadDirPlus(ctx context.Context, op *fuseops.ReadDirPlusOp) error {
	h, ok := fs.handles.get(uint64(op.Handle))
	if !ok {
		return layer.New(layer.KindInvalid, "unknown directory handle %v", op.Handle)
	}

	entries, err := fs.dirents(ctx, h.node)
	if err != nil {
		return err
	}

	children := h.node.snapshotChildren()

	offset := int(op.Offset)
	n := 0
	for offset < len(entries) {
		de := entries[offset]
		de.Offset = fuseops.DirOffset(offset + 1)

		ep := fuseops.DirentPlus{Dirent: de}
		var child *overlayInode
		if de.Name != "." && de.Name != ".." {
			child = children[de.Name]
		}
		if child != nil {
			entry, err := fs.childEntry(ctx, child)
			if err != nil {
				return err
			}
			ep.Entry = entry
		}

		written := fuseutil.WriteDirentPlus(op.Dst[n:], ep)
		if written == 0 {
			break
		}
		if child != nil {
			child.addLookup(1)
		}
		n += written
		offset++
	}
	op.BytesRead = n
	return nil
}

func (fs *Filesystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.handles.remove(uint64(op.Handle))
	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

// OpenFile opens node for reading against whichever layer currently backs
// it. A handle's backing is promoted to the upper layer lazily, the first
// time WriteFile is called on it, since the Op this package consumes
// carries no open(2) flags to branch on up front.
func (fs *Filesystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Inode)
	}

	real := node.firstReal()
	var lh layer.Handle
	if !fs.config.NoOpen {
		var err error
		lh, err = real.layer.Open(ctx, real.ino, os.O_RDONLY)
		if err != nil {
			return err
		}
	}

	h := &handle{node: node, layer: real.layer, layerIno: real.ino, layerHandle: lh, inUpper: real.inUpper}
	op.Handle = fuseops.HandleID(fs.handles.register(h))
	op.KeepPageCache = real.inUpper
	return nil
}

func (fs *Filesystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	h, ok := fs.handles.get(uint64(op.Handle))
	if !ok {
		return layer.New(layer.KindInvalid, "unknown file handle %v", op.Handle)
	}

	n, err := h.layer.Read(ctx, h.layerIno, h.layerHandle, op.Dst, op.Offset)
	if err != nil {
		return err
	}
	op.BytesRead = n
	return nil
}

func (fs *Filesystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}

	h, ok := fs.handles.get(uint64(op.Handle))
	if !ok {
		return layer.New(layer.KindInvalid, "unknown file handle %v", op.Handle)
	}

	if !h.inUpper {
		node, err := fs.copyNodeUp(ctx, h.node)
		if err != nil {
			return err
		}
		upper := node.upperReal()
		if upper == nil {
			return layer.New(layer.KindIoError, "node has no upper representation after copy-up")
		}

		var lh layer.Handle
		if !fs.config.NoOpen {
			lh, err = upper.layer.Open(ctx, upper.ino, os.O_RDWR)
			if err != nil {
				return err
			}
			if h.layer != nil {
				h.layer.Release(ctx, h.layerIno, h.layerHandle)
			}
		}
		h.layer = upper.layer
		h.layerIno = upper.ino
		h.layerHandle = lh
		h.inUpper = true
	}

	n, err := h.layer.Write(ctx, h.layerIno, h.layerHandle, op.Data, op.Offset)
	if err != nil {
		return err
	}
	if n != len(op.Data) {
		return layer.New(layer.KindIoError, "short write: wrote %d of %d", n, len(op.Data))
	}
	return nil
}

func (fs *Filesystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	h, ok := fs.handles.get(uint64(op.Handle))
	if !ok || h.layer == nil {
		return nil
	}
	if err := h.layer.Fsync(ctx, h.layerIno, h.layerHandle, false); err != nil && !layer.NotImplemented(err) {
		return err
	}
	return nil
}

func (fs *Filesystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *Filesystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	h, ok := fs.handles.remove(uint64(op.Handle))
	if !ok {
		return nil
	}
	if h.layer != nil && !(fs.config.NoOpen && h.layerHandle == 0) {
		if err := h.layer.Release(ctx, h.layerIno, h.layerHandle); err != nil && !layer.NotImplemented(err) {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

func (fs *Filesystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Inode)
	}
	real := node.firstReal()
	n, err := real.layer.Getxattr(ctx, real.ino, op.Name, op.Dst)
	if err != nil {
		return err
	}
	op.BytesRead = n
	return nil
}

func (fs *Filesystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Inode)
	}
	real := node.firstReal()
	n, err := real.layer.Listxattr(ctx, real.ino, op.Dst)
	if err != nil {
		return err
	}
	op.BytesRead = n
	return nil
}

func (fs *Filesystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Inode)
	}
	node, err := fs.copyNodeUp(ctx, node)
	if err != nil {
		return err
	}
	real := node.upperReal()
	return real.layer.Setxattr(ctx, real.ino, op.Name, op.Value, int(op.Flags))
}

func (fs *Filesystem) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	if err := fs.requireWritable(); err != nil {
		return err
	}
	node := fs.inodes.getAny(uint64(op.Inode))
	if node == nil {
		return layer.New(layer.KindNotFound, "no such inode %v", op.Inode)
	}
	node, err := fs.copyNodeUp(ctx, node)
	if err != nil {
		return err
	}
	real := node.upperReal()
	return real.layer.Removexattr(ctx, real.ino, op.Name)
}
