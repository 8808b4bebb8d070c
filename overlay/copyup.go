package overlay

import (
	"context"

	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// copyChunkSize is how much of a regular file copy-up reads and writes per
// iteration, matching the 4 MiB buffer size used by the streaming copy-up
// engine this package is modeled on.
const copyChunkSize = 4 * 1024 * 1024

// createUpperDir recursively ensures n (a directory) has a representation
// in the upper layer, materializing every ancestor that doesn't yet have
// one first. Ownership and mode are preserved exactly via the layer's
// *Helper methods, which bypass whatever ID mapping the layer would
// otherwise apply to an ordinary Mkdir call.
func (fs *Filesystem) createUpperDir(ctx context.Context, n *overlayInode) error {
	if n.inUpperLayer() {
		return nil
	}

	selfReal := n.firstReal()
	attr, _, err := selfReal.layer.GetattrHelper(ctx, selfReal.ino, 0)
	if err != nil {
		return err
	}
	if !attr.IsDir() {
		return layer.New(layer.KindNotDir, "createUpperDir called on a non-directory")
	}

	parent := n.getParent()
	if parent == nil {
		return layer.New(layer.KindIoError, "node has no parent to create an upper directory under")
	}
	if !parent.inUpperLayer() {
		if err := fs.createUpperDir(ctx, parent); err != nil {
			return err
		}
	}

	parentUpper := parent.upperReal()
	if parentUpper == nil {
		return layer.New(layer.KindIoError, "parent has no upper real inode after createUpperDir")
	}

	entry, err := parentUpper.layer.MkdirHelper(ctx, parentUpper.ino, n.getName(), attr.Mode, attr.Uid, attr.Gid)
	if err != nil {
		return err
	}

	ri := &realInode{layer: parentUpper.layer, inUpper: true, ino: entry.Ino, attr: entry.Attr, haveAttr: true, drops: parentUpper.drops}
	n.addUpperInode(ctx, ri, false)
	return nil
}

// copySymlinkUp promotes a symlink-only-in-a-lower-layer node to the
// upper layer, preserving its target and ownership.
func (fs *Filesystem) copySymlinkUp(ctx context.Context, n *overlayInode) (*overlayInode, error) {
	if n.inUpperLayer() {
		return n, nil
	}

	parent := n.getParent()
	if parent == nil {
		return nil, layer.New(layer.KindIoError, "node has no parent")
	}

	lower := n.firstReal()
	attr, _, err := lower.layer.GetattrHelper(ctx, lower.ino, 0)
	if err != nil {
		return nil, err
	}

	if !parent.inUpperLayer() {
		if err := fs.createUpperDir(ctx, parent); err != nil {
			return nil, err
		}
	}

	target, err := lower.layer.Readlink(ctx, lower.ino)
	if err != nil {
		return nil, err
	}

	parentUpper := parent.upperReal()
	if parentUpper == nil {
		return nil, layer.New(layer.KindIoError, "parent has no upper real inode")
	}

	entry, err := parentUpper.layer.SymlinkHelper(ctx, parentUpper.ino, n.getName(), target, attr.Uid, attr.Gid)
	if err != nil {
		return nil, err
	}

	ri := &realInode{layer: parentUpper.layer, inUpper: true, ino: entry.Ino, attr: entry.Attr, haveAttr: true, drops: parentUpper.drops}
	n.addUpperInode(ctx, ri, true)
	return n, nil
}

// copyRegfileUp promotes a regular file from a lower layer to the upper
// layer by streaming its content in copyChunkSize chunks, preserving
// ownership and mode via CreateHelper.
func (fs *Filesystem) copyRegfileUp(ctx context.Context, n *overlayInode) (*overlayInode, error) {
	if n.inUpperLayer() {
		return n, nil
	}

	parent := n.getParent()
	if parent == nil {
		return nil, layer.New(layer.KindIoError, "node has no parent")
	}

	lower := n.firstReal()
	attr, _, err := lower.layer.GetattrHelper(ctx, lower.ino, 0)
	if err != nil {
		return nil, err
	}

	if !parent.inUpperLayer() {
		if err := fs.createUpperDir(ctx, parent); err != nil {
			return nil, err
		}
	}

	parentUpper := parent.upperReal()
	if parentUpper == nil {
		return nil, layer.New(layer.KindIoError, "parent has no upper real inode")
	}

	entry, upperHandle, err := parentUpper.layer.CreateHelper(ctx, parentUpper.ino, n.getName(), attr.Mode, attr.Uid, attr.Gid)
	if err != nil {
		return nil, err
	}

	lowerHandle, err := lower.layer.Open(ctx, lower.ino, 0)
	if err != nil {
		parentUpper.layer.Release(ctx, entry.Ino, upperHandle)
		return nil, err
	}
	defer lower.layer.Release(ctx, lower.ino, lowerHandle)

	if err := parentUpper.layer.Fallocate(ctx, entry.Ino, upperHandle, int64(attr.Size)); err != nil && !layer.NotImplemented(err) {
		// Pre-allocation is an optimization; a layer whose backing store
		// doesn't support it should not fail the copy.
		_ = err
	}

	buf := make([]byte, copyChunkSize)
	var offset int64
	for {
		n, err := lower.layer.Read(ctx, lower.ino, lowerHandle, buf, offset)
		if err != nil {
			parentUpper.layer.Release(ctx, entry.Ino, upperHandle)
			return nil, err
		}
		if n == 0 {
			break
		}

		written, err := parentUpper.layer.Write(ctx, entry.Ino, upperHandle, buf[:n], offset)
		if err != nil {
			parentUpper.layer.Release(ctx, entry.Ino, upperHandle)
			return nil, err
		}
		if written != n {
			parentUpper.layer.Release(ctx, entry.Ino, upperHandle)
			return nil, layer.New(layer.KindIoError, "short write during copy-up: wrote %d of %d", written, n)
		}
		offset += int64(n)
	}

	if err := parentUpper.layer.Release(ctx, entry.Ino, upperHandle); err != nil && !layer.NotImplemented(err) {
		return nil, err
	}

	ri := &realInode{layer: parentUpper.layer, inUpper: true, ino: entry.Ino, attr: entry.Attr, haveAttr: true, drops: parentUpper.drops}
	n.addUpperInode(ctx, ri, true)
	return n, nil
}

// copyNodeUp dispatches to the copy-up routine appropriate for n's file
// kind, a no-op if n is already in the upper layer.
func (fs *Filesystem) copyNodeUp(ctx context.Context, n *overlayInode) (*overlayInode, error) {
	if n.inUpperLayer() {
		return n, nil
	}

	attr, err := n.stat(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case attr.IsDir():
		if err := fs.createUpperDir(ctx, n); err != nil {
			return nil, err
		}
		return n, nil
	case attr.IsSymlink():
		return fs.copySymlinkUp(ctx, n)
	case attr.Mode.IsRegular():
		return fs.copyRegfileUp(ctx, n)
	default:
		return nil, layer.New(layer.KindInvalid, "cannot copy up file of this kind")
	}
}

// copyDirectoryUp recursively copies a directory and every descendant
// that isn't already represented in the upper layer, used ahead of a
// rename that would otherwise silently orphan lower-layer content.
func (fs *Filesystem) copyDirectoryUp(ctx context.Context, n *overlayInode) (*overlayInode, error) {
	if _, err := fs.copyNodeUp(ctx, n); err != nil {
		return nil, err
	}
	if err := fs.loadDirectory(ctx, n); err != nil {
		return nil, err
	}

	for name, child := range n.snapshotChildren() {
		if name == "." || name == ".." || child.isWhiteout() {
			continue
		}

		attr, err := child.stat(ctx)
		if err != nil {
			return nil, err
		}

		if !child.inUpperLayer() {
			switch {
			case attr.IsDir():
				if _, err := fs.copyDirectoryUp(ctx, child); err != nil {
					return nil, err
				}
			case attr.IsSymlink(), attr.Mode.IsRegular():
				if _, err := fs.copyNodeUp(ctx, child); err != nil {
					return nil, err
				}
			}
		} else if attr.IsDir() {
			if _, err := fs.copyDirectoryUp(ctx, child); err != nil {
				return nil, err
			}
		}
	}

	return n, nil
}
