package overlay

import (
	"context"
	"strings"

	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// scanChildren reads n's directory contents from every layer n has a real
// inode in, upper-first, merging same-named entries into one ordered list
// of realInodes per name, and stopping the merge for a given layer stack
// at the first whiteout or opaque marker encountered (scanning stops
// entirely once n itself is whiteout, not a directory, or opaque).
func (fs *Filesystem) scanChildren(ctx context.Context, n *overlayInode) (map[string][]*realInode, error) {
	n.realMu.Lock()
	reals := append([]*realInode(nil), n.realInodes...)
	n.realMu.Unlock()

	merged := make(map[string][]*realInode)
	for _, ri := range reals {
		if ri.whiteout {
			break
		}

		attr, ok, err := ri.statIgnoreNotFound(ctx)
		if err != nil {
			return nil, err
		}
		if !ok || !attr.IsDir() {
			break
		}

		handle, err := ri.layer.Opendir(ctx, ri.ino)
		if err != nil && !layer.NotImplemented(err) {
			return nil, err
		}
		if err == nil {
			defer ri.layer.Releasedir(ctx, ri.ino, handle)
		}

		entries, err := ri.layer.Readdir(ctx, ri.ino, handle)
		if err != nil {
			return nil, err
		}

		for _, de := range entries {
			if de.Name == "." || de.Name == ".." {
				continue
			}
			child, err := ri.lookupChild(ctx, de.Name)
			if err != nil {
				return nil, err
			}
			if child == nil {
				continue
			}
			merged[de.Name] = append(merged[de.Name], child)
		}

		opaque, err := ri.layer.IsOpaque(ctx, ri.ino)
		if err != nil && !layer.NotImplemented(err) {
			return nil, err
		}
		if opaque {
			break
		}
	}

	return merged, nil
}

// loadDirectory populates n.children from every backing layer, exactly
// once. Safe to call concurrently: a double-checked loaded flag under both
// the inode store's write lock and n's own children lock ensures only the
// first caller does the work.
func (fs *Filesystem) loadDirectory(ctx context.Context, n *overlayInode) error {
	n.childrenMu.Lock()
	if n.loaded {
		n.childrenMu.Unlock()
		return nil
	}
	n.childrenMu.Unlock()

	merged, err := fs.scanChildren(ctx, n)
	if err != nil {
		return err
	}

	fs.inodes.mu.Lock()
	defer fs.inodes.mu.Unlock()
	n.childrenMu.Lock()
	defer n.childrenMu.Unlock()

	if n.loaded {
		return nil
	}

	parentPath := n.path
	for name, reals := range merged {
		childPath := parentPath + "/" + name
		ino, err := fs.inodes.allocUniqueLocked()
		if err != nil {
			return err
		}

		child, err := newOverlayInodeFromReals(ctx, name, ino, childPath, reals)
		if err != nil {
			return err
		}
		child.setParent(n)

		n.children[name] = child
		fs.inodes.nlink[ino]++
		fs.inodes.active[ino] = child
		fs.inodes.pathToIno[childPath] = ino
	}

	n.loaded = true
	return nil
}

// lookupNode resolves parent/name to the merged overlayInode, loading
// parent's directory contents first if necessary. An empty name (or ".")
// returns parent itself; ".." at the root returns the root (the root has
// no parent to walk to).
func (fs *Filesystem) lookupNode(ctx context.Context, parent uint64, name string) (*overlayInode, error) {
	if strings.Contains(name, "/") {
		return nil, layer.New(layer.KindInvalid, "name %q contains a path separator", name)
	}

	pnode := fs.inodes.getActive(parent)
	if pnode == nil {
		pnode = fs.inodes.getAny(parent)
	}
	if pnode == nil {
		return nil, layer.New(layer.KindNotFound, "no such inode %v", parent)
	}

	if pnode.isWhiteout() {
		return nil, layer.New(layer.KindNotFound, "parent is whiteout")
	}

	isDir, err := pnode.isDir(ctx)
	if err != nil {
		return nil, err
	}
	if isDir {
		pnode.childrenMu.Lock()
		loaded := pnode.loaded
		pnode.childrenMu.Unlock()
		if !loaded {
			if err := fs.loadDirectory(ctx, pnode); err != nil {
				return nil, err
			}
		}
	}

	if name == "" || name == "." || (parent == fs.config.RootInode && name == "..") {
		return pnode, nil
	}

	child := pnode.child(name)
	if child == nil {
		return nil, layer.New(layer.KindNotFound, "no such entry %q", name)
	}
	return child, nil
}

// lookupNodeIgnoreNotFound is lookupNode but turns a not-found result into
// (nil, nil), which every caller that wants to distinguish "missing" from
// "whiteout present" needs.
func (fs *Filesystem) lookupNodeIgnoreNotFound(ctx context.Context, parent uint64, name string) (*overlayInode, error) {
	n, err := fs.lookupNode(ctx, parent, name)
	if err != nil {
		if layer.Is(err, layer.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return n, nil
}
