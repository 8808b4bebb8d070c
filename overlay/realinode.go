package overlay

import (
	"context"

	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// realInode binds a single layer's inode number to that layer, owning
// exactly one lookup-count reference on it. Every realInode constructed
// from a layer lookup/create/mkdir/etc. call must eventually be destroyed
// exactly once, which issues the matching layer.Forget.
//
// Grounded on the Rust RealInode (overlayfs/mod.rs): "do not impl Clone for
// it or refcount will be messed up" translates directly to the Go rule
// that a *realInode must never be copied by value, only passed by
// pointer, and destroy() must run exactly once.
type realInode struct {
	layer      layer.Layer
	inUpper    bool
	ino        layer.Ino
	whiteout   bool
	opaque     bool
	attr       layer.Attr
	haveAttr   bool
	destroyed  bool

	// drops is the owning Filesystem's outstanding-forget tracker. destroy
	// spawns the layer.Forget call on it rather than running inline, so a
	// caller holding locks while dropping a realInode never blocks on the
	// layer's forget path; Filesystem.Close waits for drops to finish
	// draining before returning.
	drops *dropQueue
}

// newRealInode wraps an already-looked-up layer inode, eagerly warming the
// attribute cache so repeated stat64 calls during merge construction don't
// re-enter the layer.
func newRealInode(ctx context.Context, l layer.Layer, inUpper bool, ino layer.Ino, whiteout, opaque bool, drops *dropQueue) *realInode {
	ri := &realInode{layer: l, inUpper: inUpper, ino: ino, whiteout: whiteout, opaque: opaque, drops: drops}
	if a, _, err := l.Getattr(ctx, ino, 0); err == nil {
		ri.attr = a
		ri.haveAttr = true
	}
	return ri
}

func (ri *realInode) statIgnoreNotFound(ctx context.Context) (layer.Attr, bool, error) {
	if ri.haveAttr {
		return ri.attr, true, nil
	}
	a, _, err := ri.layer.Getattr(ctx, ri.ino, 0)
	if err != nil {
		if layer.Is(err, layer.KindNotFound) {
			return layer.Attr{}, false, nil
		}
		return layer.Attr{}, false, err
	}
	ri.attr = a
	ri.haveAttr = true
	return a, true, nil
}

// lookupChild looks up name under this real inode in the same layer,
// returning nil (no error) if it doesn't exist or this node is whiteout.
// The child's whiteout and opaque flags are resolved here, at lookup time:
// newOverlayInodeFromReals reads them straight off the realInode, while
// scanChildren still asks the layer whether each directory it reads is
// opaque.
func (ri *realInode) lookupChild(ctx context.Context, name string) (*realInode, error) {
	if ri.whiteout {
		return nil, nil
	}

	entry, err := ri.layer.Lookup(ctx, ri.ino, name)
	if err != nil {
		if layer.Is(err, layer.KindNotFound) || layer.Is(err, layer.KindNameTooLong) {
			return nil, nil
		}
		return nil, err
	}

	child := &realInode{
		layer:    ri.layer,
		inUpper:  ri.inUpper,
		ino:      entry.Ino,
		whiteout: entry.Attr.IsWhiteout(),
		attr:     entry.Attr,
		haveAttr: true,
		drops:    ri.drops,
	}
	if entry.Attr.IsDir() {
		opaque, err := ri.layer.IsOpaque(ctx, entry.Ino)
		if err != nil && !layer.NotImplemented(err) {
			child.destroy(ctx)
			return nil, err
		}
		child.opaque = opaque
	}
	return child, nil
}

// requireUpper asserts the write-guard invariant: mutating calls on a
// realInode must only ever target the upper layer.
func (ri *realInode) requireUpper() error {
	if !ri.inUpper {
		return layer.New(layer.KindReadOnly, "operation requires an upper-layer real inode")
	}
	return nil
}

// createWhiteout mknods a whiteout marker named name as a child of ri,
// returning a realInode wrapping the new entry. Ordinary mkdir/create
// dispatch goes through the layer's *_helper variants instead, since it
// must preserve the calling FUSE request's uid/gid, and realInode has no
// wrapper for those; whiteout creation never needs uid/gid preservation
// (the marker is owned by whoever runs the overlay process), so it calls
// the layer's CreateWhiteout directly.
func (ri *realInode) createWhiteout(ctx context.Context, name string) (*realInode, error) {
	if err := ri.requireUpper(); err != nil {
		return nil, err
	}
	entry, err := ri.layer.CreateWhiteout(ctx, ri.ino, name)
	if err != nil {
		return nil, err
	}
	return &realInode{layer: ri.layer, inUpper: true, ino: entry.Ino, whiteout: true, attr: entry.Attr, haveAttr: true, drops: ri.drops}, nil
}

// destroy releases the lookup-count reference this realInode holds on its
// layer's inode. Safe to call more than once; subsequent calls are no-ops.
// Mirrors the Rust RealInode Drop impl, which spawns the layer forget as a
// detached task rather than running it on the dropping thread: destroy
// hands the Forget call to ri.drops, which runs it on its own goroutine and
// is awaited by Filesystem.Close at shutdown. A realInode built without a
// queue (bare unit tests) falls back to an inline forget.
func (ri *realInode) destroy(ctx context.Context) {
	if ri.destroyed {
		return
	}
	ri.destroyed = true
	if ri.drops == nil {
		ri.layer.Forget(ctx, ri.ino, 1)
		return
	}
	ri.drops.spawn(func() {
		ri.layer.Forget(ctx, ri.ino, 1)
	})
}
