package overlay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/syncutil"

	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// overlayInode is one merged node in the overlay namespace: an ordered
// stack of realInodes (upper-first, when an upper exists), a lazily loaded
// set of children, and a weak back-reference to its parent.
//
// Field lock ordering, enforced throughout this package: Filesystem.inodes
// -> parent.childrenMu -> node.childrenMu -> node.realMu -> node.pathMu.
// Violating this order risks deadlock under concurrent FUSE requests.
type overlayInode struct {
	ino uint64

	pathMu sync.Mutex
	path   string
	name   string

	realMu     sync.Mutex
	realInodes []*realInode

	childrenMu syncutil.InvariantMutex
	children   map[string]*overlayInode
	loaded     bool

	parentMu sync.Mutex
	parent   *overlayInode

	lookups  atomic.Uint64
	whiteout atomic.Bool
}

func newOverlayInode() *overlayInode {
	n := &overlayInode{children: make(map[string]*overlayInode)}
	n.childrenMu = syncutil.NewInvariantMutex(n.checkChildrenInvariants)
	return n
}

// checkChildrenInvariants re-validates, under childrenMu, that a loaded
// directory tracks no nil child. It does not check the children's parent
// pointers (a hard-linked child keeps its original parent).
func (n *overlayInode) checkChildrenInvariants() {
	if !n.loaded {
		return
	}
	for name, c := range n.children {
		if c == nil {
			panic(fmt.Sprintf("overlay: nil child %q in loaded directory", name))
		}
	}
}

// newOverlayInodeFromReal builds an overlayInode around a single realInode
// (used for freshly created nodes that exist in exactly one layer; New
// builds the root with newOverlayInode directly).
func newOverlayInodeFromReal(name string, ino uint64, path string, ri *realInode) *overlayInode {
	n := newOverlayInode()
	n.ino = ino
	n.path = path
	n.name = name
	n.whiteout.Store(ri.whiteout)
	n.lookups.Store(1)
	n.realInodes = []*realInode{ri}
	return n
}

// newOverlayInodeFromReals merges a set of same-path realInodes (one per
// layer that has an entry there, upper-first) into a single overlayInode,
// following the stop conditions from spec: a whiteout or a non-directory
// first element masks every layer behind it; an opaque directory masks
// every layer behind it; a non-first non-directory entry is a layout bug
// and is dropped with the layers already merged kept.
func newOverlayInodeFromReals(ctx context.Context, name string, ino uint64, path string, reals []*realInode) (*overlayInode, error) {
	if len(reals) == 0 {
		return nil, fmt.Errorf("overlay: newOverlayInodeFromReals called with no real inodes")
	}

	n := newOverlayInode()
	first := true
	for _, ri := range reals {
		attr, _, err := ri.statIgnoreNotFound(ctx)
		if err != nil {
			return nil, err
		}

		if first {
			first = false
			n.ino = ino
			n.path = path
			n.name = name
			n.whiteout.Store(ri.whiteout)
			n.lookups.Store(1)
			n.realInodes = []*realInode{ri}

			if ri.whiteout || !attr.IsDir() || ri.opaque {
				break
			}
			continue
		}

		if ri.whiteout {
			break
		}
		if !attr.IsDir() {
			break
		}

		n.realInodes = append(n.realInodes, ri)
		if ri.opaque {
			break
		}
	}

	return n, nil
}

func (n *overlayInode) stat(ctx context.Context) (layer.Attr, error) {
	n.realMu.Lock()
	reals := append([]*realInode(nil), n.realInodes...)
	n.realMu.Unlock()

	for _, ri := range reals {
		if a, ok, err := ri.statIgnoreNotFound(ctx); err != nil {
			return layer.Attr{}, err
		} else if ok {
			return a, nil
		}
	}
	return layer.Attr{}, layer.New(layer.KindNotFound, "no layer has an entry for this inode")
}

func (n *overlayInode) isDir(ctx context.Context) (bool, error) {
	a, err := n.stat(ctx)
	if err != nil {
		return false, err
	}
	return a.IsDir(), nil
}

func (n *overlayInode) lookupCount() uint64 { return n.lookups.Load() }

func (n *overlayInode) addLookup(delta uint64) {
	n.lookups.Add(delta)
}

// subLookup atomically subtracts count from the lookup count, saturating
// at zero (mirrors the Rust fetch_update "if current < count return 0"
// loop), and returns the resulting value.
func (n *overlayInode) subLookup(count uint64) uint64 {
	for {
		cur := n.lookups.Load()
		var next uint64
		if cur < count {
			next = 0
		} else {
			next = cur - count
		}
		if n.lookups.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (n *overlayInode) getPath() string {
	n.pathMu.Lock()
	defer n.pathMu.Unlock()
	return n.path
}

func (n *overlayInode) getName() string {
	n.pathMu.Lock()
	defer n.pathMu.Unlock()
	return n.name
}

func (n *overlayInode) setPathName(path, name string) {
	n.pathMu.Lock()
	defer n.pathMu.Unlock()
	n.path = path
	n.name = name
}

func (n *overlayInode) getParent() *overlayInode {
	n.parentMu.Lock()
	defer n.parentMu.Unlock()
	return n.parent
}

func (n *overlayInode) setParent(p *overlayInode) {
	n.parentMu.Lock()
	defer n.parentMu.Unlock()
	n.parent = p
}

func (n *overlayInode) child(name string) *overlayInode {
	n.childrenMu.Lock()
	defer n.childrenMu.Unlock()
	return n.children[name]
}

func (n *overlayInode) insertChild(name string, c *overlayInode) {
	n.childrenMu.Lock()
	defer n.childrenMu.Unlock()
	n.children[name] = c
}

func (n *overlayInode) removeChild(name string) *overlayInode {
	n.childrenMu.Lock()
	defer n.childrenMu.Unlock()
	c := n.children[name]
	delete(n.children, name)
	return c
}

func (n *overlayInode) snapshotChildren() map[string]*overlayInode {
	n.childrenMu.Lock()
	defer n.childrenMu.Unlock()
	out := make(map[string]*overlayInode, len(n.children))
	for k, v := range n.children {
		out[k] = v
	}
	return out
}

// inUpperLayer reports whether this node's first (topmost) real inode
// belongs to the upper layer.
func (n *overlayInode) inUpperLayer() bool {
	n.realMu.Lock()
	defer n.realMu.Unlock()
	if len(n.realInodes) == 0 {
		return false
	}
	return n.realInodes[0].inUpper
}

// upperOnly reports whether this node exists solely in the upper layer
// (no shadowed lower representation), which decides whether removing it
// needs a whiteout left behind.
func (n *overlayInode) upperOnly() bool {
	n.realMu.Lock()
	defer n.realMu.Unlock()
	return len(n.realInodes) == 1 && n.realInodes[0].inUpper
}

// firstReal returns the topmost real inode backing this node. Panics if
// called on a dangling node (one with no backing real inode at all),
// which the invariants of this package never allow to happen in practice.
func (n *overlayInode) firstReal() *realInode {
	n.realMu.Lock()
	defer n.realMu.Unlock()
	if len(n.realInodes) == 0 {
		panic(fmt.Sprintf("overlay: dangling overlayInode %d has no backing real inode", n.ino))
	}
	return n.realInodes[0]
}

// upperReal returns the topmost real inode if and only if it is in the
// upper layer, else nil.
func (n *overlayInode) upperReal() *realInode {
	n.realMu.Lock()
	defer n.realMu.Unlock()
	if len(n.realInodes) == 0 || !n.realInodes[0].inUpper {
		return nil
	}
	return n.realInodes[0]
}

// addUpperInode is how copy-up idempotently promotes a node: it pushes a
// freshly created upper realInode to the front of the stack. If another
// goroutine raced this one and already copied the node up, this call is a
// no-op (checked under the same lock that guards the read in
// copyNodeUp, making the whole operation atomic with respect to the
// in-upper-layer check).
func (n *overlayInode) addUpperInode(ctx context.Context, ri *realInode, clearLowers bool) {
	n.realMu.Lock()
	defer n.realMu.Unlock()

	if len(n.realInodes) > 0 && n.realInodes[0].inUpper {
		// Already copied up by a racing caller; drop the redundant upper
		// inode we just created rather than leaking its lookup count.
		ri.destroy(ctx)
		return
	}

	n.whiteout.Store(ri.whiteout)
	if clearLowers {
		for _, old := range n.realInodes {
			old.destroy(ctx)
		}
		n.realInodes = []*realInode{ri}
		return
	}
	n.realInodes = append([]*realInode{ri}, n.realInodes...)
}

// resetRealInode unconditionally replaces n's entire real-inode stack with
// ri, destroying whatever used to back n first. Unlike addUpperInode, this
// does not guard against "already copied up": it is for handing n's
// identity (ino, path, the overlayInode object itself) over to genuinely
// new content, e.g. a create or whiteout that has just reclaimed the inode
// number a prior, now-unlinked occupant reserved at the same path (the
// prior content is necessarily stale here, never a duplicate to dedupe).
func (n *overlayInode) resetRealInode(ctx context.Context, ri *realInode) {
	// Whatever children were merged for the old content are stale along
	// with it; the next readdir rescans against the new backing. Taken
	// before realMu per the package lock order.
	n.childrenMu.Lock()
	n.children = make(map[string]*overlayInode)
	n.loaded = false
	n.childrenMu.Unlock()

	n.realMu.Lock()
	defer n.realMu.Unlock()

	for _, old := range n.realInodes {
		old.destroy(ctx)
	}
	n.realInodes = []*realInode{ri}
	n.whiteout.Store(ri.whiteout)
}

// appendReal adds ri as an additional backing real inode, used by hard-link
// creation where a second directory entry now reaches the same overlayInode
// through a distinct layer lookup-count reference.
func (n *overlayInode) appendReal(ri *realInode) {
	n.realMu.Lock()
	defer n.realMu.Unlock()
	n.realInodes = append(n.realInodes, ri)
}

// allReal returns a snapshot of this node's backing real inodes.
func (n *overlayInode) allReal() []*realInode {
	n.realMu.Lock()
	defer n.realMu.Unlock()
	return append([]*realInode(nil), n.realInodes...)
}

func (n *overlayInode) isWhiteout() bool { return n.whiteout.Load() }

func (n *overlayInode) countEntriesAndWhiteouts() (count, whiteouts int) {
	n.childrenMu.Lock()
	defer n.childrenMu.Unlock()
	for _, c := range n.children {
		if c.isWhiteout() {
			whiteouts++
		} else {
			count++
		}
	}
	return count, whiteouts
}
