package overlay

import (
	"sync"
	"sync/atomic"

	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// handle binds a FUSE-visible file or directory handle to the backing
// layer handle it was opened against, plus the overlayInode it belongs to
// so release can find its way back to the node without a second lookup.
// Under Config.NoOpen the layer binding is a pseudo-handle: layer and
// layerIno are set but layerHandle stays zero, and no layer Open/Release
// pair brackets the handle's lifetime.
type handle struct {
	node        *overlayInode
	layer       layer.Layer
	layerIno    layer.Ino
	layerHandle layer.Handle
	inUpper     bool
	isDir       bool
}

// handleTable hands out FUSE HandleIDs and tracks which layer+layer-handle
// each one maps to.
type handleTable struct {
	mu      sync.Mutex
	next    atomic.Uint64
	entries map[uint64]*handle
}

func newHandleTable() *handleTable {
	return &handleTable{entries: make(map[uint64]*handle)}
}

func (t *handleTable) register(h *handle) uint64 {
	id := t.next.Add(1)
	t.mu.Lock()
	t.entries[id] = h
	t.mu.Unlock()
	return id
}

func (t *handleTable) get(id uint64) (*handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	return h, ok
}

func (t *handleTable) remove(id uint64) (*handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	delete(t.entries, id)
	return h, ok
}
