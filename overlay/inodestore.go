package overlay

import (
	"github.com/jacobsa/syncutil"

	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

// inodeStore owns the inode-number allocator and the active/deleted inode
// maps for one overlay.Filesystem. It is guarded by a single InvariantMutex:
// all operations that mutate the allocator or either map take the write
// lock, lookups take the read lock, and checkInvariants re-validates the
// active/deleted split on every acquisition.
//
// Grounded on the allocate/insert/remove protocol of the Rust InodeStore
// (inode_store.rs): linear probing for a free number, a trie-like path
// reservation so a path keeps mapping to the same inode until clearPath or
// remove with that path frees the reservation, and an nlink count distinct from the per-node FUSE lookup
// count that decides whether a removed node moves to the deleted map or is
// dropped outright.
type inodeStore struct {
	mu syncutil.InvariantMutex

	base  uint64
	limit uint64
	next  uint64

	// pathToIno reserves an inode number for a path until clearPath or
	// remove with that path frees it, so re-visiting the same path (e.g.
	// after a forget/re-lookup cycle) yields the same number meanwhile.
	pathToIno map[string]uint64

	// nlink counts directory-entry references to an inode, independent of
	// the FUSE kernel lookup count carried on OverlayInode.lookups.
	nlink map[uint64]uint64

	active  map[uint64]*overlayInode
	deleted map[uint64]*overlayInode
}

func newInodeStore(base, limit uint64) *inodeStore {
	s := &inodeStore{
		base:      base,
		limit:     limit,
		next:      base,
		pathToIno: make(map[string]uint64),
		nlink:     make(map[uint64]uint64),
		active:    make(map[uint64]*overlayInode),
		deleted:   make(map[uint64]*overlayInode),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// checkInvariants re-validates, under the lock, that no inode number is
// simultaneously active and deleted.
func (s *inodeStore) checkInvariants() {
	for ino := range s.active {
		if _, ok := s.deleted[ino]; ok {
			panic("overlay: inode is both active and deleted")
		}
	}
}

// allocUnique returns a fresh inode number not currently in use by either
// the active or deleted map, probing linearly from the last number handed
// out and wrapping at limit back to base.
func (s *inodeStore) allocUnique() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocUniqueLocked()
}

func (s *inodeStore) allocUniqueLocked() (uint64, error) {
	start := s.next
	for {
		candidate := s.next
		s.next++
		if s.next >= s.limit {
			s.next = s.base
		}

		if _, busy := s.active[candidate]; !busy {
			if _, busy := s.deleted[candidate]; !busy {
				return candidate, nil
			}
		}

		if s.next == start {
			return 0, layer.New(layer.KindIoError, "maximum inode number %d reached", s.limit)
		}
	}
}

// allocForPath returns the inode number reserved for path, or mints a
// fresh one the first time path is seen. Allocation only reads the path
// table; the reservation itself is written by insert, so a caller whose
// create fails between the two steps leaves no stale path entry behind.
// An existing reservation holds regardless of whether the number is
// currently active or sitting in the deleted map (pinned there by an
// outstanding lookup count): a path always maps to the same inode number,
// so create("/f") after unlink("/f") while still open returns the same K
// the original occupant had. Callers that mint a node for a reservation
// whose number is already occupied are responsible for reclaiming the
// occupant (see reclaimDeleted) rather than minting a second node under
// the same number.
func (s *inodeStore) allocForPath(path string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ino, ok := s.pathToIno[path]; ok {
		return ino, nil
	}
	return s.allocUniqueLocked()
}

// clearPath frees path's inode-number reservation so creating a new node
// there is unconstrained by whatever used to live there.
func (s *inodeStore) clearPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pathToIno, path)
}

// rebindPath moves path's reservation from oldPath to newPath, keeping ino
// stable across a rename.
func (s *inodeStore) rebindPath(oldPath, newPath string, ino uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pathToIno, oldPath)
	s.pathToIno[newPath] = ino
}

// insert records node as the active inode for ino, reserves its path so
// a later allocForPath for the same path returns the same number, and
// increments its nlink. The path write happens here rather than in
// allocForPath so that an allocation abandoned before insert reserves
// nothing.
func (s *inodeStore) insert(ino uint64, node *overlayInode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path := node.getPath(); path != "" {
		s.pathToIno[path] = ino
	}
	s.nlink[ino]++
	s.active[ino] = node
}

func (s *inodeStore) getActive(ino uint64) *overlayInode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[ino]
}

func (s *inodeStore) getDeleted(ino uint64) *overlayInode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted[ino]
}

// getAny returns the inode whether it is still active or already moved to
// the deleted set (reachable only by a lookup count still outstanding).
func (s *inodeStore) getAny(ino uint64) *overlayInode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.active[ino]; ok {
		return n
	}
	return s.deleted[ino]
}

// remove decrements ino's nlink. When nlink drops to zero and the inode is
// still active, it is moved to the deleted map if its FUSE lookup count is
// still positive (the kernel hasn't forgotten it yet), or dropped from both
// maps and returned to the caller for final cleanup otherwise. pathRemoved,
// if non-empty, also frees the path reservation so the path can be reused
// by an unrelated future inode.
func (s *inodeStore) remove(ino uint64, pathRemoved string) *overlayInode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pathRemoved != "" {
		delete(s.pathToIno, pathRemoved)
	}

	if s.nlink[ino] == 0 {
		return nil
	}
	s.nlink[ino]--
	if s.nlink[ino] > 0 {
		return nil
	}
	delete(s.nlink, ino)

	node, ok := s.active[ino]
	if !ok {
		return nil
	}

	if node.lookupCount() > 0 {
		delete(s.active, ino)
		s.deleted[ino] = node
		return nil
	}

	delete(s.active, ino)
	delete(s.deleted, ino)
	return node
}

// reclaimDeleted moves ino from the deleted map back to active with a
// fresh single nlink reference, returning the node, or nil if ino isn't
// currently deleted. Used when a path's reservation is still pinned in the
// deleted map by an outstanding lookup count at the moment a new node is
// created at that same path (spec scenario: create, open, unlink, create):
// the occupant is resurrected in place under its existing inode number
// instead of a second node being minted under a number allocForPath would
// otherwise have no way to hand out, preserving the "at most one of
// {active, deleted}" invariant.
func (s *inodeStore) reclaimDeleted(ino uint64) *overlayInode {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.deleted[ino]
	if !ok {
		return nil
	}
	delete(s.deleted, ino)
	s.active[ino] = node
	s.nlink[ino] = 1
	return node
}

// dropDeleted removes ino from the deleted map once its lookup count has
// finally reached zero, returning the node for cleanup.
func (s *inodeStore) dropDeleted(ino uint64) *overlayInode {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.deleted[ino]
	if !ok {
		return nil
	}
	delete(s.deleted, ino)
	return node
}

// extend replaces the allocation cursor and ceiling (base is left as it
// was, so a later wrap returns to it), used by a coordinator that stacks
// several overlay.Filesystem instances behind one mount and wants to hand
// each a disjoint inode range.
func (s *inodeStore) extend(next, limit uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = next
	s.limit = limit
}
