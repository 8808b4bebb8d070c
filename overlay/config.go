// Package overlay implements a union filesystem: an optional writable upper
// layer stacked over one or more read-only lower layers, merged into a
// single namespace and served to the kernel through fuseutil.FileSystem.
package overlay

import (
	"time"

	"github.com/jacobsa/timeutil"
)

// CachePolicy gates how long the kernel may cache attributes and
// directory entries. Grounded on original_source's overlayfs config
// struct, which carries exactly this three-way choice rather than a raw
// duration: CacheNever disables caching outright (every lookup/getattr
// revalidates against the layers), CacheAlways pins a long TTL for
// read-mostly mounts that never see out-of-band layer mutation, and
// CacheAuto — the default — uses Config.AttrTimeout/EntryTimeout as
// ordinary short TTLs. This field is not load-bearing for overlay
// correctness (spec.md section 6): it only shapes cache expiry math.
type CachePolicy int

const (
	// CacheAuto uses AttrTimeout/EntryTimeout as-is. Default.
	CacheAuto CachePolicy = iota
	// CacheNever disables caching: every expiry is the current time.
	CacheNever
	// CacheAlways pins expiry far in the future.
	CacheAlways
)

// cacheAlwaysTTL matches samples/memfs's rationale for a long fixed TTL on
// a file system that doesn't spontaneously mutate under the kernel: a
// year is effectively "don't bother revalidating".
const cacheAlwaysTTL = 365 * 24 * time.Hour

// Config holds the knobs that shape how a Filesystem behaves. It is
// populated by cmd/fuseoverlayfs from command-line flags and passed to New.
type Config struct {
	// AttrTimeout and EntryTimeout bound how long the kernel may cache
	// attributes and directory entries before re-validating them, subject
	// to CachePolicy.
	AttrTimeout  time.Duration
	EntryTimeout time.Duration

	// CachePolicy selects how AttrTimeout/EntryTimeout are interpreted.
	// Defaults to CacheAuto.
	CachePolicy CachePolicy

	// InodeLimit caps the inode numbers this overlay will ever hand out
	// before wrapping back around to the start of its allocation window.
	// Zero means "use the default window size".
	InodeLimit uint64

	// RootInode is the inode number exposed to the kernel for the mount
	// point itself. Coordinators stacking several overlay.Filesystem
	// instances behind one mount give each a disjoint window via
	// InodeBase/InodeLimit.
	RootInode uint64

	// InodeBase is the first inode number this overlay's allocator may
	// hand out; allocation wraps from InodeLimit-1 back to InodeBase
	// (InodeLimit is an absolute ceiling, not a count added to InodeBase).
	// Defaults to 2 (1 is reserved for RootInode).
	InodeBase uint64

	// ReadOnly forces the filesystem read-only even if an upper layer is
	// configured: every mutating operation fails with EROFS.
	ReadOnly bool

	// NoOpen skips opening concrete layer handles for regular files:
	// OpenFile and CreateFile register a pseudo-handle bound to the node's
	// topmost real inode with a zero layer handle, and reads and writes
	// address the layer by inode alone. Only usable over layers whose
	// Read/Write don't require a prior Open.
	NoOpen bool

	// Clock supplies the current time from which attribute and entry
	// expiry times are stamped. Defaults to the real wall clock; a fake
	// clock can be injected to control expiry times without sleeping.
	Clock timeutil.Clock
}

const defaultInodeLimit = 1 << 32

func (c *Config) normalize() {
	if c.RootInode == 0 {
		c.RootInode = 1
	}
	if c.InodeBase == 0 {
		c.InodeBase = c.RootInode + 1
	}
	if c.InodeLimit == 0 {
		c.InodeLimit = defaultInodeLimit
	}
	if c.AttrTimeout == 0 {
		c.AttrTimeout = time.Second
	}
	if c.EntryTimeout == 0 {
		c.EntryTimeout = time.Second
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock()
	}
}

// attrTTL and entryTTL apply CachePolicy to the configured timeouts:
// CacheNever collapses them to zero, CacheAlways stretches them to
// cacheAlwaysTTL, and CacheAuto passes the configured duration through
// unchanged.
func (c *Config) attrTTL() time.Duration {
	switch c.CachePolicy {
	case CacheNever:
		return 0
	case CacheAlways:
		return cacheAlwaysTTL
	default:
		return c.AttrTimeout
	}
}

func (c *Config) entryTTL() time.Duration {
	switch c.CachePolicy {
	case CacheNever:
		return 0
	case CacheAlways:
		return cacheAlwaysTTL
	default:
		return c.EntryTimeout
	}
}
