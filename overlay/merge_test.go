package overlay

import (
	"context"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	. "github.com/jacobsa/ogletest"

	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
)

func TestMerge(t *testing.T) { RunTests(t) }

type MergeTest struct {
	ctx context.Context
}

func init() { RegisterTestSuite(&MergeTest{}) }

func (t *MergeTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
}

// buildFS assembles a Filesystem over the given layers. upper may be nil
// for a read-only union.
func buildFS(ctx context.Context, upper *memLayer, lowers ...*memLayer) *Filesystem {
	var up layer.Layer
	if upper != nil {
		up = upper
	}
	los := make([]layer.Layer, len(lowers))
	for i, l := range lowers {
		los[i] = l
	}
	fs, err := New(ctx, up, los, Config{})
	AssertEq(nil, err)
	return fs
}

// walk resolves a "/a/b/c"-style path from the root via the merge engine's
// lookupNode, failing the test if any component is missing.
func walk(ctx context.Context, fs *Filesystem, path string) *overlayInode {
	node, err := walkErr(ctx, fs, path)
	AssertEq(nil, err, "walk(%q)", path)
	return node
}

func walkErr(ctx context.Context, fs *Filesystem, path string) (*overlayInode, error) {
	node := fs.root
	if path == "" || path == "/" {
		return node, nil
	}
	for _, name := range splitPath(path) {
		var err error
		node, err = fs.lookupNode(ctx, node.ino, name)
		if err != nil {
			return nil, err
		}
	}
	return node, nil
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// listNames returns the sorted non-whiteout child names the dispatcher
// would emit for node, without "." and "..".
func listNames(ctx context.Context, fs *Filesystem, node *overlayInode) []string {
	entries, err := fs.dirents(ctx, node)
	AssertEq(nil, err)
	names := make([]string, 0, len(entries))
	for _, de := range entries {
		if de.Name == "." || de.Name == ".." {
			continue
		}
		names = append(names, de.Name)
	}
	return names
}

func (t *MergeTest) UnionsEntriesAcrossLayers() {
	upper := newMemLayer(true)
	lower1 := newMemLayer(false)
	lower2 := newMemLayer(false)

	upper.mustWriteFile("/u", []byte("upper"), 0644, 0, 0)
	lower1.mustWriteFile("/a", []byte("one"), 0644, 0, 0)
	lower2.mustWriteFile("/b", []byte("two"), 0644, 0, 0)

	fs := buildFS(t.ctx, upper, lower1, lower2)

	got := listNames(t.ctx, fs, fs.root)
	want := []string{"a", "b", "u"}
	AssertEq("", pretty.Compare(want, got), "root listing diff:\n%s", pretty.Compare(want, got))
}

func (t *MergeTest) TopmostLayerWinsForSameName() {
	lower1 := newMemLayer(false)
	lower2 := newMemLayer(false)

	win := lower1.mustWriteFile("/f", []byte("top"), 0644, 0, 0)
	lower2.mustWriteFile("/f", []byte("bottom"), 0640, 0, 0)

	fs := buildFS(t.ctx, nil, lower1, lower2)

	node := walk(t.ctx, fs, "/f")
	attr, err := node.stat(t.ctx)
	AssertEq(nil, err)
	ExpectEq(win.ino, attr.Ino)

	// A non-directory first entry terminates the merge: the bottom layer's
	// same-named file contributes nothing.
	ExpectEq(1, len(node.allReal()))
}

func (t *MergeTest) SameNameDirectoriesMergeTheirChildren() {
	lower1 := newMemLayer(false)
	lower2 := newMemLayer(false)

	lower1.mustWriteFile("/d/a", []byte("a"), 0644, 0, 0)
	lower2.mustWriteFile("/d/b", []byte("b"), 0644, 0, 0)

	fs := buildFS(t.ctx, nil, lower1, lower2)

	d := walk(t.ctx, fs, "/d")
	ExpectEq(2, len(d.allReal()))

	got := listNames(t.ctx, fs, d)
	want := []string{"a", "b"}
	AssertEq("", pretty.Compare(want, got), "merged dir diff:\n%s", pretty.Compare(want, got))
}

func (t *MergeTest) WhiteoutMasksLowerEntry() {
	upper := newMemLayer(true)
	lower := newMemLayer(false)

	upper.mustWhiteout("/f")
	lower.mustWriteFile("/f", []byte("hidden"), 0644, 0, 0)

	fs := buildFS(t.ctx, upper, lower)

	// The node exists internally, flagged whiteout, masking the merge.
	node, err := fs.lookupNode(t.ctx, fs.root.ino, "f")
	AssertEq(nil, err)
	ExpectTrue(node.isWhiteout())
	ExpectEq(1, len(node.allReal()))

	// Every FUSE-facing path sees not-found.
	_, err = fs.lookupVisible(t.ctx, fs.root.ino, "f")
	ExpectTrue(layer.Is(err, layer.KindNotFound))

	// And readdir filters the masking marker.
	ExpectEq(0, len(listNames(t.ctx, fs, fs.root)))
}

func (t *MergeTest) OpaqueDirectoryShadowsLowerContents() {
	upper := newMemLayer(true)
	lower := newMemLayer(false)

	upper.mustWriteFile("/d/u", []byte("u"), 0644, 0, 0)
	upper.mustSetOpaque("/d")
	lower.mustWriteFile("/d/l", []byte("l"), 0644, 0, 0)

	fs := buildFS(t.ctx, upper, lower)

	d := walk(t.ctx, fs, "/d")
	got := listNames(t.ctx, fs, d)
	want := []string{"u"}
	AssertEq("", pretty.Compare(want, got), "opaque dir diff:\n%s", pretty.Compare(want, got))
}

func (t *MergeTest) FileInUpperShadowsDirectoryInLower() {
	upper := newMemLayer(true)
	lower := newMemLayer(false)

	upper.mustWriteFile("/x", []byte("file"), 0644, 0, 0)
	lower.mustWriteFile("/x/inner", []byte("inner"), 0644, 0, 0)

	fs := buildFS(t.ctx, upper, lower)

	node := walk(t.ctx, fs, "/x")
	ExpectEq(1, len(node.allReal()))
	isDir, err := node.isDir(t.ctx)
	AssertEq(nil, err)
	ExpectFalse(isDir)
}

func (t *MergeTest) LookupOfDotReturnsTheParentItself() {
	lower := newMemLayer(false)
	lower.mustWriteFile("/f", []byte("x"), 0644, 0, 0)
	fs := buildFS(t.ctx, nil, lower)

	node, err := fs.lookupNode(t.ctx, fs.root.ino, ".")
	AssertEq(nil, err)
	ExpectEq(fs.root, node)
}

func (t *MergeTest) DotDotAtTheRootReturnsTheRoot() {
	fs := buildFS(t.ctx, nil, newMemLayer(false))

	node, err := fs.lookupNode(t.ctx, fs.root.ino, "..")
	AssertEq(nil, err)
	ExpectEq(fs.root, node)
}

func (t *MergeTest) LookupOfMissingNameFails() {
	fs := buildFS(t.ctx, nil, newMemLayer(false))

	_, err := fs.lookupNode(t.ctx, fs.root.ino, "missing")
	ExpectTrue(layer.Is(err, layer.KindNotFound))
}

func (t *MergeTest) NameWithSlashIsRejected() {
	fs := buildFS(t.ctx, nil, newMemLayer(false))

	_, err := fs.lookupNode(t.ctx, fs.root.ino, "a/b")
	ExpectTrue(layer.Is(err, layer.KindInvalid))
}

func (t *MergeTest) EveryMergedNodeGetsAUniqueIno() {
	lower := newMemLayer(false)
	lower.mustWriteFile("/a", []byte("a"), 0644, 0, 0)
	lower.mustWriteFile("/b", []byte("b"), 0644, 0, 0)
	lower.mustWriteFile("/d/c", []byte("c"), 0644, 0, 0)

	fs := buildFS(t.ctx, nil, lower)

	seen := make(map[uint64]string)
	for _, path := range []string{"/a", "/b", "/d", "/d/c"} {
		node := walk(t.ctx, fs, path)
		prev, dup := seen[node.ino]
		AssertFalse(dup, "ino %d assigned to both %q and %q", node.ino, prev, path)
		seen[node.ino] = path
		ExpectNe(fs.root.ino, node.ino)
	}
}

func (t *MergeTest) RepeatedLookupReturnsTheSameNode() {
	lower := newMemLayer(false)
	lower.mustWriteFile("/f", []byte("x"), 0644, 0, 0)
	fs := buildFS(t.ctx, nil, lower)

	first := walk(t.ctx, fs, "/f")
	second := walk(t.ctx, fs, "/f")
	ExpectEq(first, second)
}
