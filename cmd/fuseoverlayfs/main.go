// Command fuseoverlayfs mounts a writable union of one upper directory and
// zero or more read-only lower directories at a mount point, the moral
// equivalent of the teacher's samples/mount_hello tool but driving
// overlay.Filesystem instead of a sample file system.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	fuse "github.com/fuseoverlayfs/fuseoverlayfs"
	"github.com/fuseoverlayfs/fuseoverlayfs/fuseutil"
	"github.com/fuseoverlayfs/fuseoverlayfs/layer"
	"github.com/fuseoverlayfs/fuseoverlayfs/overlay"
)

var (
	fMountPoint  = pflag.String("mountpoint", "", "path at which to mount the merged view")
	fUpperDir    = pflag.String("upperdir", "", "writable layer; omit to mount read-only")
	fLowerDirs   = pflag.StringSlice("lowerdir", nil, "read-only layers, topmost first (repeatable)")
	fReadOnly    = pflag.Bool("read_only", false, "force the mount read-only even if --upperdir is set")
	fAllowOther  = pflag.Bool("allow_other", false, "allow users other than the mount owner to access the file system")
	fDebug       = pflag.Bool("debug", false, "enable debug logging")
	fAttrCache   = pflag.Duration("attr_cache", time.Second, "how long the kernel may cache inode attributes")
	fEntryCache  = pflag.Duration("entry_cache", time.Second, "how long the kernel may cache directory entries")
	fCachePolicy = pflag.String("cache", "auto", "cache policy: never, auto, or always")
	fName        = pflag.String("name", "fuseoverlayfs", "fs_name reported to the kernel via mount(8)/df(1)")
	fPrivileged  = pflag.Bool("privileged", false, "request a privileged mount (recorded only; mounting always uses the fusermount helper)")
	fReaddirPlus = pflag.Bool("force_readdir_plus", false, "request READDIRPLUS for every directory listing (recorded only; not passed to the kernel)")
)

func parseCachePolicy(s string) (overlay.CachePolicy, error) {
	switch s {
	case "never":
		return overlay.CacheNever, nil
	case "auto", "":
		return overlay.CacheAuto, nil
	case "always":
		return overlay.CacheAlways, nil
	default:
		return 0, fmt.Errorf("unknown --cache value %q (want never, auto, or always)", s)
	}
}

func openLayers() (layer.Layer, []layer.Layer, error) {
	var upper layer.Layer
	if *fUpperDir != "" {
		p, err := layer.NewPassthrough(*fUpperDir)
		if err != nil {
			return nil, nil, err
		}
		upper = p
	}

	lowers := make([]layer.Layer, 0, len(*fLowerDirs))
	for _, dir := range *fLowerDirs {
		p, err := layer.NewPassthrough(dir)
		if err != nil {
			return nil, nil, err
		}
		lowers = append(lowers, p)
	}

	return upper, lowers, nil
}

func main() {
	pflag.Parse()

	if *fMountPoint == "" {
		log.Fatalf("you must set --mountpoint")
	}
	if *fUpperDir == "" && len(*fLowerDirs) == 0 {
		log.Fatalf("you must set at least one of --upperdir or --lowerdir")
	}

	upper, lowers, err := openLayers()
	if err != nil {
		log.Fatalf("opening layers: %v", err)
	}

	cachePolicy, err := parseCachePolicy(*fCachePolicy)
	if err != nil {
		log.Fatalf("%v", err)
	}

	cfg := overlay.Config{
		AttrTimeout:  *fAttrCache,
		EntryTimeout: *fEntryCache,
		CachePolicy:  cachePolicy,
		ReadOnly:     *fReadOnly || upper == nil,
	}

	ofs, err := overlay.New(context.Background(), upper, lowers, cfg)
	if err != nil {
		log.Fatalf("overlay.New: %v", err)
	}

	mountCfg := &fuse.MountConfig{
		FSName:           *fName,
		Subtype:          "fuseoverlayfs",
		AllowOther:       *fAllowOther,
		Privileged:       *fPrivileged,
		ForceReaddirPlus: *fReaddirPlus,
		ErrorLogger:      log.New(os.Stderr, "fuseoverlayfs: ", 0),
	}
	if *fDebug {
		mountCfg.DebugLogger = log.New(os.Stderr, "fuseoverlayfs(debug): ", 0)
	}

	mfs, err := fuse.Mount(*fMountPoint, fuseutil.NewFileSystemServer(ofs), mountCfg)
	if err != nil {
		log.Fatalf("fuse.Mount: %v", err)
	}

	// Unmount on SIGINT/SIGTERM so the kernel closes the connection and
	// Join returns instead of the process dying with the mount still up.
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		if err := mfs.Unmount(); err != nil {
			log.Printf("unmounting %s: %v", mfs.Dir(), err)
		}
	}()

	joinErr := mfs.Join()

	// Wait for every realInode forget spawned during the mount's lifetime
	// to finish before the process exits.
	ofs.Close()

	if joinErr != nil {
		log.Fatalf("serving file system: %v", joinErr)
	}
}
