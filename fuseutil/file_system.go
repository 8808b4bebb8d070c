// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fuseutil

import (
	"context"
	"io"

	fuse "github.com/fuseoverlayfs/fuseoverlayfs"
	"github.com/fuseoverlayfs/fuseoverlayfs/fuseops"
)

// FileSystem has one method per fuseops op type. Unlike the kernel-facing
// struct-and-Respond style, each method here takes a context and returns
// an error directly; NewFileSystemServer turns that error back into a
// kernel reply.
type FileSystem interface {
	Init(ctx context.Context, op *fuseops.InitOp) error
	StatFS(ctx context.Context, op *fuseops.StatFSOp) error

	LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error
	GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error
	SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error
	ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error

	MkDir(ctx context.Context, op *fuseops.MkDirOp) error
	MkNode(ctx context.Context, op *fuseops.MkNodeOp) error
	CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error
	CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error
	CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error
	Rename(ctx context.Context, op *fuseops.RenameOp) error
	ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error

	RmDir(ctx context.Context, op *fuseops.RmDirOp) error
	Unlink(ctx context.Context, op *fuseops.UnlinkOp) error

	OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error
	ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error
	ReadDirPlus(ctx context.Context, op *fuseops.ReadDirPlusOp) error
	ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error

	OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error
	ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error
	WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error
	SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error
	FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error
	ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error

	GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error
	ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error
	SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error
	RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error
}

// NewFileSystemServer returns a fuse.Server that dispatches each op read
// off c to the matching FileSystem method, replying with whatever error
// that method returns (nil for success).
//
// Each op is handled on its own goroutine and is free to block; the kernel
// guarantees to serialize operations that the user expects to happen in
// order (cf. the fuse-devel thread "Fuse guarantees on concurrent
// requests"), so naive concurrent dispatch is safe.
func NewFileSystemServer(fs FileSystem) fuse.Server {
	return &fileSystemServer{fs: fs}
}

type fileSystemServer struct {
	fs FileSystem
}

func (s *fileSystemServer) ServeOps(c *fuse.Connection) {
	for {
		op, err := c.ReadOp()
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}

		go s.handleOp(c, op)
	}
}

func (s *fileSystemServer) handleOp(c *fuse.Connection, op fuseops.Op) {
	ctx := context.Background()

	var err error
	switch typed := op.(type) {
	default:
		err = fuse.ENOSYS

	case *fuseops.InitOp:
		err = s.fs.Init(ctx, typed)
	case *fuseops.StatFSOp:
		err = s.fs.StatFS(ctx, typed)

	case *fuseops.LookUpInodeOp:
		err = s.fs.LookUpInode(ctx, typed)
	case *fuseops.GetInodeAttributesOp:
		err = s.fs.GetInodeAttributes(ctx, typed)
	case *fuseops.SetInodeAttributesOp:
		err = s.fs.SetInodeAttributes(ctx, typed)
	case *fuseops.ForgetInodeOp:
		err = s.fs.ForgetInode(ctx, typed)

	case *fuseops.MkDirOp:
		err = s.fs.MkDir(ctx, typed)
	case *fuseops.MkNodeOp:
		err = s.fs.MkNode(ctx, typed)
	case *fuseops.CreateFileOp:
		err = s.fs.CreateFile(ctx, typed)
	case *fuseops.CreateSymlinkOp:
		err = s.fs.CreateSymlink(ctx, typed)
	case *fuseops.CreateLinkOp:
		err = s.fs.CreateLink(ctx, typed)
	case *fuseops.RenameOp:
		err = s.fs.Rename(ctx, typed)
	case *fuseops.ReadSymlinkOp:
		err = s.fs.ReadSymlink(ctx, typed)

	case *fuseops.RmDirOp:
		err = s.fs.RmDir(ctx, typed)
	case *fuseops.UnlinkOp:
		err = s.fs.Unlink(ctx, typed)

	case *fuseops.OpenDirOp:
		err = s.fs.OpenDir(ctx, typed)
	case *fuseops.ReadDirOp:
		err = s.fs.ReadDir(ctx, typed)
	case *fuseops.ReadDirPlusOp:
		err = s.fs.ReadDirPlus(ctx, typed)
	case *fuseops.ReleaseDirHandleOp:
		err = s.fs.ReleaseDirHandle(ctx, typed)

	case *fuseops.OpenFileOp:
		err = s.fs.OpenFile(ctx, typed)
	case *fuseops.ReadFileOp:
		err = s.fs.ReadFile(ctx, typed)
	case *fuseops.WriteFileOp:
		err = s.fs.WriteFile(ctx, typed)
	case *fuseops.SyncFileOp:
		err = s.fs.SyncFile(ctx, typed)
	case *fuseops.FlushFileOp:
		err = s.fs.FlushFile(ctx, typed)
	case *fuseops.ReleaseFileHandleOp:
		err = s.fs.ReleaseFileHandle(ctx, typed)

	case *fuseops.GetXattrOp:
		err = s.fs.GetXattr(ctx, typed)
	case *fuseops.ListXattrOp:
		err = s.fs.ListXattr(ctx, typed)
	case *fuseops.SetXattrOp:
		err = s.fs.SetXattr(ctx, typed)
	case *fuseops.RemoveXattrOp:
		err = s.fs.RemoveXattr(ctx, typed)
	}

	c.Reply(op, err)
}
