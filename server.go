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

package fuse

import "io"

// Server is implemented by something that knows how to serve ops read
// from a Connection, most commonly the value returned by
// fuseutil.NewFileSystemServer wrapping an overlay.Filesystem.
type Server interface {
	ServeOps(c *Connection)
}

// Mount mounts a file system server at dir and serves requests on it until
// Unmount is called or the kernel closes the connection. It is the
// moral equivalent of the teacher's mounted_file_system.go, rewritten
// against this package's simplified Connection rather than a
// bazilfuse.Conn (see DESIGN.md for why that generation was dropped).
func Mount(dir string, server Server, cfg *MountConfig) (*MountedFileSystem, error) {
	if cfg == nil {
		cfg = &MountConfig{}
	}

	dev, err := mount(dir, cfg)
	if err != nil {
		return nil, err
	}

	c := newConnection(*cfg, dev)
	mfs := &MountedFileSystem{dir: dir, conn: c, done: make(chan struct{})}

	go func() {
		defer close(mfs.done)
		server.ServeOps(c)
	}()

	return mfs, nil
}

// MountedFileSystem tracks a mount created by Mount so that callers can
// wait for its serve loop to return.
type MountedFileSystem struct {
	dir  string
	conn *Connection
	done chan struct{}
	err  error
}

// Join blocks until the serve loop started by Mount has returned.
// Server.ServeOps reports no error and nothing sets mfs.err, so Join
// always returns nil.
func (mfs *MountedFileSystem) Join() error {
	<-mfs.done
	return mfs.err
}

// Unmount tears the mount down, causing the kernel to close its side of
// the connection and Join to return.
func (mfs *MountedFileSystem) Unmount() error {
	return unmount(mfs.dir)
}

// Dir returns the mount point passed to Mount.
func (mfs *MountedFileSystem) Dir() string {
	return mfs.dir
}

var _ io.Closer = (*Connection)(nil)
