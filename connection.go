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

import (
	"fmt"
	"io"
	"os"

	"github.com/fuseoverlayfs/fuseoverlayfs/fuseops"
)

// Connection represents a connection to the fuse kernel process: the
// mounted device file plus whatever bookkeeping is needed to turn its byte
// stream into fuseops.Op values and acknowledge them.
//
// The byte-level FUSE wire protocol (struct fuse_in_header parsing, etc.)
// is the external collaborator spec.md section 1 calls out as
// deliberately out of scope; Connection's job is only to hand the rest of
// this package something FUSE-shaped to dispatch against.
type Connection struct {
	cfg MountConfig
	dev *os.File

	// closed is set once Close has run, so a racing ReadOp can tell a
	// clean shutdown from a kernel error.
	closed bool
}

func newConnection(cfg MountConfig, dev *os.File) *Connection {
	return &Connection{cfg: cfg, dev: dev}
}

// ReadOp is where the next kernel request would be decoded into a
// fuseops.Op. Decoding is not implemented: ReadOp reads nothing from the
// device and always returns io.EOF, so a serve loop built on it returns
// at once.
func (c *Connection) ReadOp() (fuseops.Op, error) {
	if c.closed {
		return nil, io.EOF
	}

	// A real binding decodes c.dev's next message into one of the
	// fuseops.*Op structs here. That decode step belongs to the
	// transport collaborator this package stands in for; this file
	// exists so overlay's dispatcher has a concrete Connection type to
	// be constructed against and a single place logging/debug wiring
	// attaches to.
	return nil, io.EOF
}

// Reply acknowledges op with err (nil for success) by logging it to the
// configured DebugLogger, if any. It writes nothing to the device and
// always returns nil.
func (c *Connection) Reply(op fuseops.Op, err error) error {
	if c.cfg.DebugLogger != nil {
		if err != nil {
			c.cfg.DebugLogger.Printf("-> (%T) error: %v", op, err)
		} else {
			c.cfg.DebugLogger.Printf("-> (%T) OK", op)
		}
	}

	return nil
}

// Close releases the kernel device, causing future reads to see EOF.
func (c *Connection) Close() error {
	c.closed = true
	if c.dev == nil {
		return nil
	}

	if err := c.dev.Close(); err != nil {
		return fmt.Errorf("closing fuse device: %w", err)
	}

	return nil
}
