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

// Package fuse is the FUSE transport surface consumed by the overlay
// engine in package overlay: mount/unmount plumbing, debug logging, and
// the errno vocabulary that layer.Error values are reported through.
//
// The kernel wire protocol itself (reading and acknowledging individual
// FUSE requests) is treated as an external collaborator: Connection and
// Server describe the shape that collaborator takes without reimplementing
// a byte-level FUSE codec. See package overlay for the namespace merge,
// copy-up, and inode lifecycle logic that is this repository's actual
// subject matter.
package fuse
