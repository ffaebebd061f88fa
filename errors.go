// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv

import "errors"

// Error kinds surfaced to callers of Tree and Pool. Compare with errors.Is,
// mirroring how the reference pool compares iox.ErrWouldBlock with ==.
var (
	// ErrOutOfMemory is returned when Pool.Malloc cannot find a free block
	// large enough for the request.
	ErrOutOfMemory = errors.New("slicekv: out of memory")

	// ErrInvalidReference is returned when a PersistableHandle is upgraded
	// but the block at its offset no longer carries its id tag: the
	// allocation it pointed to has since been freed (and possibly reused).
	ErrInvalidReference = errors.New("slicekv: invalid reference")

	// ErrKeyAlreadyExists is the internal signal from leaf insert when the
	// key is already present. Tree.Put converts it into an update and never
	// lets it escape.
	ErrKeyAlreadyExists = errors.New("slicekv: key already exists")

	// ErrKeyNotFound is returned by Tree.Delete (and TryDelete) when the key
	// is absent.
	ErrKeyNotFound = errors.New("slicekv: key not found")

	// errNodeFull is the internal signal between leaf/internal insert and
	// the split path. It must never escape the tree package boundary.
	errNodeFull = errors.New("slicekv: node full")

	// ErrTooSmall is returned by Open when the buffer cannot hold one block
	// plus the terminal metadata page.
	ErrTooSmall = errors.New("slicekv: buffer too small")
)
