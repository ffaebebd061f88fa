// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/slicekv/internal"
)

// blockHeader is the skip-list entry at the start of every block, free or
// allocated. Offsets are absolute positions in the pool's buffer; bufferEnd
// marks list ends. idTag == 0 means the block is free; any other value is
// the unique, monotonically assigned tag identifying that allocation.
//
// idTag is atomic because a reader upgrading a stale PersistableHandle reads
// it concurrently with the single writer reusing the same block for a new
// allocation (malloc/free only ever run on the writer, serialized by Tree's
// writer gate, but Get/Upgrade run on any goroutine).
type blockHeader struct {
	prev  uint64
	idTag atomic.Uint64
	next  uint64
}

// objectHeader immediately follows a block's blockHeader. strong and weak
// are atomic because any goroutine holding a LiveHandle or upgrading a
// PersistableHandle touches them; size is fixed at allocation time and never
// mutated afterward, so a plain field is enough (mirrors payload_size's
// write-once lifecycle in the design).
type objectHeader struct {
	strong atomic.Uint64
	weak   atomic.Uint64
	size   uint64
	_      [internal.CacheLineSize - 24]byte // pad to a full cache line
}

var (
	blockHeaderSize  = uint64(unsafe.Sizeof(blockHeader{}))
	objectHeaderSize = uint64(unsafe.Sizeof(objectHeader{}))
	overheadSize     = blockHeaderSize + objectHeaderSize
)

// poolMeta lives at the very start of the terminal metadata page (offset
// heapEnd). No sentinel blockHeader is written there: the block list ends at
// the block whose next equals heapEnd.
type poolMeta struct {
	lowestKnownFree uint64
	nextIDTag       atomic.Uint64
}

var poolMetaSize = uint64(unsafe.Sizeof(poolMeta{}))

// align8 rounds n up to the next multiple of 8.
func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// checkOffset panics if off does not address a valid position inside buf.
// Per the design, a pointer-to-byte-index conversion that lands outside the
// buffer is a programming error, not a recoverable failure.
func checkOffset(buf []byte, off uint64, size uint64) {
	if off > uint64(len(buf)) || size > uint64(len(buf))-off {
		panic("slicekv: offset out of buffer range")
	}
}

func blockHeaderAt(buf []byte, off uint64) *blockHeader {
	checkOffset(buf, off, blockHeaderSize)
	return (*blockHeader)(unsafe.Pointer(&buf[off]))
}

func objectHeaderAt(buf []byte, off uint64) *objectHeader {
	checkOffset(buf, off, objectHeaderSize)
	return (*objectHeader)(unsafe.Pointer(&buf[off]))
}

func poolMetaAt(buf []byte, off uint64) *poolMeta {
	checkOffset(buf, off, poolMetaSize)
	return (*poolMeta)(unsafe.Pointer(&buf[off]))
}

// payloadAt returns the n-byte payload slice starting at off, with bounds
// validated against buf.
func payloadAt(buf []byte, off uint64, n uint64) []byte {
	checkOffset(buf, off, n)
	return buf[off : off+n]
}

// BlockInfo is a read-only snapshot of one block, used by Pool.DebugBlocks
// for deterministic layout assertions in tests.
type BlockInfo struct {
	Offset   uint64
	Capacity uint64 // usable payload: align8(size) if allocated, next - offset - overhead if free
	Next     uint64
	Prev     uint64
	Free     bool
}
