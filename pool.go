// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv

import "code.hybscloud.com/spin"

// Pool is an in-buffer reference-counted heap. It partitions buf into a
// doubly linked list of blocks, in address order, running from offset 0 up
// to heapEnd; the PageSize bytes from heapEnd to len(buf) are reserved as
// the terminal metadata page and are never part of the block list.
//
// Pool itself assumes a single mutator (malloc/free run on one goroutine at
// a time — Tree's writer gate enforces this); retain/release and Upgrade
// are safe from any goroutine concurrently with that mutator.
type Pool struct {
	_       noCopy
	buf     []byte
	heapEnd uint64
}

// NewPool carves a fresh pool out of buf: the whole buffer becomes one free
// block spanning the heap region, and the terminal metadata page is
// initialized. It returns ErrTooSmall if buf cannot hold the metadata page
// plus one block's headers (block header and object header).
func NewPool(buf []byte) (*Pool, error) {
	if uint64(len(buf)) <= PageSize {
		return nil, ErrTooSmall
	}
	heapEnd := uint64(len(buf)) - PageSize
	if heapEnd < overheadSize {
		return nil, ErrTooSmall
	}
	bh := blockHeaderAt(buf, 0)
	bh.prev = bufferEnd
	bh.idTag.Store(0)
	bh.next = heapEnd

	pm := poolMetaAt(buf, heapEnd)
	pm.lowestKnownFree = 0
	pm.nextIDTag.Store(1)

	return &Pool{buf: buf, heapEnd: heapEnd}, nil
}

func (p *Pool) meta() *poolMeta {
	return poolMetaAt(p.buf, p.heapEnd)
}

// nextIDTag hands out the next monotonically increasing, never-reused id
// tag, retried via spin.Wait the same way the reference pool retries its
// head/tail compare-and-swaps.
func (p *Pool) nextIDTag() uint64 {
	m := p.meta()
	var sw spin.Wait
	for {
		old := m.nextIDTag.Load()
		if m.nextIDTag.CompareAndSwap(old, old+1) {
			return old
		}
		sw.Once()
	}
}

// Malloc allocates a block with at least n bytes of payload capacity and
// returns a live handle to it with a strong count of one. It returns
// ErrOutOfMemory if no free block (after best-effort splitting) is large
// enough.
func (p *Pool) Malloc(n uint64) (LiveHandle, error) {
	blockOff, ok := p.findFit(overheadSize + align8(n))
	if !ok {
		return LiveHandle{}, ErrOutOfMemory
	}
	idTag := p.nextIDTag()
	bh := blockHeaderAt(p.buf, blockOff)
	oh := objectHeaderAt(p.buf, blockOff+blockHeaderSize)
	oh.size = n
	oh.weak.Store(0)
	oh.strong.Store(1)
	bh.idTag.Store(idTag)
	return LiveHandle{pool: p, off: blockOff + blockHeaderSize}, nil
}

// MallocBytes allocates len(data) bytes and copies data into the new
// block's payload.
func (p *Pool) MallocBytes(data []byte) (LiveHandle, error) {
	h, err := p.Malloc(uint64(len(data)))
	if err != nil {
		return LiveHandle{}, err
	}
	copy(h.Bytes(), data)
	return h, nil
}

// findFit scans the block list for the first free block whose span
// (distance to its successor) is at least wantSpan, splitting off the
// remainder when the remainder is itself large enough to host a block
// header. The scan starts at the lowestKnownFree hint and wraps to the
// start of the list, mirroring the design's first-fit-from-hint strategy.
func (p *Pool) findFit(wantSpan uint64) (blockOff uint64, ok bool) {
	m := p.meta()
	start := m.lowestKnownFree
	if start >= p.heapEnd {
		start = 0
	}

	off := start
	wrapped := false
	for {
		if off == p.heapEnd {
			if wrapped {
				return 0, false
			}
			off = 0
			wrapped = true
			if off == start {
				return 0, false
			}
			continue
		}
		bh := blockHeaderAt(p.buf, off)
		next := bh.next
		if bh.idTag.Load() == 0 {
			span := next - off
			if span >= wantSpan {
				m.lowestKnownFree = p.splitAndClaim(off, next, wantSpan)
				return off, true
			}
		}
		off = next
		if wrapped && off == start {
			return 0, false
		}
	}
}

// splitAndClaim carves a wantSpan-byte block out of the free block
// [blockOff, next), leaving the remainder (if large enough to host a block
// header) as a new free block. The caller still has to write the allocated
// block's idTag and objectHeader. It returns the offset the lowestKnownFree
// hint should advance to: the new free remainder if one was carved, or next
// if the whole span was claimed.
func (p *Pool) splitAndClaim(blockOff, next, wantSpan uint64) uint64 {
	bh := blockHeaderAt(p.buf, blockOff)
	remainder := (next - blockOff) - wantSpan
	if remainder < blockHeaderSize {
		// Too small to host a block header on its own: the whole span
		// becomes internal fragmentation inside this allocation.
		return next
	}
	splitOff := blockOff + wantSpan
	splitBH := blockHeaderAt(p.buf, splitOff)
	splitBH.prev = blockOff
	splitBH.idTag.Store(0)
	splitBH.next = next
	if next != p.heapEnd {
		blockHeaderAt(p.buf, next).prev = splitOff
	}
	bh.next = splitOff
	return splitOff
}

// free marks the block at blockOff free and coalesces it with a free
// neighbor on either side.
func (p *Pool) free(blockOff uint64) {
	bh := blockHeaderAt(p.buf, blockOff)
	bh.idTag.Store(0)

	if next := bh.next; next != p.heapEnd {
		nbh := blockHeaderAt(p.buf, next)
		if nbh.idTag.Load() == 0 {
			bh.next = nbh.next
			if nbh.next != p.heapEnd {
				blockHeaderAt(p.buf, nbh.next).prev = blockOff
			}
		}
	}

	if prev := bh.prev; prev != bufferEnd {
		pbh := blockHeaderAt(p.buf, prev)
		if pbh.idTag.Load() == 0 {
			pbh.next = bh.next
			if bh.next != p.heapEnd {
				blockHeaderAt(p.buf, bh.next).prev = prev
			}
			blockOff = prev
		}
	}

	m := p.meta()
	if blockOff < m.lowestKnownFree {
		m.lowestKnownFree = blockOff
	}
}

// DebugBlocks walks the block list in address order and returns a snapshot
// of every block. Capacity is the usable payload size: for an allocated
// block, the aligned request size (align8(oh.size)); for a free block, the
// span available to a future allocation (span - overheadSize). It is meant
// for tests asserting exact pool layout, not for production use: it is not
// safe to call concurrently with a writer.
func (p *Pool) DebugBlocks() []BlockInfo {
	var blocks []BlockInfo
	off := uint64(0)
	for off != p.heapEnd {
		bh := blockHeaderAt(p.buf, off)
		free := bh.idTag.Load() == 0
		span := bh.next - off
		var capacity uint64
		if free {
			capacity = span - overheadSize
		} else {
			oh := objectHeaderAt(p.buf, off+blockHeaderSize)
			capacity = align8(oh.size)
		}
		blocks = append(blocks, BlockInfo{
			Offset:   off,
			Capacity: capacity,
			Next:     bh.next,
			Prev:     bh.prev,
			Free:     free,
		})
		off = bh.next
	}
	return blocks
}
