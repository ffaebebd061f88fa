// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv

import (
	"code.hybscloud.com/spin"
)

// PersistableHandle is a plain-data pair (offset of the object header,
// id tag). It is serializable and holds exactly one strong reference on the
// block it names. Unlike LiveHandle, nothing releases it automatically: the
// caller must call its Release method before discarding it, or the reference leaks for the lifetime of the pool.
//
// The zero value is the nil reference: no block's object header starts at
// offset 0 (every block is preceded by a blockHeader), so IsNil is exact.
type PersistableHandle struct {
	Offset uint64
	IDTag  uint64
}

// IsNil reports whether h is the nil reference.
func (h PersistableHandle) IsNil() bool {
	return h.Offset == 0
}

func (h PersistableHandle) blockOffset() uint64 {
	return h.Offset - blockHeaderSize
}

// Retain bumps the strong count on the block h names. It returns
// ErrInvalidReference if the block's id tag no longer matches h's (the
// allocation was freed, and the block may since have been reused). Retaining
// the nil handle is a no-op.
func (h PersistableHandle) Retain(p *Pool) error {
	if h.IsNil() {
		return nil
	}
	blockOff := h.blockOffset()
	bh := blockHeaderAt(p.buf, blockOff)
	if bh.idTag.Load() != h.IDTag {
		return ErrInvalidReference
	}
	p.retainAt(blockOff)
	// The block could have been freed and reused for an unrelated
	// allocation between the tag check above and the CAS inside retainAt.
	// Re-validate and unwind the retain if so: this costs that allocation
	// nothing (net effect is +1/-1) and lets us report the stale reference
	// instead of silently keeping the wrong object alive.
	if bh.idTag.Load() != h.IDTag {
		p.releaseAt(blockOff)
		return ErrInvalidReference
	}
	return nil
}

// Release drops the strong reference h holds, freeing the block if it was
// the last one. Calling Release on a handle that does not hold a reference
// it owns (a double release, or a handle for a block already free) is a
// programming error and panics. Releasing the nil handle is a no-op.
func (h PersistableHandle) Release(p *Pool) {
	if h.IsNil() {
		return
	}
	p.releaseAt(h.blockOffset())
}

// Upgrade validates h against the pool and, if the block still carries h's
// id tag, returns a LiveHandle with a freshly bumped strong count. It
// returns ErrInvalidReference if the tag no longer matches.
func (h PersistableHandle) Upgrade(p *Pool) (LiveHandle, error) {
	if h.IsNil() {
		panic("slicekv: upgrade of the nil reference")
	}
	blockOff := h.blockOffset()
	bh := blockHeaderAt(p.buf, blockOff)
	if bh.idTag.Load() != h.IDTag {
		return LiveHandle{}, ErrInvalidReference
	}
	p.retainAt(blockOff)
	if bh.idTag.Load() != h.IDTag {
		p.releaseAt(blockOff)
		return LiveHandle{}, ErrInvalidReference
	}
	return LiveHandle{pool: p, off: h.Offset}, nil
}

// LiveHandle is a scoped, owning reference to a pool allocation. Go has no
// destructors, so unlike the design's automatic-release live handle, callers
// must call Release explicitly on every exit path, including errors — the
// same discipline the design asks for persistable handles, just mirrored
// here because Go can't run code on scope exit.
type LiveHandle struct {
	pool *Pool
	off  uint64 // offset of the object header
}

// IsNil reports whether h is the zero LiveHandle (no pool attached).
func (h LiveHandle) IsNil() bool {
	return h.pool == nil
}

// Bytes returns the handle's payload. The slice aliases the pool's buffer
// and must not be retained past Release.
func (h LiveHandle) Bytes() []byte {
	oh := objectHeaderAt(h.pool.buf, h.off)
	return payloadAt(h.pool.buf, h.off+objectHeaderSize, oh.size)
}

// Size returns the payload size in bytes.
func (h LiveHandle) Size() uint64 {
	return objectHeaderAt(h.pool.buf, h.off).size
}

// Clone increments the strong count and returns a second live handle to the
// same allocation. The caller owns both and must Release both.
func (h LiveHandle) Clone() LiveHandle {
	h.pool.retainAt(h.off - blockHeaderSize)
	return h
}

// Release drops the strong reference this handle holds, freeing the block
// if it was the last one. The handle must not be used afterward.
func (h LiveHandle) Release() {
	if h.pool == nil {
		return
	}
	h.pool.releaseAt(h.off - blockHeaderSize)
}

// Persist converts the live handle to its serializable form without
// touching the strong count: the reference this LiveHandle held is now
// owned by the returned PersistableHandle. Do not call Release on h after
// calling Persist — that would release a reference nothing retained twice.
func (h LiveHandle) Persist() PersistableHandle {
	bh := blockHeaderAt(h.pool.buf, h.off-blockHeaderSize)
	return PersistableHandle{Offset: h.off, IDTag: bh.idTag.Load()}
}

// retainAt bumps the strong count of the block starting at blockOff. It
// spin-retries the compare-and-swap exactly the way the reference pool's
// BoundedPool.tryGet/tryPut do, via spin.Wait.
func (p *Pool) retainAt(blockOff uint64) {
	oh := objectHeaderAt(p.buf, blockOff+blockHeaderSize)
	var sw spin.Wait
	for {
		old := oh.strong.Load()
		if oh.strong.CompareAndSwap(old, old+1) {
			return
		}
		sw.Once()
	}
}

// releaseAt drops the strong count of the block starting at blockOff,
// freeing it when the count reaches zero.
func (p *Pool) releaseAt(blockOff uint64) {
	p.releaseAtHook(blockOff, nil)
}

// releaseAtHook is releaseAt with an extra hook run exactly once, on the
// release that drops the strong count to zero, after the count reaches
// zero but before the block is marked free. It exists so node.go can
// recursively release a node's contained key/value/child references
// without the Pool knowing anything about node layout: the Pool only
// hands releaseNode the still-valid payload bytes one last time.
func (p *Pool) releaseAtHook(blockOff uint64, onLastRelease func(payload []byte)) {
	bh := blockHeaderAt(p.buf, blockOff)
	if bh.idTag.Load() == 0 {
		panic("slicekv: release called on a block that is already free")
	}
	oh := objectHeaderAt(p.buf, blockOff+blockHeaderSize)
	var sw spin.Wait
	for {
		old := oh.strong.Load()
		if old == 0 {
			panic("slicekv: release called on a block with no outstanding references")
		}
		if oh.strong.CompareAndSwap(old, old-1) {
			if old == 1 {
				if onLastRelease != nil {
					onLastRelease(payloadAt(p.buf, blockOff+overheadSize, oh.size))
				}
				p.free(blockOff)
			}
			return
		}
		sw.Once()
	}
}
