// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv

import (
	"bytes"
	"unsafe"
)

type nodeType uint64

const (
	leafNode nodeType = iota
	internalNode
)

// nodeHeaderSize is the fixed prefix of every node payload: type, the
// transaction id this version was created under, and the number of keys
// and children actually in use. Each field is a full uint64 so the arrays
// that follow start on an 8-byte boundary regardless of platform.
const nodeHeaderSize = 4 * 8

// handleSize is the on-the-wire size of a PersistableHandle.
var handleSize = uint64(unsafe.Sizeof(PersistableHandle{}))

// nodePayloadSize returns the number of bytes a node needs for a given
// fanout: the header, one key slot per fanout entry, and one child/value
// slot per fanout entry. Leaf and internal nodes share the same layout —
// an internal node's key array has one unused trailing slot when full,
// since it holds fanout-1 keys alongside fanout children — trading that
// slot for a single fixed payload size across both node kinds.
func nodePayloadSize(fanout int) uint64 {
	return nodeHeaderSize + 2*uint64(fanout)*handleSize
}

// nodeView overlays a node's fixed layout onto the payload bytes of a Pool
// allocation. It never copies; every accessor reads or writes directly
// into the underlying buffer, the same way block.go's header accessors do.
type nodeView struct {
	payload []byte
	fanout  int
}

func viewOf(payload []byte, fanout int) nodeView {
	return nodeView{payload: payload, fanout: fanout}
}

func fieldU64(buf []byte, off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&buf[off]))
}

func fieldHandle(buf []byte, off uint64) *PersistableHandle {
	return (*PersistableHandle)(unsafe.Pointer(&buf[off]))
}

func (v nodeView) typ() nodeType          { return nodeType(*fieldU64(v.payload, 0)) }
func (v nodeView) setTyp(t nodeType)      { *fieldU64(v.payload, 0) = uint64(t) }
func (v nodeView) txID() uint64           { return *fieldU64(v.payload, 8) }
func (v nodeView) setTxID(id uint64)      { *fieldU64(v.payload, 8) = id }
func (v nodeView) numKeys() int           { return int(*fieldU64(v.payload, 16)) }
func (v nodeView) setNumKeys(n int)       { *fieldU64(v.payload, 16) = uint64(n) }
func (v nodeView) numChildren() int       { return int(*fieldU64(v.payload, 24)) }
func (v nodeView) setNumChildren(n int)   { *fieldU64(v.payload, 24) = uint64(n) }

func (v nodeView) keysOff() uint64 { return nodeHeaderSize }
func (v nodeView) childrenOff() uint64 {
	return nodeHeaderSize + uint64(v.fanout)*handleSize
}

func (v nodeView) key(i int) *PersistableHandle {
	return fieldHandle(v.payload, v.keysOff()+uint64(i)*handleSize)
}

// child returns the i'th entry of the second array: a child-node reference
// for an internal node, or a value reference for a leaf.
func (v nodeView) child(i int) *PersistableHandle {
	return fieldHandle(v.payload, v.childrenOff()+uint64(i)*handleSize)
}

func (v nodeView) isLeaf() bool { return v.typ() == leafNode }

// keyBytes reads the key stored at slot i, upgrading its handle just long
// enough to copy and compare; the copy is returned to the caller and the
// reference is released before returning.
func keyBytes(pool *Pool, v nodeView, i int) ([]byte, error) {
	return byteStringBytes(pool, *v.key(i))
}

func byteStringBytes(pool *Pool, ph PersistableHandle) ([]byte, error) {
	h, err := ph.Upgrade(pool)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	out := make([]byte, len(h.Bytes()))
	copy(out, h.Bytes())
	return out, nil
}

// search returns the index of key within v's key array, and whether it was
// found exactly. When not found, idx is the index key would need to be
// inserted at to keep the array sorted — for an internal node, it also
// doubles as the index of the child subtree that would contain key.
func search(pool *Pool, v nodeView, key []byte) (idx int, found bool, err error) {
	lo, hi := 0, v.numKeys()
	for lo < hi {
		mid := (lo + hi) / 2
		kb, kerr := keyBytes(pool, v, mid)
		if kerr != nil {
			return 0, false, kerr
		}
		c := bytes.Compare(kb, key)
		switch {
		case c == 0:
			return mid, true, nil
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false, nil
}

// newNode allocates a fresh node page of the given type, empty, stamped
// with txID.
func newNode(pool *Pool, fanout int, txID uint64, typ nodeType) (LiveHandle, error) {
	h, err := pool.Malloc(nodePayloadSize(fanout))
	if err != nil {
		return LiveHandle{}, err
	}
	v := viewOf(h.Bytes(), fanout)
	v.setTyp(typ)
	v.setTxID(txID)
	v.setNumKeys(0)
	v.setNumChildren(0)
	return h, nil
}

// cloneNode allocates a new node page that is a structural copy of v under
// a new transaction id: every key and child/value reference is retained
// (not deep-copied), so the clone and the original share their contents
// until one of them is mutated further.
func cloneNode(pool *Pool, v nodeView, txID uint64) (LiveHandle, error) {
	h, err := pool.Malloc(nodePayloadSize(v.fanout))
	if err != nil {
		return LiveHandle{}, err
	}
	dst := viewOf(h.Bytes(), v.fanout)
	copy(dst.payload, v.payload)
	dst.setTxID(txID)

	nk := v.numKeys()
	for i := 0; i < nk; i++ {
		if err := dst.key(i).Retain(pool); err != nil {
			h.Release()
			return LiveHandle{}, err
		}
	}
	if v.isLeaf() {
		for i := 0; i < nk; i++ {
			if err := dst.child(i).Retain(pool); err != nil {
				h.Release()
				return LiveHandle{}, err
			}
		}
	} else {
		nc := v.numChildren()
		for i := 0; i < nc; i++ {
			if err := dst.child(i).Retain(pool); err != nil {
				h.Release()
				return LiveHandle{}, err
			}
		}
	}
	return h, nil
}

// releaseNode drops ph's reference to a node. If it was the last reference,
// every key, and every value (leaf) or child node (internal), is released
// in turn — recursively tearing down a whole subtree exactly once, no
// matter how many tree versions shared pieces of it.
func releaseNode(pool *Pool, ph PersistableHandle, fanout int) {
	if ph.IsNil() {
		return
	}
	pool.releaseAtHook(ph.blockOffset(), func(payload []byte) {
		v := viewOf(payload, fanout)
		nk := v.numKeys()
		for i := 0; i < nk; i++ {
			v.key(i).Release(pool)
		}
		if v.isLeaf() {
			for i := 0; i < nk; i++ {
				v.child(i).Release(pool)
			}
		} else {
			nc := v.numChildren()
			for i := 0; i < nc; i++ {
				releaseNode(pool, *v.child(i), fanout)
			}
		}
	})
}

// leafInsert inserts key/value into v at their sorted position. It returns
// ErrKeyAlreadyExists if key is already present (Tree.Put handles that as
// an update instead), and errNodeFull if v has no free slot.
func leafInsert(pool *Pool, v nodeView, key, value []byte) error {
	idx, found, err := search(pool, v, key)
	if err != nil {
		return err
	}
	if found {
		return ErrKeyAlreadyExists
	}
	if v.numKeys() >= v.fanout {
		return errNodeFull
	}
	kh, err := pool.MallocBytes(key)
	if err != nil {
		return err
	}
	vh, err := pool.MallocBytes(value)
	if err != nil {
		kh.Release()
		return err
	}
	n := v.numKeys()
	for i := n; i > idx; i-- {
		*v.key(i) = *v.key(i - 1)
		*v.child(i) = *v.child(i - 1)
	}
	*v.key(idx) = kh.Persist()
	*v.child(idx) = vh.Persist()
	v.setNumKeys(n + 1)
	return nil
}

// leafUpdate replaces the value stored at the key found at idx.
func leafUpdate(pool *Pool, v nodeView, idx int, value []byte) error {
	vh, err := pool.MallocBytes(value)
	if err != nil {
		return err
	}
	old := *v.child(idx)
	*v.child(idx) = vh.Persist()
	old.Release(pool)
	return nil
}

// leafRemove deletes the entry at idx, releasing its key and value.
func leafRemove(pool *Pool, v nodeView, idx int) {
	v.key(idx).Release(pool)
	v.child(idx).Release(pool)
	n := v.numKeys()
	for i := idx; i < n-1; i++ {
		*v.key(i) = *v.key(i + 1)
		*v.child(i) = *v.child(i + 1)
	}
	v.setNumKeys(n - 1)
}

// leafSplit moves the upper half of v's entries into a freshly allocated
// right sibling and returns it along with a retained handle to the
// separator key (the right sibling's first key).
func leafSplit(pool *Pool, v nodeView, txID uint64) (right LiveHandle, separator PersistableHandle, err error) {
	n := v.numKeys()
	mid := n / 2

	rh, err := newNode(pool, v.fanout, txID, leafNode)
	if err != nil {
		return LiveHandle{}, PersistableHandle{}, err
	}
	rv := viewOf(rh.Bytes(), v.fanout)
	for i := mid; i < n; i++ {
		*rv.key(i - mid) = *v.key(i)
		*rv.child(i - mid) = *v.child(i)
	}
	rv.setNumKeys(n - mid)
	v.setNumKeys(mid)

	sep := *rv.key(0)
	if err := sep.Retain(pool); err != nil {
		rh.Release()
		return LiveHandle{}, PersistableHandle{}, err
	}
	return rh, sep, nil
}

// internalInsert inserts a (separator key, right child) pair at idx,
// assuming the key array slot at idx and the child array slot at idx+1 are
// where they belong in sorted order.
func internalInsert(pool *Pool, v nodeView, idx int, key PersistableHandle, child PersistableHandle) error {
	if v.numKeys() >= v.fanout-1 {
		return errNodeFull
	}
	nk := v.numKeys()
	for i := nk; i > idx; i-- {
		*v.key(i) = *v.key(i - 1)
	}
	*v.key(idx) = key
	nc := v.numChildren()
	for i := nc; i > idx+1; i-- {
		*v.child(i) = *v.child(i - 1)
	}
	*v.child(idx+1) = child
	v.setNumKeys(nk + 1)
	v.setNumChildren(nc + 1)
	return nil
}

// internalSplit moves the upper half of v's keys and children into a fresh
// right sibling, promoting the middle key up to the caller as the new
// separator (it is not duplicated into either child, unlike a leaf split).
func internalSplit(pool *Pool, v nodeView, txID uint64) (right LiveHandle, separator PersistableHandle, err error) {
	nk := v.numKeys()
	mid := nk / 2

	rh, err := newNode(pool, v.fanout, txID, internalNode)
	if err != nil {
		return LiveHandle{}, PersistableHandle{}, err
	}
	rv := viewOf(rh.Bytes(), v.fanout)

	for i := mid + 1; i < nk; i++ {
		*rv.key(i - mid - 1) = *v.key(i)
	}
	nc := v.numChildren()
	for i := mid + 1; i < nc; i++ {
		*rv.child(i - mid - 1) = *v.child(i)
	}
	rv.setNumKeys(nk - mid - 1)
	rv.setNumChildren(nc - mid - 1)

	separator = *v.key(mid)
	v.setNumKeys(mid)
	v.setNumChildren(mid + 1)
	return rh, separator, nil
}

// underflowThreshold is the minimum number of keys a non-root node should
// carry after a delete before it is merged into a sibling.
func underflowThreshold(fanout int) int {
	return fanout / 4
}
