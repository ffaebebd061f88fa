// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv

import (
	"bytes"
	"sync"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/iox"
)

// treeMeta is the tree-level half of the terminal metadata page, stored
// immediately after poolMeta. currentRoot is atomic because Get and Snapshot
// load it without taking the writer gate; txCounter is advanced only by the
// writer.
type treeMeta struct {
	fanout      uint64
	ringSize    uint64
	currentRoot atomic.Uint64
	txCounter   atomic.Uint64
}

var treeMetaSize = uint64(unsafe.Sizeof(treeMeta{}))

func treeMetaAt(buf []byte, off uint64) *treeMeta {
	checkOffset(buf, off, treeMetaSize)
	return (*treeMeta)(unsafe.Pointer(&buf[off]))
}

// Tree is a copy-on-write B+Tree whose nodes are Pool allocations, living
// entirely inside buf. A small ring of recently published roots (see
// TreeOptions.RootRingSize) lets readers keep using a consistent version
// while a writer builds the next one.
type Tree struct {
	_          noCopy
	pool       *Pool
	buf        []byte
	fanout     int
	ringSize   int
	metaOff    uint64 // offset of treeMeta
	ringOff    uint64 // offset of the first ring slot
	writerGate sync.Mutex
}

// Open initializes buf as a fresh, empty store and returns a Tree backed by
// it. opts defaults to DefaultOptions() when omitted; passing more than one
// TreeOptions is a programming error and panics.
func Open(buf []byte, opts ...TreeOptions) (*Tree, error) {
	o := DefaultOptions()
	switch len(opts) {
	case 0:
	case 1:
		o = opts[0]
	default:
		panic("slicekv: Open accepts at most one TreeOptions")
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	pool, err := NewPool(buf)
	if err != nil {
		return nil, err
	}

	metaOff := pool.heapEnd + poolMetaSize
	ringOff := metaOff + treeMetaSize

	tm := treeMetaAt(buf, metaOff)
	tm.fanout = uint64(o.Fanout)
	tm.ringSize = uint64(o.RootRingSize)
	tm.currentRoot.Store(0)
	tm.txCounter.Store(1)

	t := &Tree{
		pool:     pool,
		buf:      buf,
		fanout:   o.Fanout,
		ringSize: o.RootRingSize,
		metaOff:  metaOff,
		ringOff:  ringOff,
	}

	rootH, err := newNode(pool, o.Fanout, 1, leafNode)
	if err != nil {
		return nil, err
	}
	*t.ringSlot(0) = rootH.Persist()
	for i := 1; i < o.RootRingSize; i++ {
		*t.ringSlot(i) = PersistableHandle{}
	}

	return t, nil
}

func (t *Tree) meta() *treeMeta { return treeMetaAt(t.buf, t.metaOff) }

func (t *Tree) ringSlot(i int) *PersistableHandle {
	return fieldHandle(t.buf, t.ringOff+uint64(i)*handleSize)
}

func (t *Tree) currentRootIdx() int {
	return int(t.meta().currentRoot.Load())
}

func (t *Tree) nextTxID() uint64 {
	return t.meta().txCounter.Add(1)
}

// currentRoot upgrades and returns a live handle to the currently published
// root. The caller must Release it.
func (t *Tree) currentRoot() (LiveHandle, error) {
	ph := *t.ringSlot(t.currentRootIdx())
	return ph.Upgrade(t.pool)
}

// publish installs newRoot as the tree's current version, then evicts the
// version that falls outside the ring's bounded history.
func (t *Tree) publish(newRoot LiveHandle) {
	m := t.meta()
	cur := int(m.currentRoot.Load())
	next := (cur + 1) % t.ringSize

	evicted := *t.ringSlot(next)
	*t.ringSlot(next) = newRoot.Persist()
	m.currentRoot.Store(uint64(next))

	releaseNode(t.pool, evicted, t.fanout)
}

// ValueHandle is the live reference to a value returned by Get: a
// LiveHandle restricted to read access, since mutating a stored value in
// place would violate copy-on-write isolation for readers using an older
// tree version.
type ValueHandle struct {
	h LiveHandle
}

// Bytes returns the value's bytes. The slice aliases the store's buffer and
// must not be used after Release.
func (v ValueHandle) Bytes() []byte { return v.h.Bytes() }

// Release drops the reference this handle holds.
func (v ValueHandle) Release() { v.h.Release() }

// Get looks up key in the currently published tree version. ok is false
// when the key is absent; callers must Release the returned handle when ok
// is true.
func (t *Tree) Get(key []byte) (value ValueHandle, ok bool, err error) {
	cur, err := t.currentRoot()
	if err != nil {
		return ValueHandle{}, false, err
	}
	for {
		v := viewOf(cur.Bytes(), t.fanout)
		if v.isLeaf() {
			idx, found, serr := search(t.pool, v, key)
			if serr != nil {
				cur.Release()
				return ValueHandle{}, false, serr
			}
			if !found {
				cur.Release()
				return ValueHandle{}, false, nil
			}
			valPH := *v.child(idx)
			valH, uerr := valPH.Upgrade(t.pool)
			cur.Release()
			if uerr != nil {
				return ValueHandle{}, false, uerr
			}
			return ValueHandle{h: valH}, true, nil
		}
		idx, found, serr := search(t.pool, v, key)
		if serr != nil {
			cur.Release()
			return ValueHandle{}, false, serr
		}
		childIdx := idx
		if found {
			childIdx++
		}
		childPH := *v.child(childIdx)
		childH, uerr := childPH.Upgrade(t.pool)
		cur.Release()
		if uerr != nil {
			return ValueHandle{}, false, uerr
		}
		cur = childH
	}
}

// Put blocks until it acquires the writer gate (backing off with
// iox.Backoff), then inserts or updates key/value.
func (t *Tree) Put(key, value []byte) error {
	var bo iox.Backoff
	for !t.writerGate.TryLock() {
		bo.Wait()
	}
	defer t.writerGate.Unlock()
	return t.put(key, value)
}

// TryPut is Put's non-blocking counterpart: it returns iox.ErrWouldBlock
// instead of waiting for the writer gate.
func (t *Tree) TryPut(key, value []byte) error {
	if !t.writerGate.TryLock() {
		return iox.ErrWouldBlock
	}
	defer t.writerGate.Unlock()
	return t.put(key, value)
}

func (t *Tree) put(key, value []byte) error {
	txID := t.nextTxID()
	rootH, err := t.currentRoot()
	if err != nil {
		return err
	}
	result, err := putRecursive(t.pool, rootH, t.fanout, key, value, txID)
	rootH.Release()
	if err != nil {
		return err
	}

	newRoot := result.node
	if result.hasSplit {
		shell, err := newNode(t.pool, t.fanout, txID, internalNode)
		if err != nil {
			releaseNode(t.pool, result.node.Persist(), t.fanout)
			releaseNode(t.pool, result.right.Persist(), t.fanout)
			result.sepKey.Release(t.pool)
			return err
		}
		sv := viewOf(shell.Bytes(), t.fanout)
		*sv.key(0) = result.sepKey
		*sv.child(0) = result.node.Persist()
		*sv.child(1) = result.right.Persist()
		sv.setNumKeys(1)
		sv.setNumChildren(2)
		newRoot = shell
	}

	t.publish(newRoot)
	return nil
}

// putResult is the outcome of inserting into one subtree: its replacement
// node, and — if the subtree had to split — the promoted separator key and
// the new right sibling, for the caller (the parent level, or Put itself
// at the root) to graft in.
type putResult struct {
	node     LiveHandle
	hasSplit bool
	sepKey   PersistableHandle
	right    LiveHandle
}

func putRecursive(pool *Pool, nodeH LiveHandle, fanout int, key, value []byte, txID uint64) (putResult, error) {
	v := viewOf(nodeH.Bytes(), fanout)
	clone, err := cloneNode(pool, v, txID)
	if err != nil {
		return putResult{}, err
	}
	cv := viewOf(clone.Bytes(), fanout)

	if cv.isLeaf() {
		idx, found, err := search(pool, cv, key)
		if err != nil {
			releaseNode(pool, clone.Persist(), fanout)
			return putResult{}, err
		}
		if found {
			if err := leafUpdate(pool, cv, idx, value); err != nil {
				releaseNode(pool, clone.Persist(), fanout)
				return putResult{}, err
			}
			return putResult{node: clone}, nil
		}
		if cv.numKeys() < fanout {
			if err := leafInsert(pool, cv, key, value); err != nil {
				releaseNode(pool, clone.Persist(), fanout)
				return putResult{}, err
			}
			return putResult{node: clone}, nil
		}

		right, sep, err := leafSplit(pool, cv, txID)
		if err != nil {
			releaseNode(pool, clone.Persist(), fanout)
			return putResult{}, err
		}
		sepBytes, err := byteStringBytes(pool, sep)
		if err != nil {
			releaseNode(pool, clone.Persist(), fanout)
			releaseNode(pool, right.Persist(), fanout)
			sep.Release(pool)
			return putResult{}, err
		}
		if bytes.Compare(key, sepBytes) < 0 {
			err = leafInsert(pool, cv, key, value)
		} else {
			err = leafInsert(pool, viewOf(right.Bytes(), fanout), key, value)
		}
		if err != nil {
			releaseNode(pool, clone.Persist(), fanout)
			releaseNode(pool, right.Persist(), fanout)
			sep.Release(pool)
			return putResult{}, err
		}
		return putResult{node: clone, hasSplit: true, sepKey: sep, right: right}, nil
	}

	idx, found, err := search(pool, cv, key)
	if err != nil {
		releaseNode(pool, clone.Persist(), fanout)
		return putResult{}, err
	}
	childIdx := idx
	if found {
		childIdx++
	}
	childPH := *cv.child(childIdx)
	childH, err := childPH.Upgrade(pool)
	if err != nil {
		releaseNode(pool, clone.Persist(), fanout)
		return putResult{}, err
	}
	sub, err := putRecursive(pool, childH, fanout, key, value, txID)
	childH.Release()
	if err != nil {
		releaseNode(pool, clone.Persist(), fanout)
		return putResult{}, err
	}

	oldChildPH := *cv.child(childIdx)
	*cv.child(childIdx) = sub.node.Persist()
	releaseNode(pool, oldChildPH, fanout)

	if !sub.hasSplit {
		return putResult{node: clone}, nil
	}

	if cv.numKeys() < fanout-1 {
		if err := internalInsert(pool, cv, childIdx, sub.sepKey, sub.right.Persist()); err != nil {
			releaseNode(pool, clone.Persist(), fanout)
			releaseNode(pool, sub.right.Persist(), fanout)
			sub.sepKey.Release(pool)
			return putResult{}, err
		}
		return putResult{node: clone}, nil
	}

	nkBefore := cv.numKeys()
	mid := nkBefore / 2
	right2, sep2, err := internalSplit(pool, cv, txID)
	if err != nil {
		releaseNode(pool, clone.Persist(), fanout)
		releaseNode(pool, sub.right.Persist(), fanout)
		sub.sepKey.Release(pool)
		return putResult{}, err
	}
	if childIdx <= mid {
		err = internalInsert(pool, cv, childIdx, sub.sepKey, sub.right.Persist())
	} else {
		err = internalInsert(pool, viewOf(right2.Bytes(), fanout), childIdx-mid-1, sub.sepKey, sub.right.Persist())
	}
	if err != nil {
		releaseNode(pool, clone.Persist(), fanout)
		releaseNode(pool, right2.Persist(), fanout)
		sep2.Release(pool)
		releaseNode(pool, sub.right.Persist(), fanout)
		sub.sepKey.Release(pool)
		return putResult{}, err
	}
	return putResult{node: clone, hasSplit: true, sepKey: sep2, right: right2}, nil
}

// Delete blocks until it acquires the writer gate, then removes key. It
// returns ErrKeyNotFound if key is absent.
func (t *Tree) Delete(key []byte) error {
	var bo iox.Backoff
	for !t.writerGate.TryLock() {
		bo.Wait()
	}
	defer t.writerGate.Unlock()
	return t.delete(key)
}

// TryDelete is Delete's non-blocking counterpart.
func (t *Tree) TryDelete(key []byte) error {
	if !t.writerGate.TryLock() {
		return iox.ErrWouldBlock
	}
	defer t.writerGate.Unlock()
	return t.delete(key)
}

func (t *Tree) delete(key []byte) error {
	txID := t.nextTxID()
	rootH, err := t.currentRoot()
	if err != nil {
		return err
	}
	result, found, err := deleteRecursive(t.pool, rootH, t.fanout, key, txID)
	rootH.Release()
	if err != nil {
		return err
	}
	if !found {
		return ErrKeyNotFound
	}

	newRoot := result.node
	// Collapse the root when an internal root has been whittled down to a
	// single child: the tree shrinks by one level.
	nv := viewOf(newRoot.Bytes(), t.fanout)
	if !nv.isLeaf() && nv.numKeys() == 0 {
		onlyChild := *nv.child(0)
		childH, err := onlyChild.Upgrade(t.pool)
		if err != nil {
			releaseNode(t.pool, newRoot.Persist(), t.fanout)
			return err
		}
		releaseNode(t.pool, newRoot.Persist(), t.fanout)
		newRoot = childH
	}

	t.publish(newRoot)
	return nil
}

// delResult is the outcome of deleting from one subtree.
type delResult struct {
	node      LiveHandle
	underflow bool
}

func deleteRecursive(pool *Pool, nodeH LiveHandle, fanout int, key []byte, txID uint64) (delResult, bool, error) {
	v := viewOf(nodeH.Bytes(), fanout)

	if v.isLeaf() {
		idx, found, err := search(pool, v, key)
		if err != nil {
			return delResult{}, false, err
		}
		if !found {
			return delResult{}, false, nil
		}
		clone, err := cloneNode(pool, v, txID)
		if err != nil {
			return delResult{}, false, err
		}
		cv := viewOf(clone.Bytes(), fanout)
		leafRemove(pool, cv, idx)
		return delResult{node: clone, underflow: cv.numKeys() < underflowThreshold(fanout)}, true, nil
	}

	idx, found, err := search(pool, v, key)
	if err != nil {
		return delResult{}, false, err
	}
	childIdx := idx
	if found {
		childIdx++
	}
	childPH := *v.child(childIdx)
	childH, err := childPH.Upgrade(pool)
	if err != nil {
		return delResult{}, false, err
	}
	sub, foundInChild, err := deleteRecursive(pool, childH, fanout, key, txID)
	childH.Release()
	if err != nil {
		return delResult{}, false, err
	}
	if !foundInChild {
		return delResult{}, false, nil
	}

	clone, err := cloneNode(pool, v, txID)
	if err != nil {
		releaseNode(pool, sub.node.Persist(), fanout)
		return delResult{}, false, err
	}
	cv := viewOf(clone.Bytes(), fanout)

	oldChildPH := *cv.child(childIdx)
	*cv.child(childIdx) = sub.node.Persist()
	releaseNode(pool, oldChildPH, fanout)

	if !sub.underflow || cv.numChildren() < 2 {
		return delResult{node: clone, underflow: cv.numKeys() < underflowThreshold(fanout)}, true, nil
	}

	if err := mergeChild(pool, cv, childIdx, fanout, txID); err != nil {
		releaseNode(pool, clone.Persist(), fanout)
		return delResult{}, false, err
	}
	return delResult{node: clone, underflow: cv.numKeys() < underflowThreshold(fanout)}, true, nil
}

// mergeChild merges the child at childIdx with a sibling (preferring the
// right sibling), folding the separator key between them into the merged
// node (internal merge) or discarding it (leaf merge), and removes the
// now-redundant key/child slot from v. If the two siblings' entries would
// not fit in one node, nothing is merged and v is left unchanged: the child
// stays underfull.
func mergeChild(pool *Pool, v nodeView, childIdx, fanout int, txID uint64) error {
	leftIdx, rightIdx, sepIdx := childIdx, childIdx+1, childIdx
	if rightIdx >= v.numChildren() {
		leftIdx, rightIdx, sepIdx = childIdx-1, childIdx, childIdx-1
	}

	leftPH := *v.child(leftIdx)
	rightPH := *v.child(rightIdx)
	sepPH := *v.key(sepIdx)

	leftH, err := leftPH.Upgrade(pool)
	if err != nil {
		return err
	}
	rightH, err := rightPH.Upgrade(pool)
	if err != nil {
		leftH.Release()
		return err
	}

	lv, rv := viewOf(leftH.Bytes(), fanout), viewOf(rightH.Bytes(), fanout)
	fits := lv.numKeys()+rv.numKeys() <= fanout
	if !lv.isLeaf() {
		fits = lv.numChildren()+rv.numChildren() <= fanout
	}
	if !fits {
		leftH.Release()
		rightH.Release()
		return nil
	}

	merged, err := mergeNodes(pool, leftH, rightH, sepPH, txID, fanout)
	leftH.Release()
	rightH.Release()
	if err != nil {
		return err
	}

	releaseNode(pool, leftPH, fanout)
	releaseNode(pool, rightPH, fanout)

	nk := v.numKeys()
	for i := sepIdx; i < nk-1; i++ {
		*v.key(i) = *v.key(i + 1)
	}
	nc := v.numChildren()
	for i := rightIdx; i < nc-1; i++ {
		*v.child(i) = *v.child(i + 1)
	}
	*v.child(leftIdx) = merged.Persist()
	v.setNumKeys(nk - 1)
	v.setNumChildren(nc - 1)
	return nil
}

// mergeNodes concatenates right's entries onto left into a freshly
// allocated node. For an internal merge, sep becomes a real key between
// left's and right's former children; for a leaf merge sep carried no
// content of its own and is released instead.
func mergeNodes(pool *Pool, leftH, rightH LiveHandle, sep PersistableHandle, txID uint64, fanout int) (LiveHandle, error) {
	lv := viewOf(leftH.Bytes(), fanout)
	rv := viewOf(rightH.Bytes(), fanout)

	merged, err := newNode(pool, fanout, txID, lv.typ())
	if err != nil {
		return LiveHandle{}, err
	}
	mv := viewOf(merged.Bytes(), fanout)

	lk := lv.numKeys()
	for i := 0; i < lk; i++ {
		if err := lv.key(i).Retain(pool); err != nil {
			merged.Release()
			return LiveHandle{}, err
		}
		*mv.key(i) = *lv.key(i)
	}

	if lv.isLeaf() {
		for i := 0; i < lk; i++ {
			if err := lv.child(i).Retain(pool); err != nil {
				merged.Release()
				return LiveHandle{}, err
			}
			*mv.child(i) = *lv.child(i)
		}

		rk := rv.numKeys()
		for i := 0; i < rk; i++ {
			if err := rv.key(i).Retain(pool); err != nil {
				merged.Release()
				return LiveHandle{}, err
			}
			*mv.key(lk + i) = *rv.key(i)
			if err := rv.child(i).Retain(pool); err != nil {
				merged.Release()
				return LiveHandle{}, err
			}
			*mv.child(lk + i) = *rv.child(i)
		}
		mv.setNumKeys(lk + rk)
		sep.Release(pool)
		return merged, nil
	}

	lc := lv.numChildren()
	for i := 0; i < lc; i++ {
		if err := lv.child(i).Retain(pool); err != nil {
			merged.Release()
			return LiveHandle{}, err
		}
		*mv.child(i) = *lv.child(i)
	}
	*mv.key(lk) = sep

	rk := rv.numKeys()
	for i := 0; i < rk; i++ {
		if err := rv.key(i).Retain(pool); err != nil {
			merged.Release()
			return LiveHandle{}, err
		}
		*mv.key(lk + 1 + i) = *rv.key(i)
	}
	rc := rv.numChildren()
	for i := 0; i < rc; i++ {
		if err := rv.child(i).Retain(pool); err != nil {
			merged.Release()
			return LiveHandle{}, err
		}
		*mv.child(lc + i) = *rv.child(i)
	}
	mv.setNumKeys(lk + 1 + rk)
	mv.setNumChildren(lc + rc)
	return merged, nil
}

// Snapshot pins the currently published root so subsequent writes cannot
// evict it out from under an in-progress iteration. Release it when done.
type Snapshot struct {
	tree *Tree
	root LiveHandle
}

// Snapshot takes a consistent, point-in-time view of the tree.
func (t *Tree) Snapshot() (Snapshot, error) {
	root, err := t.currentRoot()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{tree: t, root: root}, nil
}

// Release drops the snapshot's hold on its root version.
func (s Snapshot) Release() { s.root.Release() }

// Keys returns a range-over-func iterator yielding every key in the
// snapshot in ascending order. The yielded slice is only valid for the
// duration of that iteration step.
func (s Snapshot) Keys() func(yield func([]byte) bool) {
	return func(yield func([]byte) bool) {
		iterNode(s.tree.pool, s.root, s.tree.fanout, yield)
	}
}

func iterNode(pool *Pool, h LiveHandle, fanout int, yield func([]byte) bool) bool {
	v := viewOf(h.Bytes(), fanout)
	if v.isLeaf() {
		for i := 0; i < v.numKeys(); i++ {
			kb, err := keyBytes(pool, v, i)
			if err != nil {
				return false
			}
			if !yield(kb) {
				return false
			}
		}
		return true
	}
	for i := 0; i < v.numChildren(); i++ {
		childPH := *v.child(i)
		childH, err := childPH.Upgrade(pool)
		if err != nil {
			return false
		}
		cont := iterNode(pool, childH, fanout, yield)
		childH.Release()
		if !cont {
			return false
		}
	}
	return true
}
