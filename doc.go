// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package slicekv is an embedded, single-file ordered key-value store that
// lives entirely inside a caller-provided contiguous byte buffer. Keys and
// values are arbitrary byte strings; one value is associated with each key.
//
// The store is a copy-on-write B+Tree carrying a monotonically increasing
// transaction id on every node. A small, fixed number of tree roots (see
// TreeOptions.RootRingSize) are kept simultaneously so readers may observe
// a prior consistent version
// while a writer produces the next: multi-version concurrency control with a
// bounded history.
//
// # Layers
//
// Two subsystems make up the store:
//
//   - Pool: an in-buffer reference-counted heap. It partitions the caller's
//     buffer into a doubly linked free/allocated list of variable-sized
//     blocks, each prefixed by a block header and a reference-counted object
//     header, and hands out both a LiveHandle (automatic retain/release) and
//     a PersistableHandle (serializable, manually retained/released) for
//     every allocation.
//   - Node and Tree: a copy-on-write B+Tree whose every node is a single
//     fixed-size Pool allocation. Insert/remove/split/join operations
//     produce new node versions while releasing old ones through the Pool's
//     reference counts.
//
// # Opening a store
//
//	buf := make([]byte, 1<<20)
//	tree, err := slicekv.Open(buf)
//	if err != nil {
//	    // ErrTooSmall: buf can't hold one block plus the metadata page
//	}
//	if err := tree.Put([]byte("hello"), []byte("world")); err != nil {
//	    // ErrOutOfMemory
//	}
//	v, ok, err := tree.Get([]byte("hello"))
//	if ok {
//	    defer v.Release()
//	    use(v.Bytes())
//	}
//
// # Concurrency
//
// A single writer at a time is assumed. Put and Delete block until they
// acquire the tree's writer gate, backing off with iox.Backoff; TryPut and
// TryDelete return iox.ErrWouldBlock instead of blocking. Readers (Get,
// Snapshot, Keys) run concurrently with each other and with the writer
// without any lock: the root-ring publication protocol in tree.go guarantees
// a reader that loads a root index and upgrades its handle observes a
// self-consistent tree version no matter what the writer does afterward.
//
// # Persisted buffer layout
//
// Bit-exact only for readers mapping the same bytes later in the same
// process; there is no cross-process or cross-architecture compatibility.
// See block.go and errors.go for the exact byte layout and error kinds.
//
// # Dependencies
//
// slicekv depends on:
//   - iox: semantic error types (ErrWouldBlock) and adaptive backoff
//     (Backoff) for the writer gate.
//   - spin: spin-wait primitives (Wait, Yield) for the Pool's reference
//     count and id-tag compare-and-swap retry loops.
package slicekv
