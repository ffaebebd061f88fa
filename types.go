// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv

import "fmt"

// PageSize is the size, in bytes, of the terminal metadata page reserved at
// the end of every buffer. It is also the target upper bound for a single
// node allocation (see TreeOptions.Fanout).
const PageSize = 4096

// DefaultFanout is the reference fanout (B): the maximum number of keys a
// node holds. A leaf holds up to DefaultFanout keys with a 1-1 mapping to
// values; an internal or root node holds up to DefaultFanout-1 keys and
// DefaultFanout children.
const DefaultFanout = 100

// DefaultRootRingSize is the reference number of simultaneously retained
// tree versions (N). A reader that has loaded a root index and upgraded its
// handle keeps that version alive even after DefaultRootRingSize-1 further
// writes have published newer roots.
const DefaultRootRingSize = 2

// bufferEnd is the skip-list sentinel value (all-bits-one) marking the head
// or tail of the block list.
const bufferEnd = ^uint64(0)

// TreeOptions configures a Tree at Open time. The zero value is not valid;
// use DefaultOptions and override only what needs to change, mirroring the
// single-argument constructor style of the reference pool (NewBoundedPool
// takes one capacity argument rather than a functional-options chain).
type TreeOptions struct {
	// Fanout is the maximum number of keys per node (B in the design docs).
	// Must be at least 3 so split always leaves both halves non-empty, and
	// small enough that a node (header + 2*Fanout persistable handles)
	// still fits in one PageSize block.
	Fanout int

	// RootRingSize is the number of root-ring slots (N). Must be at least 2:
	// with N=1 a reader would always race the writer's own next publish.
	RootRingSize int
}

// DefaultOptions returns the reference configuration: Fanout=DefaultFanout,
// RootRingSize=DefaultRootRingSize.
func DefaultOptions() TreeOptions {
	return TreeOptions{
		Fanout:       DefaultFanout,
		RootRingSize: DefaultRootRingSize,
	}
}

func (o TreeOptions) validate() error {
	if o.RootRingSize < 2 {
		return fmt.Errorf("slicekv: RootRingSize must be at least 2, got %d", o.RootRingSize)
	}
	if o.Fanout < 3 {
		return fmt.Errorf("slicekv: Fanout must be at least 3, got %d", o.Fanout)
	}
	if nodePayloadSize(o.Fanout) > PageSize {
		return fmt.Errorf("slicekv: Fanout %d too large: node would not fit in one %d-byte page", o.Fanout, PageSize)
	}
	ringBytes := poolMetaSize + treeMetaSize + uint64(o.RootRingSize)*handleSize
	if ringBytes > PageSize {
		return fmt.Errorf("slicekv: RootRingSize %d too large: root ring would not fit in the %d-byte metadata page", o.RootRingSize, PageSize)
	}
	return nil
}

// noCopy is a sentinel used to prevent copying of synchronization
// primitives. Embed it and run `go vet` to catch accidental copies.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
