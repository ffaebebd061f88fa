// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv

import (
	"unsafe"

	"code.hybscloud.com/slicekv/internal"
)

// CacheLineSize is the CPU L1 cache line size for the current architecture,
// used to pad the object header (see block.go) against false sharing
// between a block's strong/weak counts and its neighbors' payloads.
const CacheLineSize = internal.CacheLineSize

// NewBuffer allocates a byte slice of the given size with its starting
// address aligned to the CPU cache line size, suitable for passing to
// Open. Aligning the buffer's start keeps the first block's header and
// atomic reference counts off of a cache line shared with unrelated data
// the caller may place before the buffer in memory.
func NewBuffer(size int) []byte {
	align := uintptr(CacheLineSize)
	p := make([]byte, uintptr(size)+align-1)
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := ((uintptr(base)+align-1)/align)*align - uintptr(base)
	return unsafe.Slice((*byte)(unsafe.Add(base, offset)), size)
}
