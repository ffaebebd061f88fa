// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv_test

import (
	"fmt"
	"testing"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/slicekv"
	"code.hybscloud.com/spin"
)

func BenchmarkTreePut(b *testing.B) {
	tr, err := slicekv.Open(make([]byte, 64<<20))
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	keys := make([][]byte, b.N)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tr.Put(keys[i], keys[i]); err != nil {
			b.Fatalf("Put: %v", err)
		}
	}
}

func BenchmarkTreeGet(b *testing.B) {
	tr, err := slicekv.Open(make([]byte, 64<<20))
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	const n = 10000
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		if err := tr.Put(keys[i], keys[i]); err != nil {
			b.Fatalf("Put: %v", err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v, ok, err := tr.Get(keys[i%n])
		if err != nil {
			b.Fatalf("Get: %v", err)
		}
		if !ok {
			b.Fatalf("Get: missing key")
		}
		v.Release()
	}
}

func BenchmarkPoolMallocFree(b *testing.B) {
	p, err := slicekv.NewPool(make([]byte, 16<<20))
	if err != nil {
		b.Fatalf("NewPool: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := p.Malloc(128)
		if err != nil {
			b.Fatalf("Malloc: %v", err)
		}
		h.Release()
	}
}

// BenchmarkTreeGet_Parallel exercises concurrent readers against a single
// published tree version, yielding between the lookup and the release to
// simulate a caller doing work with the value before giving up its
// reference.
func BenchmarkTreeGet_Parallel(b *testing.B) {
	tr, err := slicekv.Open(make([]byte, 64<<20))
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	const n = 10000
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		if err := tr.Put(keys[i], keys[i]); err != nil {
			b.Fatalf("Put: %v", err)
		}
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			v, ok, err := tr.Get(keys[i%n])
			if err != nil {
				b.Fatal(err)
			}
			if !ok {
				b.Fatal("Get: missing key")
			}
			// Simulate the caller doing brief work with the value.
			spin.Yield()
			v.Release()
			i++
		}
	})
}

// BenchmarkTreeTryPut_Contention drives many goroutines at the writer gate
// at once; most calls see it held and back off with iox.ErrWouldBlock,
// mirroring the reference pool's high-contention benchmarks.
func BenchmarkTreeTryPut_Contention(b *testing.B) {
	tr, err := slicekv.Open(make([]byte, 64<<20))
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			k := []byte(fmt.Sprintf("key-%d", i))
			if err := tr.TryPut(k, k); err != nil && err != iox.ErrWouldBlock {
				b.Fatal(err)
			}
			i++
		}
	})
}
