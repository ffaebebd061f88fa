// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package slicekv_test

import (
	"fmt"
	"sync"
	"testing"

	"code.hybscloud.com/slicekv"
)

// TestConcurrentReadersDuringWrites exercises the root-ring protocol under
// the race detector: one writer publishes new tree versions continuously
// while several readers keep looking up keys through whatever version is
// current at the time. No reader should ever observe a torn or
// use-after-free node, and the race detector must find no data race.
func TestConcurrentReadersDuringWrites(t *testing.T) {
	tr, err := slicekv.Open(make([]byte, 4<<20), slicekv.TreeOptions{Fanout: 8, RootRingSize: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const writes = 400
	const readers = 8

	if err := tr.Put([]byte("seed"), []byte("0")); err != nil {
		t.Fatalf("Put seed: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(stop)
		for i := 0; i < writes; i++ {
			k := fmt.Sprintf("k-%d", i%64)
			if err := tr.Put([]byte(k), []byte(fmt.Sprint(i))); err != nil {
				t.Errorf("Put: %v", err)
				return
			}
			if i%7 == 0 {
				if err := tr.Delete([]byte(k)); err != nil && err != slicekv.ErrKeyNotFound {
					t.Errorf("Delete: %v", err)
					return
				}
			}
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, ok, err := tr.Get([]byte("seed"))
				if err != nil {
					t.Errorf("Get: %v", err)
					return
				}
				if ok {
					_ = v.Bytes()
					v.Release()
				}
				snap, err := tr.Snapshot()
				if err != nil {
					t.Errorf("Snapshot: %v", err)
					return
				}
				for range snap.Keys() {
				}
				snap.Release()
			}
		}()
	}

	wg.Wait()
}
