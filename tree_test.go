// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package slicekv_test

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"code.hybscloud.com/slicekv"
)

func openTestTree(t *testing.T, opts ...slicekv.TreeOptions) *slicekv.Tree {
	t.Helper()
	tr, err := slicekv.Open(make([]byte, 1<<20), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tr
}

func mustGet(t *testing.T, tr *slicekv.Tree, key string) string {
	t.Helper()
	v, ok, err := tr.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if !ok {
		t.Fatalf("Get(%q): not found", key)
	}
	defer v.Release()
	return string(v.Bytes())
}

func TestTreePutGetRoundTrip(t *testing.T) {
	tr := openTestTree(t)

	if err := tr.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := mustGet(t, tr, "k1"); got != "v1" {
		t.Fatalf("Get(k1) = %q, want v1", got)
	}

	if _, ok, err := tr.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("Get(missing) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestTreePutUpdatesExistingKey(t *testing.T) {
	tr := openTestTree(t)

	if err := tr.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := tr.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	if got := mustGet(t, tr, "k"); got != "v2" {
		t.Fatalf("Get(k) = %q, want v2", got)
	}
}

func TestTreeDeleteKeyNotFound(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.Delete([]byte("nope")); !errors.Is(err, slicekv.ErrKeyNotFound) {
		t.Fatalf("Delete(absent) = %v, want ErrKeyNotFound", err)
	}
}

func TestTreePutDeleteManyForcesSplitsAndMerges(t *testing.T) {
	tr := openTestTree(t, slicekv.TreeOptions{Fanout: 4, RootRingSize: 2})

	const n = 500
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		if err := tr.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		if got := mustGet(t, tr, k); got != k {
			t.Fatalf("Get(%s) = %q, want %q", k, got, k)
		}
	}

	for i := 0; i < n; i += 2 {
		k := fmt.Sprintf("key-%04d", i)
		if err := tr.Delete([]byte(k)); err != nil {
			t.Fatalf("Delete(%s): %v", k, err)
		}
	}
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		_, ok, err := tr.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%s): %v", k, err)
		}
		want := i%2 != 0
		if ok != want {
			t.Fatalf("Get(%s) ok=%v, want %v", k, ok, want)
		}
	}

	// Emptying the leaves makes them underflow, which forces merges.
	for i := 1; i < n; i += 2 {
		k := fmt.Sprintf("key-%04d", i)
		if err := tr.Delete([]byte(k)); err != nil {
			t.Fatalf("Delete(%s): %v", k, err)
		}
	}
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		if _, ok, err := tr.Get([]byte(k)); err != nil || ok {
			t.Fatalf("Get(%s) after deleting all = (ok=%v, err=%v), want (false, nil)", k, ok, err)
		}
	}
}

func TestTreeKeysYieldsSortedOrder(t *testing.T) {
	tr := openTestTree(t, slicekv.TreeOptions{Fanout: 4, RootRingSize: 2})

	want := []string{"banana", "apple", "cherry", "date", "elderberry"}
	for _, k := range want {
		if err := tr.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	sort.Strings(want)

	snap, err := tr.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer snap.Release()

	var got []string
	for k := range snap.Keys() {
		got = append(got, string(k))
	}

	if len(got) != len(want) {
		t.Fatalf("Keys() returned %d keys, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSnapshotIsolatesFromLaterWrites(t *testing.T) {
	tr := openTestTree(t, slicekv.TreeOptions{Fanout: 4, RootRingSize: 4})

	if err := tr.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snap, err := tr.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer snap.Release()

	if err := tr.Put([]byte("a"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tr.Put([]byte("b"), []byte("3")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got []string
	for k := range snap.Keys() {
		got = append(got, string(k))
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("snapshot keys = %v, want [a]", got)
	}

	if got := mustGet(t, tr, "a"); got != "2" {
		t.Fatalf("current Get(a) = %q, want 2", got)
	}
}

func TestTreeOptionsValidation(t *testing.T) {
	cases := []slicekv.TreeOptions{
		{Fanout: 2, RootRingSize: 2},
		{Fanout: 100, RootRingSize: 1},
		{Fanout: 100000, RootRingSize: 2},
	}
	for _, o := range cases {
		if _, err := slicekv.Open(make([]byte, 1<<20), o); err == nil {
			t.Errorf("Open(%+v) = nil error, want a validation error", o)
		}
	}
}

func TestOpenRejectsUndersizedBuffer(t *testing.T) {
	if _, err := slicekv.Open(make([]byte, 16)); !errors.Is(err, slicekv.ErrTooSmall) {
		t.Fatalf("Open(tiny buffer) = %v, want ErrTooSmall", err)
	}
}

func TestTryPutSucceedsAfterPutReturns(t *testing.T) {
	tr := openTestTree(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Put([]byte("a"), []byte("1"))
	}()
	<-done

	if err := tr.TryPut([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("TryPut on an idle tree should succeed, got %v", err)
	}
}
