package hashtable

import "testing"

func TestHashtable(t *testing.T) {
	ht := MkHash[int](16)
	for i := 0; i < 100; i++ {
		ht.Set(uintptr(i*4096), i)
	}
	if n := ht.Size(); n != 100 {
		t.Fatalf("size = %d", n)
	}
	for i := 0; i < 100; i++ {
		v, ok := ht.Get(uintptr(i * 4096))
		if !ok || v != i {
			t.Fatalf("get %d = %d, %v", i, v, ok)
		}
	}
	if _, ok := ht.Get(1); ok {
		t.Fatalf("got missing key")
	}
	v, ok := ht.Del(uintptr(13 * 4096))
	if !ok || v != 13 {
		t.Fatalf("del = %d, %v", v, ok)
	}
	if _, ok := ht.Get(uintptr(13 * 4096)); ok {
		t.Fatalf("deleted key still present")
	}
	if n := ht.Size(); n != 99 {
		t.Fatalf("size after del = %d", n)
	}
}

func TestHashtableDoubleSet(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("double set did not panic")
		}
	}()
	ht := MkHash[string](4)
	ht.Set(42, "a")
	ht.Set(42, "b")
}
