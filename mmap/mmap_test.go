package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOptionsHas(t *testing.T) {
	var o Options = Writable | Prefault
	if !o.Has(Writable) || o.Has(SequentialAccess) {
		t.Fatalf("Options.Has returned unexpected results for %v", o)
	}
}

func TestMapReadOnly(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "seg")
	if err := os.WriteFile(fn, []byte("hello, mapped world"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := must(os.Open(fn))
	defer f.Close()

	b, err := Map(f, 5, SequentialAccess|Prefault)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("mapped %q, wanted hello", b)
	}
	if err := Unmap(b); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestMapWritable(t *testing.T) {
	f := must(os.Create(filepath.Join(t.TempDir(), "seg")))
	defer f.Close()

	const size = 4096
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	b, err := Map(f, size, Writable|RandomAccess)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(b) != size {
		t.Fatalf("len(mmap) = %d, wanted %d", len(b), size)
	}
	b[0] = 0x42
	if err := Fdatasync(f, b); err != nil {
		t.Fatalf("Fdatasync: %v", err)
	}
	if err := Unmap(b); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	var first [1]byte
	if _, err := f.ReadAt(first[:], 0); err != nil || first[0] != 0x42 {
		t.Fatalf("ReadAt = %x, %v; wanted 42", first, err)
	}
}

func TestMapRejectsBadSize(t *testing.T) {
	f := must(os.Create(filepath.Join(t.TempDir(), "seg")))
	defer f.Close()
	if _, err := Map(f, 0, 0); err == nil {
		t.Fatalf("Map(0) succeeded")
	}
	if err := Unmap(nil); err != nil {
		t.Fatalf("Unmap(nil) = %v", err)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
