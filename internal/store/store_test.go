package store

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/dragoon-rs/dragoonfly/internal/errs"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "12D3KooWTest", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := testStore(t)
	data := []byte("block payload")

	existed, err := s.Put("fh", "bh", data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if existed {
		t.Fatal("fresh block reported as existing")
	}

	got, err := s.Get("fh", "bh")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get returned %q, want %q", got, data)
	}
}

func TestPutIdempotent(t *testing.T) {
	s := testStore(t)
	data := []byte("same content")

	if _, err := s.Put("fh", "bh", data); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	existed, err := s.Put("fh", "bh", data)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if !existed {
		t.Fatal("second Put did not report the block as existing")
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.Get("fh", "missing")
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("Get missing block: got %v, want NotFound", err)
	}
}

func TestListAndRemove(t *testing.T) {
	s := testStore(t)
	for _, h := range []string{"b1", "b2", "b3"} {
		if _, err := s.Put("fh", h, []byte(h)); err != nil {
			t.Fatalf("Put %s: %v", h, err)
		}
	}

	hashes, err := s.List("fh")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(hashes)
	want := []string{"b1", "b2", "b3"}
	if len(hashes) != len(want) {
		t.Fatalf("List returned %v, want %v", hashes, want)
	}
	for i := range want {
		if hashes[i] != want[i] {
			t.Fatalf("List returned %v, want %v", hashes, want)
		}
	}

	if err := s.Remove("fh", "b2"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	hashes, err = s.List("fh")
	if err != nil {
		t.Fatalf("List after Remove: %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("List after Remove returned %v", hashes)
	}
}

func TestListUnknownFile(t *testing.T) {
	s := testStore(t)
	_, err := s.List("nope")
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("List unknown file: got %v, want NotFound", err)
	}
}

func TestClear(t *testing.T) {
	s := testStore(t)
	if _, err := s.Put("fh", "b1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear("fh"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.List("fh"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("List after Clear: got %v, want NotFound", err)
	}
}

func TestOpenReplacePurges(t *testing.T) {
	base := t.TempDir()
	s, err := Open(base, "peer", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put("fh", "b1", []byte("x")); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(base, "peer", true)
	if err != nil {
		t.Fatalf("Open with replace: %v", err)
	}
	if _, err := s2.List("fh"); !errs.Is(err, errs.NotFound) {
		t.Fatal("replace did not purge the file directory")
	}
}

func TestWriteOutputSiblingOfBlocks(t *testing.T) {
	s := testStore(t)
	if _, err := s.Put("fh", "b1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	path, err := s.WriteOutput("fh", "out.bin", []byte("decoded"))
	if err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}
	if filepath.Dir(path) != s.FileDir("fh") {
		t.Fatalf("output written to %s, want a sibling of %s", path, s.BlockDir("fh"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "decoded" {
		t.Fatalf("output contains %q", data)
	}
}

func TestBlockSize(t *testing.T) {
	s := testStore(t)
	payload := []byte("12345678")
	if _, err := s.Put("fh", "b1", payload); err != nil {
		t.Fatal(err)
	}
	size, err := s.BlockSize("fh", "b1")
	if err != nil {
		t.Fatalf("BlockSize: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("BlockSize = %d, want %d", size, len(payload))
	}
}
