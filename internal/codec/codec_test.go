package codec

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func marshalBlock(b *Block) ([]byte, error) {
	return json.Marshal(b)
}

func testParams(t *testing.T, content string) *Params {
	t.Helper()
	path := filepath.Join(t.TempDir(), "powers.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadParams(path)
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	return p
}

func testData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)
	return data
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New(testParams(t, "params"))
	data := testData(t, 4096)

	for _, method := range []Method{Vandermonde, Random} {
		_, blocks, err := c.Encode(data, 3, 5, method)
		if err != nil {
			t.Fatalf("Encode(%s): %v", method, err)
		}
		if len(blocks) != 5 {
			t.Fatalf("Encode(%s) produced %d blocks, want 5", method, len(blocks))
		}

		raw := make([][]byte, len(blocks))
		for i, b := range blocks {
			raw[i] = b.Data
		}
		got, err := c.Decode(3, raw)
		if err != nil {
			t.Fatalf("Decode(%s): %v", method, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("Decode(%s) returned different bytes", method)
		}
	}
}

func TestDecodeAnyKSubset(t *testing.T) {
	c := New(testParams(t, "params"))
	data := testData(t, 1000)

	_, blocks, err := c.Encode(data, 3, 5, Vandermonde)
	if err != nil {
		t.Fatal(err)
	}

	subsets := [][]int{{0, 1, 2}, {0, 3, 4}, {2, 3, 4}, {1, 2, 4}}
	for _, subset := range subsets {
		raw := make([][]byte, 0, len(subset))
		for _, i := range subset {
			raw = append(raw, blocks[i].Data)
		}
		got, err := c.Decode(3, raw)
		if err != nil {
			t.Fatalf("Decode of subset %v: %v", subset, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("subset %v decoded to different bytes", subset)
		}
	}
}

func TestHashDeterminism(t *testing.T) {
	c := New(testParams(t, "params"))
	data := testData(t, 512)

	h1, blocks1, err := c.Encode(data, 3, 5, Vandermonde)
	if err != nil {
		t.Fatal(err)
	}
	h2, blocks2, err := c.Encode(data, 3, 5, Vandermonde)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("same input produced different file hashes: %s vs %s", h1, h2)
	}
	for i := range blocks1 {
		if blocks1[i].Hash != blocks2[i].Hash {
			t.Fatalf("block %d hash differs between identical encodings", i)
		}
	}
}

func TestHashesDependOnGeometryAndParams(t *testing.T) {
	data := testData(t, 512)

	c := New(testParams(t, "params"))
	h1, _, err := c.Encode(data, 3, 5, Vandermonde)
	if err != nil {
		t.Fatal(err)
	}
	h2, _, err := c.Encode(data, 2, 5, Vandermonde)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("different k produced the same file hash")
	}
	h3, _, err := c.Encode(data, 3, 5, Random)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h3 {
		t.Fatal("different method produced the same file hash")
	}

	other := New(testParams(t, "other-params"))
	h4, _, err := other.Encode(data, 3, 5, Vandermonde)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h4 {
		t.Fatal("different public parameters produced the same file hash")
	}
}

func TestVerify(t *testing.T) {
	c := New(testParams(t, "params"))
	data := testData(t, 256)

	_, blocks, err := c.Encode(data, 2, 4, Vandermonde)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range blocks {
		if !c.Verify(b.Data) {
			t.Fatalf("freshly encoded block %d failed verification", i)
		}
	}

	// Flip a payload byte inside the envelope.
	blk, err := Parse(blocks[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	blk.Payload[0] ^= 0xff
	tampered, err := marshalBlock(blk)
	if err != nil {
		t.Fatal(err)
	}
	if c.Verify(tampered) {
		t.Fatal("tampered block passed verification")
	}

	// A different node with different parameters must reject the block.
	other := New(testParams(t, "other-params"))
	if other.Verify(blocks[0].Data) {
		t.Fatal("block verified against foreign parameters")
	}

	if c.Verify([]byte("not a block")) {
		t.Fatal("garbage passed verification")
	}
}

func TestDecodeErrors(t *testing.T) {
	c := New(testParams(t, "params"))
	data := testData(t, 300)

	_, blocks, err := c.Encode(data, 3, 5, Vandermonde)
	if err != nil {
		t.Fatal(err)
	}

	// Too few blocks.
	if _, err := c.Decode(3, [][]byte{blocks[0].Data, blocks[1].Data}); err == nil {
		t.Fatal("expected InsufficientBlocks")
	}

	// Enough blocks but duplicated indices.
	dup := [][]byte{blocks[0].Data, blocks[0].Data, blocks[1].Data}
	if _, err := c.Decode(3, dup); err == nil {
		t.Fatal("expected LinearDependence for duplicated blocks")
	}

	// A corrupted block in the set.
	blk, err := Parse(blocks[2].Data)
	if err != nil {
		t.Fatal(err)
	}
	blk.Payload[0] ^= 0x01
	tampered, err := marshalBlock(blk)
	if err != nil {
		t.Fatal(err)
	}
	bad := [][]byte{blocks[0].Data, blocks[1].Data, tampered}
	if _, err := c.Decode(3, bad); err == nil {
		t.Fatal("expected CorruptBlock")
	}
}

func TestEncodeSystematicGeometry(t *testing.T) {
	c := New(testParams(t, "params"))
	data := testData(t, 100)

	_, blocks, err := c.Encode(data, 4, 4, Vandermonde)
	if err != nil {
		t.Fatalf("Encode k=n: %v", err)
	}
	raw := make([][]byte, len(blocks))
	for i, b := range blocks {
		raw[i] = b.Data
	}
	got, err := c.Decode(4, raw)
	if err != nil {
		t.Fatalf("Decode k=n: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("k=n round trip returned different bytes")
	}
}

func TestEncodeBadGeometry(t *testing.T) {
	c := New(testParams(t, "params"))
	data := testData(t, 10)

	if _, _, err := c.Encode(data, 0, 5, Vandermonde); err == nil {
		t.Error("k=0 accepted")
	}
	if _, _, err := c.Encode(data, 5, 3, Vandermonde); err == nil {
		t.Error("n < k accepted")
	}
	if _, _, err := c.Encode(nil, 3, 5, Vandermonde); err == nil {
		t.Error("empty file accepted")
	}
}

func TestParseMethod(t *testing.T) {
	if _, err := ParseMethod("Vandermonde"); err != nil {
		t.Error(err)
	}
	if _, err := ParseMethod("Random"); err != nil {
		t.Error(err)
	}
	if _, err := ParseMethod("Cauchy"); err == nil {
		t.Error("unknown method accepted")
	}
}
