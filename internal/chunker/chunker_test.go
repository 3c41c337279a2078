package chunker

import (
	"bytes"
	"testing"

	"beam/internal/beamerr"
)

func TestSplit_Sizes(t *testing.T) {
	cases := []struct {
		blobLen, size, wantChunks int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{52, 10, 6},
		{250, 10, 25},
	}
	for _, c := range cases {
		blob := bytes.Repeat([]byte{0xaa}, c.blobLen)
		chunks := Split(blob, c.size)
		if len(chunks) != c.wantChunks {
			t.Fatalf("Split(len=%d, size=%d) = %d chunks, want %d", c.blobLen, c.size, len(chunks), c.wantChunks)
		}
		for i, ch := range chunks {
			if i < len(chunks)-1 && len(ch) != c.size {
				t.Fatalf("chunk %d has %d bytes, want %d", i, len(ch), c.size)
			}
			if len(ch) == 0 {
				t.Fatalf("chunk %d is empty", i)
			}
		}
	}
}

func TestSplitAssemble_Identity(t *testing.T) {
	blob := make([]byte, 1337)
	for i := range blob {
		blob[i] = byte(i * 7)
	}
	for _, size := range []int{1, 10, 64, 1336, 1337, 5000} {
		f := Assemble(Split(blob, size), "x.bin", "application/octet-stream")
		if !bytes.Equal(f.Data, blob) {
			t.Fatalf("size %d: assembled blob differs from input", size)
		}
	}
}

func TestAssemble_Metadata(t *testing.T) {
	f := Assemble(nil, "empty.txt", "text/plain")
	if f.Name != "empty.txt" || f.Mime != "text/plain" {
		t.Fatalf("metadata lost: %+v", f)
	}
	if len(f.Data) != 0 {
		t.Fatalf("empty assemble produced %d bytes", len(f.Data))
	}
}

func TestValidate(t *testing.T) {
	ok := [][]byte{bytes.Repeat([]byte{1}, 10), bytes.Repeat([]byte{2}, 10), []byte{3, 4, 5}}
	if err := Validate(ok, 23, 10); err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}
	if err := Validate(nil, 0, 10); err != nil {
		t.Fatalf("empty file rejected: %v", err)
	}

	shortMiddle := [][]byte{bytes.Repeat([]byte{1}, 9), bytes.Repeat([]byte{2}, 10), []byte{3}}
	if err := Validate(shortMiddle, 20, 10); beamerr.CodeOf(err) != beamerr.CodeSessionExpired {
		t.Fatalf("short middle chunk: want session expired, got %v", err)
	}

	oversize := [][]byte{bytes.Repeat([]byte{1}, 11)}
	if err := Validate(oversize, 11, 10); beamerr.CodeOf(err) != beamerr.CodeSessionExpired {
		t.Fatalf("oversize chunk: want session expired, got %v", err)
	}

	totalOff := [][]byte{bytes.Repeat([]byte{1}, 10)}
	if err := Validate(totalOff, 52, 10); beamerr.CodeOf(err) != beamerr.CodeSessionExpired {
		t.Fatalf("total mismatch: want session expired, got %v", err)
	}

	missingAll := [][]byte{}
	if err := Validate(missingAll, 5, 10); beamerr.CodeOf(err) != beamerr.CodeSessionExpired {
		t.Fatalf("no chunks for non-empty file: want session expired, got %v", err)
	}
}
