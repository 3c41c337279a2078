package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"
	"io"
)

// util package to digest a chunk set before it goes into the store

type Result struct {
	Size   int64
	SHA256 string
	CRC32C uint32
}

func Compute(chunks [][]byte) Result {
	h := sha256.New()
	crc := crc32.New(crc32.MakeTable(crc32.Castagnoli))

	// Copy once, update both digests
	w := io.MultiWriter(h, crc)
	var n int64
	for _, c := range chunks {
		m, _ := w.Write(c)
		n += int64(m)
	}

	return Result{
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		CRC32C: crc.Sum32(),
	}
}
