package chunker

import (
	"beam/internal/beamerr"
)

// File is a named byte blob with its mime type, the unit the engines hand to
// and receive from the surrounding application.
type File struct {
	Name string
	Mime string
	Data []byte
}

// Split slices blob into consecutive pieces of exactly size bytes; the last
// piece may be shorter. An empty blob yields zero chunks.
func Split(blob []byte, size int) [][]byte {
	if size < 1 || len(blob) == 0 {
		return nil
	}
	n := (len(blob) + size - 1) / size
	out := make([][]byte, 0, n)
	for off := 0; off < len(blob); off += size {
		end := off + size
		if end > len(blob) {
			end = len(blob)
		}
		out = append(out, blob[off:end])
	}
	return out
}

// Assemble concatenates chunks in order and attaches the metadata. Size
// verification against an external claim is the receiver's job, not ours.
func Assemble(chunks [][]byte, name, mime string) File {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	data := make([]byte, 0, total)
	for _, c := range chunks {
		data = append(data, c...)
	}
	return File{Name: name, Mime: mime, Data: data}
}

// Validate checks a stored chunk set against its declared sizes before a
// resume: every non-last chunk must be exactly chunkSize, and the payload
// total must match fileSize to within one chunkSize (the last chunk may be
// short). Violations mean the stored session is unusable.
func Validate(chunks [][]byte, fileSize uint64, chunkSize uint32) error {
	var total uint64
	for i, c := range chunks {
		if i < len(chunks)-1 && uint32(len(c)) != chunkSize {
			return beamerr.SessionExpiredf("", "stored chunk %d is %d bytes, want %d", i, len(c), chunkSize)
		}
		if uint32(len(c)) > chunkSize {
			return beamerr.SessionExpiredf("", "stored chunk %d is %d bytes, exceeds chunk size %d", i, len(c), chunkSize)
		}
		total += uint64(len(c))
	}
	var diff uint64
	if total > fileSize {
		diff = total - fileSize
	} else {
		diff = fileSize - total
	}
	if diff >= uint64(chunkSize) || (len(chunks) == 0 && fileSize > 0) || total > fileSize {
		return beamerr.SessionExpiredf("", "stored payload totals %d bytes, declared file size %d", total, fileSize)
	}
	return nil
}
