package wire

import (
	"encoding/base64"

	"github.com/vmihailenco/msgpack/v5"

	"beam/internal/beamerr"
)

// Frame layout: positional msgpack array, base64 (standard alphabet, padded)
// on the outside so a frame is printable ASCII and fits a single QR code.

// arity per tag, counting the tag element itself.
var arity = map[Tag]int{
	TagHello: 10,
	TagAck:   3,
	TagPull:  4,
	TagData:  6,
	TagError: 2,
}

// Encode serializes a message into a displayable frame.
func Encode(m Message) (string, error) {
	tup, err := tuple(m)
	if err != nil {
		return "", err
	}
	raw, err := msgpack.Marshal(tup)
	if err != nil {
		return "", beamerr.Protocolf("", "encode %T: %v", m, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func tuple(m Message) ([]interface{}, error) {
	switch v := m.(type) {
	case Hello:
		return []interface{}{uint8(TagHello), v.SessionID, v.Seq, uint8(v.Party), v.Version,
			v.FileName, v.FileSize, v.MimeType, v.TotalChunks, v.ChunkSize}, nil
	case Ack:
		return []interface{}{uint8(TagAck), v.SessionID, v.Seq}, nil
	case Pull:
		return []interface{}{uint8(TagPull), v.SessionID, v.Seq, v.ChunkIndex}, nil
	case Data:
		if v.Payload == nil {
			v.Payload = []byte{}
		}
		return []interface{}{uint8(TagData), v.SessionID, v.Seq, v.ChunkIndex, v.NextChunkIndex, v.Payload}, nil
	case Error:
		return []interface{}{uint8(TagError), uint8(v.Code)}, nil
	default:
		return nil, beamerr.Protocolf("", "encode: unknown message type %T", m)
	}
}

// Decode parses a frame back into its message. Every malformation maps to a
// protocol error: bad base64, bad msgpack, empty tuple, unknown tag, wrong
// arity, or a field of the wrong type.
func Decode(frame string) (Message, error) {
	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, beamerr.Protocolf("", "decode: invalid base64: %v", err)
	}
	var tup []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &tup); err != nil {
		return nil, beamerr.Protocolf("", "decode: invalid msgpack: %v", err)
	}
	if len(tup) == 0 {
		return nil, beamerr.Protocolf("", "decode: empty tuple")
	}
	var tagN uint8
	if err := msgpack.Unmarshal(tup[0], &tagN); err != nil {
		return nil, beamerr.Protocolf("", "decode: bad tag: %v", err)
	}
	tag := Tag(tagN)
	want, ok := arity[tag]
	if !ok {
		return nil, beamerr.Protocolf("", "decode: unknown tag %d", tagN)
	}
	if len(tup) != want {
		return nil, beamerr.Protocolf("", "decode: tag %d wants %d elements, got %d", tagN, want, len(tup))
	}

	d := fieldDecoder{tup: tup}
	switch tag {
	case TagHello:
		m := Hello{
			SessionID:   d.str(1),
			Seq:         d.u32(2),
			Party:       Party(d.u8(3)),
			Version:     d.u8(4),
			FileName:    d.str(5),
			FileSize:    d.u64(6),
			MimeType:    d.str(7),
			TotalChunks: d.u32(8),
			ChunkSize:   d.u32(9),
		}
		return m, d.err
	case TagAck:
		m := Ack{SessionID: d.str(1), Seq: d.u32(2)}
		return m, d.err
	case TagPull:
		m := Pull{SessionID: d.str(1), Seq: d.u32(2), ChunkIndex: d.i32(3)}
		return m, d.err
	case TagData:
		m := Data{
			SessionID:      d.str(1),
			Seq:            d.u32(2),
			ChunkIndex:     d.i32(3),
			NextChunkIndex: d.i32(4),
			Payload:        d.bin(5),
		}
		return m, d.err
	case TagError:
		m := Error{Code: ErrorCode(d.u8(1))}
		return m, d.err
	}
	return nil, beamerr.Protocolf("", "decode: unknown tag %d", tagN)
}

// fieldDecoder unpacks tuple elements and keeps the first failure.
type fieldDecoder struct {
	tup []msgpack.RawMessage
	err error
}

func (d *fieldDecoder) fail(i int, cause error) {
	if d.err == nil {
		d.err = beamerr.Protocolf("", "decode: field %d: %v", i, cause)
	}
}

func (d *fieldDecoder) str(i int) string {
	var v string
	if err := msgpack.Unmarshal(d.tup[i], &v); err != nil {
		d.fail(i, err)
	}
	return v
}

func (d *fieldDecoder) u8(i int) uint8 {
	var v uint8
	if err := msgpack.Unmarshal(d.tup[i], &v); err != nil {
		d.fail(i, err)
	}
	return v
}

func (d *fieldDecoder) u32(i int) uint32 {
	var v uint32
	if err := msgpack.Unmarshal(d.tup[i], &v); err != nil {
		d.fail(i, err)
	}
	return v
}

func (d *fieldDecoder) u64(i int) uint64 {
	var v uint64
	if err := msgpack.Unmarshal(d.tup[i], &v); err != nil {
		d.fail(i, err)
	}
	return v
}

func (d *fieldDecoder) i32(i int) int32 {
	var v int32
	if err := msgpack.Unmarshal(d.tup[i], &v); err != nil {
		d.fail(i, err)
	}
	return v
}

func (d *fieldDecoder) bin(i int) []byte {
	var v []byte
	if err := msgpack.Unmarshal(d.tup[i], &v); err != nil {
		d.fail(i, err)
	}
	if v == nil {
		v = []byte{}
	}
	return v
}
