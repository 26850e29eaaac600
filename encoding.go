package ckv

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Part names one of the two payloads attached to a row.
type Part int

const (
	PartObject Part = iota
	PartMetadata
)

func (p Part) String() string {
	switch p {
	case PartObject:
		return "object"
	case PartMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("invalid part %d", int(p))
	}
}

type (
	Serializer   func(collection, key string, value any) ([]byte, error)
	// Deserializer must not retain data past the call.
	Deserializer func(collection, key string, data []byte) (any, error)

	// Sanitizer runs before a value is accepted for writing. It may return
	// a replacement value; returning an error rejects the write.
	Sanitizer func(collection, key string, value any) (any, error)
)

type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// Codec is the encode/decode/sanitize strategy for one payload kind.
type Codec struct {
	Serialize   Serializer
	Deserialize Deserializer
	Sanitize    Sanitizer // optional
	Compression Compression

	// Verbatim promises that Deserialize gives back exactly the values
	// passed to Serialize. Otherwise writers decode what they encoded, so
	// cached values look the same as values read back from storage.
	Verbatim bool
}

// Policy is the serialization policy of a database. It is fixed at Open.
type Policy struct {
	Object   Codec
	Metadata Codec
}

func DefaultPolicy() Policy {
	return Policy{Object: MsgPackAny(), Metadata: MsgPackAny()}
}

func (p *Policy) codec(part Part) *Codec {
	if part == PartMetadata {
		return &p.Metadata
	}
	return &p.Object
}

func (p *Policy) normalize() {
	def := MsgPackAny()
	for _, c := range []*Codec{&p.Object, &p.Metadata} {
		if c.Serialize == nil {
			c.Serialize = def.Serialize
		}
		if c.Deserialize == nil {
			c.Deserialize = def.Deserialize
		}
	}
}

// MsgPack encodes values with msgpack and decodes them as T. Store values
// of type T so that cached and decoded objects look the same; T may itself
// be a pointer type.
func MsgPack[T any]() Codec {
	return Codec{
		Serialize: func(collection, key string, value any) ([]byte, error) {
			return msgpackEncode(value)
		},
		Deserialize: func(collection, key string, data []byte) (any, error) {
			v := new(T)
			if err := msgpackDecode(data, v); err != nil {
				return nil, err
			}
			return *v, nil
		},
	}
}

// MsgPackAny decodes into generic values (map[string]any, []any, scalars).
func MsgPackAny() Codec {
	return Codec{
		Serialize: func(collection, key string, value any) ([]byte, error) {
			return msgpackEncode(value)
		},
		Deserialize: func(collection, key string, data []byte) (any, error) {
			var v any
			if err := msgpackDecode(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

func JSON[T any]() Codec {
	return Codec{
		Serialize: func(collection, key string, value any) ([]byte, error) {
			return json.Marshal(value)
		},
		Deserialize: func(collection, key string, data []byte) (any, error) {
			v := new(T)
			if err := json.Unmarshal(data, v); err != nil {
				return nil, dataErrf(data, 0, err, "failed to decode JSON into %T", *v)
			}
			return *v, nil
		},
	}
}

func JSONAny() Codec {
	return Codec{
		Serialize: func(collection, key string, value any) ([]byte, error) {
			return json.Marshal(value)
		},
		Deserialize: func(collection, key string, data []byte) (any, error) {
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, dataErrf(data, 0, err, "failed to decode JSON")
			}
			return v, nil
		},
	}
}

// Raw stores []byte and string values as-is and decodes them as []byte.
func Raw() Codec {
	return Codec{
		Serialize: func(collection, key string, value any) ([]byte, error) {
			switch v := value.(type) {
			case []byte:
				return v, nil
			case string:
				return []byte(v), nil
			default:
				return nil, fmt.Errorf("raw codec cannot encode %T", value)
			}
		},
		Deserialize: func(collection, key string, data []byte) (any, error) {
			return bytes.Clone(data), nil
		},
	}
}

func msgpackEncode(value any) ([]byte, error) {
	bb := bytesBuilder{}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(value)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", value, err)
	}
	return bb.Buf, nil
}

func msgpackDecode(data []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(data, 0, err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}

// encode produces the stored form: compression kind byte, then body.
func (c *Codec) encode(collection, key string, value any) ([]byte, error) {
	data, err := c.Serialize(collection, key, value)
	if err != nil {
		return nil, err
	}
	return compress(c.Compression, data)
}

func (c *Codec) decode(collection, key string, raw []byte) (any, error) {
	data, err := decompress(raw)
	if err != nil {
		return nil, err
	}
	v, err := c.Deserialize(collection, key, data)
	if err != nil {
		var de *DataError
		if !errors.As(err, &de) {
			err = dataErrf(data, 0, err, "cannot deserialize")
		}
		return nil, err
	}
	return v, nil
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func compress(kind Compression, data []byte) ([]byte, error) {
	switch kind {
	case CompressionNone:
	case CompressionLZ4:
		if len(data) == 0 {
			break
		}
		buf := make([]byte, 1, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
		buf[0] = byte(CompressionLZ4)
		buf = binary.AppendUvarint(buf, uint64(len(data)))
		off := len(buf)
		n, err := lz4.CompressBlock(data, buf[off:cap(buf)], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		// incompressible input yields n == 0
		if n > 0 && off+n < len(data)+1 {
			return buf[:off+n], nil
		}
	case CompressionZstd:
		enc := getZstdEncoder()
		buf := enc.EncodeAll(data, []byte{byte(CompressionZstd)})
		zstdEncoderPool.Put(enc)
		if len(buf) < len(data)+1 {
			return buf, nil
		}
	default:
		return nil, fmt.Errorf("unsupported compression %d", kind)
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, byte(CompressionNone))
	return append(buf, data...), nil
}

func decompress(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, dataErrf(raw, 0, nil, "empty payload")
	}
	switch Compression(raw[0]) {
	case CompressionNone:
		return raw[1:], nil
	case CompressionLZ4:
		d := makeByteDecoder(raw[1:])
		size, err := d.Uvarinti()
		if err != nil {
			return nil, err
		}
		if size > len(d.Buf)*255+16 {
			return nil, dataErrf(raw, 1, nil, "lz4: implausible size %d", size)
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(d.Buf, out)
		if err != nil || n != size {
			return nil, dataErrf(raw, 1, err, "lz4: bad block (got %d bytes, wanted %d)", n, size)
		}
		return out, nil
	case CompressionZstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(raw[1:], nil)
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, dataErrf(raw, 1, err, "zstd")
		}
		return out, nil
	default:
		return nil, dataErrf(raw, 0, nil, "unknown compression kind %d", raw[0])
	}
}
