package idxdb

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeValue encodes documents, index values and catalog entries. Map keys
// are sorted so equal documents encode to equal bytes.
func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return buf.Bytes(), nil
}

// decodeValue decodes into ptr. Integers inside interface values decode as
// int64 or uint64 and floats as float64.
func decodeValue(data []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(data, 0, err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}

func encodeDoc(doc Doc) ([]byte, error) {
	return encodeValue(map[string]any(doc))
}

func decodeDoc(data []byte) (Doc, error) {
	if len(data) == 0 {
		return Doc{}, nil
	}
	var m map[string]any
	if err := decodeValue(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	return Doc(m), nil
}
