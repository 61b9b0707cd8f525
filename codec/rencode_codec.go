package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gdm85/go-rencode"
)

// RencodeCodec speaks rencode, the serialization the deluge daemon uses on
// its RPC port. Byte compatibility comes from the go-rencode library; this
// type only maps between go-rencode's List/Dictionary and the value model.
type RencodeCodec struct{}

func (c *RencodeCodec) Encode(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := rencode.NewEncoder(&buf)
	if err := enc.Encode(toRencode(n)); err != nil {
		return nil, fmt.Errorf("codec: rencode encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads values until data is used up. Running out of bytes inside a
// value is an error, not the end of the stream.
func (c *RencodeCodec) Decode(data []byte) ([]any, error) {
	r := bytes.NewReader(data)
	dec := rencode.NewDecoder(r)
	values := make([]any, 0, 1)
	for r.Len() > 0 {
		raw, err := dec.DecodeNext()
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, fmt.Errorf("codec: rencode decode: %w", err)
		}
		v, err := fromRencode(raw)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (c *RencodeCodec) Type() CodecType {
	return CodecTypeRencode
}

// toRencode expects a normalized value.
func toRencode(v any) any {
	switch x := v.(type) {
	case []any:
		var list rencode.List
		for _, item := range x {
			list.Add(toRencode(item))
		}
		return list
	case map[string]any:
		var dict rencode.Dictionary
		for _, k := range sortedKeys(x) {
			dict.Add(k, toRencode(x[k]))
		}
		return dict
	}
	return v
}

func fromRencode(v any) (any, error) {
	switch x := v.(type) {
	case rencode.List:
		return listValues(x.Values())
	case *rencode.List:
		return listValues(x.Values())
	case rencode.Dictionary:
		return dictValues(x.Keys(), x.Values())
	case *rencode.Dictionary:
		return dictValues(x.Keys(), x.Values())
	}
	return Normalize(v)
}

func listValues(items []any) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		v, err := fromRencode(item)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func dictValues(keys, values []any) (map[string]any, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("codec: dictionary has %d keys and %d values", len(keys), len(values))
	}
	out := make(map[string]any, len(keys))
	for i, k := range keys {
		v, err := fromRencode(values[i])
		if err != nil {
			return nil, err
		}
		out[keyString(k)] = v
	}
	return out, nil
}

// keyString renders dictionary keys; the daemon uses string keys but rencode
// allows any scalar.
func keyString(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(k)
}
