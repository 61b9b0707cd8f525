package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// JSONCodec is used at the edges: parsing command-line arguments and
// printing results. It never touches the wire.
type JSONCodec struct {
	Indent string // when set, Encode indents nested values
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if c.Indent != "" {
		return json.MarshalIndent(v, "", c.Indent)
	}
	return json.Marshal(v)
}

// Decode reads a stream of JSON values. Numbers become int64 when they are
// integral, float64 otherwise.
func (c *JSONCodec) Decode(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var values []any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return values, nil
		}
		if err != nil {
			return nil, err
		}
		values = append(values, fromJSON(v))
	}
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func fromJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if !strings.ContainsAny(x.String(), ".eE") {
			if i, err := x.Int64(); err == nil {
				return i
			}
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = fromJSON(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = fromJSON(x[k])
		}
		return x
	}
	return v
}
