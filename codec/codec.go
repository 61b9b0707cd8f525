// Package codec turns the client's value model into bytes and back.
//
// The value model is the one the daemon speaks: nil, bool, int64, float64,
// string, []any and map[string]any, nested freely. Decoding always returns
// values normalized to exactly those types, whatever width the wire used.
package codec

type CodecType byte

const (
	CodecTypeRencode CodecType = 0
	CodecTypeJSON    CodecType = 1
)

type Codec interface {
	// Encode serializes a single value.
	Encode(v any) ([]byte, error)
	// Decode reads every value serialized back to back in data.
	Decode(data []byte) ([]any, error)
	Type() CodecType // 0=rencode, 1=JSON
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &RencodeCodec{}
}
