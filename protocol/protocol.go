// Package protocol implements the deluge RPC frame format.
//
// Every message on the stream is one frame: a fixed 5-byte header followed by
// a zlib-compressed body. The receiver reads the header first to learn the
// compressed length, then reads exactly that many bytes.
//
// Frame format:
//
//	0  1         5
//	┌──┬─────────┬──────────────────────────┐
//	│v │ bodyLen │  zlib(payload) ...       │
//	│01│ uint32  │  bodyLen bytes           │
//	└──┴─────────┴──────────────────────────┘
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	Version    byte = 0x01
	HeaderSize int  = 5 // 1 (version) + 4 (bodyLen)

	// MaxBodyLen bounds a single compressed body so a corrupt header cannot
	// make the reader allocate gigabytes.
	MaxBodyLen uint32 = 128 << 20
)

var (
	ErrVersionMismatch = errors.New("protocol: unknown protocol version")
	ErrFrameTooLarge   = errors.New("protocol: frame too large")
)

// Header is the fixed 5-byte frame header.
type Header struct {
	Version byte
	BodyLen uint32 // length of the compressed body
}

// Encode compresses payload and writes one complete frame to w with a single
// Write call. Callers sharing w across goroutines must still serialize calls
// to Encode, since a short write could otherwise interleave with another frame.
func Encode(w io.Writer, payload []byte) error {
	frame, err := Frame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Frame builds the bytes of one complete frame for payload.
func Frame(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, HeaderSize))

	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	frame := buf.Bytes()
	bodyLen := len(frame) - HeaderSize
	if uint64(bodyLen) > uint64(MaxBodyLen) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}
	frame[0] = Version
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(bodyLen))
	return frame, nil
}

// Decode reads one frame from r and returns the decompressed payload.
// io.ReadFull loops over partial reads so a body split across TCP segments
// (or TLS records) is reassembled.
func Decode(r io.Reader) ([]byte, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	body := make([]byte, header.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("protocol: inflate: %w", err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("protocol: inflate: %w", err)
	}
	return payload, nil
}

// ReadHeader reads and validates the fixed header.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	if buf[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersionMismatch, buf[0])
	}

	bodyLen := binary.BigEndian.Uint32(buf[1:HeaderSize])
	if bodyLen > MaxBodyLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}

	return &Header{Version: buf[0], BodyLen: bodyLen}, nil
}
