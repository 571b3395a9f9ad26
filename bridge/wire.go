// Package bridge forwards stream frames between hosts over TCP.
//
// Every packet is a 4 byte big endian header length, a msgpack Header and
// the raw frame payload of Header.Size bytes:
//
//	+---------+-----------------+-------------------+
//	| u32 len | msgpack Header  | payload (Size B)  |
//	+---------+-----------------+-------------------+
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/moontrade/imstream/stream"
)

const (
	prefixSize = 4
	// MaxHeaderBytes bounds the msgpack header of one packet.
	MaxHeaderBytes = 1 << 20
)

var (
	ErrChecksum = errors.New("bridge: payload checksum mismatch")
	ErrProtocol = errors.New("bridge: malformed packet")
)

// Header describes the frame that follows it.
type Header struct {
	Session  string    `msgpack:"s"`
	Seq      uint64    `msgpack:"q"`
	Name     string    `msgpack:"n"`
	DType    string    `msgpack:"t"`
	Shape    []int     `msgpack:"z"`
	Symcode  int       `msgpack:"y"`
	Counter  uint64    `msgpack:"c"`
	Sent     int64     `msgpack:"w"`
	Keywords []Keyword `msgpack:"k,omitempty"`
	Size     int       `msgpack:"l"`
	Checksum uint64    `msgpack:"h"`
}

type Keyword struct {
	Name    string `msgpack:"n"`
	Value   any    `msgpack:"v"`
	Comment string `msgpack:"c,omitempty"`
}

func keywordsOf(kws []stream.Keyword) []Keyword {
	if len(kws) == 0 {
		return nil
	}
	out := make([]Keyword, len(kws))
	for i, k := range kws {
		out[i] = Keyword{Name: k.Name, Value: k.Value(), Comment: k.Comment}
	}
	return out
}

// keywordMap converts decoded keywords to the value types of
// stream.Keyword: int64, float64 or string.
func keywordMap(kws []Keyword) map[string]any {
	if len(kws) == 0 {
		return nil
	}
	out := make(map[string]any, len(kws))
	for _, k := range kws {
		switch v := k.Value.(type) {
		case int8:
			out[k.Name] = int64(v)
		case int16:
			out[k.Name] = int64(v)
		case int32:
			out[k.Name] = int64(v)
		case int64:
			out[k.Name] = v
		case uint8:
			out[k.Name] = int64(v)
		case uint16:
			out[k.Name] = int64(v)
		case uint32:
			out[k.Name] = int64(v)
		case uint64:
			out[k.Name] = int64(v)
		case float32:
			out[k.Name] = float64(v)
		case float64, string:
			out[k.Name] = v
		}
	}
	return out
}

// Geometry validates the frame description of h.
func (h *Header) Geometry() (stream.Geometry, error) {
	dt, err := stream.ParseDType(h.DType)
	if err != nil {
		return stream.Geometry{}, err
	}
	g := stream.Geometry{DType: dt, Shape: h.Shape}
	if err = g.Validate(); err != nil {
		return stream.Geometry{}, err
	}
	if g.Bytes() != h.Size {
		return stream.Geometry{}, fmt.Errorf("%w: %s frame declares %d bytes", ErrProtocol, g, h.Size)
	}
	return g, nil
}

// AppendPacket appends the encoded packet for payload to dst. Size and
// Checksum of h are filled in.
func AppendPacket(dst []byte, h *Header, payload []byte) ([]byte, error) {
	h.Size = len(payload)
	h.Checksum = xxhash3.Hash(payload)
	hdr, err := msgpack.Marshal(h)
	if err != nil {
		return dst, err
	}
	if len(hdr) > MaxHeaderBytes {
		return dst, fmt.Errorf("%w: header of %d bytes", ErrProtocol, len(hdr))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(hdr)))
	dst = append(dst, hdr...)
	return append(dst, payload...), nil
}

// headerLength reads the length prefix.
func headerLength(prefix []byte) (int, error) {
	n := int(binary.BigEndian.Uint32(prefix[:prefixSize]))
	if n == 0 || n > MaxHeaderBytes {
		return 0, fmt.Errorf("%w: header length %d", ErrProtocol, n)
	}
	return n, nil
}

func decodeHeader(b []byte, maxFrame int) (*Header, error) {
	h := new(Header)
	if err := msgpack.Unmarshal(b, h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if h.Size < 0 || h.Size > maxFrame {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrProtocol, h.Size, maxFrame)
	}
	return h, nil
}

func verify(h *Header, payload []byte) error {
	if xxhash3.Hash(payload) != h.Checksum {
		return fmt.Errorf("%w: %s seq %d", ErrChecksum, h.Name, h.Seq)
	}
	return nil
}

// ReadPacket reads one packet from r.
func ReadPacket(r io.Reader, maxFrame int) (*Header, []byte, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, nil, err
	}
	n, err := headerLength(prefix[:])
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return nil, nil, err
	}
	h, err := decodeHeader(buf, maxFrame)
	if err != nil {
		return nil, nil, err
	}
	payload := make([]byte, h.Size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return nil, nil, err
	}
	if err = verify(h, payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}
