// Package codec implements the self-describing byte-stream encoding used to
// persist structured cache values (spec §4.7):
//
//	[4B magic 'PQCV'][1B version=1]
//	[u32 jsonLength][jsonBytes]
//	[u32 binCount][ repeated: u32 binLength + binBytes ]
//
// JSON carries structure and scalars; raw binary buffers are extracted into
// the separate binary section and referenced by index so they never need
// base64 inflation inside the JSON payload.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

var magic = [4]byte{'P', 'Q', 'C', 'V'}

const version byte = 1

// binRef is the JSON-side placeholder for an extracted binary buffer.
type binRef struct {
	Tag string `json:"__codec__"`
	Idx int    `json:"idx"`
}

// reservedTag marks scalars the JSON encoding cannot represent natively.
type reservedTag struct {
	Tag   string `json:"__codec__"`
	Value string `json:"value,omitempty"`
}

const (
	tagBinary = "bin"
	tagNaN    = "nan"
	tagPosInf = "+inf"
	tagNegInf = "-inf"
)

// ErrUnsupportedValue is returned when a value cannot be represented by the
// codec at all (the codec refuses rather than silently truncating, per
// spec §4.7).
type ErrUnsupportedValue struct {
	Path string
}

func (e ErrUnsupportedValue) Error() string {
	return fmt.Sprintf("codec: unsupported value at %s", e.Path)
}

// Encode serializes a structured value into the framed byte stream.
func Encode(value any) ([]byte, error) {
	var bins [][]byte
	transformed, err := transformOut(value, &bins, "$", map[uintptr]bool{})
	if err != nil {
		return nil, err
	}
	jsonBytes, err := json.Marshal(transformed)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(version)
	writeU32(&buf, uint32(len(jsonBytes)))
	buf.Write(jsonBytes)
	writeU32(&buf, uint32(len(bins)))
	for _, b := range bins {
		writeU32(&buf, uint32(len(b)))
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// Decode parses the framed byte stream back into a structured value.
func Decode(data []byte) (any, error) {
	if len(data) < 5 || !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("codec: missing or invalid magic header")
	}
	if data[4] != version {
		return nil, fmt.Errorf("codec: unsupported version %d", data[4])
	}
	r := bytes.NewReader(data[5:])

	jsonLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	jsonBytes := make([]byte, jsonLen)
	if _, err := r.Read(jsonBytes); err != nil {
		return nil, fmt.Errorf("codec: reading json section: %w", err)
	}

	binCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	bins := make([][]byte, binCount)
	for i := range bins {
		l, err := readU32(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, l)
		if _, err := r.Read(b); err != nil {
			return nil, fmt.Errorf("codec: reading binary segment %d: %w", i, err)
		}
		bins[i] = b
	}

	var decoded any
	if err := json.Unmarshal(jsonBytes, &decoded); err != nil {
		return nil, fmt.Errorf("codec: unmarshal: %w", err)
	}
	return transformIn(decoded, bins), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, fmt.Errorf("codec: reading length prefix: %w", err)
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}
