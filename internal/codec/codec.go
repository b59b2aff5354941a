// Package codec (de)serializes the variable-length columns of a cache record:
// the callback-token list and the ordered dependency list.
//
// Both encodings start with a one-byte format version followed by protobuf
// wire primitives: tokens are varints, dependency tags are length-delimited
// byte strings. An empty list encodes to an empty (nil) slice.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const formatV1 byte = 1

// ErrCorrupt is returned when a column cannot be decoded.
var ErrCorrupt = errors.New("codec: corrupt column")

// EncodeTokens packs callback tokens in order.
func EncodeTokens(tokens []uint32) []byte {
	if len(tokens) == 0 {
		return nil
	}
	b := make([]byte, 0, 1+len(tokens)*protowire.SizeVarint(1<<31))
	b = append(b, formatV1)
	for _, t := range tokens {
		b = protowire.AppendVarint(b, uint64(t))
	}
	return b
}

// DecodeTokens unpacks a token list produced by EncodeTokens.
func DecodeTokens(b []byte) ([]uint32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if b[0] != formatV1 {
		return nil, fmt.Errorf("%w: token format %d", ErrCorrupt, b[0])
	}
	b = b[1:]
	out := make([]uint32, 0, len(b))
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		if v > 1<<32-1 {
			return nil, fmt.Errorf("%w: token %d overflows uint32", ErrCorrupt, v)
		}
		out = append(out, uint32(v))
		b = b[n:]
	}
	return out, nil
}

// EncodeTags packs dependency tags in order.
func EncodeTags(tags []string) []byte {
	if len(tags) == 0 {
		return nil
	}
	size := 1
	for _, t := range tags {
		size += protowire.SizeBytes(len(t))
	}
	b := make([]byte, 0, size)
	b = append(b, formatV1)
	for _, t := range tags {
		b = protowire.AppendString(b, t)
	}
	return b
}

// DecodeTags unpacks a tag list produced by EncodeTags.
// The result is 0-based and has exactly as many elements as were encoded.
func DecodeTags(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if b[0] != formatV1 {
		return nil, fmt.Errorf("%w: tag format %d", ErrCorrupt, b[0])
	}
	b = b[1:]
	var out []string
	for len(b) > 0 {
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}
