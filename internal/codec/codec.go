// Package codec turns Go values into tagged payloads and back.
//
// Encodings:
//   - "binary/null"     nil
//   - "binary/plain"    []byte
//   - "binary/protobuf" proto.Message, wire format
//   - "json/plain"      everything else
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

const (
	EncodingNull     = "binary/null"
	EncodingBytes    = "binary/plain"
	EncodingProtobuf = "binary/protobuf"
	EncodingJSON     = "json/plain"
)

var ErrUnknownEncoding = errors.New("unknown payload encoding")

// Encode converts v into a payload. A types.Payload passes through untouched.
func Encode(v any) (types.Payload, error) {
	switch val := v.(type) {
	case nil:
		return types.Payload{Encoding: EncodingNull}, nil
	case types.Payload:
		return val, nil
	case *types.Payload:
		if val == nil {
			return types.Payload{Encoding: EncodingNull}, nil
		}
		return *val, nil
	case []byte:
		return types.Payload{Encoding: EncodingBytes, Data: append([]byte(nil), val...)}, nil
	case proto.Message:
		data, err := proto.Marshal(val)
		if err != nil {
			return types.Payload{}, fmt.Errorf("encode protobuf: %w", err)
		}
		return types.Payload{Encoding: EncodingProtobuf, Data: data}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return types.Payload{}, fmt.Errorf("encode json: %w", err)
	}
	return types.Payload{Encoding: EncodingJSON, Data: data}, nil
}

// MustEncode is Encode for values known to be encodable.
func MustEncode(v any) types.Payload {
	p, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode fills ptr from p. A nil ptr discards the value. Decoding a null or
// empty payload leaves ptr untouched.
func Decode(p types.Payload, ptr any) error {
	if ptr == nil {
		return nil
	}
	if out, ok := ptr.(*types.Payload); ok {
		*out = p
		return nil
	}
	if p.IsZero() || p.Encoding == EncodingNull {
		return nil
	}

	switch p.Encoding {
	case EncodingBytes:
		out, ok := ptr.(*[]byte)
		if !ok {
			return fmt.Errorf("decode %s into %T: want *[]byte", p.Encoding, ptr)
		}
		*out = append([]byte(nil), p.Data...)
		return nil
	case EncodingProtobuf:
		msg, ok := ptr.(proto.Message)
		if !ok {
			return fmt.Errorf("decode %s into %T: want proto.Message", p.Encoding, ptr)
		}
		if err := proto.Unmarshal(p.Data, msg); err != nil {
			return fmt.Errorf("decode protobuf: %w", err)
		}
		return nil
	case EncodingJSON:
		if err := json.Unmarshal(p.Data, ptr); err != nil {
			return fmt.Errorf("decode json into %s: %w", reflect.TypeOf(ptr), err)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownEncoding, p.Encoding)
}

// Describe renders a payload for logs and tooling.
func Describe(p types.Payload) string {
	switch p.Encoding {
	case EncodingJSON:
		return string(p.Data)
	case EncodingNull, "":
		return "null"
	}
	return fmt.Sprintf("<%s %d bytes>", p.Encoding, len(p.Data))
}
