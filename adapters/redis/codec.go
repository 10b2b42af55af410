package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// payloadField is the single stream entry field that carries the encoded value.
const payloadField = "data"

var (
	ErrPointerType    = errors.New("pointer type is not allowed")
	ErrMissingPayload = errors.New("payload field not found or invalid type")
)

// EncodeMessage packs data as msgpack, base64 encodes it and wraps it into stream entry values.
func EncodeMessage[T any](data T) (map[string]any, error) {
	if t := reflect.TypeOf(data); t != nil && t.Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		payloadField: base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DecodeMessage is the reverse of EncodeMessage. An empty entry decodes to the zero value.
func DecodeMessage[T any](values map[string]any) (T, error) {
	var result T

	if t := reflect.TypeOf(result); t != nil && t.Kind() == reflect.Ptr {
		return result, ErrPointerType
	}
	if len(values) == 0 {
		return result, nil
	}

	encoded, ok := values[payloadField].(string)
	if !ok {
		return result, ErrMissingPayload
	}
	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return result, nil
}
