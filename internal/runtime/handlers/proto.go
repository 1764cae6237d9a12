package handlers

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	"github.com/drblury/nameko/internal/runtime/wire"
)

var (
	protoJSONMarshalOptions = protojson.MarshalOptions{
		EmitUnpopulated: true,
	}
	protoJSONUnmarshalOptions = protojson.UnmarshalOptions{
		DiscardUnknown: true,
	}
)

// EnsureProtoPrototype returns candidate or, when it is a nil pointer, a
// freshly allocated message of the same type.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrPayloadPointerRequired
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

// DecodeProto unmarshals a protojson body into a new T. Unknown fields are
// ignored.
func DecodeProto[T proto.Message](data []byte) (T, error) {
	var zero T
	msg, err := EnsureProtoPrototype(zero)
	if err != nil {
		return zero, err
	}
	if err := protoJSONUnmarshalOptions.Unmarshal(data, msg); err != nil {
		return zero, fmt.Errorf("failed to unmarshal proto payload: %w", err)
	}
	return msg, nil
}

// ConvertProto re-encodes a decoded wire value and parses it as T.
func ConvertProto[T proto.Message](src any) (T, error) {
	data, err := wire.Marshal(src)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to marshal proto source: %w", err)
	}
	return DecodeProto[T](data)
}

// EncodeProto renders msg as protojson with unpopulated fields included.
func EncodeProto(msg proto.Message) ([]byte, error) {
	if isNilProto(msg) {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	return protoJSONMarshalOptions.Marshal(msg)
}

// ProtoValue converts msg into the plain JSON value carried in RPC replies
// and event payloads.
func ProtoValue(msg proto.Message) (any, error) {
	data, err := EncodeProto(msg)
	if err != nil {
		return nil, err
	}
	var value any
	if err := wire.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
