// Package handlers converts between wire values and the typed payloads used
// by JSON and protobuf entrypoints.
package handlers

import (
	"fmt"
	"reflect"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	"github.com/drblury/nameko/internal/runtime/wire"
)

// DecodeJSON unmarshals data into a fresh T. Pointer types are allocated.
func DecodeJSON[T any](data []byte) (T, error) {
	target, err := newJSONTarget[T]()
	if err != nil {
		var zero T
		return zero, err
	}
	if err := wire.Unmarshal(data, target.ptr); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	return target.value(), nil
}

// ConvertJSON re-shapes an already decoded value, such as an RPC argument,
// into T.
func ConvertJSON[T any](src any) (T, error) {
	target, err := newJSONTarget[T]()
	if err != nil {
		var zero T
		return zero, err
	}
	if err := wire.Convert(src, target.ptr); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to convert JSON payload: %w", err)
	}
	return target.value(), nil
}

type jsonTarget[T any] struct {
	ptr   any
	value func() T
}

func newJSONTarget[T any]() (jsonTarget[T], error) {
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Interface {
		if typ.NumMethod() > 0 {
			return jsonTarget[T]{}, errspkg.ErrPayloadTypeRequired
		}
		var v T
		return jsonTarget[T]{ptr: &v, value: func() T { return v }}, nil
	}
	if typ.Kind() == reflect.Ptr {
		inst := reflect.New(typ.Elem())
		return jsonTarget[T]{
			ptr:   inst.Interface(),
			value: func() T { return inst.Interface().(T) },
		}, nil
	}
	inst := reflect.New(typ)
	return jsonTarget[T]{
		ptr:   inst.Interface(),
		value: func() T { return inst.Elem().Interface().(T) },
	}, nil
}
