package runtime

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	handlerpkg "github.com/drblury/nameko/internal/runtime/handlers"
)

// JSONMethod adapts a typed function into an RPCMethod. The request is
// taken from the first positional argument, or from kwargs when the call has
// no positional arguments. A request that cannot be converted into Req is
// answered with a MalformedRequest error.
func JSONMethod[Req any, Resp any](fn func(ctx context.Context, sc *ServiceContext, req Req) (Resp, error)) RPCMethod {
	return RPCMethodFunc(func(ctx context.Context, sc *ServiceContext, args []any, kwargs map[string]any) (any, error) {
		req, err := handlerpkg.ConvertJSON[Req](requestValue(args, kwargs))
		if err != nil {
			return nil, errspkg.WithKind(fmt.Errorf("%w: %w", errspkg.ErrMalformedRequest, err), errspkg.KindMalformedRequest)
		}
		return fn(ctx, sc, req)
	})
}

// ProtoMethod is JSONMethod for protobuf messages. Request and response use
// the protojson mapping.
func ProtoMethod[Req proto.Message, Resp proto.Message](fn func(ctx context.Context, sc *ServiceContext, req Req) (Resp, error)) RPCMethod {
	return RPCMethodFunc(func(ctx context.Context, sc *ServiceContext, args []any, kwargs map[string]any) (any, error) {
		req, err := handlerpkg.ConvertProto[Req](requestValue(args, kwargs))
		if err != nil {
			return nil, errspkg.WithKind(fmt.Errorf("%w: %w", errspkg.ErrMalformedRequest, err), errspkg.KindMalformedRequest)
		}
		resp, err := fn(ctx, sc, req)
		if err != nil {
			return nil, err
		}
		return handlerpkg.ProtoValue(resp)
	})
}

func requestValue(args []any, kwargs map[string]any) any {
	if len(args) > 0 {
		return args[0]
	}
	if len(kwargs) > 0 {
		return kwargs
	}
	return nil
}

// JSONEventHandler decodes the event body into T before calling fn.
func JSONEventHandler[T any](fn func(ctx context.Context, sc *ServiceContext, evt Event, payload T) error) EventHandler {
	return EventHandlerFunc(func(ctx context.Context, sc *ServiceContext, evt Event) error {
		payload, err := handlerpkg.DecodeJSON[T](evt.Body)
		if err != nil {
			return fmt.Errorf("decode %s.%s: %w", evt.Source, evt.Name, err)
		}
		return fn(ctx, sc, evt, payload)
	})
}

// ProtoEventHandler decodes a protojson event body into T before calling fn.
func ProtoEventHandler[T proto.Message](fn func(ctx context.Context, sc *ServiceContext, evt Event, payload T) error) EventHandler {
	return EventHandlerFunc(func(ctx context.Context, sc *ServiceContext, evt Event) error {
		payload, err := handlerpkg.DecodeProto[T](evt.Body)
		if err != nil {
			return fmt.Errorf("decode %s.%s: %w", evt.Source, evt.Name, err)
		}
		return fn(ctx, sc, evt, payload)
	})
}

// CallJSON calls method on the proxy's target with req as the only argument
// and converts the result into Resp.
func CallJSON[Resp any](ctx context.Context, p *Proxy, method string, req any) (Resp, error) {
	var zero Resp
	result, err := p.Call(ctx, method, req)
	if err != nil {
		return zero, err
	}
	resp, err := handlerpkg.ConvertJSON[Resp](result)
	if err != nil {
		return zero, fmt.Errorf("%s.%s: %w", p.Service(), method, err)
	}
	return resp, nil
}

// CallProto sends req in its protojson form and parses the result as Resp.
func CallProto[Resp proto.Message](ctx context.Context, p *Proxy, method string, req proto.Message) (Resp, error) {
	var zero Resp
	arg, err := handlerpkg.ProtoValue(req)
	if err != nil {
		return zero, fmt.Errorf("%s.%s: %w", p.Service(), method, err)
	}
	result, err := p.Call(ctx, method, arg)
	if err != nil {
		return zero, err
	}
	resp, err := handlerpkg.ConvertProto[Resp](result)
	if err != nil {
		return zero, fmt.Errorf("%s.%s: %w", p.Service(), method, err)
	}
	return resp, nil
}

// DispatchProto publishes msg in its protojson form.
func DispatchProto(ctx context.Context, sc *ServiceContext, event string, msg proto.Message) error {
	payload, err := handlerpkg.ProtoValue(msg)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", event, err)
	}
	return sc.DispatchEvent(ctx, event, payload)
}

// NewProtoMessage instantiates a zero-value protobuf message of type T.
func NewProtoMessage[T proto.Message]() (T, error) {
	var zero T
	return handlerpkg.EnsureProtoPrototype(zero)
}
