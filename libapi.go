package nameko

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/nameko/internal/runtime"
	configpkg "github.com/drblury/nameko/internal/runtime/config"
	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	idspkg "github.com/drblury/nameko/internal/runtime/ids"
	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
	metadatapkg "github.com/drblury/nameko/internal/runtime/metadata"
	transportpkg "github.com/drblury/nameko/internal/runtime/transport"
	"github.com/drblury/nameko/internal/runtime/wire"
	newtransport "github.com/drblury/nameko/transport"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError

	Runner                = runtimepkg.Runner
	RunnerDependencies    = runtimepkg.RunnerDependencies
	RunnerState           = runtimepkg.RunnerState
	RunnerStatus          = runtimepkg.RunnerStatus
	Container             = runtimepkg.Container
	ContainerDependencies = runtimepkg.ContainerDependencies
	ContainerStatus       = runtimepkg.ContainerStatus
	ServiceContext        = runtimepkg.ServiceContext

	ServiceDefinition = runtimepkg.ServiceDefinition
	RPCMethod         = runtimepkg.RPCMethod
	RPCMethodFunc     = runtimepkg.RPCMethodFunc
	Event             = runtimepkg.Event
	EventHandler      = runtimepkg.EventHandler
	EventHandlerFunc  = runtimepkg.EventHandlerFunc
	EventBinding      = runtimepkg.EventBinding
	DispatchPolicy    = runtimepkg.DispatchPolicy

	Proxy           = runtimepkg.Proxy
	ProxyClient     = runtimepkg.ProxyClient
	EventDispatcher = runtimepkg.EventDispatcher

	Invocation             = runtimepkg.Invocation
	InvokeFunc             = runtimepkg.InvokeFunc
	EntrypointKind         = runtimepkg.EntrypointKind
	EntrypointMiddleware   = runtimepkg.EntrypointMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	PanicError             = runtimepkg.PanicError

	// Entrypoint lifecycle hooks
	HandlerContext = runtimepkg.HandlerContext
	HandlerHooks   = runtimepkg.HandlerHooks

	// Stats & monitoring
	Metrics           = runtimepkg.Metrics
	EntrypointStats   = runtimepkg.EntrypointStats
	LatencyMetrics    = runtimepkg.LatencyMetrics
	ThroughputMetrics = runtimepkg.ThroughputMetrics
	ErrorBreakdown    = runtimepkg.ErrorBreakdown
	ResourceUsage     = runtimepkg.ResourceUsage

	UnknownMethodError = errspkg.UnknownMethodError
	CallTimeoutError   = errspkg.CallTimeoutError
	RemoteError        = errspkg.RemoteError

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	TransportFactory      = transportpkg.Factory
	Dialer                = newtransport.Dialer
	Connection            = newtransport.Connection
	Channel               = newtransport.Channel
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

const (
	ServicePool = runtimepkg.ServicePool
	Singleton   = runtimepkg.Singleton
	Broadcast   = runtimepkg.Broadcast

	EntrypointRPC   = runtimepkg.EntrypointRPC
	EntrypointEvent = runtimepkg.EntrypointEvent

	StateStopped  = runtimepkg.StateStopped
	StateStarting = runtimepkg.StateStarting
	StateRunning  = runtimepkg.StateRunning
	StateStopping = runtimepkg.StateStopping
	StateError    = runtimepkg.StateError

	// Wire kinds reported as exc_type.
	KindUnknownMethod    = errspkg.KindUnknownMethod
	KindMalformedRequest = errspkg.KindMalformedRequest
	KindUnserializable   = errspkg.KindUnserializable
	KindDefault          = errspkg.KindDefault

	CallIDStackKey = metadatapkg.CallIDStackKey
	RPCExchange    = wire.DefaultRPCExchange
)

var (
	DefaultConfig      = configpkg.Default
	ConfigFromEnv      = configpkg.FromEnv
	ConfigFromFile     = configpkg.FromFile
	ValidateConfig     = configpkg.ValidateConfig
	NewRunner          = runtimepkg.NewRunner
	NewContainer       = runtimepkg.NewContainer
	NewProxyClient     = runtimepkg.NewProxyClient
	NewProxy           = runtimepkg.NewProxy
	NewEventDispatcher = runtimepkg.NewEventDispatcher
	OnEvent            = runtimepkg.OnEvent
	EventQueueName     = runtimepkg.EventQueueName
	NewMetrics         = runtimepkg.NewMetrics

	DefaultMiddlewares       = runtimepkg.DefaultMiddlewares
	TracerMiddleware         = runtimepkg.TracerMiddleware
	MetricsMiddleware        = runtimepkg.MetricsMiddleware
	LogInvocationsMiddleware = runtimepkg.LogInvocationsMiddleware

	// Entrypoint lifecycle hooks
	HooksMiddleware = runtimepkg.HooksMiddleware
	LoggingHooks    = runtimepkg.LoggingHooks
	MetricsHooks    = runtimepkg.MetricsHooks
	AlertingHooks   = runtimepkg.AlertingHooks

	DefaultTransportFactory = transportpkg.DefaultFactory
	RegistryFactory         = transportpkg.RegistryFactory
	DialerFactory           = transportpkg.DialerFactory

	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	Dial                     = newtransport.Dial

	WithKind = errspkg.WithKind
	Kind     = errspkg.Kind

	Marshal       = wire.Marshal
	MarshalIndent = wire.MarshalIndent
	Unmarshal     = wire.Unmarshal
	Encode        = wire.Encode

	ErrInvalidState         = errspkg.ErrInvalidState
	ErrNotStarted           = errspkg.ErrNotStarted
	ErrInvalidConfiguration = errspkg.ErrInvalidConfiguration
	ErrUnknownMethod        = errspkg.ErrUnknownMethod
	ErrCallTimeout          = errspkg.ErrCallTimeout
	ErrRemote               = errspkg.ErrRemote
	ErrUnknownProxy         = errspkg.ErrUnknownProxy
	ErrMalformedRequest     = errspkg.ErrMalformedRequest
	ErrNoDialer             = errspkg.ErrNoDialer

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewLogrusServiceLogger    = loggingpkg.NewLogrusServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NopLogger                 = loggingpkg.NopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	NewUUID    = idspkg.NewUUID
)

// CallIDStack returns the call id stack of the worker running with ctx.
func CallIDStack(ctx context.Context) []string {
	return metadatapkg.CallIDStackFromContext(ctx)
}

func JSONMethod[Req any, Resp any](fn func(ctx context.Context, sc *ServiceContext, req Req) (Resp, error)) RPCMethod {
	return runtimepkg.JSONMethod(fn)
}

func ProtoMethod[Req proto.Message, Resp proto.Message](fn func(ctx context.Context, sc *ServiceContext, req Req) (Resp, error)) RPCMethod {
	return runtimepkg.ProtoMethod(fn)
}

func JSONEventHandler[T any](fn func(ctx context.Context, sc *ServiceContext, evt Event, payload T) error) EventHandler {
	return runtimepkg.JSONEventHandler(fn)
}

func ProtoEventHandler[T proto.Message](fn func(ctx context.Context, sc *ServiceContext, evt Event, payload T) error) EventHandler {
	return runtimepkg.ProtoEventHandler(fn)
}

// Bind attaches a typed handler such as JSONEventHandler with policy.
func Bind(policy DispatchPolicy, handler EventHandler) EventBinding {
	return EventBinding{Handler: handler, Policy: policy}
}

func CallJSON[Resp any](ctx context.Context, p *Proxy, method string, req any) (Resp, error) {
	return runtimepkg.CallJSON[Resp](ctx, p, method, req)
}

func CallProto[Resp proto.Message](ctx context.Context, p *Proxy, method string, req proto.Message) (Resp, error) {
	return runtimepkg.CallProto[Resp](ctx, p, method, req)
}

func DispatchProto(ctx context.Context, sc *ServiceContext, event string, msg proto.Message) error {
	return runtimepkg.DispatchProto(ctx, sc, event, msg)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

// MustProtoMessage is NewProtoMessage that panics on error.
func MustProtoMessage[T proto.Message]() T {
	msg, err := runtimepkg.NewProtoMessage[T]()
	if err != nil {
		panic(err)
	}
	return msg
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
