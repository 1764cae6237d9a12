package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/nameko/internal/runtime/config"
	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
	"github.com/drblury/nameko/transport/memory"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry so tests can assert on log output.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, base: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}
func (l *recordingLogger) Warn(msg string, fields loggingpkg.LogFields) {
	l.record("warn", msg, nil, fields)
}
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) has(level, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.level == level && strings.Contains(e.msg, substr) {
			return true
		}
	}
	return false
}

func (l *recordingLogger) dump() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, e := range *l.entries {
		fmt.Fprintf(&b, "%s %s %v %v\n", e.level, e.msg, e.err, e.fields)
	}
	return b.String()
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		AMQPURL:    "memory://",
		RPCTimeout: 2 * time.Second,
	}
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// startContainer starts def on broker and stops it when the test ends.
func startContainer(t *testing.T, broker *memory.Broker, def ServiceDefinition, conf *configpkg.Config, deps ContainerDependencies) *Container {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	c, err := NewContainer(def, conf, loggingpkg.NopLogger(), deps)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), broker.Dialer()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

// callerFor starts a container that only proxies target and returns the proxy.
func callerFor(t *testing.T, broker *memory.Broker, target string, conf *configpkg.Config) *Proxy {
	t.Helper()
	c := startContainer(t, broker, ServiceDefinition{Name: "caller", ProxyTargets: []string{target}}, conf, ContainerDependencies{})
	p, err := c.Proxy(target)
	require.NoError(t, err)
	return p
}

func echoMethod() RPCMethod {
	return RPCMethodFunc(func(_ context.Context, _ *ServiceContext, args []any, kwargs map[string]any) (any, error) {
		return map[string]any{"args": args, "kwargs": kwargs}, nil
	})
}
