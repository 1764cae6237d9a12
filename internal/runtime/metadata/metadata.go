package metadata

import "context"

// CallIDStackKey is the message header carrying the chain of call ids that
// led to a message, oldest first.
const CallIDStackKey = "nameko.call_id_stack"

// Metadata represents the headers carried alongside an RPC request or event.
// Values follow AMQP table semantics, so lists arrive as []any.
type Metadata map[string]any

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key string, value any) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// CallIDStack extracts the call id stack header. Entries that are not
// strings are skipped.
func (m Metadata) CallIDStack() []string {
	switch raw := m[CallIDStackKey].(type) {
	case []string:
		return append([]string(nil), raw...)
	case []any:
		stack := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				stack = append(stack, s)
			}
		}
		return stack
	case string:
		return []string{raw}
	default:
		return nil
	}
}

// WithCallIDStack returns a clone carrying stack as an AMQP-compatible list.
// An empty stack removes the header.
func (m Metadata) WithCallIDStack(stack []string) Metadata {
	if len(stack) == 0 {
		cloned := m.Clone()
		delete(cloned, CallIDStackKey)
		return cloned
	}
	values := make([]any, len(stack))
	for i, s := range stack {
		values[i] = s
	}
	return m.With(CallIDStackKey, values)
}

// PushCallID appends id to a copy of stack, keeping at most limit entries.
// A limit of zero or less keeps everything.
func PushCallID(stack []string, id string, limit int) []string {
	next := make([]string, 0, len(stack)+1)
	next = append(next, stack...)
	next = append(next, id)
	if limit > 0 && len(next) > limit {
		next = next[len(next)-limit:]
	}
	return next
}

type callIDStackKey struct{}

// ContextWithCallIDStack attaches the call id stack of the current worker.
func ContextWithCallIDStack(ctx context.Context, stack []string) context.Context {
	return context.WithValue(ctx, callIDStackKey{}, append([]string(nil), stack...))
}

// CallIDStackFromContext returns the stack attached by ContextWithCallIDStack.
func CallIDStackFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	stack, _ := ctx.Value(callIDStackKey{}).([]string)
	return stack
}

// New constructs Metadata from alternating key/value pairs.
func New(pairs ...any) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		md[key] = pairs[i+1]
	}
	return md
}
