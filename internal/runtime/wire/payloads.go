package wire

import "fmt"

const (
	ContentType     = "application/json"
	ContentEncoding = "utf-8"
)

// Request is the body of an RPC request.
type Request struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// ErrorPayload describes a failed call inside a Reply.
type ErrorPayload struct {
	ExcType string `json:"exc_type"`
	ExcArgs any    `json:"exc_args"`
	Value   string `json:"value"`
}

// Reply is the body of an RPC reply. Exactly one of Error and Result is
// meaningful; a nil Error encodes as null.
type Reply struct {
	Error  *ErrorPayload `json:"error"`
	Result any           `json:"result"`
}

// NewRequest normalises nil arguments to an empty list and map.
func NewRequest(args []any, kwargs map[string]any) Request {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return Request{Args: args, Kwargs: kwargs}
}

func EncodeRequest(args []any, kwargs map[string]any) ([]byte, error) {
	return Marshal(NewRequest(args, kwargs))
}

func DecodeRequest(body []byte) (Request, error) {
	var req Request
	if err := Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("decode rpc request: %w", err)
	}
	return NewRequest(req.Args, req.Kwargs), nil
}

func EncodeReply(reply Reply) ([]byte, error) {
	if reply.Error != nil {
		reply.Result = nil
	}
	return Marshal(reply)
}

func DecodeReply(body []byte) (Reply, error) {
	var reply Reply
	if err := Unmarshal(body, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode rpc reply: %w", err)
	}
	return reply, nil
}
