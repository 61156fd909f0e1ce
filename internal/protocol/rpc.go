package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const pollIDSep = ":poll:"

// NewToolCall encodes a tools/call request tagged with correlationID.
func NewToolCall(correlationID, toolName string, args map[string]any) ([]byte, error) {
	if args == nil {
		args = map[string]any{}
	}
	params, err := json.Marshal(&mcp.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return encodeRequest(correlationID, MethodToolsCall, params)
}

// NewResultPoll encodes a tools/result request asking for correlationID.
func NewResultPoll(correlationID string, attempt int) ([]byte, error) {
	params, err := json.Marshal(map[string]string{"requestId": correlationID})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return encodeRequest(PollID(correlationID, attempt), MethodToolsResult, params)
}

func encodeRequest(id, method string, params json.RawMessage) ([]byte, error) {
	rid, err := jsonrpc.MakeID(id)
	if err != nil {
		return nil, fmt.Errorf("make id: %w", err)
	}
	return jsonrpc.EncodeMessage(&jsonrpc.Request{ID: rid, Method: method, Params: params})
}

// PollID is the request id used for the attempt-th poll of correlationID.
func PollID(correlationID string, attempt int) string {
	return correlationID + pollIDSep + strconv.Itoa(attempt)
}

// CorrelationID maps a request id seen on the wire back to the invocation it
// belongs to.
func CorrelationID(rpcID string) string {
	if i := strings.LastIndex(rpcID, pollIDSep); i > 0 {
		return rpcID[:i]
	}
	return rpcID
}

type RPCError struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

// UnmarshalJSON accepts both the JSON-RPC object form and a bare string.
func (e *RPCError) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = RPCError{Message: s}
		return nil
	}
	type plain RPCError
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = RPCError(p)
	return nil
}

// Reply is a structured reply from the remote. Vendors do not agree on one
// shape, so every field is optional.
type Reply struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Status string          `json:"status,omitempty"`

	// extra holds the top-level fields beside the envelope keys, for
	// vendors that put the payload next to a bare status.
	extra map[string]json.RawMessage
}

var envelopeKeys = []string{"jsonrpc", "id", "result", "error", "status"}

// DecodeReply parses body as a JSON object reply.
func DecodeReply(body []byte) (*Reply, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("reply is not a JSON object")
	}
	var r Reply
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &r.extra); err != nil {
		return nil, err
	}
	for _, k := range envelopeKeys {
		delete(r.extra, k)
	}
	return &r, nil
}

func (r *Reply) HasResult() bool {
	return len(r.Result) > 0 && !bytes.Equal(r.Result, []byte("null"))
}

// IDString returns the reply id as text, or "" when absent.
func (r *Reply) IDString() string {
	if len(r.ID) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(r.ID, &v); err != nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}

// ResultStatus returns the lower-cased status carried by the result object,
// falling back to a top-level status field.
func (r *Reply) ResultStatus() string {
	if obj, ok := r.resultObject(); ok {
		if s, ok := obj["status"].(string); ok {
			return strings.ToLower(strings.TrimSpace(s))
		}
	}
	return strings.ToLower(strings.TrimSpace(r.Status))
}

// Payload returns the decoded result with status bookkeeping stripped. A reply
// with a top-level status and no result yields its remaining fields.
func (r *Reply) Payload() any {
	if !r.HasResult() {
		return r.topLevelPayload()
	}
	var v any
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return string(r.Result)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if _, hasStatus := obj["status"]; !hasStatus {
		return obj
	}
	if inner, ok := obj["result"]; ok {
		return inner
	}
	rest := make(map[string]any, len(obj))
	for k, val := range obj {
		if k != "status" {
			rest[k] = val
		}
	}
	return rest
}

// FailureMessage extracts the error text of a status:"error" result.
func (r *Reply) FailureMessage() string {
	if r.Error != nil {
		return r.Error.Error()
	}
	obj, _ := r.resultObject()
	switch e := obj["error"].(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	if msg, ok := obj["message"].(string); ok {
		return msg
	}
	return "remote reported an error"
}

func (r *Reply) topLevelPayload() any {
	if r.Status == "" || len(r.extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.extra))
	for k, raw := range r.extra {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil
		}
		out[k] = v
	}
	return out
}

func (r *Reply) resultObject() (map[string]any, bool) {
	if !r.HasResult() {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(r.Result, &obj); err != nil {
		return nil, false
	}
	return obj, true
}
