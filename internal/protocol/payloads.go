package protocol

import "encoding/json"

// InvokeRequest is the body of POST /internal/proxy/invoke and of entries on
// the redis invoke stream.
type InvokeRequest struct {
	ReqID          string         `json:"req_id,omitempty"`
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	EndpointURL    string         `json:"endpoint_url,omitempty"`
	APIKey         string         `json:"api_key,omitempty"`
	MaxWaitMs      int            `json:"max_wait_ms,omitempty"`
	PollIntervalMs int            `json:"poll_interval_ms,omitempty"`
}

// CallbackPayload is what a remote posts to the callback URL. Exactly one of
// Result or Error is expected.
type CallbackPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// CallbackMessage fans a received callback out to peer gateways.
type CallbackMessage struct {
	GatewayID     string          `json:"gateway_id"`
	CorrelationID string          `json:"correlation_id"`
	Callback      CallbackPayload `json:"callback"`
}

type SessionInfo struct {
	EndpointURL   string `json:"endpoint_url"`
	State         string `json:"state"`
	SubmissionURL string `json:"submission_url,omitempty"`
	LastActivity  int64  `json:"last_activity"`
}
