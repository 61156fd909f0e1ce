package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Envelope is one entry of the gateway event feed.
type Envelope struct {
	V             int             `json:"v"`
	Type          string          `json:"type"`
	GatewayID     string          `json:"gateway_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EndpointURL   string          `json:"endpoint_url,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	Ts            int64           `json:"ts,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) ValidateBasic() error {
	if e.V <= 0 {
		return errors.New("invalid envelope: v must be > 0")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("invalid envelope: type is required")
	}
	return nil
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if err := env.ValidateBasic(); err != nil {
		return nil, err
	}
	return &env, nil
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if err := env.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
