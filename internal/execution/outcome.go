package execution

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies which variant an Outcome holds.
type Kind string

const (
	KindSuccess           Kind = "success"
	KindRemoteError       Kind = "remote_error"
	KindTransportFailure  Kind = "transport_failure"
	KindMalformedResponse Kind = "malformed_response"
)

// Outcome is the classified result of one execution.
//
// Only the fields of the active Kind are set: Payload for success; StatusCode
// and Body for remote_error; Message and Timeout for transport_failure;
// StatusCode, Message and Body for malformed_response.
type Outcome struct {
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timeout    bool            `json:"timeout,omitempty"`
	Attempts   int             `json:"attempts"`
	Duration   time.Duration   `json:"duration_ns"`
}

// Success builds a success outcome.
func Success(p json.RawMessage) Outcome {
	return Outcome{Kind: KindSuccess, Payload: p}
}

// RemoteError builds a remote_error outcome.
func RemoteError(status int, body json.RawMessage) Outcome {
	return Outcome{Kind: KindRemoteError, StatusCode: status, Body: body}
}

// TransportFailure builds a transport_failure outcome.
func TransportFailure(msg string, timeout bool) Outcome {
	return Outcome{Kind: KindTransportFailure, Message: msg, Timeout: timeout}
}

// MalformedResponse builds a malformed_response outcome.
func MalformedResponse(status int, msg string, raw []byte) Outcome {
	return Outcome{Kind: KindMalformedResponse, StatusCode: status, Message: msg, Body: textBody(raw)}
}

// OK reports whether the execution succeeded.
func (o Outcome) OK() bool { return o.Kind == KindSuccess }

// String renders a short, log-friendly summary.
func (o Outcome) String() string {
	switch o.Kind {
	case KindSuccess:
		return fmt.Sprintf("success (%d bytes)", len(o.Payload))
	case KindRemoteError:
		return fmt.Sprintf("remote error: HTTP %d", o.StatusCode)
	case KindTransportFailure:
		return "transport failure: " + o.Message
	case KindMalformedResponse:
		return fmt.Sprintf("malformed response: HTTP %d: %s", o.StatusCode, o.Message)
	default:
		return string(o.Kind)
	}
}

// textBody encodes raw text as a JSON string so it can sit in a RawMessage.
func textBody(raw []byte) json.RawMessage {
	b, _ := json.Marshal(string(raw))
	return b
}
