// Package rpc turns one-way broker messaging into request/reply calls.
//
// A Correlator publishes request envelopes carrying a fresh correlation key
// and a reply destination owned by this process, then waits for the
// matching reply. A Responder consumes requests, runs the bound operation
// and publishes the result (or an error descriptor) back under the same key.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
)

// Envelope is the unit published to the broker.
type Envelope struct {
	ID            string           `json:"id"`
	Kind          Kind             `json:"kind"`
	Destination   string           `json:"destination"`
	CorrelationID string           `json:"correlation_id"`
	ReplyTo       string           `json:"reply_to,omitempty"`
	Producer      string           `json:"producer,omitempty"`
	Time          time.Time        `json:"time"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	Error         *ErrorDescriptor `json:"error,omitempty"`
}

// ErrorDescriptor carries a remote failure inside a reply.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

var errMalformed = errors.New("rpc: malformed envelope")

// DecodeEnvelope parses and sanity-checks an envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	switch env.Kind {
	case KindRequest, KindReply:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", errMalformed, env.Kind)
	}
	if env.Kind == KindReply && env.CorrelationID == "" {
		return Envelope{}, fmt.Errorf("%w: reply without correlation id", errMalformed)
	}
	return env, nil
}

// encodePayload passes raw JSON through and marshals anything else.
func encodePayload(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	case []byte:
		if !json.Valid(x) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(x), nil
	default:
		return json.Marshal(v)
	}
}
