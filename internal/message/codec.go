package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client → server frame types.
const (
	TypeRegister = "register"
	TypeMessage  = "message"
	TypeQuery    = "query"
)

// Server → client frame types.
const (
	TypeRegistered    = "registered"
	TypeEnvelope      = "envelope"
	TypeQueryResponse = "query_response"
	TypeError         = "error"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame — входящий кадр от клиента.
type Frame struct {
	Type     string          `json:"type"`
	ClientID string          `json:"clientId,omitempty"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// Decode parses and validates a client frame. Validation is purely
// structural; no side effects.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeRegister:
		f.ClientID = strings.TrimSpace(f.ClientID)
		if f.ClientID == "" {
			return Frame{}, fmt.Errorf("%w: register requires clientId", ErrMalformedFrame)
		}
	case TypeMessage:
		if len(f.Payload) == 0 || !json.Valid(f.Payload) {
			return Frame{}, fmt.Errorf("%w: message requires a well-formed payload", ErrMalformedFrame)
		}
	case TypeQuery:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}

	return f, nil
}

// DecodeEnvelope parses an envelope arriving out-of-band (Kafka ingest).
// Unlike connection frames the sender cannot be inferred, so `from` is
// required here.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if strings.TrimSpace(env.From) == "" {
		return Envelope{}, fmt.Errorf("%w: envelope requires from", ErrMalformedFrame)
	}
	if len(env.Payload) == 0 || !json.Valid(env.Payload) {
		return Envelope{}, fmt.Errorf("%w: envelope requires a well-formed payload", ErrMalformedFrame)
	}
	return env, nil
}

type RegisteredFrame struct {
	Type             string     `json:"type"`
	ClientID         string     `json:"clientId"`
	ConnectedClients []string   `json:"connectedClients"`
	History          []Envelope `json:"history"`
}

type EnvelopeFrame struct {
	Type string `json:"type"`
	Envelope
}

type QueryResponseFrame struct {
	Type    string     `json:"type"`
	Clients []string   `json:"clients"`
	History []Envelope `json:"history"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func EncodeRegistered(clientID string, clients []string, history []Envelope) []byte {
	return mustMarshal(RegisteredFrame{
		Type:             TypeRegistered,
		ClientID:         clientID,
		ConnectedClients: emptyIfNil(clients),
		History:          emptyEnvelopesIfNil(history),
	})
}

func EncodeEnvelope(env Envelope) []byte {
	return mustMarshal(EnvelopeFrame{Type: TypeEnvelope, Envelope: env})
}

func EncodeQueryResponse(clients []string, history []Envelope) []byte {
	return mustMarshal(QueryResponseFrame{
		Type:    TypeQueryResponse,
		Clients: emptyIfNil(clients),
		History: emptyEnvelopesIfNil(history),
	})
}

func EncodeError(reason string) []byte {
	return mustMarshal(ErrorFrame{Type: TypeError, Error: reason})
}

// mustMarshal: all frame types marshal without error, a failure here is
// a programming bug.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode frame: %v", err))
	}
	return data
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyEnvelopesIfNil(s []Envelope) []Envelope {
	if s == nil {
		return []Envelope{}
	}
	return s
}
