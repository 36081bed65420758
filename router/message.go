package router

import "encoding/json"

// Message is the wire envelope for framed traffic
// between peers: a method name on requests, a sequence number on
// ask-style requests and all responses (absent on tell), a target
// worker id on broker-to-worker traffic (absent on broker-to-broker
// RPC), and an opaque payload.
type Message struct {
	M   string          `json:"m,omitempty"`
	Seq *uint64         `json:"seq,omitempty"`
	Wid string          `json:"wid,omitempty"`
	Pl  json.RawMessage `json:"pl,omitempty"`
}

// ResultPayload is the shape carried in Pl for a response: either Res on
// success or Err on failure, never both.
type ResultPayload struct {
	Res json.RawMessage `json:"res,omitempty"`
	Err *ErrPayload     `json:"err,omitempty"`
}

// ErrPayload preserves an application error's name and message across
// the wire.
type ErrPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// IsTell reports whether m carries no sequence number, i.e. is a
// fire-and-forget send with no expected response.
func (m Message) IsTell() bool { return m.Seq == nil }
