// Package rpc implements the message layer spindle speaks over a transport:
// a symmetric request/reply protocol where either end may call the other.
//
// Every frame is one JSON object. Requests carry {id, name, params}, replies
// carry {id, result}. Ids are allocated per sender, so the two directions
// never collide. The package is end-agnostic: the server runs a [Session]
// per peer and a client runs one against the server, both dispatching
// incoming requests through a [Dispatcher].
package rpc

import (
	"encoding/json"
	"errors"
)

// ErrSessionClosed is returned by calls against a session that has been
// closed or whose transport has failed.
var ErrSessionClosed = errors.New("rpc: session closed")

// Subprotocol is the WebSocket subprotocol spoken by spindle endpoints.
const Subprotocol = "spindle.rpc.v1"

// frame is the inbound union of request and reply. A frame with an empty
// name is a reply; requests always carry a name.
type frame struct {
	ID     uint64          `json:"id"`
	Name   string          `json:"name,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (f *frame) isReply() bool { return f.Name == "" }

// response is the outbound reply shape. Result has no omitempty so that a
// null result still produces an explicit "result" key.
type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
}
