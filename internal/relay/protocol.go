package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// WebSocket subprotocols. A connection that negotiates none speaks JSON.
const (
	SubprotocolJSON    = "voicemesh.v1.json"
	SubprotocolMsgpack = "voicemesh.v1.msgpack"
)

type Op string

const (
	// Client to server.
	OpAuth        Op = "auth"
	OpWrite       Op = "write"
	OpDelete      Op = "delete"
	OpRemove      Op = "remove"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"

	// Server to client.
	OpReady Op = "ready"
	OpOK    Op = "ok"
	OpError Op = "error"
	OpChild Op = "child"
)

// Frame is the single message shape of the relay protocol. Requests carry a
// client-chosen ID that the server echoes on its ok or error reply. Child
// frames carry the ID of the subscribe request in Sub.
type Frame struct {
	Op      Op     `json:"op" msgpack:"op"`
	ID      uint64 `json:"id,omitempty" msgpack:"id,omitempty"`
	Sub     uint64 `json:"sub,omitempty" msgpack:"sub,omitempty"`
	Path    string `json:"path,omitempty" msgpack:"path,omitempty"`
	Key     string `json:"key,omitempty" msgpack:"key,omitempty"`
	Value   []byte `json:"value,omitempty" msgpack:"value,omitempty"`
	Code    string `json:"code,omitempty" msgpack:"code,omitempty"`
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
	ConnID  string `json:"connId,omitempty" msgpack:"connId,omitempty"`
	APIKey  string `json:"apiKey,omitempty" msgpack:"apiKey,omitempty"`
	Token   string `json:"token,omitempty" msgpack:"token,omitempty"`
}

var errBadFrame = errors.New("bad frame")

// Codec turns frames into WebSocket messages and back.
type Codec interface {
	// Subprotocol is the WebSocket subprotocol that selects this codec.
	Subprotocol() string
	MessageType() int
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
}

// CodecFor returns the codec negotiated by subprotocol. Unknown or empty
// subprotocols fall back to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

// CodecByName resolves the user-facing codec names "json" and "msgpack".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) MessageType() int    { return websocket.TextMessage }

func (jsonCodec) Encode(f Frame) ([]byte, error) { return json.Marshal(f) }

func (jsonCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Frame{}, fmt.Errorf("%w: unexpected trailing data", errBadFrame)
	}
	if f.Op == "" {
		return Frame{}, fmt.Errorf("%w: missing op", errBadFrame)
	}
	return f, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (msgpackCodec) MessageType() int    { return websocket.BinaryMessage }

func (msgpackCodec) Encode(f Frame) ([]byte, error) { return msgpack.Marshal(&f) }

func (msgpackCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if r.Len() != 0 {
		return Frame{}, fmt.Errorf("%w: unexpected trailing data", errBadFrame)
	}
	if f.Op == "" {
		return Frame{}, fmt.Errorf("%w: missing op", errBadFrame)
	}
	return f, nil
}
