// Package bridgeproto defines the wire message model carried between a
// console/comet bridge and a connected agent: the envelope, the closed set
// of request kinds, and the response shape a caller observes.
//
// The model is a tagged union on the wire (Rust-style externally tagged
// enums: a single-key JSON object naming the active variant) so that the
// Go side stays byte-compatible with non-Go peers speaking the same
// protocol.
package bridgeproto

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope exchanged in either direction over the bridge
// connection.
//
// ID is the correlation identifier assigned by the writer side of a
// session (see internal/bridge). Zero means "no reply expected".
type Message struct {
	ID   uint64  `json:"id"`
	Data MsgData `json:"data"`
}

// MsgData is the tagged union `Request(ReqKind) | Response(RespKind)`.
// Exactly one of Req or Resp is set.
type MsgData struct {
	Req  *ReqKind
	Resp *RespKind
}

// MarshalJSON renders MsgData as a single-key object: {"Request": ...} or
// {"Response": ...}.
func (d MsgData) MarshalJSON() ([]byte, error) {
	switch {
	case d.Req != nil && d.Resp != nil:
		return nil, fmt.Errorf("bridgeproto: MsgData has both Request and Response set")
	case d.Req != nil:
		return marshalTagged("Request", d.Req)
	case d.Resp != nil:
		return marshalTagged("Response", d.Resp)
	default:
		return nil, fmt.Errorf("bridgeproto: MsgData has neither Request nor Response set")
	}
}

// UnmarshalJSON parses a single-key {"Request": ...} or {"Response": ...}
// object.
func (d *MsgData) UnmarshalJSON(b []byte) error {
	tag, raw, err := splitTagged(b)
	if err != nil {
		return fmt.Errorf("bridgeproto: MsgData: %w", err)
	}
	switch tag {
	case "Request":
		var req ReqKind
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("bridgeproto: MsgData.Request: %w", err)
		}
		d.Req, d.Resp = &req, nil
	case "Response":
		var resp RespKind
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("bridgeproto: MsgData.Response: %w", err)
		}
		d.Req, d.Resp = nil, &resp
	default:
		return fmt.Errorf("bridgeproto: MsgData: unknown variant %q", tag)
	}
	return nil
}

// RespKind is the closed response shape: either a free-form success payload
// or an opaque error string. The dispatcher surfaces Err verbatim to the
// caller — it never interprets its contents.
type RespKind struct {
	Ok  *json.RawMessage
	Err *string
}

// OkResp builds a success RespKind from any JSON-marshalable value.
func OkResp(v any) (RespKind, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return RespKind{}, err
	}
	raw := json.RawMessage(b)
	return RespKind{Ok: &raw}, nil
}

// ErrResp builds an error RespKind carrying an opaque message.
func ErrResp(msg string) RespKind {
	return RespKind{Err: &msg}
}

func (r RespKind) MarshalJSON() ([]byte, error) {
	switch {
	case r.Ok != nil && r.Err != nil:
		return nil, fmt.Errorf("bridgeproto: RespKind has both Ok and Err set")
	case r.Ok != nil:
		return marshalTagged("Ok", r.Ok)
	case r.Err != nil:
		return marshalTagged("Err", *r.Err)
	default:
		return nil, fmt.Errorf("bridgeproto: RespKind has neither Ok nor Err set")
	}
}

func (r *RespKind) UnmarshalJSON(b []byte) error {
	tag, raw, err := splitTagged(b)
	if err != nil {
		return fmt.Errorf("bridgeproto: RespKind: %w", err)
	}
	switch tag {
	case "Ok":
		v := json.RawMessage(append([]byte(nil), raw...))
		r.Ok, r.Err = &v, nil
	case "Err":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("bridgeproto: RespKind.Err: %w", err)
		}
		r.Ok, r.Err = nil, &s
	default:
		return fmt.Errorf("bridgeproto: RespKind: unknown variant %q", tag)
	}
	return nil
}

// marshalTagged renders {"<tag>": <json of v>}.
func marshalTagged(tag string, v any) ([]byte, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, 1)
	out[tag] = inner
	return json.Marshal(out)
}

// splitTagged parses a single-key JSON object and returns its key and raw
// value. Returns an error if the object does not have exactly one key.
func splitTagged(b []byte) (string, json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return "", nil, err
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("expected exactly one variant key, got %d", len(m))
	}
	for k, v := range m {
		return k, v, nil
	}
	panic("unreachable")
}
