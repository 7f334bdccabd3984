// Package protocol implements the town wire protocol: text frames made of a
// fixed three-character command code, optionally followed by a single space
// and a JSON payload. The same frame shape is used in both directions.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is a three-character protocol command code.
type Code string

// Command codes understood by the server and its clients.
const (
	CodeIDN Code = "IDN" // identify: username + password, or guest
	CodePIN Code = "PIN" // keepalive ping
	CodeMAI Code = "MAI" // map metadata push
	CodeMAP Code = "MAP" // tile-region snapshot push
	CodeWHO Code = "WHO" // occupant add/remove/list
	CodeMOV Code = "MOV" // position update
	CodeMSG Code = "MSG" // chat or system text
	CodeERR Code = "ERR" // error text
	CodeBAG Code = "BAG" // inventory snapshot
	CodeEML Code = "EML" // mail snapshot
	CodeCMD Code = "CMD" // slash-style text command
	CodePUT Code = "PUT" // tile edit (handled by the map engine)
	CodeDEL Code = "DEL" // tile delete (handled by the map engine)
)

var knownCodes = map[Code]struct{}{
	CodeIDN: {}, CodePIN: {}, CodeMAI: {}, CodeMAP: {}, CodeWHO: {},
	CodeMOV: {}, CodeMSG: {}, CodeERR: {}, CodeBAG: {}, CodeEML: {},
	CodeCMD: {}, CodePUT: {}, CodeDEL: {},
}

// Known reports whether c is a recognised command code.
func Known(c Code) bool {
	_, ok := knownCodes[c]
	return ok
}

// ErrFrameTooShort is returned by Parse for frames under the minimum length.
// Such frames are discarded silently; they are not a reportable error.
var ErrFrameTooShort = errors.New("frame shorter than command code")

// Frame is a decoded protocol frame. Payload is nil when the frame carried
// no payload document.
type Frame struct {
	Code    Code
	Payload json.RawMessage
}

// Parse decodes a single wire frame. The payload, if present, is kept raw so
// the router can inspect routing fields without committing to a shape.
//
// Postcondition: returns ErrFrameTooShort for frames under 3 bytes, a JSON
// error for malformed payloads, or a Frame with a 3-character Code.
func Parse(line string) (Frame, error) {
	if len(line) < 3 {
		return Frame{}, ErrFrameTooShort
	}
	f := Frame{Code: Code(line[:3])}
	if len(line) > 4 {
		raw := json.RawMessage(line[4:])
		if !json.Valid(raw) {
			return Frame{}, fmt.Errorf("frame %s: invalid payload", f.Code)
		}
		f.Payload = raw
	}
	return f, nil
}

// Decode unmarshals the frame payload into v.
//
// Precondition: the frame must carry a payload.
func (f Frame) Decode(v any) error {
	if f.Payload == nil {
		return fmt.Errorf("frame %s: no payload", f.Code)
	}
	return json.Unmarshal(f.Payload, v)
}

// Encode builds an outbound wire frame. A nil payload produces a bare
// three-character frame.
func Encode(code Code, payload any) (string, error) {
	if payload == nil {
		return string(code), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", code, err)
	}
	return string(code) + " " + string(body), nil
}

// Text is the payload shape shared by MSG and ERR frames.
type Text struct {
	Text string `json:"text"`
}

// Identify is the client payload of an IDN frame.
type Identify struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RemoteTarget extracts the optional remote-map routing field carried by
// commands addressed to a map the sender is not standing on.
type RemoteTarget struct {
	RemoteMap *int `json:"remote_map"`
}
