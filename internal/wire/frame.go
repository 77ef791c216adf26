package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// ErrProtocolViolation is wrapped by every decode failure.
var ErrProtocolViolation = errors.New("protocol violation")

// Close codes used when a connection is torn down.
const (
	CloseNormal            = websocket.CloseNormalClosure
	CloseGoingAway         = websocket.CloseGoingAway
	CloseProtocolViolation = websocket.CloseProtocolError
	// CloseAbnormal is reported locally after a liveness or transport
	// failure. It is never written in a close frame.
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// MaxCloseText is the longest reason CloseText returns. A close frame
// payload is limited to 125 bytes, two of which carry the code.
const MaxCloseText = 120

// CloseText makes reason safe for a close frame: valid UTF-8 and at most
// MaxCloseText bytes, cut on a rune boundary.
func CloseText(reason string) string {
	reason = strings.ToValidUTF8(reason, "?")
	if len(reason) <= MaxCloseText {
		return reason
	}
	i := MaxCloseText
	for i > 0 && !utf8.RuneStart(reason[i]) {
		i--
	}
	return reason[:i]
}

// Kind identifies the shape of a frame.
type Kind uint8

const (
	KindCall Kind = iota + 1
	KindResult
	KindError
	KindValue
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	case KindValue:
		return "value"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Frame is one decoded message. Only the fields relevant to Kind are set.
type Frame struct {
	Kind  Kind
	ID    uint64
	HasID bool

	// Call
	Method string
	Params json.RawMessage
	Sub    bool // call expects a subscription stream

	Result json.RawMessage
	Error  *Error
	Value  json.RawMessage

	// Ping/pong nonce, echoed back unchanged.
	Nonce int64
}

// IsNotification reports whether f is a call without a correlation id.
func (f Frame) IsNotification() bool {
	return f.Kind == KindCall && !f.HasID
}

// IsTerminal reports whether f retires a pending operation.
func (f Frame) IsTerminal() bool {
	return f.Kind == KindResult || f.Kind == KindError
}

// Call builds a request (or subscription, when sub is set) frame.
func Call(id uint64, method string, params json.RawMessage, sub bool) Frame {
	return Frame{Kind: KindCall, ID: id, HasID: true, Method: method, Params: params, Sub: sub}
}

// Notification builds a call frame without an id.
func Notification(method string, params json.RawMessage) Frame {
	return Frame{Kind: KindCall, Method: method, Params: params}
}

// Result builds a terminal success frame. A nil result encodes as null.
func Result(id uint64, result json.RawMessage) Frame {
	return Frame{Kind: KindResult, ID: id, HasID: true, Result: result}
}

// ErrorFrame builds a terminal failure frame.
func ErrorFrame(id uint64, e *Error) Frame {
	return Frame{Kind: KindError, ID: id, HasID: true, Error: e}
}

// Value builds a non-terminal subscription item frame.
func Value(id uint64, value json.RawMessage) Frame {
	return Frame{Kind: KindValue, ID: id, HasID: true, Value: value}
}

// Ping builds a liveness probe.
func Ping(nonce int64) Frame { return Frame{Kind: KindPing, Nonce: nonce} }

// Pong builds the answer to a ping carrying the same nonce.
func Pong(nonce int64) Frame { return Frame{Kind: KindPong, Nonce: nonce} }

// envelope is the on-the-wire JSON object.
type envelope struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Sub    bool            `json:"sub,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Ping   *int64          `json:"ping,omitempty"`
	Pong   *int64          `json:"pong,omitempty"`
}

var jsonNull = json.RawMessage("null")

// Encode serializes f.
func Encode(f Frame) ([]byte, error) {
	var env envelope
	id := f.ID
	nonce := f.Nonce

	switch f.Kind {
	case KindCall:
		if f.Method == "" {
			return nil, fmt.Errorf("%w: call without method", ErrProtocolViolation)
		}
		if f.HasID {
			env.ID = &id
		}
		env.Method = f.Method
		env.Params = f.Params
		env.Sub = f.Sub
	case KindResult:
		env.ID = &id
		env.Result = orNull(f.Result)
	case KindError:
		if f.Error == nil {
			return nil, fmt.Errorf("%w: error frame without body", ErrProtocolViolation)
		}
		env.ID = &id
		env.Error = f.Error
	case KindValue:
		env.ID = &id
		env.Value = orNull(f.Value)
	case KindPing:
		env.Ping = &nonce
	case KindPong:
		env.Pong = &nonce
	default:
		return nil, fmt.Errorf("%w: unknown frame kind %d", ErrProtocolViolation, f.Kind)
	}

	return json.Marshal(env)
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return jsonNull
	}
	return raw
}

// Decode parses and classifies a frame. Errors wrap ErrProtocolViolation.
func Decode(data []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if fields == nil {
		return Frame{}, fmt.Errorf("%w: frame is not an object", ErrProtocolViolation)
	}

	var f Frame
	shapes := 0
	for _, key := range []string{"method", "result", "error", "value", "ping", "pong"} {
		if _, ok := fields[key]; ok {
			shapes++
		}
	}
	if shapes != 1 {
		return Frame{}, fmt.Errorf("%w: frame matches %d shapes", ErrProtocolViolation, shapes)
	}

	if raw, ok := fields["id"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &f.ID); err != nil {
			return Frame{}, fmt.Errorf("%w: invalid id: %v", ErrProtocolViolation, err)
		}
		f.HasID = true
	}

	switch {
	case has(fields, "method"):
		f.Kind = KindCall
		if err := json.Unmarshal(fields["method"], &f.Method); err != nil || f.Method == "" {
			return Frame{}, fmt.Errorf("%w: invalid method", ErrProtocolViolation)
		}
		if raw, ok := fields["params"]; ok {
			f.Params = raw
		}
		if raw, ok := fields["sub"]; ok {
			if err := json.Unmarshal(raw, &f.Sub); err != nil {
				return Frame{}, fmt.Errorf("%w: invalid sub flag", ErrProtocolViolation)
			}
		}
		if f.Sub && !f.HasID {
			return Frame{}, fmt.Errorf("%w: subscription without id", ErrProtocolViolation)
		}
		return f, nil

	case has(fields, "ping"), has(fields, "pong"):
		f.Kind = KindPing
		raw := fields["ping"]
		if has(fields, "pong") {
			f.Kind = KindPong
			raw = fields["pong"]
		}
		if err := json.Unmarshal(raw, &f.Nonce); err != nil {
			return Frame{}, fmt.Errorf("%w: invalid %s nonce", ErrProtocolViolation, f.Kind)
		}
		return f, nil
	}

	// result, error and value all require an id.
	if !f.HasID {
		return Frame{}, fmt.Errorf("%w: response frame without id", ErrProtocolViolation)
	}

	switch {
	case has(fields, "result"):
		f.Kind = KindResult
		f.Result = fields["result"]
	case has(fields, "value"):
		f.Kind = KindValue
		f.Value = fields["value"]
	default:
		f.Kind = KindError
		var e Error
		if err := json.Unmarshal(fields["error"], &e); err != nil {
			return Frame{}, fmt.Errorf("%w: invalid error body: %v", ErrProtocolViolation, err)
		}
		if e.Code == "" {
			return Frame{}, fmt.Errorf("%w: error body without code", ErrProtocolViolation)
		}
		f.Error = &e
	}

	return f, nil
}

// DecodeID extracts a correlation id from a frame that failed to decode,
// so a violation can still be answered.
func DecodeID(data []byte) (uint64, bool) {
	var head struct {
		ID *uint64 `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.ID == nil {
		return 0, false
	}
	return *head.ID, true
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
