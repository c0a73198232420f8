// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rigcom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// MaxDatagramSize is the largest encoded message that may be sent. It is the
// payload of a single unfragmented UDP datagram on a 1500-byte MTU link.
const MaxDatagramSize = 1472

// A Message is a signal with an optional reference and data payload.
type Message struct {
	Signal    Signal
	Reference string          // experiment reference; "" is sent as null
	Data      json.RawMessage // arbitrary JSON; nil is sent as null
	Seq       uint32          // sequence number assigned by the sender; 0 is omitted
}

// NewMessage constructs a message for sig with the given reference and data.
// If data is a json.RawMessage or []byte it is used verbatim; otherwise it is
// marshaled as JSON. A nil data yields a message with no payload.
func NewMessage(sig Signal, ref string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Signal: sig, Reference: ref, Data: raw}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch t := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	default:
		bits, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		return bits, nil
	}
}

// DecodeData unmarshals the data of m into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data")
	}
	return json.Unmarshal(m.Data, v)
}

// String returns a human-friendly rendering of the message.
func (m Message) String() string {
	data := "null"
	if len(m.Data) > 64 {
		data = string(m.Data[:64]) + "..."
	} else if len(m.Data) != 0 {
		data = string(m.Data)
	}
	return fmt.Sprintf("Message(%v, Ref=%q, Seq=%d, Data=%s)", m.Signal, m.Reference, m.Seq, data)
}

// ErrorData is the data of an update reporting that the requested work
// failed. It is encoded as {"error": "message"}.
type ErrorData struct {
	Message string `json:"error"`
}

func (e ErrorData) Error() string { return "remote error: " + e.Message }

// Failure reports whether the data of m is an [ErrorData], and if so returns
// it. Only an object whose sole key is "error" with a string value counts.
func (m Message) Failure() (ErrorData, bool) {
	if len(m.Data) == 0 || m.Data[0] != '{' {
		return ErrorData{}, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(m.Data, &obj); err != nil || len(obj) != 1 {
		return ErrorData{}, false
	}
	var ed ErrorData
	raw, ok := obj["error"]
	if !ok || json.Unmarshal(raw, &ed.Message) != nil {
		return ErrorData{}, false
	}
	return ed, true
}

// Encode encodes m in its wire format. It reports an error if m has an
// unknown signal, if its data are not valid JSON, or if the result would
// exceed [MaxDatagramSize].
func Encode(m Message) ([]byte, error) {
	if !m.Signal.Valid() {
		return nil, fmt.Errorf("encode: invalid signal %d", int(m.Signal))
	}
	buf := bytes.NewBuffer(make([]byte, 0, 32+len(m.Reference)+len(m.Data)))
	buf.WriteByte('[')
	buf.WriteString(strconv.Itoa(int(m.Signal)))
	buf.WriteByte(',')
	if m.Reference == "" {
		buf.WriteString("null")
	} else {
		ref, err := json.Marshal(m.Reference)
		if err != nil {
			return nil, fmt.Errorf("encode reference: %w", err)
		}
		buf.Write(ref)
	}
	buf.WriteByte(',')
	if len(m.Data) == 0 {
		buf.WriteString("null")
	} else if err := json.Compact(buf, m.Data); err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	if m.Seq != 0 {
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatUint(uint64(m.Seq), 10))
	}
	buf.WriteByte(']')
	if buf.Len() > MaxDatagramSize {
		return nil, fmt.Errorf("encode: %d bytes: %w", buf.Len(), ErrTooLarge)
	}
	return buf.Bytes(), nil
}

// Decode decodes a message from its wire format. Decode does not panic on any
// input. If data end before the message is complete, the error has concrete
// type [*TruncationError]; otherwise any error has concrete type
// [*DecodeError].
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var elts []json.RawMessage
	if err := dec.Decode(&elts); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, &TruncationError{Len: len(data), Err: err}
		}
		return Message{}, &DecodeError{Data: data, Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return Message{}, &DecodeError{Data: data, Err: errors.New("extra data after message")}
	}
	if len(elts) == 0 {
		return Message{}, &DecodeError{Data: data, Err: errors.New("empty message")}
	}

	var m Message
	n, err := strconv.ParseInt(literal(elts[0]), 10, 64)
	if err != nil || !Signal(n).Valid() || int64(Signal(n)) != n {
		return Message{}, &DecodeError{Data: data, Err: fmt.Errorf("unknown signal %s", literal(elts[0]))}
	}
	m.Signal = Signal(n)

	if len(elts) > 1 && !isNull(elts[1]) {
		if err := json.Unmarshal(elts[1], &m.Reference); err != nil {
			return Message{}, &DecodeError{Data: data, Err: fmt.Errorf("reference: %w", err)}
		}
	}
	if len(elts) > 2 && !isNull(elts[2]) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, elts[2]); err != nil {
			return Message{}, &DecodeError{Data: data, Err: fmt.Errorf("data: %w", err)}
		}
		m.Data = buf.Bytes()
	}
	if len(elts) > 3 && !isNull(elts[3]) {
		v, err := strconv.ParseUint(literal(elts[3]), 10, 32)
		if err != nil {
			return Message{}, &DecodeError{Data: data, Err: fmt.Errorf("sequence: %w", err)}
		}
		m.Seq = uint32(v)
	}
	return m, nil
}

func literal(raw json.RawMessage) string { return string(bytes.TrimSpace(raw)) }

func isNull(raw json.RawMessage) bool { return literal(raw) == "null" }

// An Event is a message received from a remote peer.
type Event struct {
	Message
	Addr net.Addr // the sender
}

// String returns a human-friendly rendering of the event.
func (e Event) String() string {
	if e.Addr == nil {
		return e.Message.String()
	}
	return fmt.Sprintf("%v from %v", e.Message, e.Addr)
}
