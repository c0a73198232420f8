// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rigcom_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/creachadair/rigcom"
	"github.com/google/go-cmp/cmp"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		msg  rigcom.Message
		want string
	}{
		{rigcom.Message{Signal: rigcom.SignalStatus}, `[1,null,null]`},
		{rigcom.Message{Signal: rigcom.SignalStart, Reference: "2022-01-01_1_subject"},
			`[20,"2022-01-01_1_subject",null]`},
		{rigcom.Message{Signal: rigcom.SignalStart, Reference: "2022-01-01_1_subject", Data: json.RawMessage(`{"foo": "bar"}`)},
			`[20,"2022-01-01_1_subject",{"foo":"bar"}]`},
		{rigcom.Message{Signal: rigcom.SignalCleanup, Data: json.RawMessage(`[1, 2,3]`), Seq: 7},
			`[40,null,[1,2,3],7]`},
		{rigcom.Message{Signal: rigcom.SignalInit, Reference: `q"uote`, Data: json.RawMessage(`"s"`)},
			`[10,"q\"uote","s"]`},
	}
	for _, tc := range tests {
		got, err := rigcom.Encode(tc.msg)
		if err != nil {
			t.Errorf("Encode %v: unexpected error: %v", tc.msg, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("Encode %v: got %#q, want %#q", tc.msg, got, tc.want)
		}
	}
}

func TestEncodeErrors(t *testing.T) {
	t.Run("BadSignal", func(t *testing.T) {
		if got, err := rigcom.Encode(rigcom.Message{Signal: 99}); err == nil {
			t.Errorf("Encode: got %#q, want error", got)
		}
	})
	t.Run("BadData", func(t *testing.T) {
		msg := rigcom.Message{Signal: rigcom.SignalInfo, Data: json.RawMessage(`{bogus`)}
		if got, err := rigcom.Encode(msg); err == nil {
			t.Errorf("Encode: got %#q, want error", got)
		}
	})
	t.Run("TooLarge", func(t *testing.T) {
		msg, err := rigcom.NewMessage(rigcom.SignalInfo, "", strings.Repeat("x", rigcom.MaxDatagramSize))
		if err != nil {
			t.Fatalf("NewMessage: %v", err)
		}
		if got, err := rigcom.Encode(msg); !errors.Is(err, rigcom.ErrTooLarge) {
			t.Errorf("Encode: got (%d bytes, %v), want %v", len(got), err, rigcom.ErrTooLarge)
		}
	})
}

func TestRoundTrip(t *testing.T) {
	data := func(s string) json.RawMessage { return json.RawMessage(s) }
	tests := []rigcom.Message{
		{Signal: rigcom.SignalStatus},
		{Signal: rigcom.SignalInfo, Reference: "ref", Data: data(`{"a":[1,2,{"b":null}]}`)},
		{Signal: rigcom.SignalAlyx, Data: data(`"token"`), Seq: 1},
		{Signal: rigcom.SignalInterrupt, Reference: "2022-01-01_1_subject", Seq: 4294967295},
		{Signal: rigcom.SignalStop, Reference: "ünïcødé", Data: data(`3.25`)},
		{Signal: rigcom.SignalCleanup, Data: data(`false`)},
	}
	for _, msg := range tests {
		bits, err := rigcom.Encode(msg)
		if err != nil {
			t.Fatalf("Encode %v: %v", msg, err)
		}
		got, err := rigcom.Decode(bits)
		if err != nil {
			t.Fatalf("Decode %#q: %v", bits, err)
		}
		if diff := cmp.Diff(got, msg); diff != "" {
			t.Errorf("Round trip %#q (-got, +want):\n%s", bits, diff)
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		input string
		want  rigcom.Message
	}{
		{`[20, "2022-01-01_1_subject", {"foo": "bar"}]`, rigcom.Message{
			Signal: rigcom.SignalStart, Reference: "2022-01-01_1_subject",
			Data: json.RawMessage(`{"foo":"bar"}`),
		}},
		{`[1]`, rigcom.Message{Signal: rigcom.SignalStatus}},
		{` [30,null,null,12] `, rigcom.Message{Signal: rigcom.SignalStop, Seq: 12}},
		{`[40,null,null,null,"extra",5]`, rigcom.Message{Signal: rigcom.SignalCleanup}},
	}
	for _, tc := range tests {
		got, err := rigcom.Decode([]byte(tc.input))
		if err != nil {
			t.Errorf("Decode %#q: unexpected error: %v", tc.input, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("Decode %#q (-got, +want):\n%s", tc.input, diff)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		input     string
		truncated bool
	}{
		{``, true},
		{`[`, true},
		{`[20, "ref"`, true},
		{`[20, "ref", {"foo": "ba`, true},
		{`[20,`, true},

		{`{}`, false},
		{`"20"`, false},
		{`[]`, false},
		{`["20"]`, false},
		{`[20.5]`, false},
		{`[99]`, false},
		{`[-1]`, false},
		{`[20, 5]`, false},
		{`[20, null, null, -3]`, false},
		{`[20, null, null, 1.5]`, false},
		{`[20, null, null, 4294967296]`, false},
		{`[20] junk`, false},
		{`[20][21]`, false},
		{`[20,,]`, false},
	}
	for _, tc := range tests {
		got, err := rigcom.Decode([]byte(tc.input))
		if err == nil {
			t.Errorf("Decode %#q: got %v, want error", tc.input, got)
			continue
		}
		var terr *rigcom.TruncationError
		var derr *rigcom.DecodeError
		switch {
		case errors.As(err, &terr):
			if !tc.truncated {
				t.Errorf("Decode %#q: got truncation error %v, want decode error", tc.input, err)
			}
		case errors.As(err, &derr):
			if tc.truncated {
				t.Errorf("Decode %#q: got decode error %v, want truncation error", tc.input, err)
			}
		default:
			t.Errorf("Decode %#q: got error %[2]T (%[2]v), want typed error", tc.input, err)
		}
	}
}

func TestMessageData(t *testing.T) {
	type payload struct {
		Foo string `json:"foo"`
	}
	msg, err := rigcom.NewMessage(rigcom.SignalInit, "ref", payload{Foo: "bar"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if got, want := string(msg.Data), `{"foo":"bar"}`; got != want {
		t.Errorf("Data: got %#q, want %#q", got, want)
	}
	var p payload
	if err := msg.DecodeData(&p); err != nil {
		t.Errorf("DecodeData: %v", err)
	} else if p.Foo != "bar" {
		t.Errorf("DecodeData: got %+v, want foo=bar", p)
	}

	empty, err := rigcom.NewMessage(rigcom.SignalInit, "", nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := empty.DecodeData(&p); err == nil {
		t.Error("DecodeData of empty message: got nil, want error")
	}
	if _, err := rigcom.NewMessage(rigcom.SignalInit, "", func() {}); err == nil {
		t.Error("NewMessage with a func: got nil, want error")
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte(`[20,"2022-01-01_1_subject",{"foo":"bar"},7]`))
	f.Add([]byte(`[1]`))
	f.Add([]byte(`[`))
	f.Add([]byte{0xff, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := rigcom.Decode(data)
		if err != nil {
			var terr *rigcom.TruncationError
			var derr *rigcom.DecodeError
			if !errors.As(err, &terr) && !errors.As(err, &derr) {
				t.Fatalf("Decode %#q: untyped error %T: %v", data, err, err)
			}
			return
		}
		// A message that decoded must re-encode and decode to itself.
		bits, err := rigcom.Encode(msg)
		if err != nil {
			if errors.Is(err, rigcom.ErrTooLarge) {
				return
			}
			t.Fatalf("Encode %v: %v", msg, err)
		}
		again, err := rigcom.Decode(bits)
		if err != nil {
			t.Fatalf("Decode %#q: %v", bits, err)
		}
		if diff := cmp.Diff(again, msg); diff != "" {
			t.Errorf("Round trip (-got, +want):\n%s", diff)
		}
	})
}

func TestFailure(t *testing.T) {
	tests := []struct {
		data string
		want string
		ok   bool
	}{
		{`{"error":"disk full"}`, "disk full", true},
		{`{"error":""}`, "", true},
		{`{"error":"x","more":1}`, "", false},
		{`{"error":5}`, "", false},
		{`"error"`, "", false},
		{``, "", false},
	}
	for _, tc := range tests {
		msg := rigcom.Message{Signal: rigcom.SignalStart, Data: json.RawMessage(tc.data)}
		ed, ok := msg.Failure()
		if ok != tc.ok || ed.Message != tc.want {
			t.Errorf("Failure(%#q): got (%q, %v), want (%q, %v)", tc.data, ed.Message, ok, tc.want, tc.ok)
		}
	}
	if got, want := (rigcom.ErrorData{Message: "oops"}).Error(), "remote error: oops"; got != want {
		t.Errorf("Error: got %q, want %q", got, want)
	}
}
