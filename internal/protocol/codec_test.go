package protocol

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, env *Envelope) *Envelope {
	t.Helper()
	wire := Encode(env)
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestRoundTripRequestInit(t *testing.T) {
	env := &Envelope{
		TimestampMs:  1234,
		ConnectionID: 7,
		StreamID:     1,
		MsgSeq:       0,
		Kind:         KindHTTP,
		HTTP: &HTTPBody{
			Variant: RequestInit,
			Method:  "GET",
			URI:     "/hello?x=1",
			Version: HTTP1,
			Headers: []Header{{Name: "accept", Value: []byte("*/*")}},
			HasBody: false,
		},
	}
	got := roundTrip(t, env)
	if got.ConnectionID != env.ConnectionID || got.StreamID != env.StreamID {
		t.Fatalf("envelope fields not preserved: %+v", got)
	}
	if got.HTTP.Method != "GET" || got.HTTP.URI != "/hello?x=1" {
		t.Fatalf("request fields not preserved: %+v", got.HTTP)
	}
	if len(got.HTTP.Headers) != 1 || got.HTTP.Headers[0].Name != "accept" {
		t.Fatalf("headers not preserved: %+v", got.HTTP.Headers)
	}
	if !bytes.Equal(got.HTTP.Headers[0].Value, []byte("*/*")) {
		t.Fatalf("header value not preserved: %q", got.HTTP.Headers[0].Value)
	}
}

func TestRoundTripResponseBodyChunkZeroLengthLast(t *testing.T) {
	env := &Envelope{
		Kind:   KindHTTP,
		HTTP:   &HTTPBody{Variant: ResponseBodyChunk, Seq: 5, IsLast: true, Bytes: nil},
	}
	got := roundTrip(t, env)
	if !got.HTTP.IsLast || len(got.HTTP.Bytes) != 0 || got.HTTP.Seq != 5 {
		t.Fatalf("zero-length terminator chunk not preserved: %+v", got.HTTP)
	}
}

func TestRoundTripResponseInitContentLengthZeroChunked(t *testing.T) {
	env := &Envelope{
		Kind: KindHTTP,
		HTTP: &HTTPBody{
			Variant:       ResponseInit,
			Status:        200,
			HasBody:       true,
			ContentLength: 0,
		},
	}
	got := roundTrip(t, env)
	if !got.HTTP.HasBody || got.HTTP.ContentLength != 0 {
		t.Fatalf("chunked responseInit not preserved: %+v", got.HTTP)
	}
}

func TestRoundTripWSFrame(t *testing.T) {
	env := &Envelope{
		Kind: KindWS,
		WS: &WSBody{
			Opcode:    OpClose,
			Fin:       true,
			Payload:   []byte("bye"),
			HasClose:  true,
			CloseCode: 1000,
		},
	}
	got := roundTrip(t, env)
	if got.WS.Opcode != OpClose || got.WS.CloseCode != 1000 || !bytes.Equal(got.WS.Payload, []byte("bye")) {
		t.Fatalf("ws frame not preserved: %+v", got.WS)
	}
}

func TestRoundTripControlGoAway(t *testing.T) {
	env := &Envelope{
		Kind: KindControl,
		Control: &ControlBody{
			Variant:      CtrlGoAway,
			LastMsgSeq:   42,
			GoAwayReason: "Replaced by new connection",
		},
	}
	got := roundTrip(t, env)
	if got.Control.LastMsgSeq != 42 || got.Control.GoAwayReason != "Replaced by new connection" {
		t.Fatalf("goAway not preserved: %+v", got.Control)
	}
}

func TestDecodeUnknownKindIsProtocolError(t *testing.T) {
	wire := []byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := Decode(wire)
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func TestDecodeUnknownHTTPVariantIsProtocolError(t *testing.T) {
	env := &Envelope{Kind: KindHTTP, HTTP: &HTTPBody{Variant: RequestInit, Method: "GET", URI: "/"}}
	wire := Encode(env)
	// Corrupt the variant tag byte (first byte after the 29-byte fixed header:
	// kind 1 + timestamp 8 + connectionId 8 + streamId 4 + msgSeq 8).
	wire[29] = 0xEE
	_, err := Decode(wire)
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func TestDecodeTruncatedIsProtocolError(t *testing.T) {
	env := &Envelope{Kind: KindHTTP, HTTP: &HTTPBody{Variant: RequestEnd}}
	wire := Encode(env)
	_, err := Decode(wire[:len(wire)-1])
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError for truncated input, got %v", err)
	}
}

func TestReservedVariantsDecodeWithoutError(t *testing.T) {
	env := &Envelope{
		Kind: KindHTTP,
		HTTP: &HTTPBody{Variant: ResponseInterim, Status: 103, Headers: []Header{{Name: "link", Value: []byte("</a>")}}},
	}
	got := roundTrip(t, env)
	if got.HTTP.Variant != ResponseInterim || got.HTTP.Status != 103 {
		t.Fatalf("reserved responseInterim not decodable: %+v", got.HTTP)
	}

	ctrl := &Envelope{Kind: KindControl, Control: &ControlBody{Variant: CtrlFlowWindowUpdate, WindowDelta: 512}}
	gotCtrl := roundTrip(t, ctrl)
	if gotCtrl.Control.WindowDelta != 512 {
		t.Fatalf("reserved flowWindowUpdate not decodable: %+v", gotCtrl.Control)
	}
}
