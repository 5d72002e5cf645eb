package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Encode packs env into its wire form. Encoding is infallible given a valid
// Envelope (spec §4.1); malformed Envelopes built by this module's own
// constructors are a programmer error, not a runtime one.
func Encode(env *Envelope) []byte {
	var buf bytes.Buffer
	buf.Grow(64)

	writeUint8(&buf, uint8(env.Kind))
	writeUint64(&buf, uint64(env.TimestampMs))
	writeUint64(&buf, env.ConnectionID)
	writeUint32(&buf, env.StreamID)
	writeUint64(&buf, env.MsgSeq)

	switch env.Kind {
	case KindHTTP:
		encodeHTTPBody(&buf, env.HTTP)
	case KindWS:
		encodeWSBody(&buf, env.WS)
	case KindControl:
		encodeControlBody(&buf, env.Control)
	}
	return buf.Bytes()
}

// Decode unpacks a wire-form envelope. It returns a *ProtocolError for any
// structurally invalid input: truncation, an unknown outer Kind tag, or an
// HTTP body carrying an HTTPVariant tag outside the eleven defined variants.
func Decode(data []byte) (*Envelope, error) {
	r := &reader{buf: data}

	kindByte, err := r.uint8()
	if err != nil {
		return nil, protoErrf("truncated envelope: %v", err)
	}
	kind := Kind(kindByte)
	if kind != KindHTTP && kind != KindWS && kind != KindControl {
		return nil, protoErrf("unknown envelope kind tag %d", kindByte)
	}

	ts, err := r.uint64()
	if err != nil {
		return nil, protoErrf("truncated timestamp: %v", err)
	}
	connID, err := r.uint64()
	if err != nil {
		return nil, protoErrf("truncated connectionId: %v", err)
	}
	streamID, err := r.uint32()
	if err != nil {
		return nil, protoErrf("truncated streamId: %v", err)
	}
	msgSeq, err := r.uint64()
	if err != nil {
		return nil, protoErrf("truncated msgSeq: %v", err)
	}

	env := &Envelope{
		TimestampMs:  int64(ts),
		ConnectionID: connID,
		StreamID:     streamID,
		MsgSeq:       msgSeq,
		Kind:         kind,
	}

	switch kind {
	case KindHTTP:
		body, err := decodeHTTPBody(r)
		if err != nil {
			return nil, err
		}
		env.HTTP = body
	case KindWS:
		body, err := decodeWSBody(r)
		if err != nil {
			return nil, err
		}
		env.WS = body
	case KindControl:
		body, err := decodeControlBody(r)
		if err != nil {
			return nil, err
		}
		env.Control = body
	}

	return env, nil
}

// --- HTTP body ---

func encodeHTTPBody(buf *bytes.Buffer, b *HTTPBody) {
	writeUint8(buf, uint8(b.Variant))
	switch b.Variant {
	case RequestInit:
		writeString(buf, b.Method)
		writeString(buf, b.URI)
		writeUint8(buf, uint8(b.Version))
		writeHeaders(buf, b.Headers)
		writeBool(buf, b.HasBody)
	case ResponseInit:
		writeUint16(buf, b.Status)
		writeHeaders(buf, b.Headers)
		writeBool(buf, b.HasBody)
		writeUint64(buf, b.ContentLength)
	case ResponseInterim:
		writeUint16(buf, b.Status)
		writeHeaders(buf, b.Headers)
	case RequestTrailers, ResponseTrailers:
		writeHeaders(buf, b.Headers)
	case RequestBodyChunk, ResponseBodyChunk:
		writeUint64(buf, b.Seq)
		writeBool(buf, b.IsLast)
		writeBytes(buf, b.Bytes)
	case RequestEnd, ResponseEnd:
		// no body
	case RequestAbort, ResponseAbort:
		writeUint8(buf, uint8(b.Reason))
		writeString(buf, b.Detail)
	}
}

func decodeHTTPBody(r *reader) (*HTTPBody, error) {
	tagByte, err := r.uint8()
	if err != nil {
		return nil, protoErrf("truncated http variant tag: %v", err)
	}
	variant := HTTPVariant(tagByte)
	if !httpVariantValid(variant) {
		return nil, protoErrf("unknown http variant tag %d", tagByte)
	}

	b := &HTTPBody{Variant: variant}
	var err2 error
	switch variant {
	case RequestInit:
		if b.Method, err2 = r.str(); err2 != nil {
			return nil, protoErrf("requestInit.method: %v", err2)
		}
		if b.URI, err2 = r.str(); err2 != nil {
			return nil, protoErrf("requestInit.uri: %v", err2)
		}
		ver, err3 := r.uint8()
		if err3 != nil {
			return nil, protoErrf("requestInit.version: %v", err3)
		}
		b.Version = HTTPVersion(ver)
		if b.Headers, err2 = r.headers(); err2 != nil {
			return nil, protoErrf("requestInit.headers: %v", err2)
		}
		if b.HasBody, err2 = r.boolean(); err2 != nil {
			return nil, protoErrf("requestInit.hasBody: %v", err2)
		}
	case ResponseInit:
		if b.Status, err2 = r.uint16(); err2 != nil {
			return nil, protoErrf("responseInit.status: %v", err2)
		}
		if b.Headers, err2 = r.headers(); err2 != nil {
			return nil, protoErrf("responseInit.headers: %v", err2)
		}
		if b.HasBody, err2 = r.boolean(); err2 != nil {
			return nil, protoErrf("responseInit.hasBody: %v", err2)
		}
		cl, err3 := r.uint64()
		if err3 != nil {
			return nil, protoErrf("responseInit.contentLength: %v", err3)
		}
		b.ContentLength = cl
	case ResponseInterim:
		if b.Status, err2 = r.uint16(); err2 != nil {
			return nil, protoErrf("responseInterim.status: %v", err2)
		}
		if b.Headers, err2 = r.headers(); err2 != nil {
			return nil, protoErrf("responseInterim.headers: %v", err2)
		}
	case RequestTrailers, ResponseTrailers:
		if b.Headers, err2 = r.headers(); err2 != nil {
			return nil, protoErrf("trailers.headers: %v", err2)
		}
	case RequestBodyChunk, ResponseBodyChunk:
		seq, err3 := r.uint64()
		if err3 != nil {
			return nil, protoErrf("bodyChunk.seq: %v", err3)
		}
		b.Seq = seq
		if b.IsLast, err2 = r.boolean(); err2 != nil {
			return nil, protoErrf("bodyChunk.isLast: %v", err2)
		}
		if b.Bytes, err2 = r.bytes(); err2 != nil {
			return nil, protoErrf("bodyChunk.bytes: %v", err2)
		}
	case RequestEnd, ResponseEnd:
		// no body
	case RequestAbort, ResponseAbort:
		reason, err3 := r.uint8()
		if err3 != nil {
			return nil, protoErrf("abort.reason: %v", err3)
		}
		b.Reason = AbortReason(reason)
		if b.Detail, err2 = r.str(); err2 != nil {
			return nil, protoErrf("abort.detail: %v", err2)
		}
	}
	return b, nil
}

// --- WebSocket body ---

func encodeWSBody(buf *bytes.Buffer, b *WSBody) {
	writeUint8(buf, uint8(b.Opcode))
	writeBool(buf, b.Fin)
	writeUint8(buf, b.Reserved)
	writeBool(buf, b.Masked)
	writeUint32(buf, b.MaskKey)
	writeBytes(buf, b.Payload)
	writeBool(buf, b.HasClose)
	writeUint16(buf, b.CloseCode)
}

func decodeWSBody(r *reader) (*WSBody, error) {
	b := &WSBody{}
	op, err := r.uint8()
	if err != nil {
		return nil, protoErrf("ws.opcode: %v", err)
	}
	b.Opcode = Opcode(op)
	if b.Opcode > OpPong {
		return nil, protoErrf("unknown ws opcode %d", op)
	}
	if b.Fin, err = r.boolean(); err != nil {
		return nil, protoErrf("ws.fin: %v", err)
	}
	if b.Reserved, err = r.uint8(); err != nil {
		return nil, protoErrf("ws.reserved: %v", err)
	}
	if b.Masked, err = r.boolean(); err != nil {
		return nil, protoErrf("ws.masked: %v", err)
	}
	if b.MaskKey, err = r.uint32(); err != nil {
		return nil, protoErrf("ws.maskKey: %v", err)
	}
	if b.Payload, err = r.bytes(); err != nil {
		return nil, protoErrf("ws.payload: %v", err)
	}
	if b.HasClose, err = r.boolean(); err != nil {
		return nil, protoErrf("ws.hasClose: %v", err)
	}
	if b.CloseCode, err = r.uint16(); err != nil {
		return nil, protoErrf("ws.closeCode: %v", err)
	}
	return b, nil
}

// --- Control body ---

func encodeControlBody(buf *bytes.Buffer, b *ControlBody) {
	writeUint8(buf, uint8(b.Variant))
	switch b.Variant {
	case CtrlPing, CtrlPong:
		writeBytes(buf, b.Data)
	case CtrlFlowWindowUpdate:
		writeUint32(buf, b.WindowDelta)
	case CtrlError:
		writeUint32(buf, b.Code)
		writeString(buf, b.Message)
	case CtrlGoAway:
		writeUint64(buf, b.LastMsgSeq)
		writeString(buf, b.GoAwayReason)
	}
}

func decodeControlBody(r *reader) (*ControlBody, error) {
	tagByte, err := r.uint8()
	if err != nil {
		return nil, protoErrf("truncated control variant tag: %v", err)
	}
	variant := ControlVariant(tagByte)
	if !controlVariantValid(variant) {
		return nil, protoErrf("unknown control variant tag %d", tagByte)
	}
	b := &ControlBody{Variant: variant}
	switch variant {
	case CtrlPing, CtrlPong:
		if b.Data, err = r.bytes(); err != nil {
			return nil, protoErrf("control.data: %v", err)
		}
	case CtrlFlowWindowUpdate:
		if b.WindowDelta, err = r.uint32(); err != nil {
			return nil, protoErrf("control.windowDelta: %v", err)
		}
	case CtrlError:
		if b.Code, err = r.uint32(); err != nil {
			return nil, protoErrf("control.code: %v", err)
		}
		if b.Message, err = r.str(); err != nil {
			return nil, protoErrf("control.message: %v", err)
		}
	case CtrlGoAway:
		if b.LastMsgSeq, err = r.uint64(); err != nil {
			return nil, protoErrf("control.lastMsgSeq: %v", err)
		}
		if b.GoAwayReason, err = r.str(); err != nil {
			return nil, protoErrf("control.reason: %v", err)
		}
	}
	return b, nil
}

// --- primitive writers ---

func writeUint8(buf *bytes.Buffer, v uint8)   { buf.WriteByte(v) }
func writeUint16(buf *bytes.Buffer, v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); buf.Write(b[:]) }
func writeUint32(buf *bytes.Buffer, v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); buf.Write(b[:]) }
func writeUint64(buf *bytes.Buffer, v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); buf.Write(b[:]) }
func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}
func writeBytes(buf *bytes.Buffer, v []byte) {
	writeUint32(buf, uint32(len(v)))
	buf.Write(v)
}
func writeString(buf *bytes.Buffer, v string) {
	writeUint32(buf, uint32(len(v)))
	buf.WriteString(v)
}
func writeHeaders(buf *bytes.Buffer, hs []Header) {
	writeUint32(buf, uint32(len(hs)))
	for _, h := range hs {
		writeString(buf, h.Name)
		writeBytes(buf, h.Value)
	}
}

// --- reader ---

type reader struct {
	buf []byte
	pos int
}

func (r *reader) uint8() (uint8, error) {
	if r.pos+1 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *reader) boolean() (bool, error) {
	v, err := r.uint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// bytes returns a copy of the next length-prefixed byte slice so the result
// outlives the underlying read buffer (e.g. a reused WebSocket read buffer).
func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) headers() ([]Header, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	// Bound the allocation by remaining input so a corrupt count can't OOM.
	if int(n) > len(r.buf)-r.pos {
		return nil, io.ErrUnexpectedEOF
	}
	hs := make([]Header, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		val, err := r.bytes()
		if err != nil {
			return nil, err
		}
		hs = append(hs, Header{Name: name, Value: val})
	}
	return hs, nil
}
