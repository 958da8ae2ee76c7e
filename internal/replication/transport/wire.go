package transport

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

var errMalformed = errors.New("malformed message")

// encoder appends protobuf fields. Scalars holding their zero value are
// omitted like proto3 does; nested messages are always written so that
// optional messages keep their presence.
type encoder struct {
	b []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) int(num protowire.Number, v int) {
	e.uint(num, uint64(int64(v)))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.uint(num, 1)
	}
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

// repeatedString writes s even if it is empty, as an element of a
// repeated field.
func (e *encoder) repeatedString(num protowire.Number, s string) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) bytes(num protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, b)
}

func (e *encoder) uuid(num protowire.Number, id uuid.UUID) {
	if id == uuid.Nil {
		return
	}
	e.bytes(num, id[:])
}

func (e *encoder) message(num protowire.Number, fn func(*encoder)) {
	var sub encoder
	fn(&sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

// decoder iterates over the fields of a message. The first error stops
// the iteration of the message and of every message it is nested in.
type decoder struct {
	b   []byte
	err *error

	num    protowire.Number
	typ    protowire.Type
	varint uint64
	value  []byte
}

func newDecoder(b []byte) *decoder {
	return &decoder{b: b, err: new(error)}
}

func (d *decoder) fail(err error) {
	if *d.err == nil {
		*d.err = err
	}
}

// next reads the next varint or length-delimited field. Fields of other
// wire types are not used by shardkv and are skipped.
func (d *decoder) next() bool {
	for len(d.b) > 0 && *d.err == nil {
		num, typ, n := protowire.ConsumeTag(d.b)
		if n < 0 {
			d.fail(fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n)))
			return false
		}
		d.b = d.b[n:]
		d.num, d.typ = num, typ

		switch typ {
		case protowire.VarintType:
			d.varint, n = protowire.ConsumeVarint(d.b)
		case protowire.BytesType:
			d.value, n = protowire.ConsumeBytes(d.b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, d.b)
		}
		if n < 0 {
			d.fail(fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n)))
			return false
		}
		d.b = d.b[n:]

		if typ == protowire.VarintType || typ == protowire.BytesType {
			return true
		}
	}
	return false
}

func (d *decoder) expect(typ protowire.Type) bool {
	if d.typ != typ {
		d.fail(fmt.Errorf("%w: field %d has wire type %d", errMalformed, d.num, d.typ))
		return false
	}
	return true
}

func (d *decoder) uint() uint64 {
	if !d.expect(protowire.VarintType) {
		return 0
	}
	return d.varint
}

func (d *decoder) int() int {
	return int(int64(d.uint()))
}

func (d *decoder) bool() bool {
	return d.uint() != 0
}

func (d *decoder) string() string {
	if !d.expect(protowire.BytesType) {
		return ""
	}
	return string(d.value)
}

// bytes returns a copy of the field, so decoded messages never alias the
// buffer gRPC hands to the codec.
func (d *decoder) bytes() []byte {
	if !d.expect(protowire.BytesType) {
		return nil
	}
	return append([]byte(nil), d.value...)
}

func (d *decoder) uuid() uuid.UUID {
	if !d.expect(protowire.BytesType) {
		return uuid.Nil
	}
	id, err := uuid.FromBytes(d.value)
	if err != nil {
		d.fail(fmt.Errorf("%w: field %d: %v", errMalformed, d.num, err))
		return uuid.Nil
	}
	return id
}

func (d *decoder) message() *decoder {
	if !d.expect(protowire.BytesType) {
		return &decoder{err: d.err}
	}
	return &decoder{b: d.value, err: d.err}
}
