package pickle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"testing"
)

func bigInt(s string) *big.Int {
	i := new(big.Int)
	_, ok := i.SetString(s, 10)
	if !ok {
		panic("bigInt: invalid literal " + s)
	}
	return i
}

func TestMarker(t *testing.T) {
	dec := NewDecoder(&bytes.Buffer{})
	dec.mark()
	k, err := dec.marker()
	if err != nil {
		t.Error(err)
	}
	if k != 0 {
		t.Error("no marker found")
	}
}

// ---- wire-format builders ----
//
// These build raw pickle byte streams out of the decoder's own opcode
// constants, so a typo in an opcode name fails to compile instead of
// silently producing a bogus fixture.

// pk concatenates its arguments into a byte stream. Each argument is a
// byte, an int (truncated to a byte), a string (written verbatim) or a
// []byte.
func pk(parts ...any) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		switch v := p.(type) {
		case byte:
			buf.WriteByte(v)
		case int:
			buf.WriteByte(byte(v))
		case string:
			buf.WriteString(v)
		case []byte:
			buf.Write(v)
		default:
			panic(fmt.Sprintf("pk: unsupported part type %T", p))
		}
	}
	return buf.Bytes()
}

func leU16(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

func negInt32ToU32(v int32) uint32 {
	return uint32(v)
}

func leU32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func leU64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func beFloat64(f float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	return b[:]
}

func decode(t *testing.T, data []byte, config *DecoderConfig) (any, error) {
	t.Helper()
	d := NewDecoderFromBytes(data, config)
	return d.Decode()
}

func mustDecode(t *testing.T, data []byte, config *DecoderConfig) any {
	t.Helper()
	v, err := decode(t, data, config)
	if err != nil {
		t.Fatalf("decode %x: unexpected error: %v", data, err)
	}
	return v
}

func assertErrKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error of kind %v, got nil", kind)
	}
	ue, ok := err.(*UnpicklingError)
	if !ok {
		t.Fatalf("error is not *UnpicklingError: %T: %v", err, err)
	}
	if ue.Kind != kind {
		t.Fatalf("error kind: have %v, want %v (err: %v)", ue.Kind, kind, err)
	}
}

// ---- scalars ----

func TestDecodeScalars(t *testing.T) {
	testv := []struct {
		name string
		data []byte
		want any
	}{
		{"none", pk(opNone, opStop), None{}},
		{"true-op", pk(opNewtrue, opStop), true},
		{"false-op", pk(opNewfalse, opStop), false},
		{"int", pk(opInt, "42\n", opStop), int64(42)},
		{"int-negative", pk(opInt, "-7\n", opStop), int64(-7)},
		{"int-true-line", pk(opInt, "01\n", opStop), true},
		{"int-false-line", pk(opInt, "00\n", opStop), false},
		{"binint", pk(opBinint, leU32(42), opStop), int64(42)},
		{"binint-negative", pk(opBinint, leU32(negInt32ToU32(-42)), opStop), int64(-42)},
		{"binint1", pk(opBinint1, byte(200), opStop), int64(200)},
		{"binint2", pk(opBinint2, leU16(300), opStop), int64(300)},
		{"long-text", pk(opLong, "123456789012345678901234L\n", opStop), bigInt("123456789012345678901234")},
		{"long1-positive", pk(opLong1, byte(2), []byte{0x2c, 0x01}, opStop), bigInt("300")},
		{"long1-negative", pk(opLong1, byte(1), []byte{0xfb}, opStop), bigInt("-5")},
		{"long1-zero", pk(opLong1, byte(0), opStop), bigInt("0")},
		{"long4", pk(opLong4, leU32(2), []byte{0x2c, 0x01}, opStop), bigInt("300")},
		{"float-text", pk(opFloat, "3.25\n", opStop), float64(3.25)},
		{"binfloat", pk(opBinfloat, beFloat64(2.5), opStop), float64(2.5)},
	}

	for _, tt := range testv {
		t.Run(tt.name, func(t *testing.T) {
			v := mustDecode(t, tt.data, nil)
			if !deepEqual(v, tt.want) {
				t.Errorf("have %T %#v, want %T %#v", v, v, tt.want, tt.want)
			}
		})
	}
}

// ---- strings, bytes, unicode ----

func TestDecodeStringsBytesUnicode(t *testing.T) {
	testv := []struct {
		name string
		data []byte
		want any
	}{
		{"string-no-escape", pk(opString, `'back\slash'`+"\n", opStop), `back\slash`},
		{"short-binstring", pk(opShortBinstring, byte(len("hello")), "hello", opStop), "hello"},
		{"binstring", pk(opBinstring, leU32(uint32(len("hello world"))), "hello world", opStop), "hello world"},
		{"unicode-passthrough", pk(opUnicode, "plain text\n", opStop), "plain text"},
		{"unicode-escape", pk(opUnicode, "\\u00e9\n", opStop), "é"},
		{"binunicode", pk(opBinunicode, leU32(uint32(len("мир"))), "мир", opStop), "мир"},
		{"short-binunicode", pk(opShortBinUnicode, byte(len("мир")), "мир", opStop), "мир"},
		{"binunicode8", pk(opBinunicode8, leU64(uint64(len("мир"))), "мир", opStop), "мир"},
		{"binbytes", pk(opBinbytes, leU32(uint32(len("hello"))), "hello", opStop), Bytes("hello")},
		{"short-binbytes", pk(opShortBinbytes, byte(len("hi")), "hi", opStop), Bytes("hi")},
		{"binbytes8", pk(opBinbytes8, leU64(uint64(len("hi"))), "hi", opStop), Bytes("hi")},
	}

	for _, tt := range testv {
		t.Run(tt.name, func(t *testing.T) {
			v := mustDecode(t, tt.data, nil)
			if !deepEqual(v, tt.want) {
				t.Errorf("have %T %#v, want %T %#v", v, v, tt.want, tt.want)
			}
		})
	}
}

// Encoding: "bytes" makes BINSTRING/SHORT_BINSTRING push Bytes rather than string.
func TestDecoderConfigEncodingBytes(t *testing.T) {
	config := &DecoderConfig{Encoding: "bytes"}
	v := mustDecode(t, pk(opShortBinstring, byte(len("abc")), "abc", opStop), config)
	b, ok := v.(Bytes)
	if !ok || b != Bytes("abc") {
		t.Errorf("have %T %#v, want Bytes(\"abc\")", v, v)
	}
}

// ---- containers ----

func TestDecodeContainers(t *testing.T) {
	t.Run("append", func(t *testing.T) {
		v := mustDecode(t, pk(opEmptyList, opInt, "1\n", opAppend, opStop), nil)
		if !deepEqual(v, &List{Items: []any{int64(1)}}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("appends", func(t *testing.T) {
		data := pk(opEmptyList, opMark, opInt, "1\n", opInt, "2\n", opAppends, opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, &List{Items: []any{int64(1), int64(2)}}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("empty-tuple", func(t *testing.T) {
		v := mustDecode(t, pk(opEmptyTuple, opStop), nil)
		if !deepEqual(v, Tuple{}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("tuple1", func(t *testing.T) {
		v := mustDecode(t, pk(opInt, "1\n", opTuple1, opStop), nil)
		if !deepEqual(v, Tuple{int64(1)}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("tuple2", func(t *testing.T) {
		data := pk(opInt, "1\n", opInt, "2\n", opTuple2, opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, Tuple{int64(1), int64(2)}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("tuple3", func(t *testing.T) {
		data := pk(opInt, "1\n", opInt, "2\n", opInt, "3\n", opTuple3, opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, Tuple{int64(1), int64(2), int64(3)}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("tuple-mark", func(t *testing.T) {
		data := pk(opMark, opInt, "1\n", opInt, "2\n", opInt, "3\n", opTuple, opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, Tuple{int64(1), int64(2), int64(3)}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("dict", func(t *testing.T) {
		data := pk(opMark, opString, "'a'\n", opInt, "1\n", opDict, opStop)
		v := mustDecode(t, data, nil)
		d, ok := v.(Dict)
		if !ok {
			t.Fatalf("have %T, want Dict", v)
		}
		if !deepEqual(d, NewDictWithData("a", int64(1))) {
			t.Errorf("have %#v", d)
		}
	})

	t.Run("setitem-setitems", func(t *testing.T) {
		data := pk(opEmptyDict, opString, "'a'\n", opInt, "1\n", opSetitem, opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, NewDictWithData("a", int64(1))) {
			t.Errorf("have %#v", v)
		}

		data = pk(opEmptyDict, opMark, opString, "'a'\n", opInt, "1\n", opString, "'b'\n", opInt, "2\n", opSetitems, opStop)
		v = mustDecode(t, data, nil)
		if !deepEqual(v, NewDictWithData("a", int64(1), "b", int64(2))) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("set", func(t *testing.T) {
		data := pk(opEmptySet, opMark, opInt, "1\n", opInt, "2\n", opAddItems, opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, NewSet(int64(1), int64(2))) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("frozenset", func(t *testing.T) {
		data := pk(opMark, opInt, "1\n", opInt, "2\n", opFrozenSet, opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, NewFrozenSet(int64(1), int64(2))) {
			t.Errorf("have %#v", v)
		}
	})
}

// ---- memo ----

func TestDecodeMemo(t *testing.T) {
	t.Run("binput-binget", func(t *testing.T) {
		data := pk(opInt, "7\n", opBinput, byte(0), opPop, opBinget, byte(0), opStop)
		v := mustDecode(t, data, nil)
		if v != int64(7) {
			t.Errorf("have %#v, want int64(7)", v)
		}
	})

	t.Run("long-binput-binget", func(t *testing.T) {
		data := pk(opInt, "7\n", opLongBinput, leU32(0), opPop, opLongBinget, leU32(0), opStop)
		v := mustDecode(t, data, nil)
		if v != int64(7) {
			t.Errorf("have %#v, want int64(7)", v)
		}
	})

	t.Run("put-get-text", func(t *testing.T) {
		data := pk(opInt, "9\n", opPut, "5\n", opPop, opGet, "5\n", opStop)
		v := mustDecode(t, data, nil)
		if v != int64(9) {
			t.Errorf("have %#v, want int64(9)", v)
		}
	})

	t.Run("memoize", func(t *testing.T) {
		data := pk(opInt, "3\n", opMemoize, opPop, opBinget, byte(0), opStop)
		v := mustDecode(t, data, nil)
		if v != int64(3) {
			t.Errorf("have %#v, want int64(3)", v)
		}
	})

	t.Run("unknown-memo-key", func(t *testing.T) {
		_, err := decode(t, pk(opBinget, byte(0), opStop), nil)
		assertErrKind(t, err, KindMemoError)
	})
}

// ---- framing ----

func TestDecodeFrame(t *testing.T) {
	t.Run("exact-boundary", func(t *testing.T) {
		data := pk(opFrame, leU64(2), opNone, opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, None{}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("crosses-boundary", func(t *testing.T) {
		// FRAME declares 2 bytes: the BININT opcode itself consumes the
		// first, leaving only 1 remaining for its 4-byte operand.
		data := pk(opFrame, leU64(2), opBinint, leU32(42), opStop)
		_, err := decode(t, data, nil)
		assertErrKind(t, err, KindFrameViolation)
		if !errors.Is(err, ErrFrameViolation) {
			t.Errorf("error does not wrap ErrFrameViolation: %v", err)
		}
	})

	t.Run("zero-length", func(t *testing.T) {
		data := pk(opFrame, leU64(0), opNone, opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, None{}) {
			t.Errorf("have %#v", v)
		}
	})
}

// ---- GLOBAL / STACK_GLOBAL ----

func TestDecodeGlobal(t *testing.T) {
	t.Run("global", func(t *testing.T) {
		data := pk(opGlobal, "mymod\n", "MyClass\n", opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, TypeRef{Module: "mymod", Name: "MyClass"}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("stack-global", func(t *testing.T) {
		data := pk(
			opShortBinUnicode, byte(len("mymod")), "mymod",
			opShortBinUnicode, byte(len("MyClass")), "MyClass",
			opStackGlobal, opStop,
		)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, TypeRef{Module: "mymod", Name: "MyClass"}) {
			t.Errorf("have %#v", v)
		}
	})
}

// ---- proxy construction / BUILD ----

type testPoint struct {
	X, Y int64
}

func (p *testPoint) SetState(state any) error {
	d, ok := state.(Dict)
	if !ok {
		return fmt.Errorf("testPoint.SetState: expected Dict, got %T", state)
	}
	if x, ok := d.Get_("X"); ok {
		p.X, _ = AsInt64(x)
	}
	if y, ok := d.Get_("Y"); ok {
		p.Y, _ = AsInt64(y)
	}
	return nil
}

func pointRegistry() *ProxyRegistry {
	r := NewProxyRegistry()
	if err := r.Register("testpkg", "Point", func(args []any, kwargs Dict) (any, error) {
		p := &testPoint{}
		if len(args) >= 1 {
			p.X, _ = AsInt64(args[0])
		}
		if len(args) >= 2 {
			p.Y, _ = AsInt64(args[1])
		}
		if v, ok := kwargs.Get_("X"); ok {
			p.X, _ = AsInt64(v)
		}
		if v, ok := kwargs.Get_("Y"); ok {
			p.Y, _ = AsInt64(v)
		}
		return p, nil
	}); err != nil {
		panic(err)
	}
	return r
}

func TestProxyRegistryDuplicate(t *testing.T) {
	r := NewProxyRegistry()
	factory := func(args []any, kwargs Dict) (any, error) { return nil, nil }

	if err := r.Register("testpkg", "Point", factory); err != nil {
		t.Fatalf("first Register: unexpected error: %v", err)
	}
	if err := r.Register("testpkg", "Point", factory); err == nil {
		t.Fatalf("second Register of the same (module, name): expected error, got nil")
	}
}

func TestDecodeProxyConstruction(t *testing.T) {
	config := &DecoderConfig{Registry: pointRegistry()}

	t.Run("inst", func(t *testing.T) {
		data := pk(opMark, opInt, "3\n", opInt, "4\n", opInst, "testpkg\n", "Point\n", opStop)
		v := mustDecode(t, data, config)
		if !deepEqual(v, &testPoint{X: 3, Y: 4}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("obj", func(t *testing.T) {
		data := pk(opMark, opGlobal, "testpkg\n", "Point\n", opInt, "5\n", opInt, "6\n", opObj, opStop)
		v := mustDecode(t, data, config)
		if !deepEqual(v, &testPoint{X: 5, Y: 6}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("newobj", func(t *testing.T) {
		data := pk(opGlobal, "testpkg\n", "Point\n", opMark, opInt, "7\n", opInt, "8\n", opTuple, opNewobj, opStop)
		v := mustDecode(t, data, config)
		if !deepEqual(v, &testPoint{X: 7, Y: 8}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("newobj-non-tuple-arg", func(t *testing.T) {
		data := pk(opGlobal, "testpkg\n", "Point\n", opInt, "9\n", opNewobj, opStop)
		v := mustDecode(t, data, config)
		if !deepEqual(v, &testPoint{X: 9}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("newobj-ex", func(t *testing.T) {
		data := pk(opGlobal, "testpkg\n", "Point\n", opEmptyTuple, opEmptyDict, opNewobjEx, opStop)
		v := mustDecode(t, data, config)
		if !deepEqual(v, &testPoint{}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("unregistered-proxy", func(t *testing.T) {
		data := pk(opGlobal, "nosuch\n", "Thing\n", opEmptyTuple, opNewobj, opStop)
		_, err := decode(t, data, config)
		assertErrKind(t, err, KindUnregisteredProxy)
	})

	t.Run("build", func(t *testing.T) {
		data := pk(
			opGlobal, "testpkg\n", "Point\n", opEmptyTuple, opNewobj,
			opMark, opString, "'X'\n", opInt, "10\n", opString, "'Y'\n", opInt, "20\n", opDict,
			opBuild, opStop,
		)
		v := mustDecode(t, data, config)
		if !deepEqual(v, &testPoint{X: 10, Y: 20}) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("build-dict-merge", func(t *testing.T) {
		data := pk(
			opEmptyDict,
			opMark, opString, "'a'\n", opInt, "1\n", opDict,
			opBuild, opStop,
		)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, NewDictWithData("a", int64(1))) {
			t.Errorf("have %#v", v)
		}
	})
}

// ---- deliberately unsupported opcodes ----

func TestDecodeUnsupportedOpcodes(t *testing.T) {
	for _, op := range []byte{opPersid, opBinpersid, opReduce, opExt1, opExt2, opExt4} {
		t.Run(fmt.Sprintf("%#02x", op), func(t *testing.T) {
			_, err := decode(t, []byte{op}, nil)
			assertErrKind(t, err, KindUnsupportedOpcode)
			if !errors.Is(err, ErrOpcodeUnsupported) {
				t.Errorf("error does not wrap ErrOpcodeUnsupported: %v", err)
			}
		})
	}
}

// ---- protocol version ----

func TestDecodeProtocolVersion(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		data := pk(opProto, byte(2), opNone, opStop)
		d := NewDecoderFromBytes(data, nil)
		v, err := d.Decode()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !deepEqual(v, None{}) {
			t.Errorf("have %#v", v)
		}
		if d.protocol != 2 {
			t.Errorf("protocol: have %d, want 2", d.protocol)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		data := pk(opProto, byte(6), opNone, opStop)
		_, err := decode(t, data, nil)
		assertErrKind(t, err, KindProtocolUnsupported)
		if !errors.Is(err, ErrInvalidPickleVersion) {
			t.Errorf("error does not wrap ErrInvalidPickleVersion: %v", err)
		}
	})
}

// ---- out-of-band buffers ----

type sliceBufferProvider struct {
	bufs []ByteArray
	next int
}

func (p *sliceBufferProvider) NextBuffer() (ByteArray, error) {
	if p.next >= len(p.bufs) {
		return nil, ErrNoBuffers
	}
	b := p.bufs[p.next]
	p.next++
	return b, nil
}

func TestDecodeOutOfBandBuffers(t *testing.T) {
	t.Run("next-buffer-readonly", func(t *testing.T) {
		config := &DecoderConfig{Buffers: &sliceBufferProvider{bufs: []ByteArray{ByteArray("hi")}}}
		data := pk(opNextBuffer, opReadOnlyBuffer, opStop)
		v := mustDecode(t, data, config)
		if v != Bytes("hi") {
			t.Errorf("have %#v, want Bytes(\"hi\")", v)
		}
	})

	t.Run("no-provider", func(t *testing.T) {
		_, err := decode(t, pk(opNextBuffer, opStop), nil)
		assertErrKind(t, err, KindTypeMismatch)
		if !errors.Is(err, ErrNoBuffers) {
			t.Errorf("error does not wrap ErrNoBuffers: %v", err)
		}
	})

	t.Run("not-a-buffer", func(t *testing.T) {
		data := pk(opInt, "1\n", opReadOnlyBuffer, opStop)
		_, err := decode(t, data, nil)
		assertErrKind(t, err, KindTypeMismatch)
		if !errors.Is(err, ErrNotABuffer) {
			t.Errorf("error does not wrap ErrNotABuffer: %v", err)
		}
	})

	t.Run("bytearray8", func(t *testing.T) {
		data := pk(opBytearray8, leU64(uint64(len("hi"))), "hi", opStop)
		v := mustDecode(t, data, nil)
		if !deepEqual(v, ByteArray("hi")) {
			t.Errorf("have %#v", v)
		}
	})

	t.Run("readonly-buffer-on-bytes-is-noop", func(t *testing.T) {
		data := pk(opShortBinbytes, byte(len("hi")), "hi", opReadOnlyBuffer, opStop)
		v := mustDecode(t, data, nil)
		if v != Bytes("hi") {
			t.Errorf("have %#v, want Bytes(\"hi\")", v)
		}
	})
}

// ---- well-formedness ----

func TestDecodeWellFormedness(t *testing.T) {
	t.Run("empty-stream-at-stop", func(t *testing.T) {
		_, err := decode(t, pk(opStop), nil)
		assertErrKind(t, err, KindMalformedOperand)
	})

	t.Run("extra-objects-at-stop", func(t *testing.T) {
		data := pk(opInt, "1\n", opInt, "2\n", opStop)
		_, err := decode(t, data, nil)
		assertErrKind(t, err, KindMalformedOperand)
	})

	t.Run("pop-underflow", func(t *testing.T) {
		_, err := decode(t, pk(opPop, opStop), nil)
		assertErrKind(t, err, KindStackUnderflow)
	})

	t.Run("unknown-opcode", func(t *testing.T) {
		_, err := decode(t, []byte{0xff}, nil)
		assertErrKind(t, err, KindUnknownOpcode)
	})

	t.Run("empty-input", func(t *testing.T) {
		_, err := decode(t, []byte{}, nil)
		assertErrKind(t, err, KindTruncatedInput)
	})
}

// FuzzDecode checks that Decode never panics, only returns an error, no
// matter how malformed the input is.
func FuzzDecode(f *testing.F) {
	seeds := [][]byte{
		pk(opNone, opStop),
		pk(opInt, "42\n", opStop),
		pk(opEmptyList, opInt, "1\n", opAppend, opStop),
		pk(opMark, opInt, "1\n", opInt, "2\n", opTuple, opStop),
		pk(opFrame, leU64(2), opNone, opStop),
		pk(opGlobal, "mymod\n", "MyClass\n", opStop),
		pk(opLong1, byte(2), []byte{0x2c, 0x01}, opStop),
		pk(opProto, byte(2), opNone, opStop),
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoderFromBytes(data, nil)
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Decode panicked on % x: %v", data, r)
			}
		}()
		d.Decode()
	})
}
