package pickle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Opcodes
const (
	// Protocol 0

	opMark    byte = '(' // push special markobject on stack
	opStop    byte = '.' // every pickle ends with STOP
	opPop     byte = '0' // discard topmost stack item
	opDup     byte = '2' // duplicate top stack item
	opFloat   byte = 'F' // push float object; decimal string argument
	opInt     byte = 'I' // push integer or bool; decimal string argument
	opLong    byte = 'L' // push long; decimal string argument
	opNone    byte = 'N' // push None
	opPersid  byte = 'P' // push persistent object; id is taken from string arg
	opReduce  byte = 'R' // apply callable to argtuple, both on stack
	opString  byte = 'S' // push string; NL-terminated string argument
	opUnicode byte = 'V' // push Unicode string; raw-unicode-escaped argument
	opAppend  byte = 'a' // append stack top to list below it
	opBuild   byte = 'b' // call __setstate__ or __dict__.update()
	opGlobal  byte = 'c' // push TypeRef(modname, name); 2 string args
	opDict    byte = 'd' // build a dict from stack items
	opGet     byte = 'g' // push item from memo on stack; index is string arg
	opInst    byte = 'i' // build & push class instance
	opList    byte = 'l' // build list from topmost stack items
	opPut     byte = 'p' // store stack top in memo; index is string arg
	opSetitem byte = 's' // add key+value pair to dict
	opTuple   byte = 't' // build tuple from topmost stack items

	opTrueLine  = "01" // INT operand meaning True;  see pickletools.py
	opFalseLine = "00" // INT operand meaning False; see pickletools.py

	// Protocol 1

	opPopMark        byte = '1' // discard stack top through topmost markobject
	opBinint         byte = 'J' // push four-byte signed int
	opBinint1        byte = 'K' // push 1-byte unsigned int
	opBinint2        byte = 'M' // push 2-byte unsigned int
	opBinpersid      byte = 'Q' // push persistent object; id is taken from stack
	opBinstring      byte = 'T' // push string; counted binary string argument
	opShortBinstring byte = 'U' //  "     "   ;    "      "       "      " < 256 bytes
	opBinunicode     byte = 'X' // push Unicode string; counted UTF-8 string argument
	opAppends        byte = 'e' // extend list on stack by topmost stack slice
	opBinget         byte = 'h' // push item from memo on stack; index is 1-byte arg
	opLongBinget     byte = 'j' //  "    "    "    "    "   "  ;   "    " 4-byte arg
	opEmptyList      byte = ']' // push empty list
	opEmptyTuple     byte = ')' // push empty tuple
	opEmptyDict      byte = '}' // push empty dict
	opObj            byte = 'o' // build & push class instance
	opBinput         byte = 'q' // store stack top in memo; index is 1-byte arg
	opLongBinput     byte = 'r' //   "     "    "   "   " ;   "    " 4-byte arg
	opSetitems       byte = 'u' // modify dict by adding topmost key+value pairs
	opBinfloat       byte = 'G' // push float; arg is 8-byte float encoding

	// Protocol 2

	opProto    byte = '\x80' // identify pickle protocol
	opNewobj   byte = '\x81' // build object by applying cls.__new__ to argtuple
	opExt1     byte = '\x82' // push object from extension registry; 1-byte index
	opExt2     byte = '\x83' // ditto, but 2-byte index
	opExt4     byte = '\x84' // ditto, but 4-byte index
	opTuple1   byte = '\x85' // build 1-tuple from stack top
	opTuple2   byte = '\x86' // build 2-tuple from two topmost stack items
	opTuple3   byte = '\x87' // build 3-tuple from three topmost stack items
	opNewtrue  byte = '\x88' // push True
	opNewfalse byte = '\x89' // push False
	opLong1    byte = '\x8a' // push long from < 256 bytes
	opLong4    byte = '\x8b' // push really big long

	// Protocol 3

	opBinbytes      byte = 'B' // push a Python bytes object (len ule32; [len]data)
	opShortBinbytes byte = 'C' //  "     "      "      "     (len ule8; [len]data)

	// Protocol 4

	opShortBinUnicode byte = '\x8c' // push short string; UTF-8 length < 256 bytes
	opBinunicode8     byte = '\x8d' // push Unicode string (len ule64; [len]data)
	opBinbytes8       byte = '\x8e' // push a Python bytes object (len ule64; [len]data)
	opEmptySet        byte = '\x8f' // push empty set
	opAddItems        byte = '\x90' // add items to existing set
	opFrozenSet       byte = '\x91' // build a frozenset out of mark..top
	opNewobjEx        byte = '\x92' // build object: cls argv kw -> cls.__new__(*argv, **kw)
	opStackGlobal     byte = '\x93' // same as GLOBAL but using names on the stack
	opMemoize         byte = '\x94' // store top of the stack in memo
	opFrame           byte = '\x95' // indicate the beginning of a new frame

	// Protocol 5

	opBytearray8     byte = '\x96' // push a Python bytearray object (len ule64; [len]data)
	opNextBuffer     byte = '\x97' // push next out-of-band buffer
	opReadOnlyBuffer byte = '\x98' // turn out-of-band buffer at stack top read-only
)

// BufferProvider supplies protocol 5 out-of-band buffers, in the order a
// pickle stream's NEXT_BUFFER opcodes request them.
type BufferProvider interface {
	NextBuffer() (ByteArray, error)
}

// DecoderConfig tunes a Decoder.
type DecoderConfig struct {
	// Encoding selects how BINSTRING/SHORT_BINSTRING bytes (protocol ≤ 2
	// str data, which carries no declared text encoding on the wire) are
	// turned into a value. "bytes" pushes a Bytes value, leaving
	// interpretation to the caller; any other value, including the empty
	// default, decodes them as ISO-8859-1 (Latin-1) text, each byte
	// becoming the code point of the same value. STRING operands are not
	// affected by Encoding.
	Encoding string

	// Registry resolves GLOBAL/STACK_GLOBAL/INST/OBJ/NEWOBJ/NEWOBJ_EX type
	// references to host factories. A nil Registry makes every
	// construction opcode fail with ErrUnregisteredProxy.
	Registry *ProxyRegistry

	// Buffers supplies protocol 5 out-of-band buffers. A nil Buffers makes
	// NEXT_BUFFER fail with ErrNoBuffers.
	Buffers BufferProvider

	// LeaveOpen, if true, makes Close a no-op instead of closing the
	// underlying ByteSource (relevant only for sources that own a
	// resource, such as one built by NewDecoderFromFile).
	LeaveOpen bool
}

// Decoder decodes a single pickle stream.
//
// A Decoder is not safe for concurrent use: Decode mutates the Decoder's
// stack and memo in place.
type Decoder struct {
	fs     *FrameStream
	config *DecoderConfig
	stack  []any
	memo   map[int64]any

	buf  bytes.Buffer
	line []byte

	protocol int
}

// NewDecoder constructs a Decoder that reads a pickle stream from r.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderWithConfig(r, nil)
}

// NewDecoderWithConfig is like NewDecoder but allows specifying configuration.
func NewDecoderWithConfig(r io.Reader, config *DecoderConfig) *Decoder {
	return newDecoderFromSource(NewReaderSource(r), config)
}

// NewDecoderFromBytes constructs a Decoder over an in-memory pickle.
func NewDecoderFromBytes(data []byte, config *DecoderConfig) *Decoder {
	return newDecoderFromSource(NewMemorySource(data), config)
}

// NewDecoderFromFile opens path and constructs a Decoder over its contents.
// The returned Decoder's Close closes the file, unless config.LeaveOpen is set.
func NewDecoderFromFile(path string, config *DecoderConfig) (*Decoder, error) {
	src, err := NewFileSource(path)
	if err != nil {
		return nil, err
	}
	return newDecoderFromSource(src, config), nil
}

// NewDecoderFromSource constructs a Decoder over an arbitrary ByteSource.
func NewDecoderFromSource(src ByteSource, config *DecoderConfig) *Decoder {
	return newDecoderFromSource(src, config)
}

func newDecoderFromSource(src ByteSource, config *DecoderConfig) *Decoder {
	if config == nil {
		config = &DecoderConfig{}
	}
	return &Decoder{
		fs:     NewFrameStream(src),
		config: config,
		stack:  make([]any, 0, 16),
		memo:   make(map[int64]any),
	}
}

// Close releases resources held by the Decoder's underlying ByteSource,
// unless the Decoder was configured with LeaveOpen.
func (d *Decoder) Close() error {
	if d.config.LeaveOpen {
		return nil
	}
	return d.fs.Close()
}

type opHandler func(d *Decoder) error

var opTable [256]opHandler

func init() {
	opTable[opMark] = func(d *Decoder) error { d.mark(); return nil }
	opTable[opStop] = nil // handled specially in Decode's loop
	opTable[opPop] = func(d *Decoder) error { _, err := d.pop(); return err }
	opTable[opPopMark] = (*Decoder).popMark
	opTable[opDup] = (*Decoder).dup
	opTable[opFloat] = (*Decoder).loadFloat
	opTable[opInt] = (*Decoder).loadInt
	opTable[opBinint] = (*Decoder).loadBinInt
	opTable[opBinint1] = (*Decoder).loadBinInt1
	opTable[opBinint2] = (*Decoder).loadBinInt2
	opTable[opLong] = (*Decoder).loadLong
	opTable[opLong1] = (*Decoder).loadLong1
	opTable[opLong4] = (*Decoder).loadLong4
	opTable[opNone] = (*Decoder).loadNone
	opTable[opPersid] = unsupported
	opTable[opBinpersid] = unsupported
	opTable[opReduce] = unsupported
	opTable[opExt1] = unsupported
	opTable[opExt2] = unsupported
	opTable[opExt4] = unsupported
	opTable[opString] = (*Decoder).loadString
	opTable[opBinstring] = (*Decoder).loadBinString
	opTable[opShortBinstring] = (*Decoder).loadShortBinString
	opTable[opUnicode] = (*Decoder).loadUnicode
	opTable[opBinunicode] = (*Decoder).loadBinUnicode
	opTable[opShortBinUnicode] = (*Decoder).loadShortBinUnicode
	opTable[opBinunicode8] = (*Decoder).loadBinUnicode8
	opTable[opBinbytes] = (*Decoder).loadBinBytes
	opTable[opShortBinbytes] = (*Decoder).loadShortBinBytes
	opTable[opBinbytes8] = (*Decoder).loadBinBytes8
	opTable[opAppend] = (*Decoder).loadAppend
	opTable[opAppends] = (*Decoder).loadAppends
	opTable[opBuild] = (*Decoder).build
	opTable[opGlobal] = (*Decoder).global
	opTable[opStackGlobal] = (*Decoder).stackGlobal
	opTable[opDict] = (*Decoder).loadDict
	opTable[opEmptyDict] = func(d *Decoder) error { d.push(NewDict()); return nil }
	opTable[opGet] = (*Decoder).get
	opTable[opBinget] = (*Decoder).binGet
	opTable[opLongBinget] = (*Decoder).longBinGet
	opTable[opInst] = (*Decoder).inst
	opTable[opObj] = (*Decoder).obj
	opTable[opNewobj] = (*Decoder).newobj
	opTable[opNewobjEx] = (*Decoder).newobjEx
	opTable[opList] = (*Decoder).loadList
	opTable[opEmptyList] = func(d *Decoder) error { d.push(NewList()); return nil }
	opTable[opPut] = (*Decoder).loadPut
	opTable[opBinput] = (*Decoder).binPut
	opTable[opLongBinput] = (*Decoder).longBinPut
	opTable[opMemoize] = (*Decoder).loadMemoize
	opTable[opSetitem] = (*Decoder).loadSetItem
	opTable[opSetitems] = (*Decoder).loadSetItems
	opTable[opTuple] = (*Decoder).loadTuple
	opTable[opTuple1] = func(d *Decoder) error { return d.tupleN(1) }
	opTable[opTuple2] = func(d *Decoder) error { return d.tupleN(2) }
	opTable[opTuple3] = func(d *Decoder) error { return d.tupleN(3) }
	opTable[opEmptyTuple] = func(d *Decoder) error { d.push(Tuple{}); return nil }
	opTable[opBinfloat] = (*Decoder).binFloat
	opTable[opNewtrue] = func(d *Decoder) error { d.push(true); return nil }
	opTable[opNewfalse] = func(d *Decoder) error { d.push(false); return nil }
	opTable[opFrame] = (*Decoder).loadFrame
	opTable[opEmptySet] = func(d *Decoder) error { d.push(NewSet()); return nil }
	opTable[opAddItems] = (*Decoder).loadAddItems
	opTable[opFrozenSet] = (*Decoder).loadFrozenSet
	opTable[opBytearray8] = (*Decoder).loadBytearray8
	opTable[opNextBuffer] = (*Decoder).loadNextBuffer
	opTable[opReadOnlyBuffer] = (*Decoder).readOnlyBuffer
	opTable[opProto] = (*Decoder).loadProto
}

func unsupported(d *Decoder) error { return ErrOpcodeUnsupported }

// Decode decodes the pickle stream and returns the decoded top-level value.
func (d *Decoder) Decode() (result any, err error) {
	insn := 0
	var op byte
	// hash panics on a Dict key or set member of an unhashable type (a
	// list, dict or set); report that as an error instead.
	defer func() {
		if r := recover(); r != nil {
			s, ok := r.(string)
			if !ok || !strings.HasPrefix(s, "unhashable type: ") {
				panic(r)
			}
			result, err = nil, newErr(KindTypeMismatch, op, insn, fmt.Errorf("pickle: %s", s))
		}
	}()
	for {
		key, err := d.fs.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, newErr(KindTruncatedInput, 0, insn, io.ErrUnexpectedEOF)
			}
			return nil, wrapOpErr(err, 0, insn)
		}
		insn++
		op = key

		if key == opStop {
			break
		}

		handler := opTable[key]
		if handler == nil {
			return nil, newErr(KindUnknownOpcode, key, insn, nil)
		}

		if err := handler(d); err != nil {
			return nil, wrapOpErr(err, key, insn)
		}
	}

	if len(d.stack) != 1 {
		return nil, newErr(KindMalformedOperand, opStop, insn,
			fmt.Errorf("stack holds %d objects at STOP, want 1", len(d.stack)))
	}
	v, err := d.popUser()
	if err != nil {
		return nil, wrapOpErr(err, opStop, insn)
	}
	return v, nil
}

// wrapOpErr classifies err (if it is not already an UnpicklingError) into
// the appropriate Kind and attaches the opcode/position that produced it.
func wrapOpErr(err error, op byte, pos int) error {
	if ue, ok := err.(*UnpicklingError); ok {
		ue.Op, ue.Pos = op, pos
		return ue
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}

	kind := KindOther
	switch err {
	case io.ErrUnexpectedEOF:
		kind = KindTruncatedInput
	case errStackUnderflow, errNoMarker:
		kind = KindStackUnderflow
	case errNoMarkUse:
		kind = KindTypeMismatch
	case ErrInvalidPickleVersion:
		kind = KindProtocolUnsupported
	case ErrUnregisteredProxy:
		kind = KindUnregisteredProxy
	case ErrFrameViolation:
		kind = KindFrameViolation
	case ErrOpcodeUnsupported:
		kind = KindUnsupportedOpcode
	case ErrNoBuffers, ErrNotABuffer:
		kind = KindTypeMismatch
	}
	if _, ok := err.(*strconv.NumError); ok {
		kind = KindMalformedOperand
	}
	return newErr(kind, op, pos, err)
}

// readLine reads the next line from the pickle stream (text-protocol opcodes only).
func (d *Decoder) readLine() ([]byte, error) {
	line, err := d.fs.ReadLine()
	d.line = line
	return d.line, err
}

// userOK reports whether it is ok to let objv escape the stack (the mark
// sentinel must never reach a caller).
func userOK(objv ...any) error {
	for _, obj := range objv {
		if _, ok := obj.(mark); ok {
			return errNoMarkUse
		}
	}
	return nil
}

func (d *Decoder) mark() { d.push(mark{}) }

// marker returns the stack index of the topmost mark sentinel.
func (d *Decoder) marker() (int, error) {
	for k := len(d.stack) - 1; k >= 0; k-- {
		if _, ok := d.stack[k].(mark); ok {
			return k, nil
		}
	}
	return 0, errNoMarker
}

func (d *Decoder) push(v any) { d.stack = append(d.stack, v) }

func (d *Decoder) pop() (any, error) {
	ln := len(d.stack) - 1
	if ln < 0 {
		return nil, errStackUnderflow
	}
	v := d.stack[ln]
	d.stack = d.stack[:ln]
	return v, nil
}

// xpop pops a value known to exist (caller already checked stack depth).
func (d *Decoder) xpop() any {
	v, err := d.pop()
	if err != nil {
		panic(err)
	}
	return v
}

func (d *Decoder) popUser() (any, error) {
	v, err := d.pop()
	if err != nil {
		return nil, err
	}
	if err := userOK(v); err != nil {
		return nil, err
	}
	return v, nil
}

// popMark discards the stack through to, and including, the topmost mark.
func (d *Decoder) popMark() error {
	k, err := d.marker()
	if err != nil {
		return err
	}
	d.stack = d.stack[:k]
	return nil
}

func (d *Decoder) dup() error {
	if len(d.stack) < 1 {
		return errStackUnderflow
	}
	d.stack = append(d.stack, d.stack[len(d.stack)-1])
	return nil
}

func (d *Decoder) loadFloat() error {
	line, err := d.readLine()
	if err != nil {
		return err
	}
	v, err := strconv.ParseFloat(string(line), 64)
	if err != nil {
		return err
	}
	d.push(v)
	return nil
}

func (d *Decoder) loadInt() error {
	line, err := d.readLine()
	if err != nil {
		return err
	}

	var val any
	switch string(line) {
	case opFalseLine:
		val = false
	case opTrueLine:
		val = true
	default:
		i, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			return err
		}
		val = i
	}
	d.push(val)
	return nil
}

func (d *Decoder) loadBinInt() error {
	var b [4]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	v := binary.LittleEndian.Uint32(b[:])
	d.push(int64(int32(v)))
	return nil
}

func (d *Decoder) loadBinInt1() error {
	b, err := d.fs.ReadByte()
	if err != nil {
		return err
	}
	d.push(int64(b))
	return nil
}

func (d *Decoder) loadBinInt2() error {
	var b [2]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	d.push(int64(binary.LittleEndian.Uint16(b[:])))
	return nil
}

func (d *Decoder) loadLong() error {
	line, err := d.readLine()
	if err != nil {
		return err
	}
	l := len(line)
	if l < 1 || line[l-1] != 'L' {
		return io.ErrUnexpectedEOF
	}
	v := new(big.Int)
	if _, ok := v.SetString(string(line[:l-1]), 10); !ok {
		return fmt.Errorf("pickle: LONG: invalid literal %q", line)
	}
	d.push(v)
	return nil
}

func (d *Decoder) loadLong1() error {
	n, err := d.fs.ReadByte()
	if err != nil {
		return err
	}
	raw := make([]byte, n)
	if err := d.fs.ReadFull(raw); err != nil {
		return err
	}
	d.push(decodeLong(raw))
	return nil
}

func (d *Decoder) loadLong4() error {
	var b [4]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(b[:])
	raw := make([]byte, n)
	if err := d.fs.ReadFull(raw); err != nil {
		return err
	}
	d.push(decodeLong(raw))
	return nil
}

func (d *Decoder) loadNone() error {
	d.push(None{})
	return nil
}

func (d *Decoder) loadProto() error {
	v, err := d.fs.ReadByte()
	if err != nil {
		return err
	}
	if v > 5 {
		// The PROTO opcode documentation says the protocol version must be
		// in [2, 256), but CPython also loads PROTO with version 0 and 1
		// without error, so every version through 5 (the highest this
		// decoder implements) is accepted.
		return ErrInvalidPickleVersion
	}
	d.protocol = int(v)
	return nil
}

// Push a string (protocol 0). Per pickle, a STRING operand is a
// quote-delimited literal; unlike the Python reference unpickler, this
// decoder does not interpret backslash escapes inside it; it only strips
// the matching leading/trailing quote. A producer that relies on escape
// sequences inside protocol-0 STRING operands will round-trip incorrectly.
func (d *Decoder) loadString() error {
	line, err := d.readLine()
	if err != nil {
		return err
	}
	if len(line) < 2 {
		return newErr(KindMalformedOperand, opString, 0, fmt.Errorf("pickle: STRING: operand %q is not quoted", line))
	}

	delim := line[0]
	if delim != '\'' && delim != '"' {
		return newErr(KindMalformedOperand, opString, 0, fmt.Errorf("pickle: STRING: invalid delimiter %q", delim))
	}
	if line[len(line)-1] != delim {
		return newErr(KindMalformedOperand, opString, 0, fmt.Errorf("pickle: STRING: unterminated operand %q", line))
	}

	d.push(string(line[1 : len(line)-1]))
	return nil
}

// bufLoadN reads exactly n bytes into d.buf, guarding against an
// attacker-controlled huge n forcing an unbounded allocation up front.
func (d *Decoder) bufLoadN(n uint64) error {
	d.buf.Reset()
	prealloc := n
	if maxgrow := uint64(0x10000); prealloc > maxgrow {
		prealloc = maxgrow
	}
	d.buf.Grow(int(prealloc))
	if n > math.MaxInt64 {
		return fmt.Errorf("pickle: operand length exceeds maxint64")
	}

	chunk := make([]byte, prealloc)
	for n > 0 {
		c := chunk
		if n < uint64(len(c)) {
			c = c[:n]
		}
		if err := d.fs.ReadFull(c); err != nil {
			return err
		}
		d.buf.Write(c)
		n -= uint64(len(c))
	}
	return nil
}

func (d *Decoder) pushBufString() {
	if d.config.Encoding == "bytes" {
		d.push(Bytes(d.buf.String()))
		return
	}
	raw := d.buf.Bytes()
	runes := make([]rune, len(raw))
	for i, c := range raw {
		runes[i] = rune(c)
	}
	d.push(string(runes))
}

func (d *Decoder) loadBinString() error {
	var b [4]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	if err := d.bufLoadN(uint64(binary.LittleEndian.Uint32(b[:]))); err != nil {
		return err
	}
	d.pushBufString()
	return nil
}

func (d *Decoder) loadShortBinString() error {
	b, err := d.fs.ReadByte()
	if err != nil {
		return err
	}
	if err := d.bufLoadN(uint64(b)); err != nil {
		return err
	}
	d.pushBufString()
	return nil
}

func (d *Decoder) loadBinBytes() error {
	var b [4]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	if err := d.bufLoadN(uint64(binary.LittleEndian.Uint32(b[:]))); err != nil {
		return err
	}
	d.push(Bytes(d.buf.String()))
	return nil
}

func (d *Decoder) loadShortBinBytes() error {
	b, err := d.fs.ReadByte()
	if err != nil {
		return err
	}
	if err := d.bufLoadN(uint64(b)); err != nil {
		return err
	}
	d.push(Bytes(d.buf.String()))
	return nil
}

func (d *Decoder) loadBinBytes8() error {
	var b [8]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	if err := d.bufLoadN(binary.LittleEndian.Uint64(b[:])); err != nil {
		return err
	}
	d.push(Bytes(d.buf.String()))
	return nil
}

// loadUnicode decodes a protocol-0 UNICODE operand using the same rules as
// Python's raw_unicode_escape codec: \uXXXX and \UXXXXXXXX escapes are
// decoded to the rune they name; every other byte, including a literal
// backslash not starting a recognized escape, is mapped straight through
// as though it were Latin-1 (byte value == code point).
func (d *Decoder) loadUnicode() error {
	line, err := d.readLine()
	if err != nil {
		return err
	}
	s, err := rawUnicodeEscapeDecode(line)
	if err != nil {
		return err
	}
	d.push(s)
	return nil
}

func (d *Decoder) loadBinUnicode() error {
	var b [4]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	if err := d.bufLoadN(uint64(binary.LittleEndian.Uint32(b[:]))); err != nil {
		return err
	}
	d.push(d.buf.String())
	return nil
}

func (d *Decoder) loadShortBinUnicode() error {
	b, err := d.fs.ReadByte()
	if err != nil {
		return err
	}
	if err := d.bufLoadN(uint64(b)); err != nil {
		return err
	}
	d.push(d.buf.String())
	return nil
}

func (d *Decoder) loadBinUnicode8() error {
	var b [8]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	if err := d.bufLoadN(binary.LittleEndian.Uint64(b[:])); err != nil {
		return err
	}
	d.push(d.buf.String())
	return nil
}

func (d *Decoder) loadAppend() error {
	if len(d.stack) < 2 {
		return errStackUnderflow
	}
	v := d.xpop()
	if err := userOK(v); err != nil {
		return err
	}
	l, ok := d.stack[len(d.stack)-1].(*List)
	if !ok {
		return newErr(KindTypeMismatch, opAppend, 0, fmt.Errorf("pickle: APPEND: expected a list, got %T", d.stack[len(d.stack)-1]))
	}
	l.Items = append(l.Items, v)
	return nil
}

func (d *Decoder) loadAppends() error {
	k, err := d.marker()
	if err != nil {
		return err
	}
	if k < 1 {
		return errStackUnderflow
	}
	l, ok := d.stack[k-1].(*List)
	if !ok {
		return fmt.Errorf("pickle: APPENDS: expected a list, got %T", d.stack[k-1])
	}
	items := d.stack[k+1:]
	if err := userOK(items...); err != nil {
		return err
	}
	l.Items = append(l.Items, items...)
	d.stack = d.stack[:k]
	return nil
}

// build implements BUILD: pop state, apply it to the object now at the top
// of the stack via StateSetter, or by merging into a Dict.
func (d *Decoder) build() error {
	if len(d.stack) < 2 {
		return errStackUnderflow
	}
	state := d.xpop()
	if err := userOK(state); err != nil {
		return err
	}
	obj := d.stack[len(d.stack)-1]

	if setter, ok := obj.(StateSetter); ok {
		return setter.SetState(state)
	}
	if dst, ok := obj.(Dict); ok {
		src, ok := state.(Dict)
		if !ok {
			return newErr(KindTypeMismatch, opBuild, 0, fmt.Errorf("pickle: BUILD: expected dict state, got %T", state))
		}
		src.Iter()(func(k, v any) bool {
			dst.Set(k, v)
			return true
		})
		return nil
	}
	return newErr(KindTypeMismatch, opBuild, 0, fmt.Errorf("pickle: BUILD: %T does not support state", obj))
}

func (d *Decoder) global() error {
	module, err := d.readLine()
	if err != nil {
		return err
	}
	smodule := string(module)
	name, err := d.readLine()
	if err != nil {
		return err
	}
	d.push(TypeRef{Module: smodule, Name: string(name)})
	return nil
}

func (d *Decoder) stackGlobal() error {
	if len(d.stack) < 2 {
		return errStackUnderflow
	}
	xname := d.xpop()
	xmodule := d.xpop()

	name, ok := xname.(string)
	if !ok {
		return fmt.Errorf("pickle: STACK_GLOBAL: invalid name: %T", xname)
	}
	module, ok := xmodule.(string)
	if !ok {
		return fmt.Errorf("pickle: STACK_GLOBAL: invalid module: %T", xmodule)
	}
	d.push(TypeRef{Module: module, Name: name})
	return nil
}

// factoryFor resolves x (expected to be a TypeRef) to its registered Factory.
func (d *Decoder) factoryFor(x any) (Factory, error) {
	ref, ok := x.(TypeRef)
	if !ok {
		return nil, fmt.Errorf("pickle: expected a type reference, got %T", x)
	}
	f, ok := d.config.Registry.Lookup(ref.Module, ref.Name)
	if !ok {
		return nil, ErrUnregisteredProxy
	}
	return f, nil
}

// inst implements INST: classname/module are read as two text lines, then
// the positional constructor arguments are popped from mark..top.
func (d *Decoder) inst() error {
	module, err := d.readLine()
	if err != nil {
		return err
	}
	smodule := string(module)
	name, err := d.readLine()
	if err != nil {
		return err
	}

	f, err := d.factoryFor(TypeRef{Module: smodule, Name: string(name)})
	if err != nil {
		return err
	}

	k, err := d.marker()
	if err != nil {
		return err
	}
	args := append([]any{}, d.stack[k+1:]...)
	if err := userOK(args...); err != nil {
		return err
	}

	obj, err := f(args, Dict{})
	if err != nil {
		return err
	}
	d.stack = append(d.stack[:k], obj)
	return nil
}

// obj implements OBJ: mark, class, arg1, ..., argN -> instance.
func (d *Decoder) obj() error {
	k, err := d.marker()
	if err != nil {
		return err
	}
	if len(d.stack) < k+2 {
		return errStackUnderflow
	}
	class := d.stack[k+1]
	args := append([]any{}, d.stack[k+2:]...)
	if err := userOK(args...); err != nil {
		return err
	}

	f, err := d.factoryFor(class)
	if err != nil {
		return err
	}
	obj, err := f(args, Dict{})
	if err != nil {
		return err
	}
	d.stack = append(d.stack[:k], obj)
	return nil
}

// newobj implements NEWOBJ: ..., cls, argtuple -> ..., cls.__new__(cls, *argtuple).
func (d *Decoder) newobj() error {
	if len(d.stack) < 2 {
		return errStackUnderflow
	}
	xargs := d.xpop()
	xcls := d.xpop()

	var args []any
	if tup, ok := xargs.(Tuple); ok {
		args = []any(tup)
	} else {
		args = []any{xargs}
	}
	f, err := d.factoryFor(xcls)
	if err != nil {
		return err
	}
	obj, err := f(args, Dict{})
	if err != nil {
		return err
	}
	d.push(obj)
	return nil
}

// newobjEx implements NEWOBJ_EX: ..., cls, argtuple, kwargs -> ..., obj.
func (d *Decoder) newobjEx() error {
	if len(d.stack) < 3 {
		return errStackUnderflow
	}
	xkwargs := d.xpop()
	xargs := d.xpop()
	xcls := d.xpop()

	args, ok := xargs.(Tuple)
	if !ok {
		return fmt.Errorf("pickle: NEWOBJ_EX: invalid args: %T", xargs)
	}
	kwargs, ok := xkwargs.(Dict)
	if !ok {
		return fmt.Errorf("pickle: NEWOBJ_EX: invalid kwargs: %T", xkwargs)
	}
	f, err := d.factoryFor(xcls)
	if err != nil {
		return err
	}
	obj, err := f([]any(args), kwargs)
	if err != nil {
		return err
	}
	d.push(obj)
	return nil
}

func (d *Decoder) loadDict() error {
	k, err := d.marker()
	if err != nil {
		return err
	}

	items := d.stack[k+1:]
	if len(items)%2 != 0 {
		return fmt.Errorf("pickle: DICT: odd number of elements")
	}
	if err := userOK(items...); err != nil {
		return err
	}

	m := NewDictWithSizeHint(len(items) / 2)
	for i := 0; i < len(items); i += 2 {
		m.Set(items[i], items[i+1])
	}
	d.stack = append(d.stack[:k], m)
	return nil
}

func (d *Decoder) get() error {
	line, err := d.readLine()
	if err != nil {
		return err
	}
	idx, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return err
	}
	return d.pushMemo(idx)
}

func (d *Decoder) binGet() error {
	b, err := d.fs.ReadByte()
	if err != nil {
		return err
	}
	return d.pushMemo(int64(b))
}

func (d *Decoder) longBinGet() error {
	var b [4]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	return d.pushMemo(int64(binary.LittleEndian.Uint32(b[:])))
}

func (d *Decoder) pushMemo(idx int64) error {
	v, ok := d.memo[idx]
	if !ok {
		return newErr(KindMemoError, opGet, 0, fmt.Errorf("memo key error %d", idx))
	}
	d.push(v)
	return nil
}

func (d *Decoder) loadList() error {
	k, err := d.marker()
	if err != nil {
		return err
	}
	items := d.stack[k+1:]
	if err := userOK(items...); err != nil {
		return err
	}
	l := &List{Items: append([]any{}, items...)}
	d.stack = append(d.stack[:k], l)
	return nil
}

func (d *Decoder) loadTuple() error {
	k, err := d.marker()
	if err != nil {
		return err
	}
	items := d.stack[k+1:]
	if err := userOK(items...); err != nil {
		return err
	}
	v := append(Tuple{}, items...)
	d.stack = append(d.stack[:k], v)
	return nil
}

func (d *Decoder) tupleN(n int) error {
	if len(d.stack) < n {
		return errStackUnderflow
	}
	k := len(d.stack) - n
	if err := userOK(d.stack[k:]...); err != nil {
		return err
	}
	v := append(Tuple{}, d.stack[k:]...)
	d.stack = append(d.stack[:k], v)
	return nil
}

// memoAt stores the current stack top into memo[idx] without popping it.
func (d *Decoder) memoAt(idx int64) error {
	if len(d.stack) < 1 {
		return errStackUnderflow
	}
	obj := d.stack[len(d.stack)-1]
	if err := userOK(obj); err != nil {
		return err
	}
	d.memo[idx] = obj
	return nil
}

func (d *Decoder) loadPut() error {
	line, err := d.readLine()
	if err != nil {
		return err
	}
	idx, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return err
	}
	return d.memoAt(idx)
}

func (d *Decoder) binPut() error {
	b, err := d.fs.ReadByte()
	if err != nil {
		return err
	}
	return d.memoAt(int64(b))
}

func (d *Decoder) longBinPut() error {
	var b [4]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	return d.memoAt(int64(binary.LittleEndian.Uint32(b[:])))
}

func (d *Decoder) loadMemoize() error {
	return d.memoAt(int64(len(d.memo)))
}

func (d *Decoder) loadSetItem() error {
	if len(d.stack) < 3 {
		return errStackUnderflow
	}
	v := d.xpop()
	k := d.xpop()
	if err := userOK(k, v); err != nil {
		return err
	}
	m, ok := d.stack[len(d.stack)-1].(Dict)
	if !ok {
		return fmt.Errorf("pickle: SETITEM: expected a dict, got %T", d.stack[len(d.stack)-1])
	}
	m.Set(k, v)
	return nil
}

func (d *Decoder) loadSetItems() error {
	k, err := d.marker()
	if err != nil {
		return err
	}
	if k < 1 {
		return errStackUnderflow
	}
	m, ok := d.stack[k-1].(Dict)
	if !ok {
		return fmt.Errorf("pickle: SETITEMS: expected a dict, got %T", d.stack[k-1])
	}
	items := d.stack[k+1:]
	if len(items)%2 != 0 {
		return fmt.Errorf("pickle: SETITEMS: odd number of elements")
	}
	if err := userOK(items...); err != nil {
		return err
	}
	for i := 0; i < len(items); i += 2 {
		m.Set(items[i], items[i+1])
	}
	d.stack = d.stack[:k]
	return nil
}

func (d *Decoder) loadAddItems() error {
	k, err := d.marker()
	if err != nil {
		return err
	}
	if k < 1 {
		return errStackUnderflow
	}
	s, ok := d.stack[k-1].(Set)
	if !ok {
		return fmt.Errorf("pickle: ADDITEMS: expected a set, got %T", d.stack[k-1])
	}
	items := d.stack[k+1:]
	if err := userOK(items...); err != nil {
		return err
	}
	for _, it := range items {
		s.Add(it)
	}
	d.stack = d.stack[:k]
	return nil
}

func (d *Decoder) loadFrozenSet() error {
	k, err := d.marker()
	if err != nil {
		return err
	}
	items := d.stack[k+1:]
	if err := userOK(items...); err != nil {
		return err
	}
	fs := NewFrozenSet(items...)
	d.stack = append(d.stack[:k], fs)
	return nil
}

func (d *Decoder) binFloat() error {
	var b [8]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	d.push(math.Float64frombits(binary.BigEndian.Uint64(b[:])))
	return nil
}

// loadFrame enters a bounded protocol-4 frame region covering exactly the
// next N bytes, where N is the frame's declared length.
func (d *Decoder) loadFrame() error {
	var b [8]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(b[:])
	if n > math.MaxInt64 {
		return fmt.Errorf("pickle: FRAME: length exceeds maxint64")
	}
	return d.fs.EnterFrame(int64(n))
}

func (d *Decoder) loadBytearray8() error {
	var b [8]byte
	if err := d.fs.ReadFull(b[:]); err != nil {
		return err
	}
	if err := d.bufLoadN(binary.LittleEndian.Uint64(b[:])); err != nil {
		return err
	}
	data := append([]byte{}, d.buf.Bytes()...)
	d.push(ByteArray(data))
	return nil
}

func (d *Decoder) loadNextBuffer() error {
	if d.config.Buffers == nil {
		return ErrNoBuffers
	}
	buf, err := d.config.Buffers.NextBuffer()
	if err != nil {
		return err
	}
	d.push(buf)
	return nil
}

func (d *Decoder) readOnlyBuffer() error {
	if len(d.stack) < 1 {
		return errStackUnderflow
	}
	switch top := d.stack[len(d.stack)-1].(type) {
	case Bytes:
		return nil
	case ByteArray:
		d.stack[len(d.stack)-1] = Bytes(top)
		return nil
	default:
		return ErrNotABuffer
	}
}

// decodeLong decodes data as a two's-complement, little-endian signed
// integer of data's own width: an empty slice is 0, and the result's sign
// is taken from data's most significant bit, not from zero-extension.
func decodeLong(data []byte) *big.Int {
	n := len(data)
	if n == 0 {
		return big.NewInt(0)
	}

	negative := data[n-1] > 127

	magnitude := make([]byte, n)
	for i := 0; i < n; i++ {
		magnitude[n-1-i] = data[i] // big.Int.SetBytes wants big-endian
	}

	v := new(big.Int).SetBytes(magnitude)
	if negative {
		// two's complement: v - 2^(8n)
		full := new(big.Int).Lsh(big.NewInt(1), uint(8*n))
		v.Sub(v, full)
	}
	return v
}

// rawUnicodeEscapeDecode implements Python's raw_unicode_escape codec: only
// \uXXXX and \UXXXXXXXX are interpreted as escapes; every other byte maps
// straight through as its own Latin-1 code point.
func rawUnicodeEscapeDecode(line []byte) (string, error) {
	var out []rune
	for i := 0; i < len(line); {
		c := line[i]
		if c != '\\' || i+1 >= len(line) {
			out = append(out, rune(c))
			i++
			continue
		}

		next := line[i+1]
		var width int
		switch next {
		case 'u':
			width = 4
		case 'U':
			width = 8
		default:
			out = append(out, rune(c))
			i++
			continue
		}

		if i+2+width > len(line) {
			out = append(out, rune(c))
			i++
			continue
		}

		hexDigits := string(line[i+2 : i+2+width])
		v, err := strconv.ParseUint(hexDigits, 16, 32)
		if err != nil {
			out = append(out, rune(c))
			i++
			continue
		}

		out = append(out, rune(v))
		i += 2 + width
	}
	return string(out), nil
}
