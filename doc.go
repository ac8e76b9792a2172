// Package pickle decodes Python's pickle binary object-serialization format
// (protocols 0 through 5).
//
// Use Decoder to decode a pickle from an input stream, for example:
//
//	d := pickle.NewDecoder(r)
//	obj, err := d.Decode() // obj is interface{} representing the decoded Python value
//
// The following table summarizes the mapping between Python and Go types:
//
//	Python      Go
//	------      --
//
//	None        ↔  pickle.None
//	bool        ↔  bool
//	int         ↔  int64
//	long        ↔  *big.Int
//	float       ↔  float64
//	str         ↔  string
//	bytes       ↔  pickle.Bytes
//	bytearray   ↔  pickle.ByteArray
//	list        ↔  *pickle.List
//	tuple       ↔  pickle.Tuple
//	dict        ↔  pickle.Dict
//	set         ↔  pickle.Set
//	frozenset   ↔  pickle.FrozenSet
//
// Instances of user-defined classes are never constructed automatically:
// unlike the reference Python implementation, this decoder never resolves
// or calls an arbitrary callable named inside the stream. A pickle's
// GLOBAL/STACK_GLOBAL opcode instead pushes a pickle.TypeRef naming the
// (module, name) pair, and object construction (INST/OBJ/NEWOBJ/NEWOBJ_EX)
// only succeeds for types the host has registered in advance via
// ProxyRegistry.Register. It is thus safe to decode pickles from untrusted
// sources(^): at worst, decoding a stream naming an unregistered type fails
// with an error.
//
// # Pickle protocol versions
//
// Over time the pickle stream format evolved. The original protocol
// version 0 is human-readable; versions 1 and 2 extend it in a
// backward-compatible way with binary encodings for efficiency. Protocol
// version 3 added a way to represent Python 3 bytes objects. Protocol
// version 4 further enhances on version 3, switches to binary-only
// encoding and introduces FRAME. Protocol version 5 added support for
// out-of-band buffers. See
// https://docs.python.org/3/library/pickle.html#data-stream-format for
// details.
//
// Decode detects which protocol is in use from the stream's PROTO opcode
// (defaulting to protocol 0 if none is present) and handles all opcodes
// defined through protocol 5; it rejects a PROTO opcode naming a later
// version.
//
// # Out-of-scope opcodes
//
// REDUCE, PERSID, BINPERSID and EXT1/EXT2/EXT4 are recognized but never
// executed: encountering one fails decoding deterministically with an
// UnpicklingError of kind KindUnsupportedOpcode. A pickle stream that
// exercises any of these was produced either by calling an arbitrary
// constructor, using a persistent-id callback, or using the extension
// registry — none of which this decoder resolves.
//
// --------
//
// (^) contrary to the Python implementation, where an adversarial pickle
// can cause the interpreter to run arbitrary code, e.g. os.system("rm -rf /").
package pickle
