// Package vef defines the boundary surface between the server and
// extension shared objects.
//
// Every versioned struct carries its protocol tag as the first field, and
// later protocol revisions may only append fields. The server negotiates
// min(server protocol, extension protocol) at registration time and reads
// only fields valid at the negotiated version. Structs used inline in
// other structs are not themselves versioned.
//
// Extensions are built as Go plugins exporting VefRegister and
// VefUnregister (see RegisterSymbol and UnregisterSymbol).
package vef

import "math"

// Protocol identifies an ABI revision.
type Protocol uint32

const (
	// Protocol0 is unused.
	Protocol0 Protocol = iota
	// Protocol1 is the current revision. Not yet a stable version.
	Protocol1
)

// CurrentProtocol is the highest protocol this server was built with.
const CurrentProtocol = Protocol1

// Negotiate returns the protocol both sides understand.
func Negotiate(server, extension Protocol) Protocol {
	if extension < server {
		return extension
	}
	return server
}

// MaxErrorLen is the size of caller-owned error message buffers.
const MaxErrorLen = 512

// NullLength is the encode-length sentinel meaning "the value is SQL
// null".
const NullLength = uint64(math.MaxUint64)

// Version is a dotted version triple crossing the boundary.
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// TypeID identifies a value type for parameters and return values.
type TypeID int

const (
	// TypeString is human-readable text.
	TypeString TypeID = iota
	// TypeReal is a double-precision float.
	TypeReal
	// TypeInt is a 64-bit integer.
	TypeInt
	// TypeCustom is an extension-defined type in its persisted binary
	// form.
	TypeCustom
)

func (t TypeID) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeReal:
		return "REAL"
	case TypeInt:
		return "INT"
	case TypeCustom:
		return "CUSTOM"
	}
	return "UNKNOWN"
}

// Type is a parameter or return type. CustomType is set only when ID is
// TypeCustom and names a type defined by the same extension, without the
// extension prefix.
type Type struct {
	ID         TypeID
	CustomType string
}

// Signature describes a function's typed parameter list and return type.
type Signature struct {
	Params     []Type
	ReturnType Type
}

// Invalue is one input argument for a function call. Check IsNull before
// reading any value field; the field to read is selected by Type.
type Invalue struct {
	Type   TypeID
	IsNull bool

	// For TypeString: human-readable text.
	StrValue []byte
	// For TypeCustom: binary data in persisted format.
	BinValue []byte
	// For TypeReal.
	RealValue float64
	// For TypeInt.
	IntValue int64
}

// ResultKind tells the caller how to interpret a call result.
type ResultKind int

const (
	// ResultValue means the result fields hold the value.
	ResultValue ResultKind = iota
	// ResultNull means the result is SQL null.
	ResultNull
	// ResultError means ErrorMsg holds a message.
	ResultError
)

// Context is passed to every extension function call.
type Context struct {
	// Protocol is the negotiated protocol version.
	Protocol Protocol
}

// VDFArgs carries the per-row input of a function invocation.
type VDFArgs struct {
	// UserData is whatever the prerun hook returned (nil without one).
	UserData any

	// Values are the input arguments, one per declared parameter.
	Values []Invalue
}

// VDFResult receives the output of a function invocation.
//
// For TypeString returns: write into StrBuf and set ActualLen, or set
// AltStrBuf to callee-owned memory to avoid the copy (the pointer must
// stay valid until the next row call or the postrun hook). For TypeCustom
// the Bin pair is used the same way. Numeric returns use RealValue or
// IntValue and leave ActualLen unset.
type VDFResult struct {
	// protocol >= Protocol1
	Kind ResultKind

	// ActualLen is the result length for string/custom values.
	ActualLen uint64

	// ErrorMsg is a caller-provided buffer of MaxErrorLen bytes. Write a
	// message here when Kind is ResultError.
	ErrorMsg []byte

	StrBuf    []byte
	AltStrBuf []byte

	BinBuf    []byte
	AltBinBuf []byte

	RealValue float64
	IntValue  int64
}

// SetError records an error message in the caller-provided buffer and
// marks the result as failed. Helper for extension authors.
func (r *VDFResult) SetError(msg string) {
	r.Kind = ResultError
	n := copy(r.ErrorMsg[:cap(r.ErrorMsg)], msg)
	r.ErrorMsg = r.ErrorMsg[:cap(r.ErrorMsg)]
	for i := n; i < len(r.ErrorMsg); i++ {
		r.ErrorMsg[i] = 0
	}
}

// VDFFunc is the main per-row callback.
type VDFFunc func(ctx *Context, args *VDFArgs, result *VDFResult)

// PrerunArgs is passed once before the first row. All slices are owned by
// the caller; the callee must copy anything it retains.
type PrerunArgs struct {
	// ArgTypes has one entry per argument the row calls will receive.
	ArgTypes []Type

	// ConstValues has one entry per argument: the serialized constant
	// value when the argument is a constant, nil otherwise.
	ConstValues [][]byte
}

// PrerunResult is filled by the prerun hook.
type PrerunResult struct {
	Kind ResultKind

	// ErrorMsg is a caller-provided buffer of MaxErrorLen bytes.
	ErrorMsg []byte

	// ResultBufferSize requests a result buffer size (0 = default).
	ResultBufferSize uint64

	// UserData is threaded into every row call and the postrun hook.
	UserData any
}

// PrerunFunc runs once before the first row.
type PrerunFunc func(ctx *Context, args *PrerunArgs, result *PrerunResult)

// PostrunArgs is passed once after the last row, including on error.
type PostrunArgs struct {
	UserData any
}

// PostrunResult is reserved for future use.
type PostrunResult struct{}

// PostrunFunc runs once at statement end to release UserData.
type PostrunFunc func(ctx *Context, args *PostrunArgs, result *PostrunResult)

// EncodeFunc converts a string representation to the persisted binary
// representation. It writes into buf and returns the byte count, or
// NullLength to yield SQL null. The error return follows the boundary
// convention: false on success, true on failure.
type EncodeFunc func(buf []byte, from []byte) (length uint64, err bool)

// DecodeFunc converts the persisted binary representation back to the
// string representation, writing into to.
type DecodeFunc func(data []byte, to []byte) (length uint64, err bool)

// CompareFunc is a three-way ascending comparison of two persisted
// values. Descending order is the caller's concern.
type CompareFunc func(a, b []byte) int

// HashFunc hashes a persisted value. Optional: when absent, the server
// hashes the raw bytes, which requires encode to canonicalize equivalent
// values (e.g. -0.0 and +0.0).
type HashFunc func(data []byte) uint64

// FuncDesc describes one function contributed by an extension.
type FuncDesc struct {
	// protocol >= Protocol1
	Protocol Protocol

	// Name is the function name, UTF-8, without the extension prefix.
	Name string

	Signature *Signature

	// VDF is the required per-row callback.
	VDF VDFFunc

	// Optional per-statement hooks.
	Prerun  PrerunFunc
	Postrun PostrunFunc

	// BufferSize is the minimum result buffer size for string/custom
	// returns (0 = default).
	BufferSize uint64
}

// TypeDesc describes one custom type contributed by an extension.
type TypeDesc struct {
	// protocol >= Protocol1
	Protocol Protocol

	// Name is the type name, UTF-8.
	Name string

	// PersistedLength is the stored size of the binary representation.
	PersistedLength int64

	// MaxDecodeBufferLength bounds the string representation.
	MaxDecodeBufferLength int64

	// Required.
	Encode  EncodeFunc
	Decode  DecodeFunc
	Compare CompareFunc

	// Optional (nil if not provided).
	Hash HashFunc
}

// RegisterArg is passed to the extension's register entry point.
type RegisterArg struct {
	// protocol >= Protocol1
	Protocol Protocol

	ServerVersion Version
	SDKVersion    Version
}

// UnregisterArg is passed to the extension's unregister entry point.
type UnregisterArg struct {
	// protocol >= Protocol1
	Protocol Protocol
}

// Registration enumerates everything an extension contributes. Returned
// by the register entry point; the extension may free its contents only
// after the registration is passed back to unregister.
type Registration struct {
	// protocol >= Protocol1
	Protocol Protocol

	// ErrorMsg carries a debugging message when registration failed.
	ErrorMsg string

	// ExtensionVersion is the extension version string (e.g. "1.0.0").
	ExtensionVersion string
	SDKVersion       Version

	// ExtensionName is UTF-8.
	ExtensionName string

	Funcs []*FuncDesc
	Types []*TypeDesc
}

// RegisterFunc is the signature of the exported register entry point.
type RegisterFunc func(arg *RegisterArg) *Registration

// UnregisterFunc is the signature of the exported unregister entry
// point.
type UnregisterFunc func(arg *UnregisterArg, registration *Registration)

// Expected export names for extension entry points.
const (
	RegisterSymbol   = "VefRegister"
	UnregisterSymbol = "VefUnregister"
)
