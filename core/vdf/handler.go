// Package vdf binds and invokes extension-defined scalar functions.
//
// A Handler is bound once per statement: it validates and converts the
// arguments against the function's typed signature, allocates the
// invalue array, error buffer, and result buffer, and runs the optional
// prerun hook. Rows then invoke the function repeatedly; the optional
// postrun hook always runs at statement end.
package vdf

import (
	"fmt"

	"github.com/eatonphil/villagesql-server/core/arena"
	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/session"
	"github.com/eatonphil/villagesql-server/core/types"
	"github.com/eatonphil/villagesql-server/core/vef"
	"github.com/eatonphil/villagesql-server/core/victionary"
)

// defaultResultBufferSize is used when the function gives no size hint.
const defaultResultBufferSize = 256

// Item is the slice of the host's expression node the handler reads:
// per-row evaluation into each native shape, nullability, constness, and
// the attached custom-type context.
type Item interface {
	// TypeContext returns the attached context, nil for built-in types.
	TypeContext() *victionary.TypeContext

	// IsNullLiteral reports a literal SQL NULL argument.
	IsNullLiteral() bool

	// IsConstString reports a constant string usable for implicit
	// conversion to a custom type.
	IsConstString() bool

	// Int evaluates the current row as an integer. The bool is the SQL
	// null flag, as for the other evaluators.
	Int() (int64, bool)
	Real() (float64, bool)
	String() ([]byte, bool)
	// Bytes evaluates to the persisted binary form of a custom value.
	Bytes() ([]byte, bool)
}

// encodedItem wraps a constant string argument converted to a custom
// type's persisted form at bind time.
type encodedItem struct {
	Item
	tc      *victionary.TypeContext
	encoded []byte
	isNull  bool
}

func (e *encodedItem) TypeContext() *victionary.TypeContext { return e.tc }

func (e *encodedItem) Bytes() ([]byte, bool) {
	if e.isNull {
		return nil, true
	}
	return e.encoded, false
}

// Handler executes one function over a statement's rows.
type Handler struct {
	desc      *vef.FuncDesc
	extension string

	sess  *session.Session
	args  []Item
	scope *arena.Arena

	ctx          vef.Context
	invalues     []vef.Invalue
	errorMsg     []byte
	resultBuffer []byte
	userData     any

	returnContext *victionary.TypeContext

	active  bool
	errored bool
}

// NewHandler wraps a registered function for execution.
func NewHandler(desc *vef.FuncDesc, extension string, protocol vef.Protocol) *Handler {
	return &Handler{
		desc:      desc,
		extension: extension,
		ctx:       vef.Context{Protocol: protocol},
	}
}

// ReturnContext returns the context tagged onto a custom-typed result,
// nil for built-in return types.
func (h *Handler) ReturnContext() *victionary.TypeContext { return h.returnContext }

// Errored reports whether any row produced an error result.
func (h *Handler) Errored() bool { return h.errored }

// Bind validates the arguments against the signature, converts constant
// strings destined for custom parameters, allocates the per-statement
// buffers, and runs the prerun hook.
func (h *Handler) Bind(vict *victionary.Victionary, sess *session.Session, args []Item, scope *arena.Arena) error {
	sig := h.desc.Signature
	if len(args) != len(sig.Params) {
		return errors.NewValidation(h.desc.Name,
			fmt.Sprintf("wrong number of arguments (expected %d, got %d)", len(sig.Params), len(args)))
	}

	h.sess = sess
	h.scope = scope
	h.args = make([]Item, len(args))
	copy(h.args, args)

	// Validate and convert custom-type parameters.
	for i, param := range sig.Params {
		if param.ID != vef.TypeCustom {
			continue
		}
		arg := h.args[i]
		if arg.IsNullLiteral() {
			continue
		}
		if tc := arg.TypeContext(); tc != nil {
			if param.CustomType != "" && tc.TypeName() != param.CustomType {
				return errors.NewValidation(h.desc.Name,
					fmt.Sprintf("argument %d type mismatch (expected %s, got %s)",
						i+1, param.CustomType, tc.TypeName()))
			}
			continue
		}
		if arg.IsConstString() {
			if param.CustomType == "" {
				return errors.NewValidation(h.desc.Name,
					fmt.Sprintf("invalid function signature for argument %d", i+1))
			}
			tc, err := types.ResolveTypeToContext(vict, h.extension, param.CustomType,
				victionary.TypeParameters{}, scope)
			if err != nil {
				return err
			}
			if tc == nil {
				return errors.NewNotFound("custom type",
					fmt.Sprintf("%s for argument %d of %s", param.CustomType, i+1, h.desc.Name))
			}
			s, null := arg.String()
			if null {
				h.args[i] = &encodedItem{Item: arg, tc: tc, isNull: true}
				continue
			}
			encoded, isNull, err := types.EncodeString(tc, string(s))
			if err != nil {
				return err
			}
			h.args[i] = &encodedItem{Item: arg, tc: tc, encoded: encoded, isNull: isNull}
			continue
		}
		return errors.NewValidation(h.desc.Name,
			fmt.Sprintf("argument %d must be a custom type or string constant", i+1))
	}

	h.invalues = make([]vef.Invalue, len(args))
	h.errorMsg = make([]byte, vef.MaxErrorLen)

	// Result buffer only for returns that need one.
	switch sig.ReturnType.ID {
	case vef.TypeString, vef.TypeCustom:
		size := h.desc.BufferSize
		if size == 0 {
			size = defaultResultBufferSize
		}
		h.resultBuffer = make([]byte, size)
	}

	if h.desc.Prerun != nil {
		if err := h.runPrerun(); err != nil {
			return err
		}
	}

	// Tag a custom return with its resolved context so downstream
	// operations see the correct type.
	if sig.ReturnType.ID == vef.TypeCustom && sig.ReturnType.CustomType != "" {
		tc, err := types.ResolveTypeToContext(vict, h.extension, sig.ReturnType.CustomType,
			victionary.TypeParameters{}, scope)
		if err != nil {
			return err
		}
		h.returnContext = tc
	}

	h.active = true
	return nil
}

func (h *Handler) runPrerun() error {
	sig := h.desc.Signature
	argTypes := make([]vef.Type, len(h.args))
	constValues := make([][]byte, len(h.args))
	for i, arg := range h.args {
		if tc := arg.TypeContext(); tc != nil {
			argTypes[i] = vef.Type{ID: vef.TypeCustom, CustomType: tc.TypeName()}
			if enc, ok := arg.(*encodedItem); ok && !enc.isNull {
				constValues[i] = enc.encoded
			}
			continue
		}
		if i < len(sig.Params) {
			argTypes[i] = vef.Type{ID: sig.Params[i].ID}
		} else {
			argTypes[i] = vef.Type{ID: vef.TypeString}
		}
		if arg.IsConstString() {
			if s, null := arg.String(); !null {
				constValues[i] = s
			}
		}
	}

	prerunErr := make([]byte, vef.MaxErrorLen)
	result := vef.PrerunResult{
		Kind:     vef.ResultValue,
		ErrorMsg: prerunErr,
	}
	h.desc.Prerun(&h.ctx, &vef.PrerunArgs{ArgTypes: argTypes, ConstValues: constValues}, &result)

	if result.Kind == vef.ResultError {
		return errors.NewValidation(h.desc.Name, "cannot initialize: "+cString(prerunErr))
	}
	h.userData = result.UserData
	if result.ResultBufferSize > uint64(len(h.resultBuffer)) {
		h.resultBuffer = make([]byte, result.ResultBufferSize)
	}
	return nil
}

// Cleanup runs the postrun hook, including after errors. Safe to call
// more than once.
func (h *Handler) Cleanup() {
	if h.active && h.desc.Postrun != nil {
		h.desc.Postrun(&h.ctx, &vef.PostrunArgs{UserData: h.userData}, &vef.PostrunResult{})
	}
	h.active = false
}

// marshalArgs evaluates every argument into its invalue slot for the
// current row.
func (h *Handler) marshalArgs() {
	sig := h.desc.Signature
	for i, arg := range h.args {
		paramType := vef.TypeString
		if i < len(sig.Params) {
			paramType = sig.Params[i].ID
		}
		inv := &h.invalues[i]
		inv.Type = paramType
		switch paramType {
		case vef.TypeInt:
			v, null := arg.Int()
			inv.IsNull = null
			inv.IntValue = v
		case vef.TypeReal:
			v, null := arg.Real()
			inv.IsNull = null
			inv.RealValue = v
		case vef.TypeString:
			v, null := arg.String()
			inv.IsNull = null || v == nil
			inv.StrValue = v
		default:
			v, null := arg.Bytes()
			inv.IsNull = null || v == nil
			inv.BinValue = v
		}
	}
}

// newResult prepares the per-row result structure.
func (h *Handler) newResult() vef.VDFResult {
	h.errorMsg[0] = 0
	result := vef.VDFResult{
		Kind:     vef.ResultValue,
		ErrorMsg: h.errorMsg,
	}
	switch h.desc.Signature.ReturnType.ID {
	case vef.TypeCustom:
		result.BinBuf = h.resultBuffer
	case vef.TypeString:
		result.StrBuf = h.resultBuffer
	}
	return result
}

// rowError pushes a warning citing the callee's message and marks the
// handler errored.
func (h *Handler) rowError() {
	msg := cString(h.errorMsg)
	if msg == "" {
		msg = "unknown error"
	}
	if h.sess != nil {
		h.sess.PushWarning(fmt.Sprintf("error in function '%s': %s", h.desc.Name, msg))
	}
	h.errored = true
}

// InvokeInt runs one row of an integer-returning function.
func (h *Handler) InvokeInt() (value int64, isNull bool) {
	h.marshalArgs()
	result := h.newResult()
	h.desc.VDF(&h.ctx, &vef.VDFArgs{UserData: h.userData, Values: h.invalues}, &result)
	switch result.Kind {
	case vef.ResultValue:
		return result.IntValue, false
	case vef.ResultNull:
		return 0, true
	default:
		h.rowError()
		return 0, true
	}
}

// InvokeReal runs one row of a real-returning function.
func (h *Handler) InvokeReal() (value float64, isNull bool) {
	h.marshalArgs()
	result := h.newResult()
	h.desc.VDF(&h.ctx, &vef.VDFArgs{UserData: h.userData, Values: h.invalues}, &result)
	switch result.Kind {
	case vef.ResultValue:
		return result.RealValue, false
	case vef.ResultNull:
		return 0, true
	default:
		h.rowError()
		return 0, true
	}
}

// InvokeBytes runs one row of a string- or custom-returning function.
// The returned slice aliases the result buffer (or the callee's
// alternate buffer) and is valid until the next invocation.
func (h *Handler) InvokeBytes() (value []byte, isNull bool) {
	h.marshalArgs()
	result := h.newResult()
	h.desc.VDF(&h.ctx, &vef.VDFArgs{UserData: h.userData, Values: h.invalues}, &result)
	switch result.Kind {
	case vef.ResultValue:
		isBinary := h.desc.Signature.ReturnType.ID == vef.TypeCustom
		// ActualLen is authoritative; the alternate buffer, when set, is
		// a zero-copy escape hatch.
		var src []byte
		if isBinary {
			src = result.BinBuf
			if result.AltBinBuf != nil {
				src = result.AltBinBuf
			}
		} else {
			src = result.StrBuf
			if result.AltStrBuf != nil {
				src = result.AltStrBuf
			}
		}
		if result.ActualLen > uint64(len(src)) {
			copy(h.errorMsg, "result length exceeds buffer\x00")
			h.rowError()
			return nil, true
		}
		return src[:result.ActualLen], false
	case vef.ResultNull:
		return nil, true
	default:
		h.rowError()
		return nil, true
	}
}

// cString reads a NUL-terminated message out of a fixed buffer.
func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
