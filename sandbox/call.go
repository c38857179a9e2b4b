package sandbox

import (
	"encoding/binary"
)

// CallType distinguishes a FunctionCall written by the host for the
// guest to execute from one written by the guest for the host to
// execute (spec.md §3, §4.5).
type CallType uint8

const (
	CallTypeGuest CallType = iota
	CallTypeHost
)

// ParameterKind tags the sum type spec.md §3 describes as
// `{bool, int, long, string, vec<bytes>}`.
type ParameterKind uint8

const (
	ParamBool ParameterKind = iota
	ParamInt
	ParamLong
	ParamString
	ParamBytes
)

// Parameter is a single tagged argument to a FunctionCall. Only the
// field matching Kind is meaningful.
type Parameter struct {
	Kind  ParameterKind
	Bool  bool
	Int   int32
	Long  int64
	Str   string
	Bytes []byte
}

func ParamFromBool(v bool) Parameter   { return Parameter{Kind: ParamBool, Bool: v} }
func ParamFromInt(v int32) Parameter   { return Parameter{Kind: ParamInt, Int: v} }
func ParamFromLong(v int64) Parameter  { return Parameter{Kind: ParamLong, Long: v} }
func ParamFromString(v string) Parameter { return Parameter{Kind: ParamString, Str: v} }
func ParamFromBytes(v []byte) Parameter  { return Parameter{Kind: ParamBytes, Bytes: v} }

// ReturnType tags a FunctionCallResult's payload.
type ReturnType uint8

const (
	ReturnVoid ReturnType = iota
	ReturnBool
	ReturnInt
	ReturnLong
	ReturnString
	ReturnBytes
)

// FunctionCall is a binary-serialized record carrying a guest or host
// function invocation (spec.md §3).
type FunctionCall struct {
	FunctionName string
	Parameters   []Parameter
	CallType     CallType
}

// FunctionCallResult carries a call's return value, tagged by
// ReturnType, or an error.
type FunctionCallResult struct {
	ReturnType ReturnType
	Bool       bool
	Int        int32
	Long       int64
	Str        string
	Bytes      []byte

	// CallType echoes the request's CallType; checked by
	// ValidateResultCallType (SPEC_FULL.md item 6).
	CallType CallType

	IsError      bool
	ErrorKind    Kind
	ErrorMessage string
}

func ResultVoid(callType CallType) FunctionCallResult {
	return FunctionCallResult{ReturnType: ReturnVoid, CallType: callType}
}
func ResultBool(v bool, callType CallType) FunctionCallResult {
	return FunctionCallResult{ReturnType: ReturnBool, Bool: v, CallType: callType}
}
func ResultInt(v int32, callType CallType) FunctionCallResult {
	return FunctionCallResult{ReturnType: ReturnInt, Int: v, CallType: callType}
}
func ResultLong(v int64, callType CallType) FunctionCallResult {
	return FunctionCallResult{ReturnType: ReturnLong, Long: v, CallType: callType}
}
func ResultString(v string, callType CallType) FunctionCallResult {
	return FunctionCallResult{ReturnType: ReturnString, Str: v, CallType: callType}
}
func ResultBytes(v []byte, callType CallType) FunctionCallResult {
	return FunctionCallResult{ReturnType: ReturnBytes, Bytes: v, CallType: callType}
}
func ResultError(kind Kind, message string, callType CallType) FunctionCallResult {
	return FunctionCallResult{IsError: true, ErrorKind: kind, ErrorMessage: message, CallType: callType}
}

// --- framing ---
//
// Every FunctionCall/FunctionCallResult is serialized as
// [u32 little-endian length][payload bytes] (spec.md §6 "Call
// framing"). The payload schema itself is treated as an internal
// encoding here (the real wire schema is explicitly out of scope per
// spec.md §1); only the framing is load-bearing for interop with the
// guest-side runtime.

func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// ValidateFrame checks the size-prefix framing invariant: the
// declared length must fit within capacity and the frame must not be
// empty. This is the only validation performed against the opaque
// wire payload, since the payload's internal structure is out of
// scope (SPEC_FULL.md item 4).
func ValidateFrame(buf []byte, capacity uint64) (payloadLen uint32, err error) {
	if len(buf) < 4 {
		return 0, newError(KindFlatbufferValidation, "frame shorter than length prefix")
	}
	payloadLen = binary.LittleEndian.Uint32(buf[0:4])
	if uint64(payloadLen)+4 > capacity {
		return 0, newError(KindFlatbufferValidation, "frame length %d exceeds buffer capacity %d", payloadLen, capacity)
	}
	if payloadLen == 0 {
		return 0, newError(KindFlatbufferValidation, "empty frame")
	}
	return payloadLen, nil
}

func writeLenPrefixedString(buf *[]byte, s string) {
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(s)))
	*buf = append(*buf, lenBytes[:]...)
	*buf = append(*buf, s...)
}

func readLenPrefixedString(buf []byte, offset int) (string, int, error) {
	if offset+4 > len(buf) {
		return "", 0, newError(KindFlatbufferValidation, "truncated string length")
	}
	n := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	offset += 4
	if offset+n > len(buf) {
		return "", 0, newError(KindFlatbufferValidation, "truncated string payload")
	}
	return string(buf[offset : offset+n]), offset + n, nil
}

// EncodeFunctionCall serializes call into its size-prefixed wire form,
// and rejects it with KindHostFunctionCallBufferTooBig if the
// resulting frame would not fit within maxSize (spec.md §4.5 step 3).
func EncodeFunctionCall(call FunctionCall, maxSize uint64) ([]byte, error) {
	var payload []byte
	payload = append(payload, byte(call.CallType))
	writeLenPrefixedString(&payload, call.FunctionName)

	var countBytes [4]byte
	binary.LittleEndian.PutUint32(countBytes[:], uint32(len(call.Parameters)))
	payload = append(payload, countBytes[:]...)

	for _, p := range call.Parameters {
		payload = append(payload, byte(p.Kind))
		switch p.Kind {
		case ParamBool:
			if p.Bool {
				payload = append(payload, 1)
			} else {
				payload = append(payload, 0)
			}
		case ParamInt:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(p.Int))
			payload = append(payload, b[:]...)
		case ParamLong:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(p.Long))
			payload = append(payload, b[:]...)
		case ParamString:
			writeLenPrefixedString(&payload, p.Str)
		case ParamBytes:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(len(p.Bytes)))
			payload = append(payload, b[:]...)
			payload = append(payload, p.Bytes...)
		}
	}

	framed := frame(payload)
	if uint64(len(framed)) > maxSize {
		return nil, newError(KindHostFunctionCallBufferTooBig, "encoded call %d bytes exceeds buffer size %d", len(framed), maxSize)
	}
	return framed, nil
}

// DecodeFunctionCall parses a size-prefixed FunctionCall frame.
func DecodeFunctionCall(buf []byte) (FunctionCall, error) {
	payloadLen, err := ValidateFrame(buf, uint64(len(buf)))
	if err != nil {
		return FunctionCall{}, err
	}
	payload := buf[4 : 4+payloadLen]
	if len(payload) < 1 {
		return FunctionCall{}, newError(KindFlatbufferValidation, "missing call_type byte")
	}
	callType := CallType(payload[0])
	offset := 1

	name, offset, err := readLenPrefixedString(payload, offset)
	if err != nil {
		return FunctionCall{}, err
	}
	if offset+4 > len(payload) {
		return FunctionCall{}, newError(KindFlatbufferValidation, "truncated parameter count")
	}
	count := int(binary.LittleEndian.Uint32(payload[offset : offset+4]))
	offset += 4

	params := make([]Parameter, 0, count)
	for i := 0; i < count; i++ {
		if offset+1 > len(payload) {
			return FunctionCall{}, newError(KindFlatbufferValidation, "truncated parameter kind")
		}
		kind := ParameterKind(payload[offset])
		offset++
		var p Parameter
		p.Kind = kind
		switch kind {
		case ParamBool:
			if offset+1 > len(payload) {
				return FunctionCall{}, newError(KindFlatbufferValidation, "truncated bool parameter")
			}
			p.Bool = payload[offset] != 0
			offset++
		case ParamInt:
			if offset+4 > len(payload) {
				return FunctionCall{}, newError(KindFlatbufferValidation, "truncated int parameter")
			}
			p.Int = int32(binary.LittleEndian.Uint32(payload[offset : offset+4]))
			offset += 4
		case ParamLong:
			if offset+8 > len(payload) {
				return FunctionCall{}, newError(KindFlatbufferValidation, "truncated long parameter")
			}
			p.Long = int64(binary.LittleEndian.Uint64(payload[offset : offset+8]))
			offset += 8
		case ParamString:
			p.Str, offset, err = readLenPrefixedString(payload, offset)
			if err != nil {
				return FunctionCall{}, err
			}
		case ParamBytes:
			if offset+4 > len(payload) {
				return FunctionCall{}, newError(KindFlatbufferValidation, "truncated bytes length")
			}
			n := int(binary.LittleEndian.Uint32(payload[offset : offset+4]))
			offset += 4
			if offset+n > len(payload) {
				return FunctionCall{}, newError(KindFlatbufferValidation, "truncated bytes payload")
			}
			p.Bytes = append([]byte(nil), payload[offset:offset+n]...)
			offset += n
		default:
			return FunctionCall{}, newError(KindGuestFunctionParameterTypeMismatch, "unknown parameter kind %d", kind)
		}
		params = append(params, p)
	}

	return FunctionCall{FunctionName: name, Parameters: params, CallType: callType}, nil
}

// EncodeFunctionCallResult serializes result into its size-prefixed
// wire form.
func EncodeFunctionCallResult(result FunctionCallResult, maxSize uint64) ([]byte, error) {
	var payload []byte
	if result.IsError {
		payload = append(payload, 1, byte(result.CallType))
		var kindBytes [2]byte
		binary.LittleEndian.PutUint16(kindBytes[:], uint16(result.ErrorKind))
		payload = append(payload, kindBytes[:]...)
		writeLenPrefixedString(&payload, result.ErrorMessage)
	} else {
		payload = append(payload, 0, byte(result.CallType), byte(result.ReturnType))
		switch result.ReturnType {
		case ReturnVoid:
		case ReturnBool:
			if result.Bool {
				payload = append(payload, 1)
			} else {
				payload = append(payload, 0)
			}
		case ReturnInt:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(result.Int))
			payload = append(payload, b[:]...)
		case ReturnLong:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(result.Long))
			payload = append(payload, b[:]...)
		case ReturnString:
			writeLenPrefixedString(&payload, result.Str)
		case ReturnBytes:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(len(result.Bytes)))
			payload = append(payload, b[:]...)
			payload = append(payload, result.Bytes...)
		}
	}

	framed := frame(payload)
	if uint64(len(framed)) > maxSize {
		return nil, newError(KindHostFunctionCallBufferTooBig, "encoded result %d bytes exceeds buffer size %d", len(framed), maxSize)
	}
	return framed, nil
}

// DecodeFunctionCallResult parses a size-prefixed FunctionCallResult
// frame. It does not check the decoded call_type; that check is
// ValidateResultCallType, invoked separately by the controller after
// decode (SPEC_FULL.md item 6).
func DecodeFunctionCallResult(buf []byte) (FunctionCallResult, error) {
	payloadLen, err := ValidateFrame(buf, uint64(len(buf)))
	if err != nil {
		return FunctionCallResult{}, err
	}
	payload := buf[4 : 4+payloadLen]
	if len(payload) < 2 {
		return FunctionCallResult{}, newError(KindFlatbufferValidation, "truncated result header")
	}
	isError := payload[0] != 0
	callType := CallType(payload[1])
	offset := 2

	if isError {
		if offset+2 > len(payload) {
			return FunctionCallResult{}, newError(KindFlatbufferValidation, "truncated error kind")
		}
		kind := Kind(binary.LittleEndian.Uint16(payload[offset : offset+2]))
		offset += 2
		msg, _, err := readLenPrefixedString(payload, offset)
		if err != nil {
			return FunctionCallResult{}, err
		}
		return FunctionCallResult{IsError: true, ErrorKind: kind, ErrorMessage: msg, CallType: callType}, nil
	}

	if offset+1 > len(payload) {
		return FunctionCallResult{}, newError(KindFlatbufferValidation, "truncated return type")
	}
	rt := ReturnType(payload[offset])
	offset++

	result := FunctionCallResult{ReturnType: rt, CallType: callType}
	switch rt {
	case ReturnVoid:
	case ReturnBool:
		if offset+1 > len(payload) {
			return FunctionCallResult{}, newError(KindFlatbufferValidation, "truncated bool return")
		}
		result.Bool = payload[offset] != 0
	case ReturnInt:
		if offset+4 > len(payload) {
			return FunctionCallResult{}, newError(KindFlatbufferValidation, "truncated int return")
		}
		result.Int = int32(binary.LittleEndian.Uint32(payload[offset : offset+4]))
	case ReturnLong:
		if offset+8 > len(payload) {
			return FunctionCallResult{}, newError(KindFlatbufferValidation, "truncated long return")
		}
		result.Long = int64(binary.LittleEndian.Uint64(payload[offset : offset+8]))
	case ReturnString:
		s, _, err := readLenPrefixedString(payload, offset)
		if err != nil {
			return FunctionCallResult{}, err
		}
		result.Str = s
	case ReturnBytes:
		if offset+4 > len(payload) {
			return FunctionCallResult{}, newError(KindFlatbufferValidation, "truncated bytes length")
		}
		n := int(binary.LittleEndian.Uint32(payload[offset : offset+4]))
		offset += 4
		if offset+n > len(payload) {
			return FunctionCallResult{}, newError(KindFlatbufferValidation, "truncated bytes return")
		}
		result.Bytes = append([]byte(nil), payload[offset:offset+n]...)
	default:
		return FunctionCallResult{}, newError(KindFlatbufferValidation, "unknown return type %d", rt)
	}
	return result, nil
}

// ValidateResultCallType is the host side's only call-type check
// (SPEC_FULL.md item 6): the controller invokes this after
// DecodeFunctionCallResult and treats a mismatch as
// KindFlatbufferValidation. No earlier check runs during decode.
func ValidateResultCallType(result FunctionCallResult, expected CallType) error {
	if result.CallType != expected {
		return newError(KindFlatbufferValidation, "result call_type %d does not match expected %d", result.CallType, expected)
	}
	return nil
}
