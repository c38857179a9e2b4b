package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctionCallEncodeDecodeRoundTrip(t *testing.T) {
	call := FunctionCall{
		FunctionName: "AddToStatic",
		Parameters: []Parameter{
			ParamFromInt(5),
			ParamFromString("hello"),
			ParamFromBytes([]byte{1, 2, 3}),
			ParamFromBool(true),
			ParamFromLong(-42),
		},
		CallType: CallTypeGuest,
	}

	encoded, err := EncodeFunctionCall(call, 4096)
	require.NoError(t, err)

	decoded, err := DecodeFunctionCall(encoded)
	require.NoError(t, err)

	assert.Equal(t, call.FunctionName, decoded.FunctionName)
	assert.Equal(t, call.CallType, decoded.CallType)
	require.Len(t, decoded.Parameters, len(call.Parameters))
	assert.Equal(t, call.Parameters[0].Int, decoded.Parameters[0].Int)
	assert.Equal(t, call.Parameters[1].Str, decoded.Parameters[1].Str)
	assert.Equal(t, call.Parameters[2].Bytes, decoded.Parameters[2].Bytes)
	assert.Equal(t, call.Parameters[3].Bool, decoded.Parameters[3].Bool)
	assert.Equal(t, call.Parameters[4].Long, decoded.Parameters[4].Long)
}

func TestFunctionCallEncodeRejectsOversizedFrame(t *testing.T) {
	call := FunctionCall{FunctionName: "f", CallType: CallTypeGuest}
	_, err := EncodeFunctionCall(call, 4)
	require.Error(t, err)
	assert.Equal(t, KindHostFunctionCallBufferTooBig, KindOf(err))
}

func TestFunctionCallResultEncodeDecodeRoundTrip(t *testing.T) {
	for _, result := range []FunctionCallResult{
		ResultVoid(CallTypeGuest),
		ResultBool(true, CallTypeGuest),
		ResultInt(7, CallTypeGuest),
		ResultLong(-100, CallTypeGuest),
		ResultString("ok", CallTypeGuest),
		ResultBytes([]byte{9, 8, 7}, CallTypeGuest),
		ResultError(KindGuestAborted, "boom", CallTypeGuest),
	} {
		encoded, err := EncodeFunctionCallResult(result, 4096)
		require.NoError(t, err)
		decoded, err := DecodeFunctionCallResult(encoded)
		require.NoError(t, err)
		assert.Equal(t, result, decoded)
	}
}

func TestValidateFrameRejectsTruncatedFrame(t *testing.T) {
	_, err := ValidateFrame([]byte{1, 2}, 100)
	require.Error(t, err)
	assert.Equal(t, KindFlatbufferValidation, KindOf(err))
}

func TestValidateFrameRejectsOversizedFrame(t *testing.T) {
	buf := make([]byte, 4)
	buf[0] = 0xFF
	buf[1] = 0xFF
	buf[2] = 0xFF
	buf[3] = 0xFF
	_, err := ValidateFrame(buf, 16)
	require.Error(t, err)
}

func TestValidateResultCallTypeMismatch(t *testing.T) {
	result := ResultVoid(CallTypeGuest)
	err := ValidateResultCallType(result, CallTypeHost)
	require.Error(t, err)
	assert.Equal(t, KindFlatbufferValidation, KindOf(err))
}
