package wire_test

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocapnweb/internal/wire"
)

func roundTrip(t *testing.T, v interface{}) interface{} {
	t.Helper()
	encoded, err := wire.EncodeValue(v, wire.EncodeOptions{})
	require.NoError(t, err)
	data, err := marshalJSON(encoded)
	require.NoError(t, err)
	node := unmarshalJSON(t, data)
	decoded, err := wire.DecodeValue(node)
	require.NoError(t, err)
	return decoded
}

func TestRoundTripScalars(t *testing.T) {
	assert.Equal(t, nil, roundTrip(t, nil))
	assert.Equal(t, true, roundTrip(t, true))
	assert.Equal(t, "hello", roundTrip(t, "hello"))
	assert.Equal(t, int64(42), roundTrip(t, int64(42)))
	assert.Equal(t, 3.5, roundTrip(t, 3.5))
}

func TestRoundTripPlainArrayIsEscaped(t *testing.T) {
	encoded, err := wire.EncodeValue([]interface{}{int64(1), int64(2), int64(3)}, wire.EncodeOptions{})
	require.NoError(t, err)
	data, err := marshalJSON(encoded)
	require.NoError(t, err)
	assert.Equal(t, `[[1,2,3]]`, string(data))

	decoded := roundTrip(t, []interface{}{int64(1), int64(2), int64(3)})
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, decoded)
}

func TestRoundTripNestedObjectAndArray(t *testing.T) {
	v := map[string]interface{}{
		"name": "ada",
		"tags": []interface{}{"math", "programming"},
	}
	decoded := roundTrip(t, v)
	assert.Equal(t, v, decoded)
}

func TestRoundTripUndefinedVsNull(t *testing.T) {
	assert.Equal(t, wire.UndefinedValue{}, roundTrip(t, wire.UndefinedValue{}))
	assert.Equal(t, nil, roundTrip(t, nil))
}

func TestRoundTripBytes(t *testing.T) {
	v := wire.BytesValue{Data: []byte{0x01, 0x02, 0xff}}
	assert.Equal(t, v, roundTrip(t, v))
}

func TestRoundTripDateMillisPrecision(t *testing.T) {
	v := wire.DateValue{Millis: 1717000000123}
	assert.Equal(t, v, roundTrip(t, v))
}

func TestRoundTripBigInt(t *testing.T) {
	bi, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)
	v := wire.BigIntValue{Int: bi}
	got := roundTrip(t, v)
	gotBI, ok := got.(wire.BigIntValue)
	require.True(t, ok)
	assert.Equal(t, 0, bi.Cmp(gotBI.Int))
}

func TestRoundTripNonFiniteFloats(t *testing.T) {
	assert.Equal(t, wire.InfValue{}, roundTrip(t, math.Inf(1)))
	assert.Equal(t, wire.NegInfValue{}, roundTrip(t, math.Inf(-1)))
	assert.Equal(t, wire.NaNValue{}, roundTrip(t, math.NaN()))
}

func TestEncodeExportAndImportTags(t *testing.T) {
	enc, err := wire.EncodeValue(wire.ExportRef{ID: -7}, wire.EncodeOptions{})
	require.NoError(t, err)
	data, err := marshalJSON(enc)
	require.NoError(t, err)
	assert.JSONEq(t, `["export",-7]`, string(data))

	decoded := roundTrip(t, wire.ImportRef{ID: 7})
	assert.Equal(t, wire.ImportRef{ID: 7}, decoded)
}

func TestPipelineWithPathAndArgs(t *testing.T) {
	p := wire.PipelineRef{
		ID:      0,
		Path:    []interface{}{"square"},
		Args:    []interface{}{int64(5)},
		HasArgs: true,
	}
	enc, err := wire.EncodeValue(p, wire.EncodeOptions{})
	require.NoError(t, err)
	data, err := marshalJSON(enc)
	require.NoError(t, err)
	// Call path stays a raw array; args are double-wrapped.
	assert.JSONEq(t, `["pipeline",0,["square"],[[5]]]`, string(data))

	decoded := roundTrip(t, p)
	assert.Equal(t, p, decoded)
}

func TestPipelineWithoutArgsIsPropertyAccess(t *testing.T) {
	p := wire.PipelineRef{ID: -2, Path: []interface{}{"name"}}
	enc, err := wire.EncodeValue(p, wire.EncodeOptions{})
	require.NoError(t, err)
	data, err := marshalJSON(enc)
	require.NoError(t, err)
	assert.JSONEq(t, `["pipeline",-2,["name"]]`, string(data))
}

func TestErrorValueRoundTrip(t *testing.T) {
	e := wire.ErrorValue{Kind: "internal", Message: "boom"}
	decoded := roundTrip(t, e)
	assert.Equal(t, e, decoded)

	withData := wire.ErrorValue{Kind: "bad_request", Message: "nope", Data: "extra", HasData: true}
	decoded2 := roundTrip(t, withData)
	assert.Equal(t, withData, decoded2)
}

func TestDecodeRejectsMalformedArray(t *testing.T) {
	node := unmarshalJSON(t, []byte(`[1,2,3]`))
	_, err := wire.DecodeValue(node)
	assert.Error(t, err)
	var perr wire.ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	node := unmarshalJSON(t, []byte(`["frobnicate",1]`))
	_, err := wire.DecodeValue(node)
	assert.Error(t, err)
}

func TestFrameRoundTripPushResolveRelease(t *testing.T) {
	push := wire.Frame{
		Type:     wire.FramePush,
		ExportID: -1,
		Expr: wire.PipelineRef{
			ID:      0,
			Path:    []interface{}{"square"},
			Args:    []interface{}{int64(5)},
			HasArgs: true,
		},
	}
	data, err := wire.EncodeFrame(push, wire.EncodeOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `["push",-1,["pipeline",0,["square"],[[5]]]]`, string(data))

	decodedPush, err := wire.DecodeFrame(data, wire.DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, push, decodedPush)

	resolve := wire.Frame{Type: wire.FrameResolve, ExportID: -1, Value: int64(25)}
	rdata, err := wire.EncodeFrame(resolve, wire.EncodeOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `["resolve",-1,25]`, string(rdata))

	release := wire.Frame{Type: wire.FrameRelease, ImportID: 1, Delta: 1}
	reldata, err := wire.EncodeFrame(release, wire.EncodeOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `["release",1,1]`, string(reldata))
}

func TestFrameArrayEscapingScenario(t *testing.T) {
	// A plain array result round-trips: echo([1,2,3]) decodes to [1,2,3].
	resolve := wire.Frame{Type: wire.FrameResolve, ExportID: -1, Value: []interface{}{int64(1), int64(2), int64(3)}}
	data, err := wire.EncodeFrame(resolve, wire.EncodeOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `["resolve",-1,[[1,2,3]]]`, string(data))

	decoded, err := wire.DecodeFrame(data, wire.DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, decoded.Value)
}

func TestReservedKeyPolicyRewritesObjectKeys(t *testing.T) {
	v := map[string]interface{}{"$type": "post"}
	opts := wire.EncodeOptions{ReservedKeyPolicy: func(k string) string {
		if len(k) > 0 && k[0] == '$' {
			return "_" + k[1:]
		}
		return k
	}}
	enc, err := wire.EncodeValue(v, opts)
	require.NoError(t, err)
	data, err := marshalJSON(enc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"_type":"post"}`, string(data))
}
