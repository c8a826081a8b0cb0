package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBVLLRoundTrip(t *testing.T) {
	frame := BVLLFrame{Function: BVLFOriginalUnicastNPDU, Payload: []byte{0x01, 0x02, 0x03}}
	decoded, err := DecodeBVLL(frame.Encode())
	require.NoError(t, err)
	assert.Equal(t, frame.Function, decoded.Function)
	assert.Equal(t, frame.Payload, decoded.Payload)
}

func TestNPDURoundTrip(t *testing.T) {
	n := NPDU{DataExpectingReply: true, APDU: []byte{0xAA, 0xBB}}
	decoded, err := DecodeNPDU(n.Encode())
	require.NoError(t, err)
	assert.True(t, decoded.DataExpectingReply)
	assert.Equal(t, n.APDU, decoded.APDU)
}

func TestWhoIsRoundTrip(t *testing.T) {
	low, high := uint32(100), uint32(200)
	apdu := EncodeWhoIs(&low, &high)
	msg, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	require.NotNil(t, msg.WhoIs)
	assert.Equal(t, low, *msg.WhoIs.Low)
	assert.Equal(t, high, *msg.WhoIs.High)
}

func TestWhoIsUnbounded(t *testing.T) {
	apdu := EncodeWhoIs(nil, nil)
	msg, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	require.NotNil(t, msg.WhoIs)
	assert.Nil(t, msg.WhoIs.Low)
	assert.Nil(t, msg.WhoIs.High)
}

func TestIAmRoundTrip(t *testing.T) {
	apdu := EncodeIAm(1001, 1476, 0, 999)
	msg, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	require.NotNil(t, msg.IAm)
	assert.EqualValues(t, 1001, msg.IAm.DeviceInstance)
	assert.EqualValues(t, 1476, msg.IAm.MaxAPDULength)
	assert.EqualValues(t, 999, msg.IAm.VendorID)
}

func TestReadPropertyRequestRoundTrip(t *testing.T) {
	obj := ObjectID{ObjectType: 0, Instance: 5}
	apdu := EncodeReadPropertyRequest(42, obj, PropertyPresentValue, nil)
	msg, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	assert.EqualValues(t, 42, msg.InvokeID)
	require.NotNil(t, msg.RPReq)
	assert.Equal(t, obj, msg.RPReq.Object)
	assert.Equal(t, PropertyPresentValue, msg.RPReq.PropertyID)
}

func TestWritePropertyRequestRoundTripReal(t *testing.T) {
	obj := ObjectID{ObjectType: 1, Instance: 7}
	priority := uint32(8)
	value := PropertyValue{Kind: "real", Real: 21.5}
	apdu := EncodeWritePropertyRequest(9, obj, PropertyPresentValue, value, nil, &priority)
	msg, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	require.NotNil(t, msg.WPReq)
	assert.Equal(t, obj, msg.WPReq.Object)
	assert.InDelta(t, float32(21.5), msg.WPReq.Value.Real, 0.0001)
	require.NotNil(t, msg.WPReq.Priority)
	assert.EqualValues(t, 8, *msg.WPReq.Priority)
}

func TestWritePropertyRequestRoundTripBoolean(t *testing.T) {
	obj := ObjectID{ObjectType: 5, Instance: 2}
	value := PropertyValue{Kind: "boolean", Boolean: true}
	apdu := EncodeWritePropertyRequest(1, obj, PropertyPresentValue, value, nil, nil)
	msg, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	require.NotNil(t, msg.WPReq)
	assert.True(t, msg.WPReq.Value.Boolean)
	assert.Nil(t, msg.WPReq.Priority)
}

func TestObjectIDEncodeDecode(t *testing.T) {
	obj := ObjectID{ObjectType: 512, Instance: 1234567}
	raw := obj.encode()
	assert.Equal(t, obj, decodeObjectID(raw))
}

func TestCanonicalObjectTypeNames(t *testing.T) {
	assert.Equal(t, "analog-input", canonicalObjectType(0))
	assert.Equal(t, "binary-value", canonicalObjectType(5))
	assert.Equal(t, "device", canonicalObjectType(8))
	assert.True(t, IsPollable("analog-input"))
	assert.False(t, IsPollable("device"))
}
