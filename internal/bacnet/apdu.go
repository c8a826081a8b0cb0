package bacnet

import "fmt"

// PDU types occupy the high nibble of the first APDU octet.
const (
	PDUConfirmedRequest   = 0x0
	PDUUnconfirmedRequest = 0x1
	PDUSimpleACK          = 0x2
	PDUComplexACK         = 0x3
	PDUSegmentACK         = 0x4
	PDUError              = 0x5
	PDUReject             = 0x6
	PDUAbort              = 0x7
)

// Service choices this runtime speaks, per the wire-protocol contract (§6).
const (
	ServiceIAm           = 0
	ServiceWhoIs         = 8
	ServiceReadProperty  = 12
	ServiceWriteProperty = 15
)

// Standard property identifiers used by the worker.
const (
	PropertyObjectList   uint32 = 76
	PropertyPresentValue uint32 = 85
)

// APDUMessage is the decoded result of DecodeAPDU: exactly one of its typed
// fields is populated, selected by PDUType.
type APDUMessage struct {
	PDUType  int
	InvokeID byte
	Service  int

	WhoIs   *WhoIsRequest
	IAm     *IAmRequest
	RPAck   *ReadPropertyAck
	RPReq   *ReadPropertyRequest
	WPReq   *WritePropertyRequest
	ErrClass, ErrCode int
	RejectReason, AbortReason int
}

type WhoIsRequest struct {
	Low, High *uint32
}

type IAmRequest struct {
	DeviceInstance uint32
	MaxAPDULength  uint32
	Segmentation   uint32
	VendorID       uint32
}

type ReadPropertyRequest struct {
	Object     ObjectID
	PropertyID uint32
	ArrayIndex *uint32
}

type ReadPropertyAck struct {
	Object     ObjectID
	PropertyID uint32
	ArrayIndex *uint32
	Value      PropertyValue
}

type WritePropertyRequest struct {
	Object     ObjectID
	PropertyID uint32
	ArrayIndex *uint32
	Priority   *uint32
	Value      PropertyValue
}

// PropertyValue is a tagged union covering the application-tagged values
// this runtime reads and writes, plus the one composite shape it needs:
// the Device object's object-list, decoded as a flat array of references.
type PropertyValue struct {
	Kind        string // "real" | "unsigned" | "boolean" | "enumerated" | "object-list" | "null"
	Real        float32
	Unsigned    uint32
	Boolean     bool
	Enumerated  uint32
	ObjectList  []ObjectID
}

// EncodeWhoIs builds an unconfirmed Who-Is APDU, optionally bounded by a
// device instance range.
func EncodeWhoIs(low, high *uint32) []byte {
	apdu := []byte{byte(PDUUnconfirmedRequest << 4), ServiceWhoIs}
	if low != nil && high != nil {
		apdu = append(apdu, encodeContextUnsigned(0, *low)...)
		apdu = append(apdu, encodeContextUnsigned(1, *high)...)
	}
	return apdu
}

// EncodeIAm builds an unconfirmed I-Am APDU announcing this runtime's own
// device object (used only if the worker ever needs to respond to Who-Is;
// primary use today is decoding peers' I-Am).
func EncodeIAm(deviceInstance, maxAPDU, segmentation, vendorID uint32) []byte {
	apdu := []byte{byte(PDUUnconfirmedRequest << 4), ServiceIAm}
	apdu = append(apdu, encodeTag(tagObjectID, false, 4)...)
	apdu = append(apdu, padTo4(encodeUnsignedValue(ObjectID{ObjectType: 8, Instance: deviceInstance}.encode()))...)
	apdu = append(apdu, applicationUnsigned(maxAPDU)...)
	apdu = append(apdu, applicationEnumerated(segmentation)...)
	apdu = append(apdu, applicationUnsigned(vendorID)...)
	return apdu
}

func padTo4(b []byte) []byte {
	for len(b) < 4 {
		b = append([]byte{0}, b...)
	}
	return b
}

func applicationUnsigned(v uint32) []byte {
	val := encodeUnsignedValue(v)
	return append(encodeTag(tagUnsigned, false, len(val)), val...)
}

func applicationEnumerated(v uint32) []byte {
	val := encodeUnsignedValue(v)
	return append(encodeTag(tagEnumerated, false, len(val)), val...)
}

// EncodeReadPropertyRequest builds a confirmed ReadProperty APDU.
func EncodeReadPropertyRequest(invokeID byte, obj ObjectID, propertyID uint32, arrayIndex *uint32) []byte {
	apdu := []byte{byte(PDUConfirmedRequest << 4), 0x05, invokeID, ServiceReadProperty}
	apdu = append(apdu, encodeContextObjectID(0, obj)...)
	apdu = append(apdu, encodeContextUnsigned(1, propertyID)...)
	if arrayIndex != nil {
		apdu = append(apdu, encodeContextUnsigned(2, *arrayIndex)...)
	}
	return apdu
}

// EncodeWritePropertyRequest builds a confirmed WriteProperty APDU.
func EncodeWritePropertyRequest(invokeID byte, obj ObjectID, propertyID uint32, value PropertyValue, arrayIndex, priority *uint32) []byte {
	apdu := []byte{byte(PDUConfirmedRequest << 4), 0x05, invokeID, ServiceWriteProperty}
	apdu = append(apdu, encodeContextObjectID(0, obj)...)
	apdu = append(apdu, encodeContextUnsigned(1, propertyID)...)
	if arrayIndex != nil {
		apdu = append(apdu, encodeContextUnsigned(2, *arrayIndex)...)
	}
	apdu = append(apdu, openingTag(3))
	apdu = append(apdu, encodeApplicationValue(value)...)
	apdu = append(apdu, closingTag(3))
	if priority != nil {
		apdu = append(apdu, encodeContextUnsigned(4, *priority)...)
	}
	return apdu
}

func encodeApplicationValue(v PropertyValue) []byte {
	switch v.Kind {
	case "real":
		return encodeApplicationReal(v.Real)
	case "unsigned":
		return applicationUnsigned(v.Unsigned)
	case "boolean":
		b := byte(0)
		if v.Boolean {
			b = 1
		}
		return append(encodeTag(tagBoolean, false, 1), b)
	case "enumerated":
		return applicationEnumerated(v.Enumerated)
	default:
		return []byte{byte(tagNull << 4)}
	}
}

// DecodeAPDU dispatches on the PDU type byte and decodes the services this
// runtime understands. Anything else is reported with Service/PDUType set
// so the caller can ignore it without erroring.
func DecodeAPDU(data []byte) (APDUMessage, error) {
	if len(data) == 0 {
		return APDUMessage{}, fmt.Errorf("apdu: empty")
	}
	pduType := int(data[0] >> 4)
	msg := APDUMessage{PDUType: pduType}

	switch pduType {
	case PDUUnconfirmedRequest:
		if len(data) < 2 {
			return msg, fmt.Errorf("apdu: truncated unconfirmed request")
		}
		msg.Service = int(data[1])
		body := data[2:]
		switch msg.Service {
		case ServiceWhoIs:
			msg.WhoIs = decodeWhoIs(body)
		case ServiceIAm:
			iam, err := decodeIAm(body)
			if err != nil {
				return msg, err
			}
			msg.IAm = iam
		}
		return msg, nil

	case PDUComplexACK:
		if len(data) < 3 {
			return msg, fmt.Errorf("apdu: truncated complex-ack")
		}
		msg.InvokeID = data[1]
		msg.Service = int(data[2])
		if msg.Service == ServiceReadProperty {
			ack, err := decodeReadPropertyAck(data[3:])
			if err != nil {
				return msg, err
			}
			msg.RPAck = ack
		}
		return msg, nil

	case PDUSimpleACK:
		if len(data) < 3 {
			return msg, fmt.Errorf("apdu: truncated simple-ack")
		}
		msg.InvokeID = data[1]
		msg.Service = int(data[2])
		return msg, nil

	case PDUError:
		if len(data) < 3 {
			return msg, fmt.Errorf("apdu: truncated error")
		}
		msg.InvokeID = data[1]
		msg.Service = int(data[2])
		rest := data[3:]
		if len(rest) >= 2 {
			msg.ErrClass = int(rest[0])
			msg.ErrCode = int(rest[1])
		}
		return msg, nil

	case PDUReject:
		if len(data) < 3 {
			return msg, fmt.Errorf("apdu: truncated reject")
		}
		msg.InvokeID = data[1]
		msg.RejectReason = int(data[2])
		return msg, nil

	case PDUAbort:
		if len(data) < 3 {
			return msg, fmt.Errorf("apdu: truncated abort")
		}
		msg.InvokeID = data[1]
		msg.AbortReason = int(data[2])
		return msg, nil

	case PDUConfirmedRequest:
		if len(data) < 4 {
			return msg, fmt.Errorf("apdu: truncated confirmed request")
		}
		msg.InvokeID = data[2]
		msg.Service = int(data[3])
		body := data[4:]
		switch msg.Service {
		case ServiceReadProperty:
			req, err := decodeReadPropertyRequest(body)
			if err != nil {
				return msg, err
			}
			msg.RPReq = req
		case ServiceWriteProperty:
			req, err := decodeWritePropertyRequest(body)
			if err != nil {
				return msg, err
			}
			msg.WPReq = req
		}
		return msg, nil
	}

	return msg, nil
}

func decodeWhoIs(data []byte) *WhoIsRequest {
	if len(data) == 0 {
		return &WhoIsRequest{}
	}
	lowTag, err := decodeTag(data)
	if err != nil {
		return &WhoIsRequest{}
	}
	lowVal := decodeUnsignedValue(data[lowTag.HeaderSz : lowTag.HeaderSz+lowTag.Length])
	rest := data[lowTag.HeaderSz+lowTag.Length:]
	if len(rest) == 0 {
		return &WhoIsRequest{}
	}
	highTag, err := decodeTag(rest)
	if err != nil {
		return &WhoIsRequest{}
	}
	highVal := decodeUnsignedValue(rest[highTag.HeaderSz : highTag.HeaderSz+highTag.Length])
	return &WhoIsRequest{Low: &lowVal, High: &highVal}
}

func decodeIAm(data []byte) (*IAmRequest, error) {
	pos := 0
	objTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, fmt.Errorf("apdu: i-am object-id: %w", err)
	}
	pos += objTag.HeaderSz
	objRaw := decodeUnsignedValue(data[pos : pos+objTag.Length])
	pos += objTag.Length
	obj := decodeObjectID(objRaw)

	maxAPDUTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, fmt.Errorf("apdu: i-am max-apdu: %w", err)
	}
	pos += maxAPDUTag.HeaderSz
	maxAPDU := decodeUnsignedValue(data[pos : pos+maxAPDUTag.Length])
	pos += maxAPDUTag.Length

	segTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, fmt.Errorf("apdu: i-am segmentation: %w", err)
	}
	pos += segTag.HeaderSz
	seg := decodeUnsignedValue(data[pos : pos+segTag.Length])
	pos += segTag.Length

	vendorID := uint32(0)
	if pos < len(data) {
		vendorTag, err := decodeTag(data[pos:])
		if err == nil {
			pos += vendorTag.HeaderSz
			if pos+vendorTag.Length <= len(data) {
				vendorID = decodeUnsignedValue(data[pos : pos+vendorTag.Length])
			}
		}
	}

	return &IAmRequest{DeviceInstance: obj.Instance, MaxAPDULength: maxAPDU, Segmentation: seg, VendorID: vendorID}, nil
}

func decodeReadPropertyRequest(data []byte) (*ReadPropertyRequest, error) {
	pos := 0
	objTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += objTag.HeaderSz
	obj := decodeObjectID(decodeUnsignedValue(data[pos : pos+objTag.Length]))
	pos += objTag.Length

	propTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += propTag.HeaderSz
	propID := decodeUnsignedValue(data[pos : pos+propTag.Length])
	pos += propTag.Length

	var arrayIndex *uint32
	if pos < len(data) {
		if idxTag, err := decodeTag(data[pos:]); err == nil && idxTag.Context && idxTag.Number == 2 {
			pos += idxTag.HeaderSz
			v := decodeUnsignedValue(data[pos : pos+idxTag.Length])
			arrayIndex = &v
		}
	}

	return &ReadPropertyRequest{Object: obj, PropertyID: propID, ArrayIndex: arrayIndex}, nil
}

func decodeWritePropertyRequest(data []byte) (*WritePropertyRequest, error) {
	pos := 0
	objTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += objTag.HeaderSz
	obj := decodeObjectID(decodeUnsignedValue(data[pos : pos+objTag.Length]))
	pos += objTag.Length

	propTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += propTag.HeaderSz
	propID := decodeUnsignedValue(data[pos : pos+propTag.Length])
	pos += propTag.Length

	var arrayIndex *uint32
	if idxTag, err := decodeTag(data[pos:]); err == nil && idxTag.Context && idxTag.Number == 2 {
		pos += idxTag.HeaderSz
		v := decodeUnsignedValue(data[pos : pos+idxTag.Length])
		arrayIndex = &v
		pos += idxTag.Length
	}

	// opening tag 3
	openTag, err := decodeTag(data[pos:])
	if err != nil || !openTag.Opening {
		return nil, fmt.Errorf("apdu: write-property missing opening value tag")
	}
	pos += openTag.HeaderSz

	valTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, err
	}
	value := decodeApplicationValue(valTag, data[pos+valTag.HeaderSz:pos+valTag.HeaderSz+valTag.Length])
	pos += valTag.HeaderSz + valTag.Length

	// closing tag 3
	if closeTag, err := decodeTag(data[pos:]); err == nil && closeTag.Closing {
		pos += closeTag.HeaderSz
	}

	var priority *uint32
	if pos < len(data) {
		if prioTag, err := decodeTag(data[pos:]); err == nil && prioTag.Context && prioTag.Number == 4 {
			pos += prioTag.HeaderSz
			v := decodeUnsignedValue(data[pos : pos+prioTag.Length])
			priority = &v
		}
	}

	return &WritePropertyRequest{Object: obj, PropertyID: propID, ArrayIndex: arrayIndex, Value: value, Priority: priority}, nil
}

func decodeApplicationValue(tag decodedTag, raw []byte) PropertyValue {
	switch tag.Number {
	case tagReal:
		if len(raw) == 4 {
			return PropertyValue{Kind: "real", Real: decodeApplicationReal(raw)}
		}
	case tagUnsigned:
		return PropertyValue{Kind: "unsigned", Unsigned: decodeUnsignedValue(raw)}
	case tagBoolean:
		return PropertyValue{Kind: "boolean", Boolean: len(raw) > 0 && raw[0] != 0}
	case tagEnumerated:
		return PropertyValue{Kind: "enumerated", Enumerated: decodeUnsignedValue(raw)}
	}
	return PropertyValue{Kind: "null"}
}

// decodeReadPropertyAck decodes a ReadProperty Complex-ACK, including the
// object-list special case: when PropertyID is object-list, the value is a
// sequence of application-tagged object identifiers rather than one scalar.
func decodeReadPropertyAck(data []byte) (*ReadPropertyAck, error) {
	pos := 0
	objTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += objTag.HeaderSz
	obj := decodeObjectID(decodeUnsignedValue(data[pos : pos+objTag.Length]))
	pos += objTag.Length

	propTag, err := decodeTag(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += propTag.HeaderSz
	propID := decodeUnsignedValue(data[pos : pos+propTag.Length])
	pos += propTag.Length

	var arrayIndex *uint32
	if idxTag, err := decodeTag(data[pos:]); err == nil && idxTag.Context && idxTag.Number == 2 {
		pos += idxTag.HeaderSz
		v := decodeUnsignedValue(data[pos : pos+idxTag.Length])
		arrayIndex = &v
		pos += idxTag.Length
	}

	openTag, err := decodeTag(data[pos:])
	if err != nil || !openTag.Opening {
		return nil, fmt.Errorf("apdu: read-property-ack missing opening value tag")
	}
	pos += openTag.HeaderSz

	var value PropertyValue
	if propID == PropertyObjectList {
		var list []ObjectID
		for pos < len(data) {
			t, err := decodeTag(data[pos:])
			if err != nil {
				return nil, err
			}
			if t.Closing {
				pos += t.HeaderSz
				break
			}
			if t.Number == tagObjectID {
				list = append(list, decodeObjectID(decodeUnsignedValue(data[pos+t.HeaderSz:pos+t.HeaderSz+t.Length])))
			}
			pos += t.HeaderSz + t.Length
		}
		value = PropertyValue{Kind: "object-list", ObjectList: list}
	} else {
		valTag, err := decodeTag(data[pos:])
		if err != nil {
			return nil, err
		}
		value = decodeApplicationValue(valTag, data[pos+valTag.HeaderSz:pos+valTag.HeaderSz+valTag.Length])
		pos += valTag.HeaderSz + valTag.Length
		if closeTag, err := decodeTag(data[pos:]); err == nil && closeTag.Closing {
			pos += closeTag.HeaderSz
		}
	}

	return &ReadPropertyAck{Object: obj, PropertyID: propID, ArrayIndex: arrayIndex, Value: value}, nil
}
