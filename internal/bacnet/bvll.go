// Package bacnet implements the BACnet/IP wire protocol used by the field
// bus worker: BVLL framing, NPDU addressing, and the small APDU service set
// this runtime speaks (Who-Is, I-Am, ReadProperty, WriteProperty).
package bacnet

import (
	"encoding/binary"
	"fmt"
)

// BVLL function codes this runtime sends and understands. BACnet defines
// more (broadcast distribution table management, foreign device
// registration); they are out of scope per the wire-protocol contract.
const (
	BVLLTypeBACnetIP byte = 0x81

	BVLFOriginalUnicastNPDU   byte = 0x0A
	BVLFOriginalBroadcastNPDU byte = 0x0B
)

// BVLLFrame is the BACnet Virtual Link Layer header plus its NPDU payload.
type BVLLFrame struct {
	Function byte
	Payload  []byte // the NPDU, including its own header
}

// Encode serializes the BVLL header (type, function, 2-byte total length)
// followed by the NPDU payload.
func (f BVLLFrame) Encode() []byte {
	total := 4 + len(f.Payload)
	buf := make([]byte, 4, total)
	buf[0] = BVLLTypeBACnetIP
	buf[1] = f.Function
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	return append(buf, f.Payload...)
}

// DecodeBVLL parses a received datagram's BVLL header and returns the
// function code plus the remaining NPDU bytes.
func DecodeBVLL(data []byte) (BVLLFrame, error) {
	if len(data) < 4 {
		return BVLLFrame{}, fmt.Errorf("bvll: frame too short (%d bytes)", len(data))
	}
	if data[0] != BVLLTypeBACnetIP {
		return BVLLFrame{}, fmt.Errorf("bvll: unexpected type byte 0x%02x", data[0])
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length > len(data) {
		return BVLLFrame{}, fmt.Errorf("bvll: declared length %d exceeds buffer %d", length, len(data))
	}
	return BVLLFrame{Function: data[1], Payload: data[4:length]}, nil
}
