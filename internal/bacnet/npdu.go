package bacnet

import "fmt"

// NPDU control bits this runtime cares about. Network-layer addressing
// (DNET/DADR/SNET/SADR) and routing are out of scope: no BACnet router/MSTP.
const (
	npduControlDataExpectingReply = 0x04
)

const npduVersion byte = 0x01

// NPDU is the network layer header wrapping an APDU. Only the fields this
// runtime actually uses are modeled.
type NPDU struct {
	DataExpectingReply bool
	APDU               []byte
}

// Encode serializes version + control byte + the APDU payload.
func (n NPDU) Encode() []byte {
	control := byte(0)
	if n.DataExpectingReply {
		control |= npduControlDataExpectingReply
	}
	buf := make([]byte, 2, 2+len(n.APDU))
	buf[0] = npduVersion
	buf[1] = control
	return append(buf, n.APDU...)
}

// DecodeNPDU parses the network header and returns the remaining APDU.
func DecodeNPDU(data []byte) (NPDU, error) {
	if len(data) < 2 {
		return NPDU{}, fmt.Errorf("npdu: frame too short")
	}
	control := data[1]
	pos := 2
	// Network-layer messages (control bit 0x80) carry no APDU; they are
	// not used by this runtime and are treated as an empty, ignorable APDU.
	if control&0x80 != 0 {
		return NPDU{DataExpectingReply: control&npduControlDataExpectingReply != 0}, nil
	}
	return NPDU{
		DataExpectingReply: control&npduControlDataExpectingReply != 0,
		APDU:               data[pos:],
	}, nil
}
