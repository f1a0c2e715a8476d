// Package att encodes and decodes Attribute Protocol PDUs
// (Bluetooth Core Vol 3, Part F).
package att

import "fmt"

// Opcode is the first octet of every ATT PDU
type Opcode byte

const (
	ErrorResponse           Opcode = 0x01
	ExchangeMTURequest      Opcode = 0x02
	ExchangeMTUResponse     Opcode = 0x03
	FindInformationRequest  Opcode = 0x04
	FindInformationResponse Opcode = 0x05
	FindByTypeValueRequest  Opcode = 0x06
	FindByTypeValueResponse Opcode = 0x07
	ReadByTypeRequest       Opcode = 0x08
	ReadByTypeResponse      Opcode = 0x09
	ReadRequest             Opcode = 0x0A
	ReadResponse            Opcode = 0x0B
	ReadBlobRequest         Opcode = 0x0C
	ReadBlobResponse        Opcode = 0x0D
	ReadMultipleRequest     Opcode = 0x0E
	ReadMultipleResponse    Opcode = 0x0F
	ReadByGroupTypeRequest  Opcode = 0x10
	ReadByGroupTypeResponse Opcode = 0x11
	WriteRequest            Opcode = 0x12
	WriteResponse           Opcode = 0x13
	PrepareWriteRequest     Opcode = 0x16
	PrepareWriteResponse    Opcode = 0x17
	ExecuteWriteRequest     Opcode = 0x18
	ExecuteWriteResponse    Opcode = 0x19
	HandleValueNotification Opcode = 0x1B
	HandleValueIndication   Opcode = 0x1D
	HandleValueConfirmation Opcode = 0x1E
	WriteCommand            Opcode = 0x52
	SignedWriteCommand      Opcode = 0xD2

	commandFlag Opcode = 0x40
)

const (
	// DefaultMTU is the LE ATT_MTU before any exchange
	DefaultMTU = 23
	MaxMTU     = 517
)

var opcodeNames = map[Opcode]string{
	ErrorResponse:           "Error Response",
	ExchangeMTURequest:      "Exchange MTU Request",
	ExchangeMTUResponse:     "Exchange MTU Response",
	FindInformationRequest:  "Find Information Request",
	FindInformationResponse: "Find Information Response",
	FindByTypeValueRequest:  "Find By Type Value Request",
	FindByTypeValueResponse: "Find By Type Value Response",
	ReadByTypeRequest:       "Read By Type Request",
	ReadByTypeResponse:      "Read By Type Response",
	ReadRequest:             "Read Request",
	ReadResponse:            "Read Response",
	ReadBlobRequest:         "Read Blob Request",
	ReadBlobResponse:        "Read Blob Response",
	ReadMultipleRequest:     "Read Multiple Request",
	ReadMultipleResponse:    "Read Multiple Response",
	ReadByGroupTypeRequest:  "Read By Group Type Request",
	ReadByGroupTypeResponse: "Read By Group Type Response",
	WriteRequest:            "Write Request",
	WriteResponse:           "Write Response",
	PrepareWriteRequest:     "Prepare Write Request",
	PrepareWriteResponse:    "Prepare Write Response",
	ExecuteWriteRequest:     "Execute Write Request",
	ExecuteWriteResponse:    "Execute Write Response",
	HandleValueNotification: "Handle Value Notification",
	HandleValueIndication:   "Handle Value Indication",
	HandleValueConfirmation: "Handle Value Confirmation",
	WriteCommand:            "Write Command",
	SignedWriteCommand:      "Signed Write Command",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02X)", byte(o))
}

// IsCommand reports whether the PDU is a command, which has no response
func (o Opcode) IsCommand() bool {
	return o&commandFlag != 0
}

// ResponseFor returns the response opcode paired with a request opcode, and
// false when req is not a request that expects one.
func ResponseFor(req Opcode) (Opcode, bool) {
	switch req {
	case ExchangeMTURequest, FindInformationRequest, FindByTypeValueRequest,
		ReadByTypeRequest, ReadRequest, ReadBlobRequest, ReadMultipleRequest,
		ReadByGroupTypeRequest, WriteRequest, PrepareWriteRequest, ExecuteWriteRequest:
		return req + 1, true
	default:
		return 0, false
	}
}

// IsServerInitiated reports whether the opcode is a notification or indication
func (o Opcode) IsServerInitiated() bool {
	return o == HandleValueNotification || o == HandleValueIndication
}

// GATT attribute types used by discovery
const (
	UUIDPrimaryService   uint16 = 0x2800
	UUIDSecondaryService uint16 = 0x2801
	UUIDInclude          uint16 = 0x2802
	UUIDCharacteristic   uint16 = 0x2803
	UUIDCCCD             uint16 = 0x2902
)

// CCCD values
const (
	CCCDNone     uint16 = 0x0000
	CCCDNotify   uint16 = 0x0001
	CCCDIndicate uint16 = 0x0002
)
