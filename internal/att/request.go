package att

import "encoding/binary"

var le = binary.LittleEndian

func withHandles(op Opcode, start, end uint16, extra int) []byte {
	b := make([]byte, 5, 5+extra)
	b[0] = byte(op)
	le.PutUint16(b[1:], start)
	le.PutUint16(b[3:], end)
	return b
}

// EncodeExchangeMTURequest builds an Exchange MTU Request advertising rxMTU
func EncodeExchangeMTURequest(rxMTU uint16) []byte {
	b := []byte{byte(ExchangeMTURequest), 0, 0}
	le.PutUint16(b[1:], rxMTU)
	return b
}

// EncodeFindInformationRequest builds a Find Information Request for [start, end]
func EncodeFindInformationRequest(start, end uint16) []byte {
	return withHandles(FindInformationRequest, start, end, 0)
}

// EncodeFindByTypeValueRequest builds a Find By Type Value Request; attrType is a 16-bit UUID
func EncodeFindByTypeValueRequest(start, end, attrType uint16, value []byte) []byte {
	b := withHandles(FindByTypeValueRequest, start, end, 2+len(value))
	b = le.AppendUint16(b, attrType)
	return append(b, value...)
}

// EncodeReadByTypeRequest builds a Read By Type Request; attrType is a 2 or 16 byte UUID
func EncodeReadByTypeRequest(start, end uint16, attrType []byte) []byte {
	return append(withHandles(ReadByTypeRequest, start, end, len(attrType)), attrType...)
}

// EncodeReadByGroupTypeRequest builds a Read By Group Type Request
func EncodeReadByGroupTypeRequest(start, end uint16, groupType []byte) []byte {
	return append(withHandles(ReadByGroupTypeRequest, start, end, len(groupType)), groupType...)
}

// EncodeReadRequest builds a Read Request
func EncodeReadRequest(handle uint16) []byte {
	b := []byte{byte(ReadRequest), 0, 0}
	le.PutUint16(b[1:], handle)
	return b
}

// EncodeReadBlobRequest builds a Read Blob Request
func EncodeReadBlobRequest(handle, offset uint16) []byte {
	b := []byte{byte(ReadBlobRequest), 0, 0, 0, 0}
	le.PutUint16(b[1:], handle)
	le.PutUint16(b[3:], offset)
	return b
}

// EncodeWriteRequest builds a Write Request
func EncodeWriteRequest(handle uint16, value []byte) []byte {
	return encodeHandleValue(WriteRequest, handle, value)
}

// EncodeWriteCommand builds a Write Command
func EncodeWriteCommand(handle uint16, value []byte) []byte {
	return encodeHandleValue(WriteCommand, handle, value)
}

// EncodeHandleValueConfirmation builds the confirmation for a received indication
func EncodeHandleValueConfirmation() []byte {
	return []byte{byte(HandleValueConfirmation)}
}

func encodeHandleValue(op Opcode, handle uint16, value []byte) []byte {
	b := make([]byte, 3, 3+len(value))
	b[0] = byte(op)
	le.PutUint16(b[1:], handle)
	return append(b, value...)
}

// Request is a decoded client PDU. Only the fields meaningful for Opcode are set.
type Request struct {
	Opcode Opcode
	Start  uint16
	End    uint16
	Handle uint16
	Offset uint16
	MTU    uint16
	Type   []byte // UUID for Read By Type / Read By Group Type, 16-bit type for Find By Type Value
	Value  []byte
}

// DecodeRequest decodes a PDU sent by a client.
func DecodeRequest(pdu []byte) (Request, error) {
	if len(pdu) == 0 {
		return Request{}, malformed("empty PDU")
	}
	r := Request{Opcode: Opcode(pdu[0])}
	body := pdu[1:]

	need := func(n int) error {
		if len(body) < n {
			return malformed("%s: %d bytes, need at least %d", r.Opcode, len(body), n)
		}
		return nil
	}

	switch r.Opcode {
	case ExchangeMTURequest:
		if err := need(2); err != nil {
			return r, err
		}
		r.MTU = le.Uint16(body)
	case FindInformationRequest:
		if err := need(4); err != nil {
			return r, err
		}
		r.Start, r.End = le.Uint16(body), le.Uint16(body[2:])
	case FindByTypeValueRequest:
		if err := need(6); err != nil {
			return r, err
		}
		r.Start, r.End = le.Uint16(body), le.Uint16(body[2:])
		r.Type = body[4:6]
		r.Value = body[6:]
	case ReadByTypeRequest, ReadByGroupTypeRequest:
		if err := need(6); err != nil {
			return r, err
		}
		r.Start, r.End = le.Uint16(body), le.Uint16(body[2:])
		r.Type = body[4:]
		if len(r.Type) != 2 && len(r.Type) != 16 {
			return r, malformed("%s: UUID length %d", r.Opcode, len(r.Type))
		}
	case ReadRequest:
		if err := need(2); err != nil {
			return r, err
		}
		r.Handle = le.Uint16(body)
	case ReadBlobRequest:
		if err := need(4); err != nil {
			return r, err
		}
		r.Handle, r.Offset = le.Uint16(body), le.Uint16(body[2:])
	case WriteRequest, WriteCommand:
		if err := need(2); err != nil {
			return r, err
		}
		r.Handle = le.Uint16(body)
		r.Value = body[2:]
	case HandleValueConfirmation:
	}
	return r, nil
}
