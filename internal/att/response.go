package att

// HandleUUID is one entry of a Find Information Response
type HandleUUID struct {
	Handle uint16
	UUID   []byte
}

// HandleRange is one entry of a Find By Type Value Response
type HandleRange struct {
	Start uint16
	End   uint16
}

// AttributeData is one entry of a Read By Type Response
type AttributeData struct {
	Handle uint16
	Value  []byte
}

// GroupData is one entry of a Read By Group Type Response
type GroupData struct {
	Handle    uint16
	EndHandle uint16
	Value     []byte
}

// CheckResponse validates that rsp answers req. A well-formed Error Response
// is returned as *Error, anything else unexpected as ErrMalformed.
func CheckResponse(req Opcode, rsp []byte) error {
	if len(rsp) == 0 {
		return malformed("empty response to %s", req)
	}
	op := Opcode(rsp[0])
	if op == ErrorResponse {
		e, err := DecodeError(rsp)
		if err != nil {
			return err
		}
		return e
	}
	want, ok := ResponseFor(req)
	if !ok {
		return malformed("%s expects no response", req)
	}
	if op != want {
		return malformed("got %s in response to %s", op, req)
	}
	return nil
}

// DecodeError decodes an Error Response PDU
func DecodeError(pdu []byte) (*Error, error) {
	if len(pdu) != 5 || Opcode(pdu[0]) != ErrorResponse {
		return nil, malformed("error response of %d bytes", len(pdu))
	}
	return &Error{
		RequestOpcode: Opcode(pdu[1]),
		Handle:        le.Uint16(pdu[2:]),
		Code:          ErrorCode(pdu[4]),
	}, nil
}

// DecodeExchangeMTUResponse returns the server's rx MTU
func DecodeExchangeMTUResponse(rsp []byte) (uint16, error) {
	if err := CheckResponse(ExchangeMTURequest, rsp); err != nil {
		return 0, err
	}
	if len(rsp) != 3 {
		return 0, malformed("exchange MTU response of %d bytes", len(rsp))
	}
	return le.Uint16(rsp[1:]), nil
}

// DecodeFindInformationResponse decodes handle/UUID pairs; format 0x01 carries
// 16-bit UUIDs, 0x02 128-bit ones.
func DecodeFindInformationResponse(rsp []byte) ([]HandleUUID, error) {
	if err := CheckResponse(FindInformationRequest, rsp); err != nil {
		return nil, err
	}
	if len(rsp) < 2 {
		return nil, malformed("find information response without format")
	}
	var uuidLen int
	switch rsp[1] {
	case 0x01:
		uuidLen = 2
	case 0x02:
		uuidLen = 16
	default:
		return nil, malformed("find information format 0x%02X", rsp[1])
	}
	entryLen := 2 + uuidLen
	body := rsp[2:]
	if len(body) == 0 || len(body)%entryLen != 0 {
		return nil, malformed("find information body of %d bytes for entries of %d", len(body), entryLen)
	}
	out := make([]HandleUUID, 0, len(body)/entryLen)
	for ; len(body) > 0; body = body[entryLen:] {
		out = append(out, HandleUUID{Handle: le.Uint16(body), UUID: clone(body[2:entryLen])})
	}
	return out, nil
}

// DecodeFindByTypeValueResponse decodes handle ranges
func DecodeFindByTypeValueResponse(rsp []byte) ([]HandleRange, error) {
	if err := CheckResponse(FindByTypeValueRequest, rsp); err != nil {
		return nil, err
	}
	body := rsp[1:]
	if len(body) == 0 || len(body)%4 != 0 {
		return nil, malformed("find by type value body of %d bytes", len(body))
	}
	out := make([]HandleRange, 0, len(body)/4)
	for ; len(body) > 0; body = body[4:] {
		out = append(out, HandleRange{Start: le.Uint16(body), End: le.Uint16(body[2:])})
	}
	return out, nil
}

// DecodeReadByTypeResponse decodes handle/value pairs of equal length
func DecodeReadByTypeResponse(rsp []byte) ([]AttributeData, error) {
	if err := CheckResponse(ReadByTypeRequest, rsp); err != nil {
		return nil, err
	}
	if len(rsp) < 2 {
		return nil, malformed("read by type response without length")
	}
	entryLen := int(rsp[1])
	body := rsp[2:]
	if entryLen < 2 || len(body) == 0 || len(body)%entryLen != 0 {
		return nil, malformed("read by type body of %d bytes for entries of %d", len(body), entryLen)
	}
	out := make([]AttributeData, 0, len(body)/entryLen)
	for ; len(body) > 0; body = body[entryLen:] {
		out = append(out, AttributeData{Handle: le.Uint16(body), Value: clone(body[2:entryLen])})
	}
	return out, nil
}

// DecodeReadByGroupTypeResponse decodes (handle, end group handle, value) triples
func DecodeReadByGroupTypeResponse(rsp []byte) ([]GroupData, error) {
	if err := CheckResponse(ReadByGroupTypeRequest, rsp); err != nil {
		return nil, err
	}
	if len(rsp) < 2 {
		return nil, malformed("read by group type response without length")
	}
	entryLen := int(rsp[1])
	body := rsp[2:]
	if entryLen < 4 || len(body) == 0 || len(body)%entryLen != 0 {
		return nil, malformed("read by group type body of %d bytes for entries of %d", len(body), entryLen)
	}
	out := make([]GroupData, 0, len(body)/entryLen)
	for ; len(body) > 0; body = body[entryLen:] {
		out = append(out, GroupData{
			Handle:    le.Uint16(body),
			EndHandle: le.Uint16(body[2:]),
			Value:     clone(body[4:entryLen]),
		})
	}
	return out, nil
}

// DecodeReadResponse returns the attribute value of a Read or Read Blob Response
func DecodeReadResponse(req Opcode, rsp []byte) ([]byte, error) {
	if err := CheckResponse(req, rsp); err != nil {
		return nil, err
	}
	return clone(rsp[1:]), nil
}

// DecodeWriteResponse validates a Write Response
func DecodeWriteResponse(rsp []byte) error {
	if err := CheckResponse(WriteRequest, rsp); err != nil {
		return err
	}
	if len(rsp) != 1 {
		return malformed("write response of %d bytes", len(rsp))
	}
	return nil
}

// DecodeHandleValue decodes a Handle Value Notification or Indication
func DecodeHandleValue(pdu []byte) (handle uint16, value []byte, err error) {
	if len(pdu) < 3 || !Opcode(pdu[0]).IsServerInitiated() {
		return 0, nil, malformed("handle value PDU of %d bytes", len(pdu))
	}
	return le.Uint16(pdu[1:]), clone(pdu[3:]), nil
}

// CharacteristicDeclaration is the decoded value of a 0x2803 attribute
type CharacteristicDeclaration struct {
	Properties  byte
	ValueHandle uint16
	UUID        []byte
}

// DecodeCharacteristicDeclaration decodes properties, value handle and UUID
func DecodeCharacteristicDeclaration(v []byte) (CharacteristicDeclaration, error) {
	if len(v) != 5 && len(v) != 19 {
		return CharacteristicDeclaration{}, malformed("characteristic declaration of %d bytes", len(v))
	}
	return CharacteristicDeclaration{
		Properties:  v[0],
		ValueHandle: le.Uint16(v[1:]),
		UUID:        clone(v[3:]),
	}, nil
}

// EncodeCharacteristicDeclaration is the inverse of DecodeCharacteristicDeclaration
func EncodeCharacteristicDeclaration(d CharacteristicDeclaration) []byte {
	b := []byte{d.Properties, 0, 0}
	le.PutUint16(b[1:], d.ValueHandle)
	return append(b, d.UUID...)
}

// EncodeErrorResponse builds an Error Response
func EncodeErrorResponse(req Opcode, handle uint16, code ErrorCode) []byte {
	b := []byte{byte(ErrorResponse), byte(req), 0, 0, byte(code)}
	le.PutUint16(b[2:], handle)
	return b
}

// EncodeExchangeMTUResponse builds an Exchange MTU Response
func EncodeExchangeMTUResponse(rxMTU uint16) []byte {
	b := []byte{byte(ExchangeMTUResponse), 0, 0}
	le.PutUint16(b[1:], rxMTU)
	return b
}

// EncodeFindInformationResponse packs entries sharing one UUID length. The
// caller keeps the result within the MTU.
func EncodeFindInformationResponse(entries []HandleUUID) []byte {
	format := byte(0x01)
	if len(entries) > 0 && len(entries[0].UUID) == 16 {
		format = 0x02
	}
	b := []byte{byte(FindInformationResponse), format}
	for _, e := range entries {
		b = le.AppendUint16(b, e.Handle)
		b = append(b, e.UUID...)
	}
	return b
}

// EncodeFindByTypeValueResponse packs handle ranges
func EncodeFindByTypeValueResponse(ranges []HandleRange) []byte {
	b := []byte{byte(FindByTypeValueResponse)}
	for _, r := range ranges {
		b = le.AppendUint16(b, r.Start)
		b = le.AppendUint16(b, r.End)
	}
	return b
}

// EncodeReadByTypeResponse packs entries sharing one value length
func EncodeReadByTypeResponse(entries []AttributeData) []byte {
	entryLen := 2
	if len(entries) > 0 {
		entryLen += len(entries[0].Value)
	}
	b := []byte{byte(ReadByTypeResponse), byte(entryLen)}
	for _, e := range entries {
		b = le.AppendUint16(b, e.Handle)
		b = append(b, e.Value...)
	}
	return b
}

// EncodeReadByGroupTypeResponse packs entries sharing one value length
func EncodeReadByGroupTypeResponse(entries []GroupData) []byte {
	entryLen := 4
	if len(entries) > 0 {
		entryLen += len(entries[0].Value)
	}
	b := []byte{byte(ReadByGroupTypeResponse), byte(entryLen)}
	for _, e := range entries {
		b = le.AppendUint16(b, e.Handle)
		b = le.AppendUint16(b, e.EndHandle)
		b = append(b, e.Value...)
	}
	return b
}

// EncodeReadResponse builds a Read Response or Read Blob Response
func EncodeReadResponse(op Opcode, value []byte) []byte {
	return append([]byte{byte(op)}, value...)
}

// EncodeWriteResponse builds a Write Response
func EncodeWriteResponse() []byte {
	return []byte{byte(WriteResponse)}
}

// EncodeHandleValueNotification builds a notification PDU
func EncodeHandleValueNotification(handle uint16, value []byte) []byte {
	return encodeHandleValue(HandleValueNotification, handle, value)
}

// EncodeHandleValueIndication builds an indication PDU
func EncodeHandleValueIndication(handle uint16, value []byte) []byte {
	return encodeHandleValue(HandleValueIndication, handle, value)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
