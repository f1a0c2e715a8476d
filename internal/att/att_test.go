package att

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseFor(t *testing.T) {
	rsp, ok := ResponseFor(ReadByTypeRequest)
	assert.True(t, ok)
	assert.Equal(t, ReadByTypeResponse, rsp)

	_, ok = ResponseFor(WriteCommand)
	assert.False(t, ok, "commands MUST NOT expect a response")
	assert.True(t, WriteCommand.IsCommand())
	assert.False(t, WriteRequest.IsCommand())
	assert.Equal(t, "Read By Group Type Request", ReadByGroupTypeRequest.String())
	assert.Equal(t, "Opcode(0x7F)", Opcode(0x7F).String())
}

func TestRequestEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		pdu    []byte
		expect Request
	}{
		{
			name:   "exchange MTU",
			pdu:    EncodeExchangeMTURequest(247),
			expect: Request{Opcode: ExchangeMTURequest, MTU: 247},
		},
		{
			name:   "find by type value",
			pdu:    EncodeFindByTypeValueRequest(0x0001, 0xFFFF, UUIDPrimaryService, []byte{0x0f, 0x18}),
			expect: Request{Opcode: FindByTypeValueRequest, Start: 1, End: 0xFFFF, Type: []byte{0x00, 0x28}, Value: []byte{0x0f, 0x18}},
		},
		{
			name:   "read by type",
			pdu:    EncodeReadByTypeRequest(0x0010, 0x0020, []byte{0x03, 0x28}),
			expect: Request{Opcode: ReadByTypeRequest, Start: 0x10, End: 0x20, Type: []byte{0x03, 0x28}},
		},
		{
			name:   "read blob",
			pdu:    EncodeReadBlobRequest(0x0003, 22),
			expect: Request{Opcode: ReadBlobRequest, Handle: 3, Offset: 22},
		},
		{
			name:   "write command",
			pdu:    EncodeWriteCommand(0x0005, []byte{1, 2}),
			expect: Request{Opcode: WriteCommand, Handle: 5, Value: []byte{1, 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest(tt.pdu)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestDecodeRequestRejectsTruncated(t *testing.T) {
	for _, pdu := range [][]byte{
		{},
		{byte(ReadRequest), 0x01},
		{byte(ReadByTypeRequest), 0x01, 0x00, 0xff, 0xff, 0x03},
		{byte(ReadByGroupTypeRequest), 0x01, 0x00, 0xff, 0xff, 0x00, 0x28, 0x00},
	} {
		_, err := DecodeRequest(pdu)
		assert.ErrorIs(t, err, ErrMalformed, "PDU % x MUST be rejected", pdu)
	}
}

func TestCheckResponse(t *testing.T) {
	t.Run("error response is surfaced as *Error", func(t *testing.T) {
		err := CheckResponse(ReadByTypeRequest, EncodeErrorResponse(ReadByTypeRequest, 0x0010, ErrAttributeNotFound))
		var attErr *Error
		require.ErrorAs(t, err, &attErr)
		assert.Equal(t, ErrAttributeNotFound, attErr.Code)
		assert.Equal(t, uint16(0x0010), attErr.Handle)
		assert.True(t, IsCode(err, ErrAttributeNotFound))
		assert.NotErrorIs(t, err, ErrMalformed)
	})

	t.Run("mismatched opcode is malformed", func(t *testing.T) {
		err := CheckResponse(ReadRequest, EncodeWriteResponse())
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("truncated error response is malformed", func(t *testing.T) {
		err := CheckResponse(ReadRequest, []byte{byte(ErrorResponse), byte(ReadRequest)})
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestDiscoveryResponses(t *testing.T) {
	t.Run("read by group type", func(t *testing.T) {
		pdu := EncodeReadByGroupTypeResponse([]GroupData{
			{Handle: 1, EndHandle: 5, Value: []byte{0x00, 0x18}},
			{Handle: 6, EndHandle: 9, Value: []byte{0x0f, 0x18}},
		})
		got, err := DecodeReadByGroupTypeResponse(pdu)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, GroupData{Handle: 6, EndHandle: 9, Value: []byte{0x0f, 0x18}}, got[1])
	})

	t.Run("read by type with characteristic declarations", func(t *testing.T) {
		decl := EncodeCharacteristicDeclaration(CharacteristicDeclaration{Properties: 0x12, ValueHandle: 8, UUID: []byte{0x19, 0x2a}})
		pdu := EncodeReadByTypeResponse([]AttributeData{{Handle: 7, Value: decl}})
		got, err := DecodeReadByTypeResponse(pdu)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, uint16(7), got[0].Handle)

		d, err := DecodeCharacteristicDeclaration(got[0].Value)
		require.NoError(t, err)
		assert.Equal(t, byte(0x12), d.Properties)
		assert.Equal(t, uint16(8), d.ValueHandle)
		assert.Equal(t, []byte{0x19, 0x2a}, d.UUID)
	})

	t.Run("find information with 16-bit UUIDs", func(t *testing.T) {
		pdu := EncodeFindInformationResponse([]HandleUUID{{Handle: 9, UUID: []byte{0x02, 0x29}}})
		assert.Equal(t, []byte{byte(FindInformationResponse), 0x01, 0x09, 0x00, 0x02, 0x29}, pdu)
		got, err := DecodeFindInformationResponse(pdu)
		require.NoError(t, err)
		assert.Equal(t, []HandleUUID{{Handle: 9, UUID: []byte{0x02, 0x29}}}, got)
	})

	t.Run("find by type value", func(t *testing.T) {
		got, err := DecodeFindByTypeValueResponse(EncodeFindByTypeValueResponse([]HandleRange{{Start: 6, End: 9}}))
		require.NoError(t, err)
		assert.Equal(t, []HandleRange{{Start: 6, End: 9}}, got)
	})

	t.Run("truncated bodies are malformed", func(t *testing.T) {
		_, err := DecodeReadByTypeResponse([]byte{byte(ReadByTypeResponse), 0x07, 0x01, 0x00, 0x12})
		assert.ErrorIs(t, err, ErrMalformed)
		_, err = DecodeReadByGroupTypeResponse([]byte{byte(ReadByGroupTypeResponse), 0x06})
		assert.ErrorIs(t, err, ErrMalformed)
		_, err = DecodeFindByTypeValueResponse([]byte{byte(FindByTypeValueResponse), 0x01, 0x00})
		assert.ErrorIs(t, err, ErrMalformed)
		_, err = DecodeFindInformationResponse([]byte{byte(FindInformationResponse), 0x03, 0x01, 0x00})
		assert.ErrorIs(t, err, ErrMalformed)
		_, err = DecodeCharacteristicDeclaration([]byte{0x12, 0x08})
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestHandleValue(t *testing.T) {
	h, v, err := DecodeHandleValue(EncodeHandleValueIndication(0x0012, []byte{0x55}))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x12), h)
	assert.Equal(t, []byte{0x55}, v)

	_, _, err = DecodeHandleValue(EncodeReadResponse(ReadResponse, []byte{1}))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadAndMTUResponses(t *testing.T) {
	v, err := DecodeReadResponse(ReadRequest, EncodeReadResponse(ReadResponse, []byte{85}))
	require.NoError(t, err)
	assert.Equal(t, []byte{85}, v)

	mtu, err := DecodeExchangeMTUResponse(EncodeExchangeMTUResponse(185))
	require.NoError(t, err)
	assert.Equal(t, uint16(185), mtu)

	assert.NoError(t, DecodeWriteResponse(EncodeWriteResponse()))
}
