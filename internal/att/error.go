package att

import (
	"errors"
	"fmt"
)

// ErrorCode is the error code carried by an Error Response
type ErrorCode byte

const (
	ErrInvalidHandle              ErrorCode = 0x01
	ErrReadNotPermitted           ErrorCode = 0x02
	ErrWriteNotPermitted          ErrorCode = 0x03
	ErrInvalidPDU                 ErrorCode = 0x04
	ErrInsufficientAuthentication ErrorCode = 0x05
	ErrRequestNotSupported        ErrorCode = 0x06
	ErrInvalidOffset              ErrorCode = 0x07
	ErrInsufficientAuthorization  ErrorCode = 0x08
	ErrPrepareQueueFull           ErrorCode = 0x09
	ErrAttributeNotFound          ErrorCode = 0x0A
	ErrAttributeNotLong           ErrorCode = 0x0B
	ErrInsufficientEncKeySize     ErrorCode = 0x0C
	ErrInvalidAttrValueLength     ErrorCode = 0x0D
	ErrUnlikely                   ErrorCode = 0x0E
	ErrInsufficientEncryption     ErrorCode = 0x0F
	ErrUnsupportedGroupType       ErrorCode = 0x10
	ErrInsufficientResources      ErrorCode = 0x11
)

var errorCodeNames = map[ErrorCode]string{
	ErrInvalidHandle:              "invalid handle",
	ErrReadNotPermitted:           "read not permitted",
	ErrWriteNotPermitted:          "write not permitted",
	ErrInvalidPDU:                 "invalid PDU",
	ErrInsufficientAuthentication: "insufficient authentication",
	ErrRequestNotSupported:        "request not supported",
	ErrInvalidOffset:              "invalid offset",
	ErrInsufficientAuthorization:  "insufficient authorization",
	ErrPrepareQueueFull:           "prepare queue full",
	ErrAttributeNotFound:          "attribute not found",
	ErrAttributeNotLong:           "attribute not long",
	ErrInsufficientEncKeySize:     "insufficient encryption key size",
	ErrInvalidAttrValueLength:     "invalid attribute value length",
	ErrUnlikely:                   "unlikely error",
	ErrInsufficientEncryption:     "insufficient encryption",
	ErrUnsupportedGroupType:       "unsupported group type",
	ErrInsufficientResources:      "insufficient resources",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code 0x%02X", byte(c))
}

// Error is a decoded Error Response
type Error struct {
	RequestOpcode Opcode
	Handle        uint16
	Code          ErrorCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("att: %s (request %s, handle 0x%04X)", e.Code, e.RequestOpcode, e.Handle)
}

// IsCode reports whether err is an ATT Error Response with the given code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// ErrMalformed marks a PDU that cannot be decoded
var ErrMalformed = errors.New("malformed ATT PDU")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
