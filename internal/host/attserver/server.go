package attserver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/device"
)

// Backend performs the value I/O behind the attribute database. Returning an
// *att.Error sends that error code to the client; any other error becomes
// "unlikely error".
type Backend interface {
	ReadValue(c *Char) ([]byte, error)
	WriteValue(c *Char, value []byte, withResponse bool) error
	// SetCCCD is called when the client writes the CCCD of c
	SetCCCD(c *Char, value uint16) error
}

// DefaultServerMTU is the rx MTU the server advertises in Exchange MTU
const DefaultServerMTU = 247

// Server answers client PDUs against a DB. It is scoped to one connection:
// the negotiated MTU and CCCD values do not survive it.
type Server struct {
	db        *DB
	backend   Backend
	serverMTU int
	logger    *logrus.Logger

	mu   sync.Mutex
	mtu  int
	cccd map[uint16]uint16
}

// NewServer creates a server for one connection
func NewServer(db *DB, backend Backend, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		db:        db,
		backend:   backend,
		serverMTU: DefaultServerMTU,
		logger:    logger,
		mtu:       att.DefaultMTU,
		cccd:      make(map[uint16]uint16),
	}
}

// DB returns the database the server answers from
func (s *Server) DB() *DB {
	return s.db
}

// MTU returns the ATT_MTU in effect
func (s *Server) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// CCCD returns the last value the client wrote to the CCCD of c
func (s *Server) CCCD(c *Char) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cccd[c.CCCDHandle]
}

// Notification builds the PDU announcing a new value of c, honoring the CCCD
// the client wrote. It returns false when the client is not subscribed.
func (s *Server) Notification(c *Char, value []byte) ([]byte, bool) {
	s.mu.Lock()
	cccd, mtu := s.cccd[c.CCCDHandle], s.mtu
	s.mu.Unlock()

	if c.CCCDHandle == 0 {
		return nil, false
	}
	if limit := mtu - 3; len(value) > limit {
		value = value[:limit]
	}
	switch {
	case cccd&att.CCCDIndicate != 0:
		return att.EncodeHandleValueIndication(c.ValueHandle, value), true
	case cccd&att.CCCDNotify != 0:
		return att.EncodeHandleValueNotification(c.ValueHandle, value), true
	default:
		return nil, false
	}
}

// Handle answers one client PDU. It returns nil for commands and confirmations.
func (s *Server) Handle(pdu []byte) []byte {
	req, err := att.DecodeRequest(pdu)
	if err != nil {
		if len(pdu) == 0 {
			return nil
		}
		if _, expects := att.ResponseFor(att.Opcode(pdu[0])); !expects {
			return nil
		}
		return att.EncodeErrorResponse(att.Opcode(pdu[0]), 0, att.ErrInvalidPDU)
	}

	s.logger.WithFields(logrus.Fields{
		"opcode": req.Opcode.String(),
		"start":  req.Start,
		"end":    req.End,
		"handle": req.Handle,
	}).Debug("ATT request received")

	switch req.Opcode {
	case att.ExchangeMTURequest:
		return s.exchangeMTU(req)
	case att.ReadByGroupTypeRequest:
		return s.readByGroupType(req)
	case att.FindByTypeValueRequest:
		return s.findByTypeValue(req)
	case att.ReadByTypeRequest:
		return s.readByType(req)
	case att.FindInformationRequest:
		return s.findInformation(req)
	case att.ReadRequest, att.ReadBlobRequest:
		return s.read(req)
	case att.WriteRequest:
		return s.write(req, true)
	case att.WriteCommand:
		s.write(req, false)
		return nil
	case att.HandleValueConfirmation:
		return nil
	}

	if _, expects := att.ResponseFor(req.Opcode); expects {
		return att.EncodeErrorResponse(req.Opcode, 0, att.ErrRequestNotSupported)
	}
	return nil
}

func (s *Server) exchangeMTU(req att.Request) []byte {
	mtu := int(req.MTU)
	if mtu > s.serverMTU {
		mtu = s.serverMTU
	}
	if mtu < att.DefaultMTU {
		mtu = att.DefaultMTU
	}
	s.mu.Lock()
	s.mtu = mtu
	s.mu.Unlock()
	return att.EncodeExchangeMTUResponse(uint16(s.serverMTU))
}

func validRange(req att.Request) bool {
	return req.Start != 0 && req.Start <= req.End
}

func (s *Server) readByGroupType(req att.Request) []byte {
	if !validRange(req) {
		return att.EncodeErrorResponse(req.Opcode, req.Start, att.ErrInvalidHandle)
	}
	if !bytes.Equal(req.Type, u16(att.UUIDPrimaryService)) {
		return att.EncodeErrorResponse(req.Opcode, req.Start, att.ErrUnsupportedGroupType)
	}

	room := s.MTU() - 2
	var entries []att.GroupData
	for _, a := range s.db.inRange(req.Start, req.End) {
		if a.kind != kindService {
			continue
		}
		if len(entries) > 0 && len(a.value) != len(entries[0].Value) {
			break
		}
		if room < 4+len(a.value) {
			break
		}
		room -= 4 + len(a.value)
		entries = append(entries, att.GroupData{Handle: a.handle, EndHandle: a.endGroup, Value: a.value})
	}
	if len(entries) == 0 {
		return att.EncodeErrorResponse(req.Opcode, req.Start, att.ErrAttributeNotFound)
	}
	return att.EncodeReadByGroupTypeResponse(entries)
}

func (s *Server) findByTypeValue(req att.Request) []byte {
	if !validRange(req) {
		return att.EncodeErrorResponse(req.Opcode, req.Start, att.ErrInvalidHandle)
	}

	room := s.MTU() - 1
	var ranges []att.HandleRange
	if binary.LittleEndian.Uint16(req.Type) == att.UUIDPrimaryService {
		for _, a := range s.db.inRange(req.Start, req.End) {
			if a.kind != kindService || !bytes.Equal(a.value, req.Value) {
				continue
			}
			if room < 4 {
				break
			}
			room -= 4
			ranges = append(ranges, att.HandleRange{Start: a.handle, End: a.endGroup})
		}
	}
	if len(ranges) == 0 {
		return att.EncodeErrorResponse(req.Opcode, req.Start, att.ErrAttributeNotFound)
	}
	return att.EncodeFindByTypeValueResponse(ranges)
}

func (s *Server) readByType(req att.Request) []byte {
	if !validRange(req) {
		return att.EncodeErrorResponse(req.Opcode, req.Start, att.ErrInvalidHandle)
	}

	mtu := s.MTU()
	room := mtu - 2
	var entries []att.AttributeData
	for _, a := range s.db.inRange(req.Start, req.End) {
		if !bytes.Equal(a.typ, req.Type) {
			continue
		}
		value, errCode := s.valueOf(a)
		if errCode != 0 {
			if len(entries) == 0 {
				return att.EncodeErrorResponse(req.Opcode, a.handle, errCode)
			}
			break
		}
		if limit := mtu - 4; len(value) > limit {
			value = value[:limit]
		}
		if len(entries) > 0 && len(value) != len(entries[0].Value) {
			break
		}
		if room < 2+len(value) {
			break
		}
		room -= 2 + len(value)
		entries = append(entries, att.AttributeData{Handle: a.handle, Value: value})
	}
	if len(entries) == 0 {
		return att.EncodeErrorResponse(req.Opcode, req.Start, att.ErrAttributeNotFound)
	}
	return att.EncodeReadByTypeResponse(entries)
}

func (s *Server) findInformation(req att.Request) []byte {
	if !validRange(req) {
		return att.EncodeErrorResponse(req.Opcode, req.Start, att.ErrInvalidHandle)
	}

	room := s.MTU() - 2
	var entries []att.HandleUUID
	for _, a := range s.db.inRange(req.Start, req.End) {
		if len(entries) > 0 && len(a.typ) != len(entries[0].UUID) {
			break
		}
		if room < 2+len(a.typ) {
			break
		}
		room -= 2 + len(a.typ)
		entries = append(entries, att.HandleUUID{Handle: a.handle, UUID: a.typ})
	}
	if len(entries) == 0 {
		return att.EncodeErrorResponse(req.Opcode, req.Start, att.ErrAttributeNotFound)
	}
	return att.EncodeFindInformationResponse(entries)
}

func (s *Server) read(req att.Request) []byte {
	a := s.db.attr(req.Handle)
	if a == nil {
		return att.EncodeErrorResponse(req.Opcode, req.Handle, att.ErrInvalidHandle)
	}
	value, errCode := s.valueOf(a)
	if errCode != 0 {
		return att.EncodeErrorResponse(req.Opcode, req.Handle, errCode)
	}

	rspOp := att.ReadResponse
	if req.Opcode == att.ReadBlobRequest {
		rspOp = att.ReadBlobResponse
		if int(req.Offset) > len(value) {
			return att.EncodeErrorResponse(req.Opcode, req.Handle, att.ErrInvalidOffset)
		}
		value = value[req.Offset:]
	}
	if limit := s.MTU() - 1; len(value) > limit {
		value = value[:limit]
	}
	return att.EncodeReadResponse(rspOp, value)
}

func (s *Server) write(req att.Request, withResponse bool) []byte {
	a := s.db.attr(req.Handle)
	if a == nil {
		return att.EncodeErrorResponse(req.Opcode, req.Handle, att.ErrInvalidHandle)
	}

	switch a.kind {
	case kindCCCD:
		if len(req.Value) != 2 {
			return att.EncodeErrorResponse(req.Opcode, req.Handle, att.ErrInvalidAttrValueLength)
		}
		v := binary.LittleEndian.Uint16(req.Value)
		if err := s.backend.SetCCCD(a.char, v); err != nil {
			return att.EncodeErrorResponse(req.Opcode, req.Handle, errorCode(err))
		}
		s.mu.Lock()
		s.cccd[a.handle] = v
		s.mu.Unlock()
	case kindValue:
		need := device.PropWrite
		if !withResponse {
			need = device.PropWriteNoResponse
		}
		if !a.char.Properties.Has(need) {
			return att.EncodeErrorResponse(req.Opcode, req.Handle, att.ErrWriteNotPermitted)
		}
		if err := s.backend.WriteValue(a.char, req.Value, withResponse); err != nil {
			return att.EncodeErrorResponse(req.Opcode, req.Handle, errorCode(err))
		}
	default:
		return att.EncodeErrorResponse(req.Opcode, req.Handle, att.ErrWriteNotPermitted)
	}
	return att.EncodeWriteResponse()
}

// valueOf returns the attribute value, or a nonzero ATT error code
func (s *Server) valueOf(a *attribute) ([]byte, att.ErrorCode) {
	switch a.kind {
	case kindService, kindCharDecl:
		return a.value, 0
	case kindCCCD:
		s.mu.Lock()
		v := s.cccd[a.handle]
		s.mu.Unlock()
		return u16(v), 0
	}

	if !a.char.Properties.Has(device.PropRead) {
		return nil, att.ErrReadNotPermitted
	}
	v, err := s.backend.ReadValue(a.char)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"char_uuid": a.char.UUID,
			"error":     err,
		}).Debug("Backend read failed")
		return nil, errorCode(err)
	}
	return v, 0
}

func errorCode(err error) att.ErrorCode {
	var ae *att.Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return att.ErrUnlikely
}
