package cache

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/device"
)

const lastHandle uint16 = 0xFFFF

func uuid16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

// request sends one discovery request. An Error Response with Attribute Not
// Found ends a procedure and is reported as done; other Error Responses
// become ProtocolError.
func (c *Cache) request(ctx context.Context, op string, pdu []byte) (rsp []byte, done bool, err error) {
	rsp, err = c.req.SendPDU(ctx, pdu)
	if err == nil {
		return rsp, false, nil
	}
	var attErr *att.Error
	if errors.As(err, &attErr) {
		if attErr.Code == att.ErrAttributeNotFound {
			return nil, true, nil
		}
		return nil, false, device.NewError(device.ProtocolError, op, attErr)
	}
	return nil, false, err
}

// findService runs Discover Primary Service by Service UUID
func (c *Cache) findService(ctx context.Context, uuid string) (device.Service, bool, error) {
	value, err := device.UUIDToATT(uuid)
	if err != nil {
		return device.Service{}, false, device.Violationf("discover service", "bad service UUID %q: %v", uuid, err)
	}

	rsp, done, err := c.request(ctx, "discover service",
		att.EncodeFindByTypeValueRequest(1, lastHandle, att.UUIDPrimaryService, value))
	if err != nil || done {
		if done {
			c.logger.WithField("service_uuid", uuid).Debug("Service not present on device")
		}
		return device.Service{}, false, err
	}
	ranges, err := att.DecodeFindByTypeValueResponse(rsp)
	if err != nil {
		return device.Service{}, false, device.NewError(device.ProtocolError, "discover service", err)
	}
	if len(ranges) == 0 {
		return device.Service{}, false, nil
	}

	svc := device.Service{UUID: uuid, Handle: ranges[0].Start, EndHandle: ranges[0].End}
	c.logger.WithFields(logrus.Fields{
		"service_uuid": uuid,
		"handle":       svc.Handle,
		"end_handle":   svc.EndHandle,
	}).Debug("Service discovered")
	return svc, true, nil
}

// enumerateServices runs Discover All Primary Services
func (c *Cache) enumerateServices(ctx context.Context) ([]device.Service, error) {
	var out []device.Service
	start := uint16(1)
	for {
		rsp, done, err := c.request(ctx, "discover services",
			att.EncodeReadByGroupTypeRequest(start, lastHandle, uuid16(att.UUIDPrimaryService)))
		if err != nil {
			return nil, err
		}
		if done {
			return out, nil
		}
		groups, err := att.DecodeReadByGroupTypeResponse(rsp)
		if err != nil {
			return nil, device.NewError(device.ProtocolError, "discover services", err)
		}
		if len(groups) == 0 {
			return out, nil
		}
		for _, g := range groups {
			uuid, err := device.UUIDFromATT(g.Value)
			if err != nil {
				return nil, device.NewError(device.ProtocolError, "discover services", err)
			}
			out = append(out, device.Service{UUID: uuid, Handle: g.Handle, EndHandle: g.EndHandle})
		}
		end := groups[len(groups)-1].EndHandle
		if end == lastHandle || end < start {
			return out, nil
		}
		start = end + 1
	}
}

// discoverCharacteristics runs Discover All Characteristics of a Service and
// locates the CCCD of every characteristic that can notify or indicate. The
// results are committed in one step so a partially discovered service is
// never visible.
func (c *Cache) discoverCharacteristics(ctx context.Context, gen uint64, entry *serviceEntry) error {
	svc := entry.svc
	var found []*device.Characteristic

	start := svc.Handle + 1
	for start != 0 && start <= svc.EndHandle {
		rsp, done, err := c.request(ctx, "discover characteristics",
			att.EncodeReadByTypeRequest(start, svc.EndHandle, uuid16(att.UUIDCharacteristic)))
		if err != nil {
			return err
		}
		if done {
			break
		}
		entries, err := att.DecodeReadByTypeResponse(rsp)
		if err != nil {
			return device.NewError(device.ProtocolError, "discover characteristics", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			decl, err := att.DecodeCharacteristicDeclaration(e.Value)
			if err != nil {
				return device.NewError(device.ProtocolError, "discover characteristics", err)
			}
			uuid, err := device.UUIDFromATT(decl.UUID)
			if err != nil {
				return device.NewError(device.ProtocolError, "discover characteristics", err)
			}
			found = append(found, &device.Characteristic{
				ServiceUUID: svc.UUID,
				UUID:        uuid,
				Handle:      e.Handle,
				ValueHandle: decl.ValueHandle,
				Properties:  device.Properties(decl.Properties),
				Generation:  gen,
			})
		}
		last := entries[len(entries)-1].Handle
		if last < start || last == lastHandle {
			break
		}
		start = last + 1
	}

	for i, ch := range found {
		ch.EndHandle = svc.EndHandle
		if i+1 < len(found) {
			ch.EndHandle = found[i+1].Handle - 1
		}
		if !ch.Properties.CanNotify() || ch.ValueHandle >= ch.EndHandle {
			continue
		}
		cccd, err := c.findCCCD(ctx, ch.ValueHandle+1, ch.EndHandle)
		if err != nil {
			return err
		}
		ch.CCCDHandle = cccd
	}

	return c.commit("discover characteristics", gen, func() {
		for _, ch := range found {
			key := ch.Key()
			if _, ok := c.chars.Get(key); ok {
				continue
			}
			c.chars.Set(key, ch)
			c.logger.WithFields(logrus.Fields{
				"service_uuid": ch.ServiceUUID,
				"char_uuid":    ch.UUID,
				"handle":       ch.ValueHandle,
				"properties":   ch.Properties.String(),
			}).Debug("Characteristic discovered")
		}
		entry.resolved = true
	})
}

// findCCCD runs Discover All Characteristic Descriptors over [start, end]
// and returns the CCCD handle, or 0 when there is none.
func (c *Cache) findCCCD(ctx context.Context, start, end uint16) (uint16, error) {
	for start != 0 && start <= end {
		rsp, done, err := c.request(ctx, "discover descriptors", att.EncodeFindInformationRequest(start, end))
		if err != nil {
			return 0, err
		}
		if done {
			return 0, nil
		}
		infos, err := att.DecodeFindInformationResponse(rsp)
		if err != nil {
			return 0, device.NewError(device.ProtocolError, "discover descriptors", err)
		}
		if len(infos) == 0 {
			return 0, nil
		}
		for _, info := range infos {
			if len(info.UUID) == 2 && uint16(info.UUID[0])|uint16(info.UUID[1])<<8 == att.UUIDCCCD {
				return info.Handle, nil
			}
		}
		last := infos[len(infos)-1].Handle
		if last < start || last == lastHandle {
			return 0, nil
		}
		start = last + 1
	}
	return 0, nil
}
