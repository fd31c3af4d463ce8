package codec

import (
	"encoding/binary"

	"chimera/internal/schema"
)

const (
	OrderPayloadSize  = 24
	RoutePayloadSize  = 16
	AckPayloadSize    = 16
	CancelPayloadSize = 16
)

// EncodeOrder serializes an order intent.
func EncodeOrder(dst []byte, order schema.Order) []byte {
	dst = fixed(dst, OrderPayloadSize)

	binary.LittleEndian.PutUint64(dst[0:8], order.ClientID)
	putF64(dst[8:16], order.Price)
	putF64(dst[16:24], order.Qty)

	return dst
}

// DecodeOrder parses an order intent.
func DecodeOrder(src []byte) (schema.Order, bool) {
	if len(src) < OrderPayloadSize {
		return schema.Order{}, false
	}
	return schema.Order{
		ClientID: binary.LittleEndian.Uint64(src[0:8]),
		Price:    f64(src[8:16]),
		Qty:      f64(src[16:24]),
	}, true
}

func EncodeRoute(dst []byte, route schema.Route) []byte {
	dst = fixed(dst, RoutePayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], route.OrderEventID)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(route.Venue))
	return dst
}

func DecodeRoute(src []byte) (schema.Route, bool) {
	if len(src) < RoutePayloadSize {
		return schema.Route{}, false
	}
	return schema.Route{
		OrderEventID: binary.LittleEndian.Uint64(src[0:8]),
		Venue:        schema.VenueID(binary.LittleEndian.Uint32(src[8:12])),
	}, true
}

func EncodeAck(dst []byte, ack schema.Ack) []byte {
	dst = fixed(dst, AckPayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], ack.OrderEventID)
	putBool(dst[8:12], ack.Accepted)
	binary.LittleEndian.PutUint32(dst[12:16], ack.Code)
	return dst
}

func DecodeAck(src []byte) (schema.Ack, bool) {
	if len(src) < AckPayloadSize {
		return schema.Ack{}, false
	}
	return schema.Ack{
		OrderEventID: binary.LittleEndian.Uint64(src[0:8]),
		Accepted:     binary.LittleEndian.Uint32(src[8:12]) != 0,
		Code:         binary.LittleEndian.Uint32(src[12:16]),
	}, true
}

func EncodeCancel(dst []byte, cancel schema.Cancel) []byte {
	dst = fixed(dst, CancelPayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], cancel.OrderEventID)
	binary.LittleEndian.PutUint32(dst[8:12], cancel.Reason)
	return dst
}

func DecodeCancel(src []byte) (schema.Cancel, bool) {
	if len(src) < CancelPayloadSize {
		return schema.Cancel{}, false
	}
	return schema.Cancel{
		OrderEventID: binary.LittleEndian.Uint64(src[0:8]),
		Reason:       binary.LittleEndian.Uint32(src[8:12]),
	}, true
}
