// Package message defines the immutable message model carried by streambus
// and the payload codecs used by the typed publish and subscribe helpers.
//
// A Msg is built once with New and functional options and never changes
// afterwards. Accessors hand out copies of the payload and headers so a
// subscriber cannot corrupt the message seen by another subscriber:
//
//	msg := message.New("orders.new", []byte(`{"id":1}`),
//	    message.WithReply("_INBOX.abc"),
//	    message.WithHeader(message.MsgIDHeader, "order-1"))
//
// Codecs convert between Go values and payload bytes:
//
//	codec := message.JSONCodec[Order]{}
//	data, err := codec.Encode(order)
//
// Every codec failure wraps errors.ErrSerialization and is classified as
// invalid, so callers can tell payload problems from transport faults.
package message
