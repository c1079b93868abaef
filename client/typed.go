package client

import (
	"context"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/router"
)

// TypedHandler receives a decoded payload. err is non-nil, wrapping
// errors.ErrSerialization, when the payload could not be decoded.
type TypedHandler[T any] func(msg *message.Msg, v T, err error)

func encode[T any](codec message.Codec[T], v T, method string) ([]byte, error) {
	data, err := codec.Encode(v)
	if err != nil {
		return nil, asSerialization(err, method)
	}
	return data, nil
}

func asSerialization(err error, method string) error {
	if errors.Is(err, errors.ErrSerialization) {
		return err
	}
	return errors.WrapInvalid(errors.Join(errors.ErrSerialization, err), "Client", method, "convert payload")
}

// PublishAs encodes v with codec and publishes it on subj
func PublishAs[T any](ctx context.Context, c *Client, subj string, codec message.Codec[T], v T, opts ...message.Option) error {
	data, err := encode(codec, v, "PublishAs")
	if err != nil {
		return err
	}
	return c.Publish(ctx, subj, data, opts...)
}

// RequestAs sends an encoded request and decodes the reply
func RequestAs[Req, Resp any](ctx context.Context, c *Client, subj string,
	reqCodec message.Codec[Req], respCodec message.Codec[Resp], v Req, opts ...message.Option,
) (Resp, error) {
	var zero Resp
	data, err := encode(reqCodec, v, "RequestAs")
	if err != nil {
		return zero, err
	}

	reply, err := c.Request(ctx, subj, data, opts...)
	if err != nil {
		return zero, err
	}

	out, err := message.Decode(respCodec, reply)
	if err != nil {
		return zero, asSerialization(err, "RequestAs")
	}
	return out, nil
}

// SubscribeAs decodes every message on subj before calling handler. queue
// may be empty.
func SubscribeAs[T any](c *Client, subj, queue string, codec message.Codec[T],
	handler TypedHandler[T], opts ...router.SubOption,
) (*router.Subscription, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "SubscribeAs", "check handler")
	}

	wrapped := func(msg *message.Msg) {
		v, err := message.Decode(codec, msg)
		if err != nil {
			c.logger.Debug("Failed to decode message", "subject", msg.Subject(), "error", err)
			handler(msg, v, asSerialization(err, "SubscribeAs"))
			return
		}
		handler(msg, v, nil)
	}
	return c.subscribe(subj, queue, wrapped, opts)
}

// RespondAs encodes v and replies to msg
func RespondAs[T any](ctx context.Context, msg *message.Msg, codec message.Codec[T], v T, opts ...message.Option) error {
	data, err := encode(codec, v, "RespondAs")
	if err != nil {
		return err
	}
	return msg.Respond(ctx, data, opts...)
}
