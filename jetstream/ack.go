package jetstream

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/c360/streambus/client"
	"github.com/c360/streambus/consumer"
	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
)

// AckPrefix starts every ack reply subject
const AckPrefix = "$JS.ACK"

// Ack bodies
var (
	AckBody      = []byte("+ACK")
	NakBody      = []byte("-NAK")
	TermBody     = []byte("+TERM")
	ProgressBody = []byte("+WPI")
)

const ackOK = "+OK"

// ackTokens is the number of tokens after AckPrefix:
// stream.consumer.delivered.sseq.cseq.ts.pending
const ackTokens = 7

// AckSubject builds the reply subject a push delivery carries
func AckSubject(meta consumer.Metadata) string {
	var b strings.Builder
	b.WriteString(AckPrefix)
	for _, tok := range []string{
		meta.Stream,
		meta.Consumer,
		strconv.Itoa(meta.NumDelivered),
		formatUint(meta.Sequence.Stream),
		formatUint(meta.Sequence.Consumer),
		strconv.FormatInt(meta.Timestamp.UnixNano(), 10),
		formatUint(meta.NumPending),
	} {
		b.WriteByte('.')
		b.WriteString(tok)
	}
	return b.String()
}

// ParseMetadata reads delivery metadata from the reply subject of a pushed
// message
func ParseMetadata(msg *message.Msg) (consumer.Metadata, error) {
	return parseAckSubject(msg.Reply())
}

func parseAckSubject(reply string) (consumer.Metadata, error) {
	rest, ok := strings.CutPrefix(reply, AckPrefix+".")
	if !ok {
		return consumer.Metadata{}, errors.WrapInvalid(errors.ErrNoReply, "JetStream", "ParseMetadata", "not an ack subject: "+reply)
	}
	toks := strings.Split(rest, ".")
	if len(toks) != ackTokens {
		return consumer.Metadata{}, errors.WrapInvalid(errors.ErrInvalidSubject, "JetStream", "ParseMetadata",
			"expected "+strconv.Itoa(ackTokens)+" tokens in "+reply)
	}

	nums := make([]uint64, 0, ackTokens-2)
	for _, tok := range toks[2:] {
		n, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return consumer.Metadata{}, errors.WrapInvalid(errors.Join(errors.ErrInvalidSubject, err), "JetStream", "ParseMetadata",
				"parse token "+tok)
		}
		nums = append(nums, n)
	}
	return consumer.Metadata{
		Stream:       toks[0],
		Consumer:     toks[1],
		NumDelivered: int(nums[0]),
		Sequence:     consumer.SequencePair{Stream: nums[1], Consumer: nums[2]},
		Timestamp:    time.Unix(0, int64(nums[3])),
		NumPending:   nums[4],
	}, nil
}

type nakDelay struct {
	Delay time.Duration `json:"delay"`
}

// parseAckBody maps an ack payload to its kind. An empty body is an ack.
func parseAckBody(body []byte) (consumer.AckKind, time.Duration, error) {
	body = bytes.TrimSpace(body)
	switch {
	case len(body) == 0, bytes.Equal(body, AckBody):
		return consumer.AckAck, 0, nil
	case bytes.Equal(body, TermBody):
		return consumer.AckTerm, 0, nil
	case bytes.Equal(body, ProgressBody):
		return consumer.AckProgress, 0, nil
	case bytes.HasPrefix(body, NakBody):
		opts := bytes.TrimSpace(body[len(NakBody):])
		if len(opts) == 0 {
			return consumer.AckNak, 0, nil
		}
		var d nakDelay
		if err := json.Unmarshal(opts, &d); err != nil {
			return 0, 0, errors.WrapInvalid(errors.Join(errors.ErrSerialization, err), "JetStream", "handleAck", "decode nak delay")
		}
		return consumer.AckNak, d.Delay, nil
	}
	return 0, 0, errors.WrapInvalid(errors.ErrInvalidConfig, "JetStream", "handleAck", "unknown ack body "+strconv.Quote(string(body)))
}

func ackPayload(kind consumer.AckKind, delay time.Duration) []byte {
	switch kind {
	case consumer.AckNak:
		if delay <= 0 {
			return NakBody
		}
		opts, _ := json.Marshal(nakDelay{Delay: delay})
		return append(append(append([]byte(nil), NakBody...), ' '), opts...)
	case consumer.AckTerm:
		return TermBody
	case consumer.AckProgress:
		return ProgressBody
	default:
		return AckBody
	}
}

// handleAck serves the ack subject space. Requests with a reply subject get
// +OK or -ERR back.
func (js *JetStream) handleAck(msg *message.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := js.ack(ctx, msg)
	if err != nil {
		js.logger.Debug("Ack rejected", "subject", msg.Subject(), "error", err)
	}
	if msg.Reply() == "" {
		return
	}
	resp := []byte(ackOK)
	if err != nil {
		resp = []byte("-ERR " + err.Error())
	}
	if rerr := msg.Respond(ctx, resp); rerr != nil {
		js.logger.Warn("Failed to answer ack", "subject", msg.Subject(), "error", rerr)
	}
}

func (js *JetStream) ack(ctx context.Context, msg *message.Msg) error {
	meta, err := parseAckSubject(msg.Subject())
	if err != nil {
		return err
	}
	kind, delay, err := parseAckBody(msg.RawData())
	if err != nil {
		return err
	}
	c, err := js.Consumer(ctx, meta.Stream, meta.Consumer)
	if err != nil {
		return err
	}
	return c.Respond(ctx, meta.Sequence.Stream, kind, delay)
}

// Ack responds to a pushed message without waiting for confirmation
func Ack(ctx context.Context, msg *message.Msg, kind consumer.AckKind) error {
	return AckWithDelay(ctx, msg, kind, 0)
}

// AckWithDelay is Ack with a redelivery delay for AckNak
func AckWithDelay(ctx context.Context, msg *message.Msg, kind consumer.AckKind, delay time.Duration) error {
	if _, err := ParseMetadata(msg); err != nil {
		return err
	}
	return msg.Respond(ctx, ackPayload(kind, delay))
}

// AckSync responds to a pushed message and waits until the consumer recorded
// the response
func AckSync(ctx context.Context, c *client.Client, msg *message.Msg, kind consumer.AckKind) error {
	if _, err := ParseMetadata(msg); err != nil {
		return err
	}
	reply, err := c.Request(ctx, msg.Reply(), ackPayload(kind, 0))
	if err != nil {
		return errors.Wrap(err, "JetStream", "AckSync", "send "+kind.String())
	}
	if body := string(reply.RawData()); body != ackOK {
		return errors.WrapInvalid(errors.Join(errors.ErrAckFailed, errors.New(strings.TrimPrefix(body, "-ERR "))),
			"JetStream", "AckSync", "send "+kind.String())
	}
	return nil
}
