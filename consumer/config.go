package consumer

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/stream"
	"github.com/c360/streambus/subject"
)

// Defaults applied to zero config fields
const (
	DefaultAckWait       = 30 * time.Second
	DefaultMaxAckPending = 1000
	DefaultFetchWait     = 5 * time.Second
)

// DeliverPolicy selects where a new consumer starts in the stream
type DeliverPolicy int

const (
	// DeliverAll starts at the first stored message
	DeliverAll DeliverPolicy = iota
	// DeliverLast starts at the last message matching the filter
	DeliverLast
	// DeliverNew delivers only messages appended after creation
	DeliverNew
	// DeliverByStartSequence starts at OptStartSeq
	DeliverByStartSequence
	// DeliverByStartTime starts at the first message stored at or after OptStartTime
	DeliverByStartTime
)

var deliverNames = map[DeliverPolicy]string{
	DeliverAll:             "all",
	DeliverLast:            "last",
	DeliverNew:             "new",
	DeliverByStartSequence: "by_start_sequence",
	DeliverByStartTime:     "by_start_time",
}

func (p DeliverPolicy) String() string {
	if s, ok := deliverNames[p]; ok {
		return s
	}
	return fmt.Sprintf("deliver(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler
func (p DeliverPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (p *DeliverPolicy) UnmarshalText(text []byte) error {
	return parseEnum(deliverNames, text, p, "DeliverPolicy")
}

// AckPolicy selects how deliveries are acknowledged
type AckPolicy int

const (
	// AckExplicit requires every message to be acknowledged
	AckExplicit AckPolicy = iota
	// AckAll acknowledges every pending message up to the acked one
	AckAll
	// AckNone treats messages as acknowledged on delivery
	AckNone
)

var ackNames = map[AckPolicy]string{
	AckExplicit: "explicit",
	AckAll:      "all",
	AckNone:     "none",
}

func (p AckPolicy) String() string {
	if s, ok := ackNames[p]; ok {
		return s
	}
	return fmt.Sprintf("ack(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler
func (p AckPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (p *AckPolicy) UnmarshalText(text []byte) error {
	return parseEnum(ackNames, text, p, "AckPolicy")
}

// DeadLetterPolicy decides what happens once MaxDeliver is exhausted
type DeadLetterPolicy int

const (
	// DeadLetterDrop abandons the message; the ack floor moves past it
	DeadLetterDrop DeadLetterPolicy = iota
	// DeadLetterTerminate stops the consumer with errors.ErrMaxDeliver
	DeadLetterTerminate
)

var deadLetterNames = map[DeadLetterPolicy]string{
	DeadLetterDrop:      "drop",
	DeadLetterTerminate: "terminate",
}

func (p DeadLetterPolicy) String() string {
	if s, ok := deadLetterNames[p]; ok {
		return s
	}
	return fmt.Sprintf("deadletter(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler
func (p DeadLetterPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (p *DeadLetterPolicy) UnmarshalText(text []byte) error {
	return parseEnum(deadLetterNames, text, p, "DeadLetterPolicy")
}

// Mode is the delivery mode
type Mode int

const (
	// Pull consumers hand out messages on Fetch, Next and Messages
	Pull Mode = iota
	// Push consumers deliver continuously through Consume
	Push
)

var modeNames = map[Mode]string{Pull: "pull", Push: "push"}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	return parseEnum(modeNames, text, m, "Mode")
}

func parseEnum[T comparable](names map[T]string, text []byte, out *T, kind string) error {
	want := strings.ToLower(string(text))
	for v, name := range names {
		if name == want {
			*out = v
			return nil
		}
	}
	return errors.WrapInvalid(fmt.Errorf("unknown %s %q", kind, text), kind, "UnmarshalText", "parse")
}

// Config describes a consumer. A consumer with a Durable name keeps its
// state in the StateStore and resumes from it when recreated.
type Config struct {
	Durable        string           `json:"durable_name,omitempty" yaml:"durable_name,omitempty"`
	Name           string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description    string           `json:"description,omitempty" yaml:"description,omitempty"`
	FilterSubjects []string         `json:"filter_subjects,omitempty" yaml:"filter_subjects,omitempty"`
	DeliverPolicy  DeliverPolicy    `json:"deliver_policy" yaml:"deliver_policy"`
	OptStartSeq    uint64           `json:"opt_start_seq,omitempty" yaml:"opt_start_seq,omitempty"`
	OptStartTime   time.Time        `json:"opt_start_time,omitempty" yaml:"opt_start_time,omitempty"`
	AckPolicy      AckPolicy        `json:"ack_policy" yaml:"ack_policy"`
	AckWait        time.Duration    `json:"ack_wait,omitempty" yaml:"ack_wait,omitempty"`
	MaxDeliver     int              `json:"max_deliver,omitempty" yaml:"max_deliver,omitempty"` // -1 = unlimited
	BackOff        []time.Duration  `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxAckPending  int              `json:"max_ack_pending,omitempty" yaml:"max_ack_pending,omitempty"` // -1 = unlimited
	DeadLetter     DeadLetterPolicy `json:"dead_letter" yaml:"dead_letter"`
	Mode           Mode             `json:"mode" yaml:"mode"`
	DeliverSubject string           `json:"deliver_subject,omitempty" yaml:"deliver_subject,omitempty"`
}

// ConsumerName returns the durable name, falling back to Name
func (c Config) ConsumerName() string {
	if c.Durable != "" {
		return c.Durable
	}
	return c.Name
}

// WithDefaults fills AckWait, MaxDeliver and MaxAckPending
func (c Config) WithDefaults() Config {
	if c.AckWait == 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = -1
	}
	if c.MaxAckPending == 0 {
		c.MaxAckPending = DefaultMaxAckPending
	}
	if c.DeliverSubject != "" {
		c.Mode = Push
	}
	c.FilterSubjects = slices.Clone(c.FilterSubjects)
	c.BackOff = slices.Clone(c.BackOff)
	return c
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Durable != "" && c.Name != "" && c.Durable != c.Name {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "durable and name differ")
	}
	if err := stream.ValidateName(c.ConsumerName()); err != nil {
		return err
	}
	for _, f := range c.FilterSubjects {
		if err := subject.ValidatePattern(f); err != nil {
			return err
		}
	}
	for i, a := range c.FilterSubjects {
		for _, b := range c.FilterSubjects[i+1:] {
			if subject.Overlap(a, b) {
				return errors.WrapInvalid(errors.ErrSubjectOverlap, "Config", "Validate", "filters "+a+" and "+b+" overlap")
			}
		}
	}
	if _, ok := deliverNames[c.DeliverPolicy]; !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check deliver policy")
	}
	if _, ok := ackNames[c.AckPolicy]; !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check ack policy")
	}
	if _, ok := deadLetterNames[c.DeadLetter]; !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check dead letter policy")
	}
	if _, ok := modeNames[c.Mode]; !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check mode")
	}
	switch {
	case c.DeliverPolicy == DeliverByStartSequence && c.OptStartSeq == 0:
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "start sequence required")
	case c.DeliverPolicy != DeliverByStartSequence && c.OptStartSeq != 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "start sequence needs by_start_sequence")
	case c.DeliverPolicy == DeliverByStartTime && c.OptStartTime.IsZero():
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "start time required")
	case c.AckWait < 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "ack wait must be positive")
	case c.MaxDeliver < -1 || c.MaxDeliver == 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max deliver must be positive or -1")
	case c.MaxAckPending < -1 || c.MaxAckPending == 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max ack pending must be positive or -1")
	case c.MaxDeliver > 0 && len(c.BackOff) > c.MaxDeliver:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "more backoff steps than deliveries")
	case c.Mode == Pull && c.DeliverSubject != "":
		return errors.WrapInvalid(errors.ErrConfigConflict, "Config", "Validate", "pull consumers have no deliver subject")
	}
	for _, d := range c.BackOff {
		if d < 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "backoff must not be negative")
		}
	}
	if c.DeliverSubject != "" {
		if err := subject.ValidateSubject(c.DeliverSubject); err != nil {
			return err
		}
	}
	return nil
}

// Update applies the mutable fields of next to c. Changing anything else
// yields errors.ErrConfigConflict.
func (c Config) Update(next Config) (Config, error) {
	frozen := func(x Config) Config {
		return Config{
			Durable:        x.Durable,
			Name:           x.Name,
			DeliverPolicy:  x.DeliverPolicy,
			OptStartSeq:    x.OptStartSeq,
			OptStartTime:   x.OptStartTime,
			AckPolicy:      x.AckPolicy,
			Mode:           x.Mode,
			DeliverSubject: x.DeliverSubject,
		}
	}
	a, b := frozen(c), frozen(next)
	if a.Durable != b.Durable || a.Name != b.Name || a.DeliverPolicy != b.DeliverPolicy ||
		a.OptStartSeq != b.OptStartSeq || !a.OptStartTime.Equal(b.OptStartTime) ||
		a.AckPolicy != b.AckPolicy || a.Mode != b.Mode || a.DeliverSubject != b.DeliverSubject {
		return c, errors.WrapInvalid(errors.ErrConfigConflict, "Config", "Update", "only mutable fields may change")
	}
	return next, nil
}

// Equal reports whether two configs are the same
func (c Config) Equal(o Config) bool {
	if _, err := c.Update(o); err != nil {
		return false
	}
	return c.Description == o.Description &&
		slices.Equal(c.FilterSubjects, o.FilterSubjects) &&
		c.AckWait == o.AckWait &&
		c.MaxDeliver == o.MaxDeliver &&
		slices.Equal(c.BackOff, o.BackOff) &&
		c.MaxAckPending == o.MaxAckPending &&
		c.DeadLetter == o.DeadLetter
}

// ackWaitFor returns the ack wait for a delivery
func (c Config) ackWaitFor() time.Duration {
	return c.AckWait
}

// backoffFor returns the pause before redelivering a message that already
// had deliveries attempts
func (c Config) backoffFor(deliveries int) time.Duration {
	if len(c.BackOff) == 0 || deliveries <= 0 {
		return 0
	}
	return c.BackOff[min(deliveries, len(c.BackOff))-1]
}
