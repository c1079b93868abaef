package stream

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/subject"
)

// DefaultDuplicateWindow is how long a Msg-Id is remembered when the config
// leaves Duplicates unset
const DefaultDuplicateWindow = 2 * time.Minute

// RetentionPolicy decides when stored messages are removed
type RetentionPolicy int

const (
	// LimitsPolicy keeps messages until a size, count or age limit removes them
	LimitsPolicy RetentionPolicy = iota
	// WorkQueuePolicy removes a message once a consumer acknowledged it
	WorkQueuePolicy
)

func (p RetentionPolicy) String() string {
	switch p {
	case LimitsPolicy:
		return "limits"
	case WorkQueuePolicy:
		return "workqueue"
	default:
		return fmt.Sprintf("retention(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler
func (p RetentionPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *RetentionPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "limits", "":
		*p = LimitsPolicy
	case "workqueue", "work_queue":
		*p = WorkQueuePolicy
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown retention %q", text), "RetentionPolicy", "UnmarshalText", "parse")
	}
	return nil
}

// DiscardPolicy decides what happens when a limit is reached
type DiscardPolicy int

const (
	// DiscardOld removes the oldest messages to make room
	DiscardOld DiscardPolicy = iota
	// DiscardNew rejects new messages with ErrStreamFull
	DiscardNew
)

func (d DiscardPolicy) String() string {
	switch d {
	case DiscardOld:
		return "old"
	case DiscardNew:
		return "new"
	default:
		return fmt.Sprintf("discard(%d)", int(d))
	}
}

// MarshalText implements encoding.TextMarshaler
func (d DiscardPolicy) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DiscardPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "old", "":
		*d = DiscardOld
	case "new":
		*d = DiscardNew
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown discard policy %q", text), "DiscardPolicy", "UnmarshalText", "parse")
	}
	return nil
}

// StorageType selects where a stream keeps its messages
type StorageType int

const (
	// MemoryStorage keeps messages in process memory only
	MemoryStorage StorageType = iota
	// FileStorage persists messages under the store directory
	FileStorage
)

func (s StorageType) String() string {
	switch s {
	case MemoryStorage:
		return "memory"
	case FileStorage:
		return "file"
	default:
		return fmt.Sprintf("storage(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s StorageType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *StorageType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "memory", "":
		*s = MemoryStorage
	case "file":
		*s = FileStorage
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown storage %q", text), "StorageType", "UnmarshalText", "parse")
	}
	return nil
}

// Config describes a stream. Zero limits mean unlimited.
type Config struct {
	Name              string          `json:"name" yaml:"name"`
	Description       string          `json:"description,omitempty" yaml:"description,omitempty"`
	Subjects          []string        `json:"subjects" yaml:"subjects"`
	Retention         RetentionPolicy `json:"retention" yaml:"retention"`
	MaxMsgs           int64           `json:"max_msgs,omitempty" yaml:"max_msgs,omitempty"`
	MaxBytes          int64           `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`
	MaxAge            time.Duration   `json:"max_age,omitempty" yaml:"max_age,omitempty"`
	MaxMsgsPerSubject int64           `json:"max_msgs_per_subject,omitempty" yaml:"max_msgs_per_subject,omitempty"`
	MaxMsgSize        int32           `json:"max_msg_size,omitempty" yaml:"max_msg_size,omitempty"`
	Discard           DiscardPolicy   `json:"discard" yaml:"discard"`
	Duplicates        time.Duration   `json:"duplicate_window,omitempty" yaml:"duplicate_window,omitempty"`
	Storage           StorageType     `json:"storage" yaml:"storage"`
}

// withDefaults fills the subject list and duplicate window
func (c Config) withDefaults() Config {
	if len(c.Subjects) == 0 && c.Name != "" {
		c.Subjects = []string{c.Name}
	}
	c.Subjects = slices.Clone(c.Subjects)
	if c.Duplicates == 0 {
		c.Duplicates = DefaultDuplicateWindow
		if c.MaxAge > 0 && c.MaxAge < c.Duplicates {
			c.Duplicates = c.MaxAge
		}
	}
	return c
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if len(c.Subjects) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "stream needs at least one subject")
	}
	for i, s := range c.Subjects {
		if err := subject.ValidatePattern(s); err != nil {
			return err
		}
		// a subject covered by another one adds nothing
		for _, prev := range c.Subjects[:i] {
			if subject.Subsumes(prev, s) || subject.Subsumes(s, prev) {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("subject %s is covered by %s", s, prev))
			}
		}
	}
	switch {
	case c.Retention != LimitsPolicy && c.Retention != WorkQueuePolicy:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check retention")
	case c.Discard != DiscardOld && c.Discard != DiscardNew:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check discard policy")
	case c.Storage != MemoryStorage && c.Storage != FileStorage:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check storage type")
	case c.MaxMsgs < 0 || c.MaxBytes < 0 || c.MaxMsgsPerSubject < 0 || c.MaxMsgSize < 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "limits must not be negative")
	case c.MaxAge < 0 || c.Duplicates < 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "durations must not be negative")
	case c.MaxAge > 0 && c.Duplicates > c.MaxAge:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "duplicate window exceeds max age")
	}
	return nil
}

// Equal reports whether two configs describe the same stream
func (c Config) Equal(o Config) bool {
	return c.Name == o.Name &&
		c.Description == o.Description &&
		slices.Equal(c.Subjects, o.Subjects) &&
		c.Retention == o.Retention &&
		c.MaxMsgs == o.MaxMsgs &&
		c.MaxBytes == o.MaxBytes &&
		c.MaxAge == o.MaxAge &&
		c.MaxMsgsPerSubject == o.MaxMsgsPerSubject &&
		c.MaxMsgSize == o.MaxMsgSize &&
		c.Discard == o.Discard &&
		c.Duplicates == o.Duplicates &&
		c.Storage == o.Storage
}

// ValidateName checks a stream or consumer name. Names become directory
// names and subject tokens, so separators and wildcards are rejected.
func ValidateName(name string) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "ValidateName", "name is required")
	}
	if strings.ContainsAny(name, ".*> \t\r\n/\\") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "ValidateName", fmt.Sprintf("invalid name %q", name))
	}
	return nil
}
