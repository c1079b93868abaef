package message

import "strconv"

// Well-known header keys understood by the stream store and consumers.
const (
	MsgIDHeader           = "Nats-Msg-Id"
	ExpectedLastSeqHeader = "Nats-Expected-Last-Sequence"
	ExpectedStreamHeader  = "Nats-Expected-Stream"
	StreamHeader          = "Nats-Stream"
	SequenceHeader        = "Nats-Sequence"
	TimeStampHeader       = "Nats-Time-Stamp"
	SubjectHeader         = "Nats-Subject"
	StatusHeader          = "Status"
	DescriptionHeader     = "Description"
)

// Header maps keys to ordered values. Keys are case-sensitive.
type Header map[string][]string

// Get returns the first value for key, or "" when absent.
func (h Header) Get(key string) string {
	if vals := h[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Values returns all values for key.
func (h Header) Values(key string) []string {
	return h[key]
}

// Add appends value to key.
func (h Header) Add(key, value string) {
	h[key] = append(h[key], value)
}

// Set replaces the values of key with value.
func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

// Del removes key.
func (h Header) Del(key string) {
	delete(h, key)
}

// Clone returns a deep copy. A nil header clones to nil.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, vals := range h {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// Uint64 parses the first value of key as an unsigned integer.
func (h Header) Uint64(key string) (uint64, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h Header) size() int {
	n := 0
	for k, vals := range h {
		for _, v := range vals {
			n += len(k) + len(v) + 4
		}
	}
	return n
}
