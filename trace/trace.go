// Package trace holds the workflow trace, the ordered script of messages a
// probe exchanges, and the analyzer that compares the configured script with
// what actually happened on the wire.
package trace

import (
	"tlsprobe/message"
)

// Trace is an ordered, mutable sequence of messages. The order may violate
// the protocol on purpose.
type Trace struct {
	messages []message.Message
}

// New creates a trace from msgs.
func New(msgs ...message.Message) *Trace {
	return &Trace{messages: append([]message.Message(nil), msgs...)}
}

// Add appends messages to the end of the trace.
func (t *Trace) Add(msgs ...message.Message) {
	t.messages = append(t.messages, msgs...)
}

func (t *Trace) Len() int { return len(t.messages) }

// At returns the message at i, or nil when i is out of range.
func (t *Trace) At(i int) message.Message {
	if i < 0 || i >= len(t.messages) {
		return nil
	}
	return t.messages[i]
}

// Messages returns a copy of the message slice.
func (t *Trace) Messages() []message.Message {
	return append([]message.Message(nil), t.messages...)
}

// Truncate drops every message from index i on.
func (t *Trace) Truncate(i int) {
	if i < 0 {
		i = 0
	}
	if i < len(t.messages) {
		clear(t.messages[i:])
		t.messages = t.messages[:i]
	}
}

// Replace puts m at index i, keeping the rest of the trace.
func (t *Trace) Replace(i int, m message.Message) {
	if i >= 0 && i < len(t.messages) {
		t.messages[i] = m
	}
}

// Splice truncates the trace at i and appends m, so m becomes the last message.
func (t *Trace) Splice(i int, m message.Message) {
	t.Truncate(i)
	t.messages = append(t.messages, m)
}

// Entry is the comparable summary of one message.
type Entry struct {
	Type          message.Type   `json:"-"`
	Issuer        message.Issuer `json:"-"`
	GoingToBeSent bool           `json:"send"`
	Modified      bool           `json:"modified"`

	TypeName   string `json:"type"`
	IssuerName string `json:"issuer"`
}

// Snapshot captures the current order of the trace.
func (t *Trace) Snapshot() []Entry {
	out := make([]Entry, len(t.messages))
	for i, m := range t.messages {
		b := m.Common()
		out[i] = Entry{
			Type:          m.Type(),
			Issuer:        b.Issuer,
			GoingToBeSent: b.GoingToBeSent,
			Modified:      message.Modified(m),
			TypeName:      m.Type().String(),
			IssuerName:    b.Issuer.String(),
		}
	}
	return out
}

// FindLast returns the index of the last message of type typ sent by issuer,
// or -1.
func (t *Trace) FindLast(typ message.Type, issuer message.Issuer) int {
	for i := len(t.messages) - 1; i >= 0; i-- {
		m := t.messages[i]
		if m.Type() == typ && m.Common().Issuer == issuer {
			return i
		}
	}
	return -1
}
