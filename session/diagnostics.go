package session

import (
	"time"

	"go.uber.org/zap"

	"tlsprobe/message"
)

// DiagnosticEntry records one context-adjustment failure.
type DiagnosticEntry struct {
	Time        time.Time
	MessageType message.Type
	Issuer      message.Issuer
	Err         error
}

// Diagnostics collects context-adjustment failures of one probe. A failed
// adjustment skips the mutation but never stops the workflow.
type Diagnostics struct {
	logger  *zap.Logger
	entries []DiagnosticEntry
}

func NewDiagnostics(logger *zap.Logger) *Diagnostics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Diagnostics{logger: logger}
}

// Record stores err for m and logs it as a warning.
func (d *Diagnostics) Record(m message.Message, err error) {
	entry := DiagnosticEntry{
		Time:        time.Now(),
		MessageType: m.Type(),
		Issuer:      m.Common().Issuer,
		Err:         err,
	}
	d.entries = append(d.entries, entry)
	d.logger.Warn("Context adjustment failed",
		zap.String("message_type", entry.MessageType.String()),
		zap.String("issuer", entry.Issuer.String()),
		zap.Error(err))
}

func (d *Diagnostics) Entries() []DiagnosticEntry {
	return append([]DiagnosticEntry(nil), d.entries...)
}

func (d *Diagnostics) Len() int { return len(d.entries) }
