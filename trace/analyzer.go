package trace

import (
	"tlsprobe/message"
)

// Anomaly selects the deviation AlertAfter looks behind.
type Anomaly int

const (
	AnomalyModified Anomaly = iota
	AnomalyMissing
	AnomalyUnexpected
)

func (a Anomaly) String() string {
	switch a {
	case AnomalyModified:
		return "modified"
	case AnomalyMissing:
		return "missing"
	case AnomalyUnexpected:
		return "unexpected"
	}
	return "unknown"
}

// Analyzer compares the configured order of a trace with the trace after
// execution. It never mutates either.
type Analyzer struct {
	ours       message.Issuer
	configured []Entry
	actual     *Trace
	observed   []Entry
}

// NewAnalyzer creates an analyzer for a trace executed by connection end ours.
func NewAnalyzer(ours message.Issuer, configured []Entry, actual *Trace) *Analyzer {
	return &Analyzer{
		ours:       ours,
		configured: configured,
		actual:     actual,
		observed:   actual.Snapshot(),
	}
}

func sameKind(a, b Entry) bool {
	return a.Type == b.Type && a.Issuer == b.Issuer
}

// divergence returns the first index where configured and observed differ,
// or -1 when they are identical.
func (a *Analyzer) divergence() int {
	n := min(len(a.configured), len(a.observed))
	for i := 0; i < n; i++ {
		if !sameKind(a.configured[i], a.observed[i]) {
			return i
		}
	}
	if len(a.configured) != len(a.observed) {
		return n
	}
	return -1
}

// nextPeerAlert reports whether the first peer message at or after start is
// an alert.
func (a *Analyzer) nextPeerAlert(start int) bool {
	for i := start; i < a.actual.Len(); i++ {
		m := a.actual.At(i)
		if m.Common().Issuer == a.ours {
			continue
		}
		return m.Type() == message.TypeAlert
	}
	return false
}

// MatchesConfiguredOrder is true when the executed order equals the
// configured one, or when the peer answered the first deviation with an alert.
func (a *Analyzer) MatchesConfiguredOrder() bool {
	d := a.divergence()
	if d < 0 {
		return true
	}
	return a.nextPeerAlert(d)
}

func (a *Analyzer) modifiedIndex() int {
	for i := 0; i < a.actual.Len(); i++ {
		m := a.actual.At(i)
		b := m.Common()
		if b.Issuer == a.ours && b.GoingToBeSent && message.Modified(m) {
			return i
		}
	}
	return -1
}

// HasModifiedMessage reports whether any message we sent carries an override.
func (a *Analyzer) HasModifiedMessage() bool {
	return a.modifiedIndex() >= 0
}

func (a *Analyzer) missingIndex() int {
	for i, e := range a.configured {
		if e.GoingToBeSent {
			continue
		}
		if e.Type.IsHandshake() || e.Type == message.TypeChangeCipherSpec {
			return i
		}
	}
	return -1
}

// HasMissingMessage reports whether a configured handshake or
// ChangeCipherSpec message was held back.
func (a *Analyzer) HasMissingMessage() bool {
	return a.missingIndex() >= 0
}

// UnexpectedIndex is the first position whose observed message differs from
// the configured one, including messages beyond the configured end; -1 if none.
func (a *Analyzer) UnexpectedIndex() int {
	for i, e := range a.observed {
		if i >= len(a.configured) || !sameKind(a.configured[i], e) {
			return i
		}
	}
	return -1
}

// HasUnexpectedMessage reports whether the peer sent something not scripted.
func (a *Analyzer) HasUnexpectedMessage() bool {
	return a.UnexpectedIndex() >= 0
}

// AlertAfter reports whether the peer's next message after the anomaly is an
// alert. For unexpected messages the anomalous message itself counts.
func (a *Analyzer) AlertAfter(anomaly Anomaly) bool {
	var pos, start int
	switch anomaly {
	case AnomalyModified:
		pos = a.modifiedIndex()
		start = pos + 1
	case AnomalyMissing:
		pos = a.missingIndex()
		start = pos + 1
	case AnomalyUnexpected:
		pos = a.UnexpectedIndex()
		start = pos
	default:
		return false
	}
	if pos < 0 {
		return false
	}
	return a.nextPeerAlert(start)
}

func (a *Analyzer) AlertAfterModified() bool   { return a.AlertAfter(AnomalyModified) }
func (a *Analyzer) AlertAfterMissing() bool    { return a.AlertAfter(AnomalyMissing) }
func (a *Analyzer) AlertAfterUnexpected() bool { return a.AlertAfter(AnomalyUnexpected) }

// ReceivedAlerts lists the alerts the peer sent, in order.
func (a *Analyzer) ReceivedAlerts() []*message.Alert {
	var out []*message.Alert
	for _, m := range a.actual.Messages() {
		if alert, ok := m.(*message.Alert); ok && alert.Issuer != a.ours {
			out = append(out, alert)
		}
	}
	return out
}

// ReceivedAlert reports whether the peer sent any alert.
func (a *Analyzer) ReceivedAlert() bool {
	return len(a.ReceivedAlerts()) > 0
}

// ReceivedFinished reports whether the trace holds a peer Finished.
func (a *Analyzer) ReceivedFinished() bool {
	return a.actual.FindLast(message.TypeFinished, a.ours.Peer()) >= 0
}

// Report is the JSON summary of an analysis.
type Report struct {
	MatchesConfiguredOrder bool     `json:"matchesConfiguredOrder"`
	HasModifiedMessage     bool     `json:"hasModifiedMessage"`
	HasMissingMessage      bool     `json:"hasMissingMessage"`
	HasUnexpectedMessage   bool     `json:"hasUnexpectedMessage"`
	UnexpectedIndex        int      `json:"unexpectedIndex"`
	AlertAfterModified     bool     `json:"alertAfterModified"`
	AlertAfterMissing      bool     `json:"alertAfterMissing"`
	AlertAfterUnexpected   bool     `json:"alertAfterUnexpected"`
	ReceivedFinished       bool     `json:"receivedFinished"`
	Alerts                 []string `json:"alerts,omitempty"`
	Configured             []Entry  `json:"configured"`
	Actual                 []Entry  `json:"actual"`
}

// Report evaluates every predicate once.
func (a *Analyzer) Report() Report {
	r := Report{
		MatchesConfiguredOrder: a.MatchesConfiguredOrder(),
		HasModifiedMessage:     a.HasModifiedMessage(),
		HasMissingMessage:      a.HasMissingMessage(),
		HasUnexpectedMessage:   a.HasUnexpectedMessage(),
		UnexpectedIndex:        a.UnexpectedIndex(),
		AlertAfterModified:     a.AlertAfterModified(),
		AlertAfterMissing:      a.AlertAfterMissing(),
		AlertAfterUnexpected:   a.AlertAfterUnexpected(),
		ReceivedFinished:       a.ReceivedFinished(),
		Configured:             a.configured,
		Actual:                 a.observed,
	}
	for _, alert := range a.ReceivedAlerts() {
		r.Alerts = append(r.Alerts, alert.String())
	}
	return r
}
