// Package executor runs a workflow trace against a peer. It walks the trace
// once: our messages are prepared and flushed one flight per write, the peer's
// are read, parsed and compared with the script. When the peer deviates the
// trace is rewritten to what was actually observed.
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tlsprobe/handler"
	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/session"
	"tlsprobe/transport"
)

// ErrTransport wraps I/O failures that abort the probe.
var ErrTransport = errors.New("transport failure")

// Executor drives one session over one transport. It is single-use.
type Executor struct {
	session   *session.Context
	transport transport.Transport
	logger    *zap.Logger

	pos     int
	proceed bool

	// Outgoing: serialized messages awaiting a record boundary, and wrapped
	// records awaiting the end of the flight.
	content     []byte
	contentType record.ContentType
	contentMsgs []message.Message
	flight      []byte

	// Incoming: unframed wire bytes and handshake bytes of an incomplete
	// message.
	wire        []byte
	partial     []byte
	partialRecs []*record.Record
	reassembler *handler.Reassembler
}

// New creates an executor for the trace held by ctx.
func New(ctx *session.Context, t transport.Transport) *Executor {
	return &Executor{
		session:     ctx,
		transport:   t,
		logger:      ctx.Logger,
		proceed:     true,
		reassembler: handler.NewReassembler(),
	}
}

// Execute runs the trace to completion, to a fatal alert or to the peer
// closing the connection. Protocol deviations are not errors; they are left
// in the trace for the analyzer. Cancelling ctx closes the transport.
func (e *Executor) Execute(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.transport.Close() })
	defer stop()

	tr := e.session.Trace
	e.addRecordMarkers()
	e.logger.Info("Executing workflow trace", zap.Int("messages", tr.Len()))

	err := e.run()
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	}
	if e.pos < tr.Len() {
		e.logger.Debug("Discarding unprocessed messages",
			zap.Int("from", e.pos), zap.Int("count", tr.Len()-e.pos))
	}
	tr.Truncate(e.pos)

	if err != nil {
		e.logger.Error("Workflow execution failed", zap.Error(err), zap.Int("position", e.pos))
		return err
	}
	e.logger.Info("Workflow execution finished",
		zap.Int("messages", tr.Len()),
		zap.Bool("connection_closed", e.session.ConnectionClosed),
		zap.Bool("fatal_alert", e.session.ReceivedFatalAlert))
	return nil
}

func (e *Executor) run() error {
	tr := e.session.Trace
	for e.pos < tr.Len() && e.proceed {
		m := tr.At(e.pos)
		if e.session.IsOurs(m.Common().Issuer) {
			if err := e.send(m); err != nil {
				return err
			}
			e.pos++
			if next := tr.At(e.pos); next == nil || !e.session.IsOurs(next.Common().Issuer) {
				if err := e.flush(); err != nil {
					return err
				}
			}
			continue
		}
		if err := e.receive(); err != nil {
			return err
		}
	}
	return e.flush()
}

// addRecordMarkers makes sure every run of our messages sharing a content
// type ends on a record boundary.
func (e *Executor) addRecordMarkers() {
	tr := e.session.Trace
	var run []message.Message
	end := func() {
		if len(run) == 0 {
			return
		}
		for _, m := range run {
			if len(m.Common().RecordTemplates) > 0 {
				run = nil
				return
			}
		}
		last := run[len(run)-1].Common()
		last.RecordTemplates = []record.Template{{}}
		run = nil
	}
	for _, m := range tr.Messages() {
		b := m.Common()
		if !e.session.IsOurs(b.Issuer) {
			end()
			continue
		}
		if !b.GoingToBeSent {
			continue
		}
		if len(run) > 0 && handler.ContentTypeOf(run[0]) != handler.ContentTypeOf(m) {
			end()
		}
		run = append(run, m)
	}
	end()
}

func (e *Executor) send(m message.Message) error {
	b := m.Common()
	if !b.GoingToBeSent {
		e.logger.Debug("Skipping message not going to be sent", zap.String("message_type", m.Type().String()))
		return nil
	}

	ct := handler.ContentTypeOf(m)
	if len(e.contentMsgs) > 0 && ct != e.contentType {
		if err := e.wrap(nil); err != nil {
			return err
		}
	}

	raw, err := handler.PrepareMessage(e.session, m)
	if err != nil {
		return err
	}
	e.content = append(e.content, raw...)
	e.contentType = ct
	e.contentMsgs = append(e.contentMsgs, m)

	if len(b.RecordTemplates) > 0 {
		return e.wrap(b.RecordTemplates)
	}
	return nil
}

// wrap frames the buffered messages into records and runs their post-wrap
// hooks, in that order, so a ChangeCipherSpec leaves under the old cipher.
func (e *Executor) wrap(templates []record.Template) error {
	if len(e.contentMsgs) == 0 {
		return nil
	}
	var records []*record.Record
	var wire []byte
	var err error
	if e.contentType == record.Handshake && e.session.IsDTLS() {
		records, wire, err = e.wrapFragments(templates)
	} else {
		records, wire, err = e.session.RecordLayer.Wrap(e.content, e.contentType, templates)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", handler.ErrCrypto, err)
	}
	e.flight = append(e.flight, wire...)

	msgs := e.contentMsgs
	e.content, e.contentMsgs = nil, nil
	for _, m := range msgs {
		m.Common().Records = records
		if err := handler.AfterWrap(e.session, m); err != nil {
			return err
		}
	}
	return nil
}

// wrapFragments frames buffered DTLS handshake messages so that every record
// carries whole fragments. Template lengths choose the fragment boundaries.
func (e *Executor) wrapFragments(templates []record.Template) ([]*record.Record, []byte, error) {
	layer := e.session.RecordLayer
	msgs := make([][]byte, len(e.contentMsgs))
	for i, m := range e.contentMsgs {
		msgs[i] = m.Common().Raw
	}
	sizes := make([]int, len(templates))
	for i, tpl := range templates {
		sizes[i] = tpl.Length
	}

	var records []*record.Record
	var wire []byte
	for i, payload := range handler.FragmentDTLS(msgs, sizes, layer.MaxFragmentLength()) {
		var tpls []record.Template
		if i < len(templates) {
			tpl := templates[i]
			tpl.Length = len(payload)
			tpls = []record.Template{tpl}
		}
		recs, raw, err := layer.Wrap(payload, e.contentType, tpls)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, recs...)
		wire = append(wire, raw...)
	}
	return records, wire, nil
}

func (e *Executor) flush() error {
	if err := e.wrap(nil); err != nil {
		return err
	}
	if len(e.flight) == 0 {
		return nil
	}
	flight := e.flight
	e.flight = nil
	if err := e.transport.Send(flight); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			e.closed()
			return nil
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	e.logger.Debug("Flushed flight", zap.Int("bytes", len(flight)))
	return nil
}

func (e *Executor) closed() {
	e.session.ConnectionClosed = true
	e.proceed = false
	e.logger.Info("Connection closed by peer", zap.Int("position", e.pos))
}

// receive processes at least one complete record, reading from the transport
// only when the buffered bytes do not hold one.
func (e *Executor) receive() error {
	records, err := e.readRecords()
	if err != nil {
		return err
	}
	for _, run := range GroupRuns(records) {
		if !e.proceed {
			break
		}
		if err := e.processRun(run); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) readRecords() ([]*record.Record, error) {
	for {
		records, consumed, err := e.session.RecordLayer.Unwrap(e.wire)
		if err == nil {
			e.wire = e.wire[consumed:]
			return records, nil
		}
		if !errors.Is(err, record.ErrNeedMoreBytes) {
			return nil, err
		}

		data, err := e.transport.Receive()
		e.wire = append(e.wire, data...)
		if err == nil {
			continue
		}
		if !errors.Is(err, transport.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		if records, consumed, uerr := e.session.RecordLayer.Unwrap(e.wire); uerr == nil {
			// Handle what arrived before the close; the next read reports it again.
			e.wire = e.wire[consumed:]
			return records, nil
		}
		if len(e.wire) > 0 {
			e.logger.Debug("Dropping incomplete record", zap.Int("bytes", len(e.wire)))
		}
		e.closed()
		return nil, nil
	}
}

// Run is a maximal sequence of consecutive records of one content type.
type Run struct {
	ContentType record.ContentType
	Records     []*record.Record
}

// GroupRuns splits records into runs of equal content type, keeping arrival
// order.
func GroupRuns(records []*record.Record) []Run {
	var runs []Run
	for _, rec := range records {
		if n := len(runs); n > 0 && runs[n-1].ContentType == rec.ContentType {
			runs[n-1].Records = append(runs[n-1].Records, rec)
			continue
		}
		runs = append(runs, Run{ContentType: rec.ContentType, Records: []*record.Record{rec}})
	}
	return runs
}

// processRun decrypts the records of a run one at a time and parses the
// messages completed by each. A ChangeCipherSpec parsed from an earlier record
// therefore governs the decryption of later ones.
func (e *Executor) processRun(run Run) error {
	if run.ContentType != record.Handshake && len(e.partial) > 0 {
		e.dropPartial()
	}
	if run.ContentType != record.Handshake && e.reassembler.Held() {
		e.logger.Debug("Releasing handshake messages behind a message_seq gap")
		if err := e.parse(record.Handshake, e.reassembler.Flush(), e.takeRecords()); err != nil {
			return err
		}
	}
	for _, rec := range run.Records {
		if !e.proceed {
			return nil
		}
		if err := e.session.RecordLayer.Open(rec); err != nil {
			return fmt.Errorf("%w: %w", handler.ErrCrypto, err)
		}
		if run.ContentType != record.Handshake {
			if err := e.parse(run.ContentType, rec.Payload, []*record.Record{rec}); err != nil {
				return err
			}
			continue
		}

		e.partialRecs = append(e.partialRecs, rec)
		switch {
		case rec.SSL2:
			if err := e.parse(record.Handshake, rec.Payload, e.takeRecords()); err != nil {
				return err
			}
		case e.session.IsDTLS():
			if data := e.reassembler.Add(rec.Payload); len(data) > 0 {
				if err := e.parse(record.Handshake, data, e.takeRecords()); err != nil {
					return err
				}
			}
		default:
			e.partial = append(e.partial, rec.Payload...)
			n := handler.HandshakeMessagesLength(e.session, e.partial)
			if n == 0 {
				continue
			}
			data := e.partial[:n]
			e.partial = append([]byte(nil), e.partial[n:]...)
			recs := e.partialRecs
			if len(e.partial) == 0 {
				e.partialRecs = nil
			} else {
				e.partialRecs = []*record.Record{rec}
			}
			if err := e.parse(record.Handshake, data, recs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) takeRecords() []*record.Record {
	recs := e.partialRecs
	e.partialRecs = nil
	return recs
}

// dropPartial turns an interrupted handshake message into a placeholder.
func (e *Executor) dropPartial() {
	m := handler.NewUnknown(e.session, record.Handshake, e.partial, "incomplete handshake message")
	m.Records = e.takeRecords()
	e.partial = nil
	e.accept(m)
}

// parse decodes every message in data. Undecodable bytes become a single
// Unknown placeholder covering the rest of data.
func (e *Executor) parse(ct record.ContentType, data []byte, recs []*record.Record) error {
	offset := 0
	for offset < len(data) && e.proceed {
		m, next, err := handler.ParseMessage(e.session, ct, data, offset)
		if err != nil {
			if !errors.Is(err, handler.ErrParse) {
				return err
			}
			e.logger.Info("Peer sent undecodable bytes", zap.Error(err))
			m, next = handler.NewUnknown(e.session, ct, data[offset:], err.Error()), len(data)
		}
		if next <= offset {
			m, next = handler.NewUnknown(e.session, ct, data[offset:], "no progress"), len(data)
		}
		m.Common().Records = recs
		e.accept(m)
		offset = next
	}
	return nil
}

// accept places a received message at the current position. A message of a
// different kind than scripted replaces the rest of the trace.
func (e *Executor) accept(m message.Message) {
	tr := e.session.Trace
	expected := tr.At(e.pos)
	issuer := m.Common().Issuer
	if expected != nil && expected.Type() == m.Type() && expected.Common().Issuer == issuer {
		tr.Replace(e.pos, m)
	} else {
		fields := []zap.Field{
			zap.Int("position", e.pos),
			zap.String("received", m.Type().String()),
		}
		if expected != nil {
			fields = append(fields, zap.String("expected", expected.Type().String()),
				zap.String("expected_issuer", expected.Common().Issuer.String()))
		}
		e.logger.Info("Received unexpected message", fields...)
		tr.Splice(e.pos, m)
	}
	e.pos++

	if a, ok := m.(*message.Alert); ok && a.IsFatal() {
		e.logger.Info("Stopping after fatal alert", zap.String("alert", a.String()))
		e.proceed = false
	}
}
