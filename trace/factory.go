package trace

import (
	"tlsprobe/message"
	"tlsprobe/record"
)

// HelloOnly builds ClientHello followed by the server's first flight for kex.
func HelloOnly(kex record.KeyExchange) *Trace {
	tr := New(message.New(message.TypeClientHello, message.Client))
	tr.Add(serverFlight(kex)...)
	return tr
}

// Handshake builds a complete client-side handshake for kex. DTLS adds the
// HelloVerifyRequest cookie exchange.
func Handshake(kex record.KeyExchange, dtls bool) *Trace {
	tr := New(message.New(message.TypeClientHello, message.Client))
	if dtls {
		tr.Add(
			message.New(message.TypeHelloVerifyRequest, message.Server),
			message.New(message.TypeClientHello, message.Client),
		)
	}
	tr.Add(serverFlight(kex)...)

	cke := message.TypeClientKeyExchangeRSA
	switch {
	case kex.IsDH():
		cke = message.TypeClientKeyExchangeDH
	case kex.IsECDH():
		cke = message.TypeClientKeyExchangeECDH
	}
	tr.Add(
		message.New(cke, message.Client),
		message.New(message.TypeChangeCipherSpec, message.Client),
		message.New(message.TypeFinished, message.Client),
		message.New(message.TypeChangeCipherSpec, message.Server),
		message.New(message.TypeFinished, message.Server),
	)
	return tr
}

// WithApplicationData appends an application data exchange to tr.
func WithApplicationData(tr *Trace, request []byte) *Trace {
	req := message.New(message.TypeApplicationData, message.Client).(*message.ApplicationData)
	req.Data.SetDefault(request)
	tr.Add(req, message.New(message.TypeApplicationData, message.Server))
	return tr
}

func serverFlight(kex record.KeyExchange) []message.Message {
	msgs := []message.Message{message.New(message.TypeServerHello, message.Server)}
	if kex != record.KeyExchangeDHAnon && kex != record.KeyExchangeECDHAnon {
		msgs = append(msgs, message.New(message.TypeCertificate, message.Server))
	}
	switch {
	case kex.IsDH():
		msgs = append(msgs, message.New(message.TypeServerKeyExchangeDHE, message.Server))
	case kex.IsECDH():
		msgs = append(msgs, message.New(message.TypeServerKeyExchangeECDHE, message.Server))
	}
	return append(msgs, message.New(message.TypeServerHelloDone, message.Server))
}
