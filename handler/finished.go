package handler

import (
	"crypto/subtle"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/cryptobyte"

	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/session"
)

type finishedBody struct{}

func verifyDataLength(ctx *session.Context) int {
	if ctx.EffectiveVersion() == record.SSL3 {
		return 36
	}
	return 12
}

// parse also checks the peer's verify_data while the digest still excludes
// this message.
func (finishedBody) parse(ctx *session.Context, m message.Message, s cryptobyte.String) error {
	fin := m.(*message.Finished)
	data := append([]byte(nil), s...)
	fin.VerifyData.SetDefault(data)

	if ctx.IsOurs(fin.Issuer) {
		return nil
	}
	expected, err := ctx.FinishedVerifyData(fin.Issuer)
	if err != nil {
		ctx.Logger.Debug("Cannot verify peer Finished", zap.Error(err))
		return nil
	}
	ok := subtle.ConstantTimeCompare(expected, data) == 1
	fin.Verified = &ok
	return nil
}

// prepare computes verify_data. Without a master secret (a trace that skipped
// the key exchange) the message still goes out with zeroed verify_data.
func (finishedBody) prepare(ctx *session.Context, m message.Message) error {
	fin := m.(*message.Finished)
	data, err := ctx.FinishedVerifyData(fin.Issuer)
	if err != nil {
		ctx.Diagnostics.Record(m, fmt.Errorf("verify_data unavailable: %w", err))
		data = make([]byte, verifyDataLength(ctx))
	}
	fin.VerifyData.SetDefault(data)
	return nil
}

func (finishedBody) serialize(_ *session.Context, m message.Message) ([]byte, error) {
	return append([]byte(nil), m.(*message.Finished).VerifyData.Get()...), nil
}

func (finishedBody) adjust(ctx *session.Context, m message.Message) error {
	fin := m.(*message.Finished)
	data := fin.VerifyData.Get()
	if fin.Issuer == message.Client {
		ctx.ClientVerifyData = data
	} else {
		ctx.ServerVerifyData = data
	}
	if ctx.IsOurs(fin.Issuer) {
		return nil
	}
	ctx.PeerFinishedVerified = fin.Verified
	if fin.Verified != nil && !*fin.Verified {
		ctx.Logger.Warn("Peer Finished verify_data mismatch",
			zap.String("issuer", fin.Issuer.String()))
	}
	return nil
}
