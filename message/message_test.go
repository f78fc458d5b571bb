package message

import (
	"bytes"
	"testing"

	"tlsprobe/record"
)

func TestValueOverride(t *testing.T) {
	v := V[uint16](0x002f)
	if v.Get() != 0x002f || v.IsOverridden() {
		t.Fatal("fresh value should return its default")
	}

	v.Override(0x0035)
	if v.Get() != 0x0035 {
		t.Errorf("Get = 0x%04x, want override 0x0035", v.Get())
	}
	v.SetDefault(0x000a)
	if v.Get() != 0x0035 || v.Default() != 0x000a {
		t.Error("SetDefault must not replace an override")
	}

	v.ClearOverride()
	if v.Get() != 0x000a || v.IsOverridden() {
		t.Error("ClearOverride should fall back to the default")
	}
}

func TestValueOverrideJSON(t *testing.T) {
	var suites Value[[]uint16]
	var random Value[[]byte]
	var version Value[record.ProtocolVersion]

	testCases := []struct {
		name  string
		field Overridable
		json  string
		check func(t *testing.T)
	}{
		{"uint16 list", &suites, `[47, 53]`, func(t *testing.T) {
			if got := suites.Get(); len(got) != 2 || got[1] != 53 {
				t.Errorf("suites = %v", got)
			}
		}},
		{"base64 bytes", &random, `"AAEC"`, func(t *testing.T) {
			if !bytes.Equal(random.Get(), []byte{0, 1, 2}) {
				t.Errorf("random = %x", random.Get())
			}
		}},
		{"protocol version", &version, `771`, func(t *testing.T) {
			if version.Get() != record.TLS12 {
				t.Errorf("version = %s", version.Get())
			}
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.field.OverrideJSON([]byte(tc.json)); err != nil {
				t.Fatalf("OverrideJSON failed: %v", err)
			}
			if !tc.field.IsOverridden() {
				t.Error("field should be overridden")
			}
			tc.check(t)
		})
	}

	if err := suites.OverrideJSON([]byte(`"not a list"`)); err == nil {
		t.Error("expected a decode error")
	}
}

func TestNewDefaults(t *testing.T) {
	for typ := range typeNames {
		m := New(typ, Client)
		if m.Type() != typ {
			t.Errorf("New(%s) returned %s", typ, m.Type())
		}
		b := m.Common()
		if !b.GoingToBeSent {
			t.Errorf("%s: GoingToBeSent should default to true", typ)
		}
		if b.IncludeInDigest != (typ.IsHandshake() && typ != TypeHelloRequest && typ != TypeHelloVerifyRequest) {
			t.Errorf("%s: unexpected IncludeInDigest %v", typ, b.IncludeInDigest)
		}
		if hs, ok := m.(Handshake); ok {
			want, _ := typ.HandshakeType()
			if hs.Header().HandshakeType.Get() != want {
				t.Errorf("%s: handshake type byte = %d, want %d", typ, hs.Header().HandshakeType.Get(), want)
			}
		} else if typ.IsHandshake() {
			t.Errorf("%s should implement Handshake", typ)
		}
		if Modified(m) {
			t.Errorf("%s: new message should not be modified", typ)
		}
	}
}

func TestParseTypeRoundTrip(t *testing.T) {
	for typ, name := range typeNames {
		got, err := ParseType(name)
		if err != nil || got != typ {
			t.Errorf("ParseType(%q) = %s, %v", name, got, err)
		}
	}
	if _, err := ParseType("ServerHelloDoneX"); err == nil {
		t.Error("expected an error for an unknown name")
	}
}

func TestModifiedAndFieldByName(t *testing.T) {
	ch := New(TypeClientHello, Client).(*ClientHello)
	sni := &ServerNameExtension{HostName: V("example.com")}
	ch.Extensions = []Extension{sni, &ExtendedMasterSecretExtension{}}

	if Modified(ch) {
		t.Fatal("message without overrides reported as modified")
	}

	f, err := FieldByName(ch, "server_name.hostName")
	if err != nil {
		t.Fatalf("FieldByName failed: %v", err)
	}
	if err := f.OverrideJSON([]byte(`"evil.example"`)); err != nil {
		t.Fatalf("OverrideJSON failed: %v", err)
	}
	if !Modified(ch) {
		t.Error("extension override should mark the message modified")
	}
	if sni.HostName.Get() != "evil.example" {
		t.Errorf("hostName = %q", sni.HostName.Get())
	}

	overrides := Overrides(ch)
	if string(overrides["server_name.hostName"]) != `"evil.example"` {
		t.Errorf("overrides = %v", overrides)
	}

	if _, err := FieldByName(ch, "nonexistent"); err == nil {
		t.Error("expected an error for an unknown field")
	}

	f, _ = FieldByName(ch, "length")
	f.OverrideJSON([]byte(`12`))
	if ch.Head.Length.Get() != 12 {
		t.Error("handshake header fields should be overridable")
	}
}

func TestAlertFatal(t *testing.T) {
	a := New(TypeAlert, Server).(*Alert)
	a.Level.SetDefault(AlertLevelWarning)
	a.Description.SetDefault(AlertNoRenegotiation)
	if a.IsFatal() {
		t.Error("warning no_renegotiation is not fatal")
	}
	a.Description.SetDefault(AlertCloseNotify)
	if !a.IsFatal() {
		t.Error("close_notify ends the connection")
	}
	a.Level.SetDefault(AlertLevelFatal)
	a.Description.SetDefault(AlertHandshakeFailure)
	if a.String() != "fatal handshake_failure" {
		t.Errorf("String = %q", a.String())
	}
}
