package trace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	gojson "github.com/coreos/go-json"
	"github.com/xeipuuv/gojsonschema"

	"tlsprobe/message"
	"tlsprobe/record"
)

// fileMessage is the serialized form of one trace message.
type fileMessage struct {
	Type       string                     `json:"type"`
	Issuer     string                     `json:"issuer"`
	Send       *bool                      `json:"send,omitempty"`
	Records    []record.Template          `json:"records,omitempty"`
	Extensions *[]string                  `json:"extensions,omitempty"`
	Overrides  map[string]json.RawMessage `json:"overrides,omitempty"`
}

type fileTrace struct {
	Messages []fileMessage `json:"messages"`
}

func traceSchema() map[string]interface{} {
	var types []interface{}
	for t := message.TypeUnknown; t <= message.TypeHeartbeat; t++ {
		types = append(types, t.String())
	}
	return map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"messages"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"messages": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":                 "object",
					"required":             []interface{}{"type", "issuer"},
					"additionalProperties": false,
					"properties": map[string]interface{}{
						"type":   map[string]interface{}{"type": "string", "enum": types},
						"issuer": map[string]interface{}{"type": "string", "enum": []interface{}{"client", "server"}},
						"send":   map[string]interface{}{"type": "boolean"},
						"records": map[string]interface{}{
							"type": "array",
							"items": map[string]interface{}{
								"type":                 "object",
								"additionalProperties": false,
								"properties": map[string]interface{}{
									"length":      map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 65535},
									"contentType": map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 255},
									"version":     map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 65535},
								},
							},
						},
						"extensions": map[string]interface{}{
							"type":  "array",
							"items": map[string]interface{}{"type": "string"},
						},
						"overrides": map[string]interface{}{"type": "object"},
					},
				},
			},
		},
	}
}

var (
	compiledSchema *gojsonschema.Schema
	schemaErr      error
	schemaOnce     sync.Once
)

func schema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewGoLoader(traceSchema()))
	})
	return compiledSchema, schemaErr
}

// Load decodes a trace file. Validation and decode errors name the byte
// offset of the offending value.
func Load(data []byte) (*Trace, error) {
	sch, err := schema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile trace schema: %w", err)
	}

	var root gojson.Node
	if err := gojson.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse trace: %v", err)
	}

	result, err := sch.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("trace validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(e.String())
			if off, ok := offsetOf(&root, e.Field()); ok {
				fmt.Fprintf(&b, " (at byte %d)", off)
			}
		}
		return nil, fmt.Errorf("trace validation failed: %s", b.String())
	}

	var ft fileTrace
	if err := json.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("failed to decode trace: %v", err)
	}

	tr := New()
	for i, fm := range ft.Messages {
		m, err := decodeMessage(fm)
		if err != nil {
			if off, ok := offsetOf(&root, fmt.Sprintf("messages.%d", i)); ok {
				return nil, fmt.Errorf("message %d (at byte %d): %w", i, off, err)
			}
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		tr.Add(m)
	}
	return tr, nil
}

func decodeMessage(fm fileMessage) (message.Message, error) {
	typ, err := message.ParseType(fm.Type)
	if err != nil {
		return nil, err
	}
	issuer, err := message.ParseIssuer(fm.Issuer)
	if err != nil {
		return nil, err
	}
	m := message.New(typ, issuer)
	b := m.Common()
	if fm.Send != nil {
		b.GoingToBeSent = *fm.Send
	}
	b.RecordTemplates = fm.Records

	if fm.Extensions != nil {
		exts := []message.Extension{}
		for _, name := range *fm.Extensions {
			et, err := message.ParseExtensionType(name)
			if err != nil {
				return nil, err
			}
			exts = append(exts, message.NewExtension(et))
		}
		switch hello := m.(type) {
		case *message.ClientHello:
			hello.Extensions = exts
		case *message.ServerHello:
			hello.Extensions = exts
		default:
			return nil, fmt.Errorf("%s does not carry extensions", typ)
		}
	}

	for name, raw := range fm.Overrides {
		f, err := message.FieldByName(m, name)
		if err != nil {
			return nil, err
		}
		if err := f.OverrideJSON(raw); err != nil {
			return nil, fmt.Errorf("invalid override for %s: %v", name, err)
		}
	}
	return m, nil
}

// Marshal writes tr in the format Load reads.
func Marshal(tr *Trace) ([]byte, error) {
	ft := fileTrace{Messages: make([]fileMessage, 0, tr.Len())}
	for _, m := range tr.Messages() {
		b := m.Common()
		fm := fileMessage{
			Type:    m.Type().String(),
			Issuer:  b.Issuer.String(),
			Records: b.RecordTemplates,
		}
		if !b.GoingToBeSent {
			send := false
			fm.Send = &send
		}
		if hm, ok := m.(interface{ ExtensionList() []message.Extension }); ok && hm.ExtensionList() != nil {
			names := []string{}
			for _, ext := range hm.ExtensionList() {
				names = append(names, ext.ExtensionType().String())
			}
			fm.Extensions = &names
		}
		if overrides := message.Overrides(m); len(overrides) > 0 {
			fm.Overrides = overrides
		}
		ft.Messages = append(ft.Messages, fm)
	}
	return json.MarshalIndent(ft, "", "  ")
}

// offsetOf resolves a gojsonschema field path ("messages.0.type") to the byte
// offset of the value in the original document.
func offsetOf(root *gojson.Node, field string) (int, bool) {
	cur := root
	if field == "" || field == "(root)" {
		return cur.Start, true
	}
	for _, seg := range strings.Split(field, ".") {
		switch v := cur.Value.(type) {
		case map[string]gojson.Node:
			next, ok := v[seg]
			if !ok {
				return cur.Start, true
			}
			cur = &next
		case []gojson.Node:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return 0, false
			}
			cur = &v[idx]
		default:
			return cur.Start, true
		}
	}
	return cur.Start, true
}
