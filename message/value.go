package message

import (
	"encoding/json"
	"fmt"
)

// Overridable is the type-erased view of a Value used by the field registry.
type Overridable interface {
	IsOverridden() bool
	ClearOverride()
	OverrideJSON(data []byte) error
	OverrideValueJSON() (json.RawMessage, bool)
}

// Value holds the default a handler derives for a field and an optional
// override set by attack code. Get prefers the override.
type Value[T any] struct {
	def      T
	override *T
}

// V returns a Value with the given default.
func V[T any](def T) Value[T] {
	return Value[T]{def: def}
}

func (v *Value[T]) Get() T {
	if v.override != nil {
		return *v.override
	}
	return v.def
}

func (v *Value[T]) Default() T { return v.def }

func (v *Value[T]) SetDefault(x T) { v.def = x }

func (v *Value[T]) Override(x T) { v.override = &x }

func (v *Value[T]) ClearOverride() { v.override = nil }

func (v *Value[T]) IsOverridden() bool { return v.override != nil }

// OverrideJSON decodes data as T and installs it as the override. Byte slices
// are base64 strings, as encoding/json expects.
func (v *Value[T]) OverrideJSON(data []byte) error {
	var x T
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	v.override = &x
	return nil
}

// OverrideValueJSON encodes the override, if any.
func (v *Value[T]) OverrideValueJSON() (json.RawMessage, bool) {
	if v.override == nil {
		return nil, false
	}
	data, err := json.Marshal(*v.override)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Field names one overridable field of a message or extension.
type Field struct {
	Name  string
	Value Overridable
}

// FieldByName looks a field up in the registry of m, including extension
// fields addressed as "<extension>.<field>".
func FieldByName(m Message, name string) (Overridable, error) {
	for _, f := range allFields(m) {
		if f.Name == name {
			return f.Value, nil
		}
	}
	return nil, fmt.Errorf("%s has no overridable field %q", m.Type(), name)
}

// Modified reports whether any field of m carries an override.
func Modified(m Message) bool {
	for _, f := range allFields(m) {
		if f.Value.IsOverridden() {
			return true
		}
	}
	return false
}

// Overrides returns the encoded overrides of m keyed by field name.
func Overrides(m Message) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, f := range allFields(m) {
		if data, ok := f.Value.OverrideValueJSON(); ok {
			out[f.Name] = data
		}
	}
	return out
}

func allFields(m Message) []Field {
	fields := m.Fields()
	if hm, ok := m.(interface{ ExtensionList() []Extension }); ok {
		for _, ext := range hm.ExtensionList() {
			prefix := ext.ExtensionType().String() + "."
			for _, f := range ext.Fields() {
				fields = append(fields, Field{Name: prefix + f.Name, Value: f.Value})
			}
		}
	}
	return fields
}
