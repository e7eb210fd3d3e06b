package dn

import (
	"encoding/json"
	"fmt"
)

// Requirement states how a field policy treats one attribute kind.
type Requirement int

const (
	// Forbidden fields must be absent. Unlisted kinds default to Forbidden.
	Forbidden Requirement = iota
	// Optional fields may be present.
	Optional
	// Required fields must be present.
	Required
)

// FieldPolicy maps attribute kinds to their presence requirement. Policies
// are attached to issuing CAs and constrain the subjects they sign.
type FieldPolicy map[Kind]Requirement

// DefaultPolicy requires a Common Name and permits every other attribute.
func DefaultPolicy() FieldPolicy {
	p := FieldPolicy{CommonName: Required}
	for _, k := range Kinds() {
		if k != CommonName {
			p[k] = Optional
		}
	}
	return p
}

// NewPolicy builds a policy from required and optional wire names. Kinds
// listed in neither are forbidden. The Common Name is always required.
func NewPolicy(required, optional []string) (FieldPolicy, error) {
	p := FieldPolicy{CommonName: Required}
	for _, name := range required {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		p[k] = Required
	}
	for _, name := range optional {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		if p[k] != Required {
			p[k] = Optional
		}
	}
	return p, nil
}

// Check verifies the name against the policy: every required kind present,
// no forbidden kind present. Value constraints are checked by Validate.
func (p FieldPolicy) Check(d DistinguishedName) error {
	for kind, req := range p {
		if req == Required && !d.Has(kind) {
			return fieldErrorf(kind, ErrFieldMissing, "%s is required", kind.Label())
		}
	}
	for _, a := range d.Attributes() {
		if p[a.Kind] == Forbidden {
			return fieldErrorf(a.Kind, ErrFieldForbidden, "%s is not permitted by the issuing CA", a.Kind.Label())
		}
	}
	return nil
}

// RequiredKinds returns the kinds the policy requires, in canonical order.
func (p FieldPolicy) RequiredKinds() []Kind {
	var out []Kind
	for _, k := range Kinds() {
		if p[k] == Required {
			out = append(out, k)
		}
	}
	return out
}

// OptionalKinds returns the kinds the policy permits but does not require,
// in canonical order.
func (p FieldPolicy) OptionalKinds() []Kind {
	var out []Kind
	for _, k := range Kinds() {
		if p[k] == Optional {
			out = append(out, k)
		}
	}
	return out
}

// MarshalJSON encodes the policy as {"required": [...], "optional": [...]}.
func (p FieldPolicy) MarshalJSON() ([]byte, error) {
	type wire struct {
		Required []string `json:"required"`
		Optional []string `json:"optional"`
	}
	var w wire
	for _, k := range p.RequiredKinds() {
		w.Required = append(w.Required, k.String())
	}
	for _, k := range p.OptionalKinds() {
		w.Optional = append(w.Optional, k.String())
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the {"required": [...], "optional": [...]} form.
func (p *FieldPolicy) UnmarshalJSON(data []byte) error {
	type wire struct {
		Required []string `json:"required"`
		Optional []string `json:"optional"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decoding field policy: %w", err)
	}
	parsed, err := NewPolicy(w.Required, w.Optional)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
