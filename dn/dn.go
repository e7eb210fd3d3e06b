// Package dn models X.509 distinguished names as an ordered set of RDN
// attributes, with the field constraints and per-CA field policies used by
// the issuance engine. Each attribute kind appears at most once within a
// name.
package dn

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies one supported RDN attribute type.
type Kind int

const (
	CommonName Kind = iota
	Organization
	OrganizationalUnit
	Country
	Province
	Locality
	Street
	EmailAddress
	SerialNumber
	Title
	GivenName
	Surname
	Initials
	Pseudonym
	GenerationQualifier

	numKinds
)

// kindInfo carries the wire name (JSON/API), the short X.500 abbreviation
// used for rendering, the display label used in error messages, and the
// maximum value length in runes.
type kindInfo struct {
	wire  string
	short string
	label string
	max   int
}

var kinds = [numKinds]kindInfo{
	CommonName:          {"cn", "CN", "Common Name", 64},
	Organization:        {"o", "O", "Organization", 64},
	OrganizationalUnit:  {"ou", "OU", "Organizational Unit", 64},
	Country:             {"c", "C", "Country", 2},
	Province:            {"st", "ST", "State or Province", 128},
	Locality:            {"l", "L", "Locality", 128},
	Street:              {"street", "STREET", "Street Address", 255},
	EmailAddress:        {"emailAddress", "E", "Email Address", 255},
	SerialNumber:        {"serialNumber", "SERIALNUMBER", "Serial Number", 20},
	Title:               {"title", "T", "Title", 64},
	GivenName:           {"givenName", "GIVENNAME", "Given Name", 64},
	Surname:             {"surname", "SURNAME", "Surname", 64},
	Initials:            {"initials", "INITIALS", "Initials", 5},
	Pseudonym:           {"pseudonym", "PSEUDONYM", "Pseudonym", 64},
	GenerationQualifier: {"generationQualifier", "GENERATION", "Generation Qualifier", 10},
}

// Kinds returns all supported attribute kinds in canonical order.
func Kinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

func (k Kind) valid() bool {
	return k >= 0 && k < numKinds
}

// String returns the wire name of the kind (e.g. "cn", "emailAddress").
func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].wire
}

// Label returns the human-readable name used in error messages.
func (k Kind) Label() string {
	if !k.valid() {
		return k.String()
	}
	return kinds[k].label
}

// MaxLength returns the maximum permitted value length in runes.
func (k Kind) MaxLength() int {
	if !k.valid() {
		return 0
	}
	return kinds[k].max
}

// ParseKind resolves a wire name to its Kind.
func ParseKind(name string) (Kind, error) {
	for i, info := range kinds {
		if info.wire == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown RDN attribute %q", name)
}

// Attribute is one RDN: an attribute kind and its value.
type Attribute struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// DistinguishedName is an ordered set of RDN attributes with each kind
// present at most once. The zero value is an empty name.
type DistinguishedName struct {
	attrs []Attribute
}

// New builds a DistinguishedName from the given attributes, rejecting
// repeated kinds.
func New(attrs ...Attribute) (DistinguishedName, error) {
	var d DistinguishedName
	for _, a := range attrs {
		if !a.Kind.valid() {
			return DistinguishedName{}, fmt.Errorf("unknown RDN attribute kind %d", int(a.Kind))
		}
		if d.Has(a.Kind) {
			return DistinguishedName{}, &FieldError{Field: a.Kind, Err: ErrFieldRepeated}
		}
		d.attrs = append(d.attrs, a)
	}
	return d, nil
}

// Set adds or replaces the value for kind, preserving the position of an
// existing attribute. Empty values remove the attribute.
func (d *DistinguishedName) Set(kind Kind, value string) {
	if value == "" {
		for i, a := range d.attrs {
			if a.Kind == kind {
				d.attrs = append(d.attrs[:i], d.attrs[i+1:]...)
				return
			}
		}
		return
	}
	for i, a := range d.attrs {
		if a.Kind == kind {
			d.attrs[i].Value = value
			return
		}
	}
	d.attrs = append(d.attrs, Attribute{Kind: kind, Value: value})
}

// Get returns the value for kind and whether it is present.
func (d DistinguishedName) Get(kind Kind) (string, bool) {
	for _, a := range d.attrs {
		if a.Kind == kind {
			return a.Value, true
		}
	}
	return "", false
}

// Has reports whether the kind is present.
func (d DistinguishedName) Has(kind Kind) bool {
	_, ok := d.Get(kind)
	return ok
}

// Empty reports whether the name has no attributes.
func (d DistinguishedName) Empty() bool {
	return len(d.attrs) == 0
}

// Attributes returns a copy of the attributes in order.
func (d DistinguishedName) Attributes() []Attribute {
	return append([]Attribute(nil), d.attrs...)
}

// Equal reports whether two names carry the same attributes in the same order.
func (d DistinguishedName) Equal(other DistinguishedName) bool {
	if len(d.attrs) != len(other.attrs) {
		return false
	}
	for i, a := range d.attrs {
		if other.attrs[i] != a {
			return false
		}
	}
	return true
}

// String renders the name in the conventional "CN=..., O=..." form.
func (d DistinguishedName) String() string {
	parts := make([]string, 0, len(d.attrs))
	for _, a := range d.attrs {
		parts = append(parts, kinds[a.Kind].short+"="+a.Value)
	}
	return strings.Join(parts, ", ")
}

// MarshalJSON encodes the name as an ordered attribute array.
func (d DistinguishedName) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.attrs)
}

// UnmarshalJSON decodes an ordered attribute array, enforcing the
// at-most-once invariant.
func (d *DistinguishedName) UnmarshalJSON(data []byte) error {
	var attrs []Attribute
	if err := json.Unmarshal(data, &attrs); err != nil {
		return err
	}
	parsed, err := New(attrs...)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
