package dn

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// Attribute type OIDs per RFC 4519 and PKCS#9.
var oids = [numKinds]asn1.ObjectIdentifier{
	CommonName:          {2, 5, 4, 3},
	Organization:        {2, 5, 4, 10},
	OrganizationalUnit:  {2, 5, 4, 11},
	Country:             {2, 5, 4, 6},
	Province:            {2, 5, 4, 8},
	Locality:            {2, 5, 4, 7},
	Street:              {2, 5, 4, 9},
	EmailAddress:        {1, 2, 840, 113549, 1, 9, 1},
	SerialNumber:        {2, 5, 4, 5},
	Title:               {2, 5, 4, 12},
	GivenName:           {2, 5, 4, 42},
	Surname:             {2, 5, 4, 4},
	Initials:            {2, 5, 4, 43},
	Pseudonym:           {2, 5, 4, 65},
	GenerationQualifier: {2, 5, 4, 44},
}

// OID returns the ASN.1 object identifier for the kind.
func (k Kind) OID() asn1.ObjectIdentifier {
	if !k.valid() {
		return nil
	}
	return oids[k]
}

func kindForOID(oid asn1.ObjectIdentifier) (Kind, bool) {
	for i, candidate := range oids {
		if candidate.Equal(oid) {
			return Kind(i), true
		}
	}
	return 0, false
}

// ToPKIX converts the name to a pkix.Name. All attributes are emitted via
// ExtraNames so DER marshaling preserves the attribute order.
func (d DistinguishedName) ToPKIX() pkix.Name {
	var name pkix.Name
	for _, a := range d.attrs {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  a.Kind.OID(),
			Value: a.Value,
		})
	}
	return name
}

// FromPKIX converts a parsed pkix.Name back. Attributes with unrecognized
// OIDs or non-string values are skipped; a repeated kind is an error.
func FromPKIX(name pkix.Name) (DistinguishedName, error) {
	var d DistinguishedName
	for _, atv := range name.Names {
		kind, ok := kindForOID(atv.Type)
		if !ok {
			continue
		}
		value, ok := atv.Value.(string)
		if !ok {
			continue
		}
		if d.Has(kind) {
			return DistinguishedName{}, &FieldError{
				Field:   kind,
				Err:     ErrFieldRepeated,
				Message: fmt.Sprintf("%s appears more than once in the subject", kind.Label()),
			}
		}
		d.attrs = append(d.attrs, Attribute{Kind: kind, Value: value})
	}
	return d, nil
}
