// Package ca implements the certificate authority core: issuance, chain
// validation, and revocation over a record store. Certificates form a forest
// rooted at self-signed ROOT certificates; every non-root certificate keeps
// a link to the certificate that issued it.
package ca

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/tmarkovic/chainsmith/dn"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrCertificateNotFound is returned when the referenced certificate does
// not exist.
var ErrCertificateNotFound = errors.New("certificate not found")

// ErrIssuerNotFound is returned when the requested issuer does not exist.
var ErrIssuerNotFound = errors.New("issuer certificate not found")

// ErrIssuerNotCA is returned when the requested issuer is an end-entity
// certificate and cannot sign others.
var ErrIssuerNotCA = errors.New("issuer is not a CA certificate")

// ErrIssuerExpired is returned when the issuer or one of its ancestors is
// outside its validity window.
var ErrIssuerExpired = errors.New("issuer certificate expired")

// ErrIssuerRevoked is returned when the issuer or one of its ancestors has
// an active revocation.
var ErrIssuerRevoked = errors.New("issuer certificate revoked")

// ErrPathLengthExceeded is returned when issuing a CA certificate would
// exceed the issuer's basic-constraints path length budget.
var ErrPathLengthExceeded = errors.New("path length constraint exceeded")

// ErrCycleDetected is returned when walking issuer links revisits a
// certificate. Issuance keeps the graph acyclic, so this guards against a
// corrupted store.
var ErrCycleDetected = errors.New("cycle detected in issuer chain")

// ErrValidityOutOfRange is returned when the requested validity falls
// outside the issuing CA's inclusive [min, max] day bounds.
var ErrValidityOutOfRange = errors.New("validity out of range")

// ErrValidityOutlivesIssuer is returned when the requested window would end
// after the issuer's own notAfter.
var ErrValidityOutlivesIssuer = errors.New("validity window outlives issuer")

// ErrSigningTimeout is returned when the signing step did not complete
// before the operation's deadline.
var ErrSigningTimeout = errors.New("signing timed out")

// ---------------------------------------------------------------------------
// Core types
// ---------------------------------------------------------------------------

// CertificateType classifies a certificate's position in the hierarchy.
type CertificateType string

const (
	TypeRoot         CertificateType = "ROOT"
	TypeIntermediate CertificateType = "INTERMEDIATE"
	TypeEndEntity    CertificateType = "END_ENTITY"
)

// IsCA reports whether certificates of this type may issue others.
func (t CertificateType) IsCA() bool {
	return t == TypeRoot || t == TypeIntermediate
}

// ParseCertificateType validates a wire name.
func ParseCertificateType(s string) (CertificateType, error) {
	switch CertificateType(s) {
	case TypeRoot, TypeIntermediate, TypeEndEntity:
		return CertificateType(s), nil
	}
	return "", fmt.Errorf("unknown certificate type %q", s)
}

// Certificate is the stored record of one issued certificate. IssuerID
// equals ID for a self-signed root. KeyID is empty when the subject key was
// supplied through an external request and the service never held it.
type Certificate struct {
	ID          string               `json:"id"`
	Serial      uint64               `json:"serial"`
	Subject     dn.DistinguishedName `json:"subject"`
	Issuer      dn.DistinguishedName `json:"issuer"`
	NotBefore   time.Time            `json:"notBefore"`
	NotAfter    time.Time            `json:"notAfter"`
	Type        CertificateType      `json:"type"`
	KeyUsage    x509.KeyUsage        `json:"keyUsage"`
	ExtKeyUsage []x509.ExtKeyUsage   `json:"extKeyUsage,omitempty"`
	KeyID       string               `json:"keyId,omitempty"`
	IssuerID    string               `json:"issuerId"`
	OwnerID     string               `json:"ownerId,omitempty"`
	DER         []byte               `json:"der"`
}

// SelfIssued reports whether the certificate is its own issuer.
func (c *Certificate) SelfIssued() bool {
	return c.IssuerID == c.ID
}

// X509 parses the stored DER.
func (c *Certificate) X509() (*x509.Certificate, error) {
	return x509.ParseCertificate(c.DER)
}

// Policy is the per-CA issuance policy: the validity bounds in days, the
// basic-constraints path length budget, and the subject field policy applied
// to certificates the CA signs. MaxPathLen below zero means unlimited.
type Policy struct {
	MinValidityDays     int            `json:"minValidityDays"`
	DefaultValidityDays int            `json:"defaultValidityDays"`
	MaxValidityDays     int            `json:"maxValidityDays"`
	MaxPathLen          int            `json:"maxPathLen"`
	Fields              dn.FieldPolicy `json:"fields"`
}

// DefaultPolicy bounds validity to [1, 3650] days with a 365 day default,
// no path length limit, and the permissive field policy.
func DefaultPolicy() Policy {
	return Policy{
		MinValidityDays:     1,
		DefaultValidityDays: 365,
		MaxValidityDays:     3650,
		MaxPathLen:          -1,
		Fields:              dn.DefaultPolicy(),
	}
}

// IsZero reports whether no policy was supplied at all. A partially filled
// policy is not zero; its gaps are validation errors, not defaults.
func (p Policy) IsZero() bool {
	return p.MinValidityDays == 0 && p.DefaultValidityDays == 0 &&
		p.MaxValidityDays == 0 && p.MaxPathLen == 0 && p.Fields == nil
}

// Validate checks the policy's internal consistency.
func (p Policy) Validate() error {
	if p.MinValidityDays < 1 {
		return fmt.Errorf("minValidityDays must be at least 1, got %d", p.MinValidityDays)
	}
	if p.MinValidityDays > p.DefaultValidityDays || p.DefaultValidityDays > p.MaxValidityDays {
		return fmt.Errorf("validity bounds must satisfy min <= default <= max, got %d/%d/%d",
			p.MinValidityDays, p.DefaultValidityDays, p.MaxValidityDays)
	}
	if p.Fields == nil {
		return fmt.Errorf("field policy must be set")
	}
	return nil
}

// CheckValidityDays enforces the inclusive [min, max] bounds.
func (p Policy) CheckValidityDays(days int) error {
	if days < p.MinValidityDays || days > p.MaxValidityDays {
		return fmt.Errorf("%w: %d days outside [%d, %d]", ErrValidityOutOfRange, days, p.MinValidityDays, p.MaxValidityDays)
	}
	return nil
}

// Node is one certificate in the derived hierarchy view, with the
// certificates it issued as children.
type Node struct {
	Certificate *Certificate `json:"certificate"`
	Children    []*Node      `json:"children,omitempty"`
}
