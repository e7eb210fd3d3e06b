package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"github.com/tmarkovic/chainsmith/codec"
	"github.com/tmarkovic/chainsmith/dn"
	"github.com/tmarkovic/chainsmith/internal/uuid"
	"github.com/tmarkovic/chainsmith/keystore"
)

// KeySource selects where a new certificate's subject key comes from:
// generated and held by the service, or proven by an external PKCS#10
// request whose private key the service never sees.
type KeySource struct {
	algorithm keystore.Algorithm
	csr       []byte
}

// AutogenerateKey has the service generate and hold the subject key.
func AutogenerateKey(alg keystore.Algorithm) KeySource {
	return KeySource{algorithm: alg}
}

// ExternalCSR takes the subject and public key from a PKCS#10 request.
func ExternalCSR(pemOrDER []byte) KeySource {
	return KeySource{csr: pemOrDER}
}

func (k KeySource) external() bool { return k.csr != nil }

// SelfSignedRequest creates a new root CA.
type SelfSignedRequest struct {
	OwnerID      string
	Subject      dn.DistinguishedName
	ValidityDays int
	Algorithm    keystore.Algorithm
	Policy       Policy
}

// IssueRequest creates a certificate under an existing CA.
type IssueRequest struct {
	OwnerID      string
	Subject      dn.DistinguishedName
	IssuerID     string
	Type         CertificateType
	ValidityDays int
	KeyUsage     x509.KeyUsage
	ExtKeyUsage  []x509.ExtKeyUsage
	KeySource    KeySource
	// Policy applies when Type is INTERMEDIATE; nil inherits the issuer's.
	Policy *Policy
}

// Engine orchestrates issuance: field validation, chain validation, serial
// assignment, key selection, signing, and the atomic record write. A failed
// issuance leaves no certificate behind; an allocated serial is simply
// skipped.
type Engine struct {
	store     *Store
	keys      keystore.KeyStore
	ledger    *Ledger
	validator *Validator
	now       func() time.Time
}

// EngineOption customizes Engine construction.
type EngineOption func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the issuance engine.
func NewEngine(store *Store, keys keystore.KeyStore, ledger *Ledger, validator *Validator, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		keys:      keys,
		ledger:    ledger,
		validator: validator,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validator returns the engine's chain validator.
func (e *Engine) Validator() *Validator { return e.validator }

// Ledger returns the engine's revocation ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Store returns the engine's certificate store.
func (e *Engine) Store() *Store { return e.store }

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.now() }

// IssueSelfSigned creates a self-signed root CA with its own key and
// issuance policy.
func (e *Engine) IssueSelfSigned(ctx context.Context, req SelfSignedRequest) (*Certificate, error) {
	pol := req.Policy
	if pol.IsZero() {
		pol = DefaultPolicy()
	} else if pol.Fields == nil {
		pol.Fields = dn.DefaultPolicy()
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	if err := req.Subject.Validate(); err != nil {
		return nil, err
	}
	if !req.Subject.Has(dn.CommonName) {
		return nil, &dn.FieldError{Field: dn.CommonName, Err: dn.ErrFieldMissing, Message: "Common Name is required"}
	}

	days := req.ValidityDays
	if days == 0 {
		days = pol.DefaultValidityDays
	}
	if err := pol.CheckValidityDays(days); err != nil {
		return nil, err
	}

	alg := req.Algorithm
	if alg == "" {
		alg = keystore.ECP256
	}
	keyID, err := e.keys.Generate(alg)
	if err != nil {
		return nil, err
	}
	signer, err := e.keys.Signer(keyID)
	if err != nil {
		return nil, e.rollbackKey(keyID, err)
	}

	id := uuid.New()
	serial, err := e.store.NextSerial(id)
	if err != nil {
		return nil, e.rollbackKey(keyID, err)
	}

	notBefore := e.now().UTC().Truncate(time.Second)
	notAfter := notBefore.AddDate(0, 0, days)

	tmpl := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               req.Subject.ToPKIX(),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	applyPathLen(tmpl, pol.MaxPathLen)

	der, err := signCertificate(ctx, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, e.rollbackKey(keyID, err)
	}

	cert := &Certificate{
		ID:        id,
		Serial:    serial,
		Subject:   req.Subject,
		Issuer:    req.Subject,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Type:      TypeRoot,
		KeyUsage:  tmpl.KeyUsage,
		KeyID:     keyID,
		IssuerID:  id,
		OwnerID:   req.OwnerID,
		DER:       der,
	}
	if err := e.store.SaveCertificate(cert, &pol); err != nil {
		return nil, e.rollbackKey(keyID, err)
	}
	return cert, nil
}

// IssueFromCA creates a certificate under an existing CA with a
// service-generated key.
func (e *Engine) IssueFromCA(ctx context.Context, req IssueRequest) (*Certificate, error) {
	if req.KeySource.external() {
		return nil, fmt.Errorf("IssueFromCA requires an autogenerated key")
	}
	return e.issue(ctx, req)
}

// IssueFromExternalCSR creates an end-entity certificate under an existing
// CA from a PKCS#10 request. The subject and public key come from the CSR;
// the service never holds the private key.
func (e *Engine) IssueFromExternalCSR(ctx context.Context, req IssueRequest) (*Certificate, error) {
	if !req.KeySource.external() {
		return nil, fmt.Errorf("IssueFromExternalCSR requires a certificate request")
	}
	if req.Type != TypeEndEntity {
		return nil, fmt.Errorf("%w: externally keyed certificates must be end entities", ErrIssuerNotCA)
	}
	return e.issue(ctx, req)
}

// Revoke appends a revocation entry for the certificate at the current time.
func (e *Engine) Revoke(certID string, reason ReasonCode) (*RevocationEntry, error) {
	return e.ledger.Revoke(certID, reason, e.now().UTC())
}

func (e *Engine) issue(ctx context.Context, req IssueRequest) (*Certificate, error) {
	if req.Type != TypeIntermediate && req.Type != TypeEndEntity {
		return nil, fmt.Errorf("cannot issue certificate type %q under a CA", req.Type)
	}

	issuer, err := e.store.GetCertificate(req.IssuerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIssuerNotFound, req.IssuerID)
	}
	issuerPol, err := e.store.GetPolicy(req.IssuerID)
	if err != nil {
		return nil, err
	}

	// Proof of possession runs before any subject handling.
	subject := req.Subject
	var csrPub crypto.PublicKey
	if req.KeySource.external() {
		parsed, err := codec.ParseCSR(req.KeySource.csr)
		if err != nil {
			return nil, err
		}
		subject = parsed.Subject
		csrPub = parsed.PublicKey
	} else {
		if err := subject.Validate(); err != nil {
			return nil, err
		}
	}
	if err := issuerPol.Fields.Check(subject); err != nil {
		return nil, err
	}

	days := req.ValidityDays
	if days == 0 {
		days = issuerPol.DefaultValidityDays
	}
	if err := issuerPol.CheckValidityDays(days); err != nil {
		return nil, err
	}

	now := e.now().UTC().Truncate(time.Second)
	notAfter := now.AddDate(0, 0, days)
	if notAfter.After(issuer.NotAfter) {
		return nil, fmt.Errorf("%w: requested end %s is after issuer end %s",
			ErrValidityOutlivesIssuer, notAfter.Format(time.RFC3339), issuer.NotAfter.Format(time.RFC3339))
	}

	if err := e.validator.ValidateForIssuance(req.IssuerID, req.Type, now); err != nil {
		return nil, err
	}

	var childPol *Policy
	if req.Type == TypeIntermediate {
		pol := issuerPol
		if req.Policy != nil {
			pol = *req.Policy
		}
		if err := pol.Validate(); err != nil {
			return nil, err
		}
		childPol = &pol
	}

	// Serial assignment is the only step serialized per CA; signing runs
	// outside any lock.
	serial, err := e.store.NextSerial(req.IssuerID)
	if err != nil {
		return nil, err
	}

	var keyID string
	var subjectPub crypto.PublicKey
	if req.KeySource.external() {
		subjectPub = csrPub
	} else {
		alg := req.KeySource.algorithm
		if alg == "" {
			alg = keystore.ECP256
		}
		keyID, err = e.keys.Generate(alg)
		if err != nil {
			return nil, err
		}
		subjectPub, err = e.keys.PublicKey(keyID)
		if err != nil {
			return nil, e.rollbackKey(keyID, err)
		}
	}

	tmpl := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               subject.ToPKIX(),
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              req.KeyUsage,
		ExtKeyUsage:           req.ExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  req.Type.IsCA(),
	}
	if tmpl.KeyUsage == 0 {
		if req.Type.IsCA() {
			tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		} else {
			tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		}
	}
	if childPol != nil {
		applyPathLen(tmpl, childPol.MaxPathLen)
	}

	issuerX509, err := issuer.X509()
	if err != nil {
		return nil, e.rollbackKey(keyID, err)
	}
	issuerSigner, err := e.keys.Signer(issuer.KeyID)
	if err != nil {
		return nil, e.rollbackKey(keyID, err)
	}

	der, err := signCertificate(ctx, tmpl, issuerX509, subjectPub, issuerSigner)
	if err != nil {
		return nil, e.rollbackKey(keyID, err)
	}

	cert := &Certificate{
		ID:          uuid.New(),
		Serial:      serial,
		Subject:     subject,
		Issuer:      issuer.Subject,
		NotBefore:   now,
		NotAfter:    notAfter,
		Type:        req.Type,
		KeyUsage:    tmpl.KeyUsage,
		ExtKeyUsage: req.ExtKeyUsage,
		KeyID:       keyID,
		IssuerID:    req.IssuerID,
		OwnerID:     req.OwnerID,
		DER:         der,
	}
	if err := e.store.SaveCertificate(cert, childPol); err != nil {
		return nil, e.rollbackKey(keyID, err)
	}
	return cert, nil
}

// rollbackKey destroys a generated key after a failed issuance so no usable
// orphan remains, and returns the original error.
func (e *Engine) rollbackKey(keyID string, cause error) error {
	if keyID != "" {
		_ = e.keys.Destroy(keyID)
	}
	return cause
}

func applyPathLen(tmpl *x509.Certificate, maxPathLen int) {
	switch {
	case maxPathLen == 0:
		tmpl.MaxPathLen = 0
		tmpl.MaxPathLenZero = true
	case maxPathLen > 0:
		tmpl.MaxPathLen = maxPathLen
	}
}

// signCertificate runs the CPU-bound signing step and honors the context
// deadline. A timed-out signing is terminal; the caller retries the whole
// issuance and gets a fresh serial.
func signCertificate(ctx context.Context, tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningTimeout, err)
	}
	type result struct {
		der []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
		done <- result{der, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrSigningTimeout, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("signing certificate: %w", res.err)
		}
		return res.der, nil
	}
}
