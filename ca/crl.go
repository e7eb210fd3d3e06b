package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"
)

// crlValidity is how long a generated CRL advertises itself as current.
const crlValidity = 7 * 24 * time.Hour

// GenerateCRL builds and signs a revocation list for the certificates
// issued by the given CA. Certificates on hold appear with reason 6;
// lifted holds are omitted. The CRL number is monotonic per CA.
func (e *Engine) GenerateCRL(ctx context.Context, issuerID string) ([]byte, error) {
	issuer, err := e.store.GetCertificate(issuerID)
	if err != nil {
		return nil, err
	}
	if !issuer.Type.IsCA() {
		return nil, fmt.Errorf("%w: %s", ErrIssuerNotCA, issuerID)
	}
	issuerX509, err := issuer.X509()
	if err != nil {
		return nil, err
	}
	signer, err := e.keys.Signer(issuer.KeyID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	childIDs, err := e.store.Children(issuerID)
	if err != nil {
		return nil, err
	}

	var revoked []x509.RevocationListEntry
	for _, childID := range childIDs {
		entry, active, err := e.ledger.ActiveEntry(childID, now)
		if err != nil {
			return nil, err
		}
		if !active {
			continue
		}
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   new(big.Int).SetUint64(entry.Serial),
			RevocationTime: entry.RevokedAt,
			ReasonCode:     int(entry.Reason),
		})
	}

	number, err := e.store.NextCRLNumber(issuerID)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.RevocationList{
		Number:                    new(big.Int).SetUint64(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlValidity),
		RevokedCertificateEntries: revoked,
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningTimeout, err)
	}
	type result struct {
		der []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuerX509, signer)
		done <- result{der, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrSigningTimeout, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("signing revocation list: %w", res.err)
		}
		return res.der, nil
	}
}
