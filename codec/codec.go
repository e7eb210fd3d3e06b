// Package codec parses and encodes the wire artifacts the service exchanges
// with clients: PKCS#10 certificate requests and X.509 certificates, in DER
// and PEM form.
package codec

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/tmarkovic/chainsmith/dn"
)

// ErrMalformedCSR indicates the request could not be decoded as PKCS#10.
var ErrMalformedCSR = errors.New("malformed certificate request")

// ErrSignatureInvalid indicates the self-signature on a request does not
// verify, so the requester has not proven possession of the private key.
var ErrSignatureInvalid = errors.New("request signature invalid")

// ErrUnsupportedKeyType indicates a public key outside the accepted set.
var ErrUnsupportedKeyType = errors.New("unsupported key type")

// ErrMalformedCertificate indicates bytes that do not decode as an X.509
// certificate.
var ErrMalformedCertificate = errors.New("malformed certificate")

const (
	pemTypeCSR    = "CERTIFICATE REQUEST"
	pemTypeCSROld = "NEW CERTIFICATE REQUEST"
	pemTypeCert   = "CERTIFICATE"
	pemTypeCRL    = "X509 CRL"
)

// Request is a verified certificate request: the signature checked and the
// subject lifted into the internal name model.
type Request struct {
	Subject   dn.DistinguishedName
	PublicKey crypto.PublicKey
	Raw       []byte
}

// ParseCSR decodes a PKCS#10 request from PEM or DER. The self-signature is
// verified before the subject is inspected, so a request that fails proof of
// possession is rejected even if its name is also invalid.
func ParseCSR(data []byte) (*Request, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemTypeCSR && block.Type != pemTypeCSROld {
			return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedCSR, block.Type)
		}
		der = block.Bytes
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if err := CheckPublicKey(csr.PublicKey); err != nil {
		return nil, err
	}

	subject, err := dn.FromPKIX(csr.Subject)
	if err != nil {
		return nil, err
	}
	if subject.Empty() {
		return nil, fmt.Errorf("%w: empty subject", ErrMalformedCSR)
	}
	if err := subject.Validate(); err != nil {
		return nil, err
	}

	return &Request{
		Subject:   subject,
		PublicKey: csr.PublicKey,
		Raw:       csr.Raw,
	}, nil
}

// CheckPublicKey enforces the accepted key set: RSA of at least 2048 bits,
// or ECDSA on P-256 or P-384.
func CheckPublicKey(pub crypto.PublicKey) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if key.N.BitLen() < 2048 {
			return fmt.Errorf("%w: RSA key shorter than 2048 bits", ErrUnsupportedKeyType)
		}
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() && key.Curve != elliptic.P384() {
			return fmt.Errorf("%w: ECDSA curve %s", ErrUnsupportedKeyType, key.Curve.Params().Name)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
	return nil
}

// CreateCSR builds and signs a PKCS#10 request for the subject and returns
// it PEM-encoded.
func CreateCSR(subject dn.DistinguishedName, signer crypto.Signer) ([]byte, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: subject.ToPKIX(),
	}, signer)
	if err != nil {
		return nil, fmt.Errorf("creating certificate request: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: der}), nil
}

// ParseCertificate decodes an X.509 certificate from PEM or DER.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemTypeCert {
			return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedCertificate, block.Type)
		}
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	return cert, nil
}

// EncodeCertificatePEM wraps certificate DER in a PEM block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCert, Bytes: der})
}

// EncodeChainPEM concatenates PEM blocks for a chain, leaf first.
func EncodeChainPEM(chain [][]byte) []byte {
	var out []byte
	for _, der := range chain {
		out = append(out, EncodeCertificatePEM(der)...)
	}
	return out
}

// EncodeCRLPEM wraps a DER-encoded revocation list in a PEM block.
func EncodeCRLPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCRL, Bytes: der})
}
