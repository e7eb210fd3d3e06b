// Package keystore manages the private keys the service generates and signs
// with. Key material is encrypted at rest with AES-GCM under a master key
// held in a memguard enclave, and never crosses the package boundary except
// through crypto.Signer or an explicit PKCS#12 export.
package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrUnsupportedAlgorithm is returned for algorithms outside the allow-list.
var ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrKeyDestroyed is returned when the key existed but its material has been
// destroyed.
var ErrKeyDestroyed = errors.New("key destroyed")

// Algorithm names a supported key generation algorithm.
type Algorithm string

const (
	RSA2048 Algorithm = "RSA-2048"
	RSA3072 Algorithm = "RSA-3072"
	RSA4096 Algorithm = "RSA-4096"
	ECP256  Algorithm = "EC-P256"
	ECP384  Algorithm = "EC-P384"
)

// Algorithms returns the allow-list in canonical order.
func Algorithms() []Algorithm {
	return []Algorithm{RSA2048, RSA3072, RSA4096, ECP256, ECP384}
}

// ParseAlgorithm validates a wire name against the allow-list.
func ParseAlgorithm(s string) (Algorithm, error) {
	for _, a := range Algorithms() {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

// KeyStore abstracts private-key operations so the issuance engine can work
// with software keys, or later an HSM/KMS backend, without changing calling
// code. A key ID uniquely identifies a key managed by the store.
type KeyStore interface {
	// Generate creates a new signing key and returns an opaque identifier.
	Generate(alg Algorithm) (keyID string, err error)

	// Signer returns a crypto.Signer for the key. The returned Signer is
	// what x509.CreateCertificate and x509.CreateRevocationList consume.
	Signer(keyID string) (crypto.Signer, error)

	// PublicKey returns the public half of the key.
	PublicKey(keyID string) (crypto.PublicKey, error)

	// Destroy wipes the key material. The key ID remains known so later
	// lookups distinguish a destroyed key from one that never existed.
	Destroy(keyID string) error

	// ExportPKCS12 bundles the private key, its certificate, and the chain
	// into a password-protected PKCS#12 archive.
	ExportPKCS12(keyID, password string, leaf *x509.Certificate, chain []*x509.Certificate) ([]byte, error)
}
