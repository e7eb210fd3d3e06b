package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/tmarkovic/chainsmith/internal/util"
	"github.com/tmarkovic/chainsmith/internal/uuid"
	"github.com/tmarkovic/chainsmith/storage"
)

const recordTypeKey = "key"

// keyRecord is the persisted form of one key. Encrypted holds the PKCS#8
// DER sealed with AES-GCM under the master key, with the key ID as AAD.
type keyRecord struct {
	Algorithm Algorithm `json:"algorithm"`
	Encrypted []byte    `json:"encrypted,omitempty"`
	Destroyed bool      `json:"destroyed,omitempty"`
}

// ---------------------------------------------------------------------------
// StoredKeyStore
// ---------------------------------------------------------------------------

// StoredKeyStore persists encrypted key material in a storage.Repository.
// The master key lives in a memguard enclave and is opened only for the
// duration of a seal or unseal operation.
type StoredKeyStore struct {
	mu     sync.Mutex
	repo   storage.Repository
	master *memguard.Enclave
}

var _ KeyStore = (*StoredKeyStore)(nil)

// NewMasterKey generates a fresh AES-256 master key.
func NewMasterKey() ([]byte, error) {
	return util.NewAESKey()
}

// NewStoredKeyStore wraps the repository with the given master key. The key
// bytes are moved into an enclave; the caller's copy is wiped.
func NewStoredKeyStore(repo storage.Repository, masterKey []byte) (*StoredKeyStore, error) {
	if len(masterKey) != util.AESKeySize {
		return nil, fmt.Errorf("invalid master key size: got %d, want %d", len(masterKey), util.AESKeySize)
	}
	// NewEnclave wipes the source buffer.
	return &StoredKeyStore{
		repo:   repo,
		master: memguard.NewEnclave(masterKey),
	}, nil
}

// Generate creates a key pair for the algorithm, seals it, and persists it.
func (s *StoredKeyStore) Generate(alg Algorithm) (string, error) {
	signer, err := generateKey(alg)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return "", fmt.Errorf("encoding private key: %w", err)
	}
	defer util.WipeBytes(der)

	keyID := uuid.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal(der, keyID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(keyRecord{Algorithm: alg, Encrypted: sealed})
	if err != nil {
		return "", err
	}
	if err := s.repo.PutCAS(recordTypeKey, keyID, 0, &storage.Record{Data: data, Version: 1}); err != nil {
		return "", fmt.Errorf("persisting key: %w", err)
	}
	return keyID, nil
}

// Signer unseals the key and returns it as a crypto.Signer.
func (s *StoredKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signerLocked(keyID)
}

// PublicKey returns the public half of the key.
func (s *StoredKeyStore) PublicKey(keyID string) (crypto.PublicKey, error) {
	signer, err := s.Signer(keyID)
	if err != nil {
		return nil, err
	}
	return signer.Public(), nil
}

// Destroy drops the sealed material but keeps a tombstone record, so a
// destroyed key stays distinguishable from one that never existed.
func (s *StoredKeyStore) Destroy(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.Get(recordTypeKey, keyID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	var kr keyRecord
	if err := json.Unmarshal(rec.Data, &kr); err != nil {
		return fmt.Errorf("decoding key record: %w", err)
	}
	if kr.Destroyed {
		return nil
	}
	data, err := json.Marshal(keyRecord{Algorithm: kr.Algorithm, Destroyed: true})
	if err != nil {
		return err
	}
	return s.repo.Put(recordTypeKey, keyID, &storage.Record{Data: data, Version: rec.Version + 1})
}

// ExportPKCS12 bundles the key with its certificate chain into a
// password-protected archive.
func (s *StoredKeyStore) ExportPKCS12(keyID, password string, leaf *x509.Certificate, chain []*x509.Certificate) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signer, err := s.signerLocked(keyID)
	if err != nil {
		return nil, err
	}
	data, err := pkcs12.Encode(rand.Reader, signer, leaf, chain, password)
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12 archive: %w", err)
	}
	return data, nil
}

func (s *StoredKeyStore) signerLocked(keyID string) (crypto.Signer, error) {
	rec, err := s.repo.Get(recordTypeKey, keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	var kr keyRecord
	if err := json.Unmarshal(rec.Data, &kr); err != nil {
		return nil, fmt.Errorf("decoding key record: %w", err)
	}
	if kr.Destroyed {
		return nil, fmt.Errorf("%w: %s", ErrKeyDestroyed, keyID)
	}

	der, err := s.unseal(kr.Encrypted, keyID)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(der)

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, key)
	}
	return signer, nil
}

func (s *StoredKeyStore) seal(plaintext []byte, keyID string) ([]byte, error) {
	masterBuf, err := s.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key: %w", err)
	}
	defer masterBuf.Destroy()
	return util.EncryptAESWithAAD(plaintext, masterBuf.Bytes(), []byte(keyID))
}

func (s *StoredKeyStore) unseal(ciphertext []byte, keyID string) ([]byte, error) {
	masterBuf, err := s.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key: %w", err)
	}
	defer masterBuf.Destroy()
	return util.DecryptAESWithAAD(ciphertext, masterBuf.Bytes(), []byte(keyID))
}

func generateKey(alg Algorithm) (crypto.Signer, error) {
	switch alg {
	case RSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case RSA3072:
		return rsa.GenerateKey(rand.Reader, 3072)
	case RSA4096:
		return rsa.GenerateKey(rand.Reader, 4096)
	case ECP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case ECP384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}
