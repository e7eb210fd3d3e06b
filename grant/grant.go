// Package grant implements the one-time download vault for PKCS#12
// exports. Each certificate gets at most one consumable grant: requesting a
// download mints a grant with a fresh password shown exactly once, and
// consuming the grant is a compare-and-swap so concurrent attempts produce
// one winner. Only an argon2id hash of the password is persisted; the
// plaintext lives in a memguard enclave for the grant's lifetime and does
// not survive a process restart.
package grant

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/tmarkovic/chainsmith/internal/util"
	"github.com/tmarkovic/chainsmith/internal/uuid"
	"github.com/tmarkovic/chainsmith/storage"
)

// ErrGrantNotFound is returned when the grant does not exist.
var ErrGrantNotFound = errors.New("download grant not found")

// ErrGrantAlreadyUsed is returned when the grant, or another grant for the
// same certificate, has already been consumed.
var ErrGrantAlreadyUsed = errors.New("download grant already used")

// ErrGrantExpired is returned when the grant's password is no longer
// available, either past its TTL or lost to a process restart.
var ErrGrantExpired = errors.New("download grant expired")

const (
	recordTypeGrant   = "grant"
	recordTypeGrantID = "grant_id"

	passwordLength = 16

	// DefaultTTL bounds how long a minted password stays redeemable.
	DefaultTTL = 15 * time.Minute
)

// record is the persisted form of a grant, keyed by certificate ID. The
// password is stored only as an argon2id hash.
type record struct {
	GrantID      string              `json:"grantId"`
	PasswordHash []byte              `json:"passwordHash"`
	Salt         []byte              `json:"salt"`
	KDFParams    util.Argon2idParams `json:"kdfParams"`
	Used         bool                `json:"used"`
	CreatedAt    time.Time           `json:"createdAt"`
	ConsumedAt   *time.Time          `json:"consumedAt,omitempty"`
}

// Vault governs the one-time download grants.
type Vault struct {
	mu      sync.Mutex
	repo    storage.Repository
	now     func() time.Time
	ttl     time.Duration
	secrets map[string]*memguard.Enclave
}

// VaultOption customizes Vault construction.
type VaultOption func(*Vault)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) VaultOption {
	return func(v *Vault) { v.now = now }
}

// WithTTL overrides the grant lifetime.
func WithTTL(ttl time.Duration) VaultOption {
	return func(v *Vault) { v.ttl = ttl }
}

// NewVault wraps the repository.
func NewVault(repo storage.Repository, opts ...VaultOption) *Vault {
	v := &Vault{
		repo:    repo,
		now:     time.Now,
		ttl:     DefaultTTL,
		secrets: make(map[string]*memguard.Enclave),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RequestDownload mints a download grant for the certificate and returns
// the grant ID with the plaintext password, shown only here. An unused
// prior grant is replaced with a fresh password; a consumed one fails with
// ErrGrantAlreadyUsed so the caller falls back to PEM-only export.
func (v *Vault) RequestDownload(certID string) (grantID, password string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	version := uint64(0)
	var prior *record
	rec, err := v.repo.Get(recordTypeGrant, certID)
	if err == nil {
		version = rec.Version
		var r record
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			return "", "", fmt.Errorf("decoding grant for %s: %w", certID, err)
		}
		prior = &r
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", "", err
	}
	if prior != nil && prior.Used {
		return "", "", fmt.Errorf("%w: certificate %s", ErrGrantAlreadyUsed, certID)
	}

	password, err = util.RandomChars(passwordLength)
	if err != nil {
		return "", "", err
	}
	normalized := util.Normalize(password)

	salt, err := util.RandomBytes(16)
	if err != nil {
		return "", "", err
	}
	params := util.DefaultArgon2idParams()
	hash, err := util.DeriveArgon2idKey(normalized, salt, params)
	if err != nil {
		return "", "", err
	}

	grantID = uuid.New()
	r := record{
		GrantID:      grantID,
		PasswordHash: hash,
		Salt:         salt,
		KDFParams:    params,
		CreatedAt:    v.now().UTC(),
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", "", err
	}

	err = v.repo.Batch(func(tx storage.BatchTx) error {
		if prior != nil {
			if err := tx.Delete(recordTypeGrantID, prior.GrantID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		if err := tx.PutCAS(recordTypeGrant, certID, version, &storage.Record{Data: data, Version: version + 1}); err != nil {
			return err
		}
		return tx.Put(recordTypeGrantID, grantID, &storage.Record{Data: []byte(certID), Version: 1})
	})
	if err != nil {
		return "", "", err
	}

	if prior != nil {
		delete(v.secrets, prior.GrantID)
	}
	v.secrets[grantID] = memguard.NewEnclave([]byte(normalized))
	return grantID, password, nil
}

// CheckAvailability reports whether a PKCS#12 download is still possible
// for the certificate, i.e. no grant for it has ever been consumed.
func (v *Vault) CheckAvailability(certID string) (bool, error) {
	rec, err := v.repo.Get(recordTypeGrant, certID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	var r record
	if err := json.Unmarshal(rec.Data, &r); err != nil {
		return false, fmt.Errorf("decoding grant for %s: %w", certID, err)
	}
	return !r.Used, nil
}

// Peek resolves the certificate a grant belongs to without redeeming it.
// Callers verify the grant against the requested certificate with this
// before Consume, so a mismatched request cannot burn the one-time
// download.
func (v *Vault) Peek(grantID string) (certID string, err error) {
	idRec, err := v.repo.Get(recordTypeGrantID, grantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrGrantNotFound, grantID)
		}
		return "", err
	}
	return string(idRec.Data), nil
}

// Consume redeems the grant exactly once and returns the certificate ID
// with the password needed to build the PKCS#12 archive. Concurrent calls
// for the same grant resolve to one winner; the rest fail with
// ErrGrantAlreadyUsed.
func (v *Vault) Consume(grantID string) (certID, password string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	idRec, err := v.repo.Get(recordTypeGrantID, grantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", "", fmt.Errorf("%w: %s", ErrGrantNotFound, grantID)
		}
		return "", "", err
	}
	certID = string(idRec.Data)

	rec, err := v.repo.Get(recordTypeGrant, certID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", "", fmt.Errorf("%w: %s", ErrGrantNotFound, grantID)
		}
		return "", "", err
	}
	var r record
	if err := json.Unmarshal(rec.Data, &r); err != nil {
		return "", "", fmt.Errorf("decoding grant for %s: %w", certID, err)
	}
	if r.Used || r.GrantID != grantID {
		return "", "", fmt.Errorf("%w: %s", ErrGrantAlreadyUsed, grantID)
	}

	now := v.now().UTC()
	enclave, ok := v.secrets[grantID]
	if !ok || now.Sub(r.CreatedAt) > v.ttl {
		delete(v.secrets, grantID)
		return "", "", fmt.Errorf("%w: %s", ErrGrantExpired, grantID)
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", "", fmt.Errorf("opening grant password: %w", err)
	}
	defer buf.Destroy()
	password = string(buf.Bytes())

	match, err := util.CompareArgon2idKey(password, r.Salt, r.KDFParams, r.PasswordHash)
	if err != nil {
		return "", "", err
	}
	if !match {
		return "", "", fmt.Errorf("%w: password hash mismatch for %s", ErrGrantExpired, grantID)
	}

	r.Used = true
	r.ConsumedAt = &now
	data, err := json.Marshal(r)
	if err != nil {
		return "", "", err
	}
	err = v.repo.PutCAS(recordTypeGrant, certID, rec.Version, &storage.Record{Data: data, Version: rec.Version + 1})
	if errors.Is(err, storage.ErrCASFailed) {
		return "", "", fmt.Errorf("%w: %s", ErrGrantAlreadyUsed, grantID)
	}
	if err != nil {
		return "", "", err
	}

	delete(v.secrets, grantID)
	return certID, password, nil
}
