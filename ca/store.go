package ca

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tmarkovic/chainsmith/storage"
)

// Record types used by the CA core. Index records hold JSON string arrays
// of certificate IDs and are maintained in the same batch as the
// certificate they reference.
const (
	recordTypeCert       = "cert"
	recordTypePolicy     = "ca_policy"
	recordTypeSerial     = "serial"
	recordTypeCRLNumber  = "crl_number"
	recordTypeRevocation = "revocation"

	recordTypeIssuerIndex = "idx_issuer"
	recordTypeOwnerIndex  = "idx_owner"
	recordTypeSerialIndex = "idx_serial"
	recordTypeRootIndex   = "idx_root"

	rootIndexKey = "all"
)

// Store persists certificates, per-CA policies, and the issuance indexes.
type Store struct {
	repo storage.Repository
}

// NewStore wraps the repository.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

type serialCounter struct {
	Next uint64 `json:"next"`
}

// SaveCertificate persists the certificate, its indexes, and, for CA
// certificates, the issuance policy, in one atomic batch. The certificate
// write is create-only.
func (s *Store) SaveCertificate(cert *Certificate, pol *Policy) error {
	if cert.Type.IsCA() && pol == nil {
		return fmt.Errorf("CA certificate %s requires a policy", cert.ID)
	}
	certData, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("encoding certificate: %w", err)
	}

	return s.repo.Batch(func(tx storage.BatchTx) error {
		if err := tx.PutCAS(recordTypeCert, cert.ID, 0, &storage.Record{Data: certData, Version: 1}); err != nil {
			return fmt.Errorf("persisting certificate %s: %w", cert.ID, err)
		}
		if pol != nil {
			polData, err := json.Marshal(pol)
			if err != nil {
				return fmt.Errorf("encoding policy: %w", err)
			}
			if err := tx.Put(recordTypePolicy, cert.ID, &storage.Record{Data: polData, Version: 1}); err != nil {
				return err
			}
		}

		serialKey := fmt.Sprintf("%s/%d", cert.IssuerID, cert.Serial)
		if err := tx.PutCAS(recordTypeSerialIndex, serialKey, 0, &storage.Record{Data: []byte(cert.ID), Version: 1}); err != nil {
			return fmt.Errorf("serial %d already recorded for issuer %s: %w", cert.Serial, cert.IssuerID, err)
		}

		if cert.SelfIssued() {
			if err := appendToIndex(tx, recordTypeRootIndex, rootIndexKey, cert.ID); err != nil {
				return err
			}
		} else {
			if err := appendToIndex(tx, recordTypeIssuerIndex, cert.IssuerID, cert.ID); err != nil {
				return err
			}
		}
		if cert.OwnerID != "" {
			if err := appendToIndex(tx, recordTypeOwnerIndex, cert.OwnerID, cert.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCertificate loads a certificate by ID.
func (s *Store) GetCertificate(id string) (*Certificate, error) {
	rec, err := s.repo.Get(recordTypeCert, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, id)
		}
		return nil, err
	}
	var cert Certificate
	if err := json.Unmarshal(rec.Data, &cert); err != nil {
		return nil, fmt.Errorf("decoding certificate %s: %w", id, err)
	}
	return &cert, nil
}

// GetPolicy loads a CA certificate's issuance policy.
func (s *Store) GetPolicy(id string) (Policy, error) {
	rec, err := s.repo.Get(recordTypePolicy, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Policy{}, fmt.Errorf("%w: no policy for %s", ErrCertificateNotFound, id)
		}
		return Policy{}, err
	}
	var pol Policy
	if err := json.Unmarshal(rec.Data, &pol); err != nil {
		return Policy{}, fmt.Errorf("decoding policy %s: %w", id, err)
	}
	return pol, nil
}

// Children returns the IDs of certificates directly issued by issuerID,
// excluding the self-signed edge of a root.
func (s *Store) Children(issuerID string) ([]string, error) {
	return s.readIndex(recordTypeIssuerIndex, issuerID)
}

// Roots returns the IDs of all self-signed root certificates.
func (s *Store) Roots() ([]string, error) {
	return s.readIndex(recordTypeRootIndex, rootIndexKey)
}

// ByOwner returns the IDs of certificates owned by the given subject.
func (s *Store) ByOwner(ownerID string) ([]string, error) {
	return s.readIndex(recordTypeOwnerIndex, ownerID)
}

// BySerial resolves an (issuer, serial) pair to a certificate ID.
func (s *Store) BySerial(issuerID string, serial uint64) (string, error) {
	rec, err := s.repo.Get(recordTypeSerialIndex, fmt.Sprintf("%s/%d", issuerID, serial))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: serial %d under issuer %s", ErrCertificateNotFound, serial, issuerID)
		}
		return "", err
	}
	return string(rec.Data), nil
}

// NextSerial allocates the next serial for the issuing CA. Allocation is a
// compare-and-swap loop, so concurrent issuance never observes duplicates.
// Serials start at 1 and are never reused; a failed issuance leaves a gap.
func (s *Store) NextSerial(issuerID string) (uint64, error) {
	return s.nextCounter(recordTypeSerial, issuerID)
}

// NextCRLNumber allocates the next monotonic CRL number for the CA.
func (s *Store) NextCRLNumber(issuerID string) (uint64, error) {
	return s.nextCounter(recordTypeCRLNumber, issuerID)
}

func (s *Store) nextCounter(recordType, id string) (uint64, error) {
	for {
		rec, err := s.repo.Get(recordType, id)
		if errors.Is(err, storage.ErrNotFound) {
			data, err := json.Marshal(serialCounter{Next: 2})
			if err != nil {
				return 0, err
			}
			err = s.repo.PutCAS(recordType, id, 0, &storage.Record{Data: data, Version: 1})
			if errors.Is(err, storage.ErrCASFailed) {
				continue
			}
			if err != nil {
				return 0, err
			}
			return 1, nil
		}
		if err != nil {
			return 0, err
		}

		var counter serialCounter
		if err := json.Unmarshal(rec.Data, &counter); err != nil {
			return 0, fmt.Errorf("decoding counter %s/%s: %w", recordType, id, err)
		}
		allocated := counter.Next
		data, err := json.Marshal(serialCounter{Next: allocated + 1})
		if err != nil {
			return 0, err
		}
		err = s.repo.PutCAS(recordType, id, rec.Version, &storage.Record{Data: data, Version: rec.Version + 1})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return allocated, nil
	}
}

func (s *Store) readIndex(recordType, key string) ([]string, error) {
	rec, err := s.repo.Get(recordType, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(rec.Data, &ids); err != nil {
		return nil, fmt.Errorf("decoding index %s/%s: %w", recordType, key, err)
	}
	return ids, nil
}

func appendToIndex(tx storage.BatchTx, recordType, key, id string) error {
	var ids []string
	version := uint64(0)
	rec, err := tx.Get(recordType, key)
	if err == nil {
		version = rec.Version
		if err := json.Unmarshal(rec.Data, &ids); err != nil {
			return fmt.Errorf("decoding index %s/%s: %w", recordType, key, err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	ids = append(ids, id)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return tx.Put(recordType, key, &storage.Record{Data: data, Version: version + 1})
}
