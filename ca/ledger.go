package ca

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tmarkovic/chainsmith/storage"
)

// ErrAlreadyRevoked is returned when the certificate already has an active
// revocation that the requested reason cannot replace.
var ErrAlreadyRevoked = errors.New("certificate already revoked")

// ErrPermanentlyRevoked is returned when a hold removal is attempted on a
// certificate whose active revocation is not a hold.
var ErrPermanentlyRevoked = errors.New("certificate permanently revoked")

// ErrNotRevoked is returned when a hold removal is attempted on a
// certificate with no active revocation.
var ErrNotRevoked = errors.New("certificate is not revoked")

// ErrInvalidReason is returned for reason codes outside RFC 5280 §5.3.1.
var ErrInvalidReason = errors.New("invalid revocation reason")

// ReasonCode is an RFC 5280 §5.3.1 CRL reason code. Code 7 is unassigned.
type ReasonCode int

const (
	ReasonUnspecified          ReasonCode = 0
	ReasonKeyCompromise        ReasonCode = 1
	ReasonCACompromise         ReasonCode = 2
	ReasonAffiliationChanged   ReasonCode = 3
	ReasonSuperseded           ReasonCode = 4
	ReasonCessationOfOperation ReasonCode = 5
	ReasonCertificateHold      ReasonCode = 6
	ReasonRemoveFromCRL        ReasonCode = 8
	ReasonPrivilegeWithdrawn   ReasonCode = 9
	ReasonAACompromise         ReasonCode = 10
)

// ReasonInfo describes one reason code for display.
type ReasonInfo struct {
	Code        ReasonCode `json:"code"`
	Label       string     `json:"label"`
	Description string     `json:"description"`
}

var reasonTable = []ReasonInfo{
	{ReasonUnspecified, "Unspecified", "No specific reason given"},
	{ReasonKeyCompromise, "Key Compromise", "The private key is known or suspected to be compromised"},
	{ReasonCACompromise, "CA Compromise", "The issuing CA's private key is known or suspected to be compromised"},
	{ReasonAffiliationChanged, "Affiliation Changed", "The subject's name or affiliation has changed"},
	{ReasonSuperseded, "Superseded", "The certificate has been replaced"},
	{ReasonCessationOfOperation, "Cessation Of Operation", "The certificate is no longer needed"},
	{ReasonCertificateHold, "Certificate Hold", "The certificate is temporarily suspended"},
	{ReasonRemoveFromCRL, "Remove From CRL", "Lifts a previous certificate hold"},
	{ReasonPrivilegeWithdrawn, "Privilege Withdrawn", "A privilege within the certificate has been withdrawn"},
	{ReasonAACompromise, "AA Compromise", "The attribute authority is known or suspected to be compromised"},
}

// Reasons returns the reason code table in code order.
func Reasons() []ReasonInfo {
	return append([]ReasonInfo(nil), reasonTable...)
}

// ParseReason validates a numeric reason code.
func ParseReason(code int) (ReasonCode, error) {
	if code < 0 || code > 10 || code == 7 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidReason, code)
	}
	return ReasonCode(code), nil
}

// RevocationEntry is one immutable revocation event. Hold removal is a
// distinct entry, not a mutation of the entry it lifts.
type RevocationEntry struct {
	Serial    uint64     `json:"serial"`
	Reason    ReasonCode `json:"reason"`
	RevokedAt time.Time  `json:"revoked_at"`
}

// Ledger is the append-only revocation record. Entries for one certificate
// live in a single versioned record, so concurrent revocations of the same
// certificate resolve through compare-and-swap.
type Ledger struct {
	repo  storage.Repository
	store *Store
}

// NewLedger wraps the repository. The store resolves certificate IDs.
func NewLedger(repo storage.Repository, store *Store) *Ledger {
	return &Ledger{repo: repo, store: store}
}

// Revoke appends a revocation entry for the certificate. A hold (reason 6)
// is the only reversible state: a later RemoveFromCRL entry lifts it, and a
// later permanent reason escalates it. Any other active revocation is final.
func (l *Ledger) Revoke(certID string, reason ReasonCode, at time.Time) (*RevocationEntry, error) {
	if _, err := ParseReason(int(reason)); err != nil {
		return nil, err
	}
	cert, err := l.store.GetCertificate(certID)
	if err != nil {
		return nil, err
	}

	for {
		entries, version, err := l.entries(certID)
		if err != nil {
			return nil, err
		}

		active, isActive := activeEntry(entries, at)
		switch {
		case reason == ReasonRemoveFromCRL:
			if !isActive {
				return nil, fmt.Errorf("%w: %s", ErrNotRevoked, certID)
			}
			if active.Reason != ReasonCertificateHold {
				return nil, fmt.Errorf("%w: %s", ErrPermanentlyRevoked, certID)
			}
		case isActive && active.Reason != ReasonCertificateHold:
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRevoked, certID)
		case isActive && reason == ReasonCertificateHold:
			return nil, fmt.Errorf("%w: %s is already on hold", ErrAlreadyRevoked, certID)
		}

		entry := RevocationEntry{Serial: cert.Serial, Reason: reason, RevokedAt: at}
		entries = append(entries, entry)
		data, err := json.Marshal(entries)
		if err != nil {
			return nil, err
		}
		err = l.repo.PutCAS(recordTypeRevocation, certID, version, &storage.Record{Data: data, Version: version + 1})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &entry, nil
	}
}

// IsRevoked reports whether the certificate is revoked as of the given time.
func (l *Ledger) IsRevoked(certID string, at time.Time) (bool, error) {
	entries, _, err := l.entries(certID)
	if err != nil {
		return false, err
	}
	_, active := activeEntry(entries, at)
	return active, nil
}

// ActiveEntry returns the revocation entry in effect at the given time, if
// any.
func (l *Ledger) ActiveEntry(certID string, at time.Time) (*RevocationEntry, bool, error) {
	entries, _, err := l.entries(certID)
	if err != nil {
		return nil, false, err
	}
	entry, active := activeEntry(entries, at)
	if !active {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Entries returns the full event history for a certificate, oldest first.
func (l *Ledger) Entries(certID string) ([]RevocationEntry, error) {
	entries, _, err := l.entries(certID)
	return entries, err
}

func (l *Ledger) entries(certID string) ([]RevocationEntry, uint64, error) {
	rec, err := l.repo.Get(recordTypeRevocation, certID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var entries []RevocationEntry
	if err := json.Unmarshal(rec.Data, &entries); err != nil {
		return nil, 0, fmt.Errorf("decoding revocation entries for %s: %w", certID, err)
	}
	return entries, rec.Version, nil
}

// activeEntry resolves the entry in effect at the given time. Entries are
// in append order; the latest entry at or before the query time wins, and a
// RemoveFromCRL entry means not revoked.
func activeEntry(entries []RevocationEntry, at time.Time) (RevocationEntry, bool) {
	var latest RevocationEntry
	found := false
	for _, e := range entries {
		if e.RevokedAt.After(at) {
			continue
		}
		latest = e
		found = true
	}
	if !found || latest.Reason == ReasonRemoveFromCRL {
		return RevocationEntry{}, false
	}
	return latest, true
}
