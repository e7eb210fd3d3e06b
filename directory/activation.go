package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tmarkovic/chainsmith/internal/uuid"
	"github.com/tmarkovic/chainsmith/storage"
)

// ErrCodeNotFound is returned for unknown or already consumed activation
// codes. Callers surface it the same way as an expired code.
var ErrCodeNotFound = errors.New("activation code not found")

// ErrCodeExpired is returned when the code exists but its window has
// passed.
var ErrCodeExpired = errors.New("activation code expired")

const (
	recordTypeActivation = "activation"

	// DefaultActivationTTL is how long an issued code stays redeemable.
	DefaultActivationTTL = 24 * time.Hour
)

type activationRecord struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used,omitempty"`
}

// EventFunc observes activation code lifecycle events. The event is either
// "issued" or "consumed".
type EventFunc func(event, userID string)

// ActivationCodes issues and redeems one-time activation codes. Consume is
// a compare-and-swap, so a code redeems exactly once.
type ActivationCodes struct {
	repo  storage.Repository
	now   func() time.Time
	ttl   time.Duration
	event EventFunc
}

// ActivationOption customizes ActivationCodes construction.
type ActivationOption func(*ActivationCodes)

// WithActivationClock overrides the time source, for tests.
func WithActivationClock(now func() time.Time) ActivationOption {
	return func(a *ActivationCodes) { a.now = now }
}

// WithActivationTTL overrides the code lifetime.
func WithActivationTTL(ttl time.Duration) ActivationOption {
	return func(a *ActivationCodes) { a.ttl = ttl }
}

// WithActivationEvents registers an observer for issue/consume events.
func WithActivationEvents(fn EventFunc) ActivationOption {
	return func(a *ActivationCodes) { a.event = fn }
}

// NewActivationCodes wraps the repository.
func NewActivationCodes(repo storage.Repository, opts ...ActivationOption) *ActivationCodes {
	a := &ActivationCodes{
		repo: repo,
		now:  time.Now,
		ttl:  DefaultActivationTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue mints a new activation code for the user.
func (a *ActivationCodes) Issue(userID string) (string, error) {
	code := uuid.New()
	rec := activationRecord{
		UserID:    userID,
		ExpiresAt: a.now().UTC().Add(a.ttl),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := a.repo.PutCAS(recordTypeActivation, code, 0, &storage.Record{Data: data, Version: 1}); err != nil {
		return "", fmt.Errorf("persisting activation code: %w", err)
	}
	if a.event != nil {
		a.event("issued", userID)
	}
	return code, nil
}

// Consume redeems the code exactly once and returns the user it was issued
// for.
func (a *ActivationCodes) Consume(code string) (string, error) {
	rec, err := a.repo.Get(recordTypeActivation, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrCodeNotFound, code)
		}
		return "", err
	}
	var ar activationRecord
	if err := json.Unmarshal(rec.Data, &ar); err != nil {
		return "", fmt.Errorf("decoding activation code: %w", err)
	}
	if ar.Used {
		return "", fmt.Errorf("%w: %s", ErrCodeNotFound, code)
	}
	if a.now().UTC().After(ar.ExpiresAt) {
		return "", fmt.Errorf("%w: %s", ErrCodeExpired, code)
	}

	ar.Used = true
	data, err := json.Marshal(ar)
	if err != nil {
		return "", err
	}
	err = a.repo.PutCAS(recordTypeActivation, code, rec.Version, &storage.Record{Data: data, Version: rec.Version + 1})
	if errors.Is(err, storage.ErrCASFailed) {
		return "", fmt.Errorf("%w: %s", ErrCodeNotFound, code)
	}
	if err != nil {
		return "", err
	}
	if a.event != nil {
		a.event("consumed", ar.UserID)
	}
	return ar.UserID, nil
}
