package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tmarkovic/chainsmith/ca"
	"github.com/tmarkovic/chainsmith/codec"
	"github.com/tmarkovic/chainsmith/directory"
	"github.com/tmarkovic/chainsmith/dn"
	"github.com/tmarkovic/chainsmith/grant"
	"github.com/tmarkovic/chainsmith/keystore"
	"github.com/tmarkovic/chainsmith/storage"
)

// errForbidden marks authorization failures, distinct from not-found so
// callers cannot probe resources they are not allowed to see.
var errForbidden = errors.New("forbidden")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, err.Error())

	// Validation failures carry field-level detail for the caller.
	case errors.Is(err, dn.ErrFieldMissing),
		errors.Is(err, dn.ErrFieldForbidden),
		errors.Is(err, dn.ErrFieldRepeated),
		errors.Is(err, dn.ErrFieldTooLong),
		errors.Is(err, dn.ErrFieldInvalid),
		errors.Is(err, codec.ErrMalformedCSR),
		errors.Is(err, codec.ErrSignatureInvalid),
		errors.Is(err, codec.ErrUnsupportedKeyType),
		errors.Is(err, keystore.ErrUnsupportedAlgorithm),
		errors.Is(err, ca.ErrValidityOutOfRange),
		errors.Is(err, ca.ErrValidityOutlivesIssuer),
		errors.Is(err, ca.ErrInvalidReason):
		writeError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, ca.ErrCertificateNotFound),
		errors.Is(err, ca.ErrIssuerNotFound),
		errors.Is(err, keystore.ErrKeyNotFound),
		errors.Is(err, grant.ErrGrantNotFound),
		errors.Is(err, grant.ErrGrantExpired),
		errors.Is(err, directory.ErrUserNotFound),
		errors.Is(err, directory.ErrCodeNotFound),
		errors.Is(err, directory.ErrCodeExpired),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, ca.ErrIssuerNotCA),
		errors.Is(err, ca.ErrIssuerExpired),
		errors.Is(err, ca.ErrIssuerRevoked),
		errors.Is(err, ca.ErrPathLengthExceeded),
		errors.Is(err, ca.ErrCycleDetected),
		errors.Is(err, ca.ErrAlreadyRevoked),
		errors.Is(err, ca.ErrPermanentlyRevoked),
		errors.Is(err, ca.ErrNotRevoked),
		errors.Is(err, grant.ErrGrantAlreadyUsed),
		errors.Is(err, keystore.ErrKeyDestroyed),
		errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, err.Error())

	case errors.Is(err, ca.ErrSigningTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())

	default:
		// Unmapped errors stay server-side; clients get a generic body.
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
