package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	mapError(rec, errors.New("dial tcp 10.0.0.7:5432: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	raw := rec.Body.String()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	assert.Equal(t, "internal error", body.Error)
	assert.NotContains(t, raw, "10.0.0.7")
}

func TestMapErrorKeepsMappedDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	mapError(rec, errors.New("forbidden: not the certificate owner"))
	// Only wrapped sentinels map; an unrelated error with similar text is
	// still treated as internal.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	mapError(rec, errForbidden)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "forbidden")
}
