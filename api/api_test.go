package api_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/tmarkovic/chainsmith/api"
	"github.com/tmarkovic/chainsmith/ca"
	"github.com/tmarkovic/chainsmith/codec"
	"github.com/tmarkovic/chainsmith/directory"
	"github.com/tmarkovic/chainsmith/dn"
	"github.com/tmarkovic/chainsmith/grant"
	"github.com/tmarkovic/chainsmith/keystore"
	"github.com/tmarkovic/chainsmith/storage/memory"
)

const (
	adminID   = "admin"
	caUserID  = "operator"
	regularID = "alice"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo := memory.NewRepository()

	master, err := keystore.NewMasterKey()
	require.NoError(t, err)
	keys, err := keystore.NewStoredKeyStore(repo, master)
	require.NoError(t, err)

	store := ca.NewStore(repo)
	ledger := ca.NewLedger(repo, store)
	validator := ca.NewValidator(store, ledger)
	engine := ca.NewEngine(store, keys, ledger, validator)
	vault := grant.NewVault(repo)

	dir := directory.NewStaticDirectory(
		directory.UserInfo{ID: adminID, Role: directory.RoleAdmin},
		directory.UserInfo{ID: caUserID, Organization: "Example Corp", Role: directory.RoleCAUser},
		directory.UserInfo{ID: regularID, Organization: "Example Corp", Role: directory.RoleRegularUser},
	)
	codes := directory.NewActivationCodes(repo)

	a := api.New(engine, keys, vault, dir, api.WithActivationCodes(codes))
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	return httptest.NewServer(r)
}

func doJSON(t *testing.T, method, url, userID string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeCert(t *testing.T, resp *http.Response, wantStatus int) api.CertificateResponse {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	var cert api.CertificateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cert))
	return cert
}

func createRoot(t *testing.T, baseURL string) api.CertificateResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/certificates/self-signed", adminID, map[string]any{
		"subject":       map[string]string{"cn": "Test Root", "o": "Example Corp", "c": "SE"},
		"validity_days": 3650,
	})
	return decodeCert(t, resp, http.StatusCreated)
}

func issueUnder(t *testing.T, baseURL, userID, issuerID, certType, cn string) api.CertificateResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/certificates/ca-issued", userID, map[string]any{
		"subject":   map[string]string{"cn": cn},
		"issuer_id": issuerID,
		"type":      certType,
	})
	return decodeCert(t, resp, http.StatusCreated)
}

func ecdsaKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

func TestCreateRootRequiresAdmin(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates/self-signed", caUserID, map[string]any{
		"subject": map[string]string{"cn": "Rogue Root"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMissingIdentityRejected(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/tree", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/tree", "nobody", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIssuanceChain(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	assert.Equal(t, "ROOT", root.Type)
	assert.Equal(t, uint64(1), root.Serial)
	assert.True(t, root.Trusted)

	inter := issueUnder(t, srv.URL, caUserID, root.ID, "INTERMEDIATE", "Test Intermediate")
	assert.Equal(t, root.ID, inter.IssuerID)
	assert.True(t, inter.Trusted)

	leaf := issueUnder(t, srv.URL, regularID, inter.ID, "END_ENTITY", "service.example.com")
	assert.Equal(t, inter.ID, leaf.IssuerID)
	assert.True(t, leaf.Trusted)
	// Regular users' organization is filled in from the directory.
	assert.Equal(t, "Example Corp", leaf.Subject["o"])
}

func TestRegularUserCannotIssueCA(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates/ca-issued", regularID, map[string]any{
		"subject":   map[string]string{"cn": "Sneaky CA"},
		"issuer_id": root.ID,
		"type":      "INTERMEDIATE",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRegularUserOrganizationPinned(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certificates/ca-issued", regularID, map[string]any{
		"subject":   map[string]string{"cn": "service.example.com", "o": "Another Corp"},
		"issuer_id": root.ID,
		"type":      "END_ENTITY",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevokeAndConflict(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	leaf := issueUnder(t, srv.URL, regularID, root.ID, "END_ENTITY", "leaf.example.com")

	// Another regular user's certificate cannot be revoked by a non-owner.
	resp := doJSON(t, http.MethodPut, srv.URL+"/api/v1/certificates/revoke/"+leaf.ID, caUserID, map[string]any{
		"reason": 1,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/certificates/revoke/"+leaf.ID, regularID, map[string]any{
		"reason": 1,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Permanent revocations cannot be repeated.
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/certificates/revoke/"+leaf.ID, regularID, map[string]any{
		"reason": 1,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	got := decodeCert(t, doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+leaf.ID, regularID, nil), http.StatusOK)
	assert.True(t, got.Revoked)
	assert.False(t, got.Trusted)
}

func TestRevokeInvalidReason(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	resp := doJSON(t, http.MethodPut, srv.URL+"/api/v1/certificates/revoke/"+root.ID, adminID, map[string]any{
		"reason": 7,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCertificateTree(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	inter := issueUnder(t, srv.URL, caUserID, root.ID, "INTERMEDIATE", "Test Intermediate")
	issueUnder(t, srv.URL, regularID, inter.ID, "END_ENTITY", "leaf.example.com")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/tree", regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var forest api.ForestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&forest))
	require.Len(t, forest.Roots, 1)
	require.Len(t, forest.Roots[0].Children, 1)
	require.Len(t, forest.Roots[0].Children[0].Children, 1)
	assert.Equal(t, root.ID, forest.Roots[0].Certificate.ID)
}

func TestUserCertificatesAuthz(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	issueUnder(t, srv.URL, regularID, root.ID, "END_ENTITY", "leaf.example.com")

	// Owner and admin can list, another user cannot.
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/user/"+regularID, regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list api.CertificateListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list.Certificates, 1)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/user/"+regularID, adminID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/user/"+regularID, caUserID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDownloadFlow(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	leaf := issueUnder(t, srv.URL, regularID, root.ID, "END_ENTITY", "leaf.example.com")

	// Mint a grant.
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+leaf.ID+"/download/request", regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dl api.DownloadRequestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dl))
	require.True(t, dl.Available)
	require.NotEmpty(t, dl.GrantID)
	require.NotEmpty(t, dl.Password)

	// Consume it and verify the bundle decodes with the grant password.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+leaf.ID+"/download/"+dl.GrantID, regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pkcs12", resp.Header.Get("Content-Type"))
	archive, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	key, cert, caCerts, err := pkcs12.DecodeChain(archive, dl.Password)
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Equal(t, "leaf.example.com", cert.Subject.CommonName)
	require.Len(t, caCerts, 1)
	assert.Equal(t, "Test Root", caCerts[0].Subject.CommonName)

	// The grant is spent: a second consume fails, and a new request reports
	// the key as no longer downloadable.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+leaf.ID+"/download/"+dl.GrantID, regularID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+leaf.ID+"/download/request", regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again api.DownloadRequestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	assert.False(t, again.Available)
	assert.Empty(t, again.Password)
}

func TestDownloadGrantMismatchDoesNotBurn(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	first := issueUnder(t, srv.URL, regularID, root.ID, "END_ENTITY", "first.example.com")
	second := issueUnder(t, srv.URL, regularID, root.ID, "END_ENTITY", "second.example.com")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+first.ID+"/download/request", regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dl api.DownloadRequestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dl))
	require.True(t, dl.Available)

	// Redeeming the grant against the wrong certificate fails without
	// spending it.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+second.ID+"/download/"+dl.GrantID, regularID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+first.ID+"/download/request", regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again api.DownloadRequestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	require.True(t, again.Available, "a mismatched redeem must not spend the one-time download")
	require.NotEmpty(t, again.Password)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+first.ID+"/download/"+again.GrantID, regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	archive, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_, cert, _, err := pkcs12.DecodeChain(archive, again.Password)
	require.NoError(t, err)
	assert.Equal(t, "first.example.com", cert.Subject.CommonName)
}

func TestDownloadPEMFallback(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	leaf := issueUnder(t, srv.URL, regularID, root.ID, "END_ENTITY", "leaf.example.com")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+leaf.ID+"/download/pem", regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	block, rest := pem.Decode(body)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)
	block, _ = pem.Decode(rest)
	require.NotNil(t, block, "chain should include the issuer certificate")
}

func TestDownloadRequiresOwnership(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	leaf := issueUnder(t, srv.URL, regularID, root.ID, "END_ENTITY", "leaf.example.com")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+leaf.ID+"/download/request", caUserID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestExternalCSRIssuance(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)

	subject, err := dn.New(
		dn.Attribute{Kind: dn.CommonName, Value: "external.example.com"},
		dn.Attribute{Kind: dn.Organization, Value: "Example Corp"},
	)
	require.NoError(t, err)
	key, err := ecdsaKey()
	require.NoError(t, err)
	csrPEM, err := codec.CreateCSR(subject, key)
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("csr", "request.pem")
	require.NoError(t, err)
	_, err = fw.Write(csrPEM)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("issuer_id", root.ID))
	require.NoError(t, mw.Close())

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost,
		srv.URL+"/api/v1/certificates/ca-external-issued", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", regularID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	cert := decodeCert(t, resp, http.StatusCreated)
	assert.Equal(t, "END_ENTITY", cert.Type)
	assert.Equal(t, "external.example.com", cert.Subject["cn"])

	// The service never held the key, so only PEM download is offered.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certificates/"+cert.ID+"/download/request", regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dl api.DownloadRequestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dl))
	assert.False(t, dl.Available)
}

func TestCRLDownload(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	leaf := issueUnder(t, srv.URL, regularID, root.ID, "END_ENTITY", "leaf.example.com")

	resp := doJSON(t, http.MethodPut, srv.URL+"/api/v1/certificates/revoke/"+leaf.ID, regularID, map[string]any{
		"reason": 1,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/cas/"+root.ID+"/crl.pem", regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	block, _ := pem.Decode(body)
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)
}

func TestListCAs(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	root := createRoot(t, srv.URL)
	inter := issueUnder(t, srv.URL, caUserID, root.ID, "INTERMEDIATE", "Test Intermediate")
	issueUnder(t, srv.URL, regularID, inter.ID, "END_ENTITY", "leaf.example.com")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/cas", regularID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list api.CertificateListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Certificates, 2)
}

func TestRevocationReasonsPublic(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	// No identity header required.
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/revocation/reasons", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reasons api.RevocationReasonsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reasons))
	assert.Len(t, reasons.Reasons, 10)
}

func TestActivationCodes(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/activation/"+regularID, "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var code api.ActivationCodeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&code))
	require.NotEmpty(t, code.Code)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/activation/consume/"+code.Code, "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var consumed api.ActivationConsumeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&consumed))
	assert.Equal(t, regularID, consumed.UserID)

	// One use only.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/activation/consume/"+code.Code, "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Unknown directory users cannot be issued codes.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/activation/nobody", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
