package api

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tmarkovic/chainsmith/ca"
	"github.com/tmarkovic/chainsmith/codec"
	"github.com/tmarkovic/chainsmith/directory"
	"github.com/tmarkovic/chainsmith/dn"
	"github.com/tmarkovic/chainsmith/grant"
	"github.com/tmarkovic/chainsmith/keystore"
)

// maxCSRSize bounds uploaded certificate request files.
const maxCSRSize = 1 << 20

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

// IssueSelfSigned handles POST /certificates/self-signed. Creating a root
// CA is an administrator operation.
func (a *API) IssueSelfSigned(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	if user.Role != directory.RoleAdmin {
		a.audit.logDenied(r, "self-signed issuance requires admin role", slog.String("user_id", user.ID))
		mapError(w, fmt.Errorf("%w: creating a root CA requires the admin role", errForbidden))
		return
	}

	var req SelfSignedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	subject, err := subjectFromMap(req.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alg, err := parseAlgorithm(req.Algorithm)
	if err != nil {
		mapError(w, err)
		return
	}
	pol, err := policyFromRequest(req.Policy)
	if err != nil {
		mapError(w, err)
		return
	}

	cert, err := a.engine.IssueSelfSigned(r.Context(), ca.SelfSignedRequest{
		OwnerID:      user.ID,
		Subject:      subject,
		ValidityDays: req.ValidityDays,
		Algorithm:    alg,
		Policy:       pol,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logCert(AuditRootCreated, r, cert.ID, slog.String("user_id", user.ID))
	writeJSON(w, http.StatusCreated, a.certResponse(cert))
}

// IssueFromCA handles POST /certificates/ca-issued: a certificate with a
// service-generated key under an existing CA.
func (a *API) IssueFromCA(w http.ResponseWriter, r *http.Request) {
	user := caller(r)

	var req CAIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	certType, err := ca.ParseCertificateType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if certType.IsCA() && !user.Role.CanOperateCA() {
		a.audit.logDenied(r, "CA issuance requires a CA role", slog.String("user_id", user.ID))
		mapError(w, fmt.Errorf("%w: issuing CA certificates requires a CA role", errForbidden))
		return
	}

	subject, err := subjectFromMap(req.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := enforceOrganization(user, &subject); err != nil {
		mapError(w, err)
		return
	}
	alg, err := parseAlgorithm(req.Algorithm)
	if err != nil {
		mapError(w, err)
		return
	}
	keyUsage, err := parseKeyUsage(req.KeyUsage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	extKeyUsage, err := parseExtKeyUsage(req.ExtKeyUsage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	issueReq := ca.IssueRequest{
		OwnerID:      user.ID,
		Subject:      subject,
		IssuerID:     req.IssuerID,
		Type:         certType,
		ValidityDays: req.ValidityDays,
		KeyUsage:     keyUsage,
		ExtKeyUsage:  extKeyUsage,
		KeySource:    ca.AutogenerateKey(alg),
	}
	if certType == ca.TypeIntermediate && req.Policy != nil {
		pol, err := policyFromRequest(req.Policy)
		if err != nil {
			mapError(w, err)
			return
		}
		issueReq.Policy = &pol
	}

	cert, err := a.engine.IssueFromCA(r.Context(), issueReq)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logCert(AuditCertIssued, r, cert.ID,
		slog.String("user_id", user.ID),
		slog.String("issuer_id", cert.IssuerID),
		slog.String("type", string(cert.Type)))
	writeJSON(w, http.StatusCreated, a.certResponse(cert))
}

// IssueFromExternalCSR handles POST /certificates/ca-external-issued:
// multipart form with a "csr" file plus issuer and validity fields. The
// subject and public key come from the request file.
func (a *API) IssueFromExternalCSR(w http.ResponseWriter, r *http.Request) {
	user := caller(r)

	if err := r.ParseMultipartForm(maxCSRSize); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with a csr file")
		return
	}
	file, _, err := r.FormFile("csr")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing csr file")
		return
	}
	defer file.Close()
	csrBytes, err := io.ReadAll(io.LimitReader(file, maxCSRSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading csr file")
		return
	}

	issuerID := r.FormValue("issuer_id")
	validityDays := 0
	if v := r.FormValue("validity_days"); v != "" {
		validityDays, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid validity_days")
			return
		}
	}

	// Proof of possession and the organization rule are checked before the
	// engine runs, so a rejected request never allocates a serial. The
	// subject comes from the request file and cannot be rewritten, so a
	// regular user's organization must match when present.
	parsed, err := codec.ParseCSR(csrBytes)
	if err != nil {
		mapError(w, err)
		return
	}
	if user.Role == directory.RoleRegularUser && user.Organization != "" {
		if org, ok := parsed.Subject.Get(dn.Organization); ok && org != user.Organization {
			mapError(w, &dn.FieldError{
				Field:   dn.Organization,
				Err:     dn.ErrFieldInvalid,
				Message: "Organization must match your registered organization",
			})
			return
		}
	}

	cert, err := a.engine.IssueFromExternalCSR(r.Context(), ca.IssueRequest{
		OwnerID:      user.ID,
		IssuerID:     issuerID,
		Type:         ca.TypeEndEntity,
		ValidityDays: validityDays,
		KeySource:    ca.ExternalCSR(csrBytes),
	})
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logCert(AuditCSRSigned, r, cert.ID,
		slog.String("user_id", user.ID),
		slog.String("issuer_id", cert.IssuerID))
	writeJSON(w, http.StatusCreated, a.certResponse(cert))
}

// ---------------------------------------------------------------------------
// Revocation
// ---------------------------------------------------------------------------

// RevokeCertificate handles PUT /certificates/revoke/{certID}.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	certID := chi.URLParam(r, "certID")

	cert, err := a.engine.Store().GetCertificate(certID)
	if err != nil {
		mapError(w, err)
		return
	}
	if !canAccessCertificate(user, cert.OwnerID) {
		mapError(w, fmt.Errorf("%w: not the certificate owner", errForbidden))
		return
	}

	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reason, err := ca.ParseReason(req.Reason)
	if err != nil {
		mapError(w, err)
		return
	}

	entry, err := a.engine.Revoke(certID, reason)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logCert(AuditCertRevoked, r, certID,
		slog.String("user_id", user.ID),
		slog.Int("reason", int(entry.Reason)))
	writeJSON(w, http.StatusOK, entry)
}

// ListRevocationReasons handles GET /revocation/reasons.
func (a *API) ListRevocationReasons(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RevocationReasonsResponse{Reasons: ca.Reasons()})
}

// ---------------------------------------------------------------------------
// Lookup and hierarchy
// ---------------------------------------------------------------------------

// GetCertificate handles GET /certificates/{certID}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.engine.Store().GetCertificate(chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.certResponse(cert))
}

// CertificateForest handles GET /certificates/tree.
func (a *API) CertificateForest(w http.ResponseWriter, r *http.Request) {
	forest, err := a.engine.Validator().BuildForest()
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ForestResponse{Roots: []TreeNode{}}
	for _, node := range forest {
		resp.Roots = append(resp.Roots, a.treeNode(node))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UserCATrees handles GET /certificates/tree/ca/{userID}: the hierarchies
// under every CA certificate the user owns.
func (a *API) UserCATrees(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	userID := chi.URLParam(r, "userID")
	if user.Role != directory.RoleAdmin && user.ID != userID {
		mapError(w, fmt.Errorf("%w: cannot view another user's CAs", errForbidden))
		return
	}

	ids, err := a.engine.Store().ByOwner(userID)
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ForestResponse{Roots: []TreeNode{}}
	for _, id := range ids {
		cert, err := a.engine.Store().GetCertificate(id)
		if err != nil {
			mapError(w, err)
			return
		}
		if !cert.Type.IsCA() {
			continue
		}
		tree, err := a.engine.Validator().BuildTree(id)
		if err != nil {
			mapError(w, err)
			return
		}
		resp.Roots = append(resp.Roots, a.treeNode(tree))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UserCertificates handles GET /certificates/user/{userID}.
func (a *API) UserCertificates(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	userID := chi.URLParam(r, "userID")
	if user.Role != directory.RoleAdmin && user.ID != userID {
		mapError(w, fmt.Errorf("%w: cannot view another user's certificates", errForbidden))
		return
	}

	ids, err := a.engine.Store().ByOwner(userID)
	if err != nil {
		mapError(w, err)
		return
	}
	resp := CertificateListResponse{Certificates: []CertificateResponse{}}
	for _, id := range ids {
		cert, err := a.engine.Store().GetCertificate(id)
		if err != nil {
			mapError(w, err)
			return
		}
		resp.Certificates = append(resp.Certificates, a.certResponse(cert))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListCAs handles GET /cas: every CA certificate in the forest.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	forest, err := a.engine.Validator().BuildForest()
	if err != nil {
		mapError(w, err)
		return
	}
	resp := CertificateListResponse{Certificates: []CertificateResponse{}}
	var walk func(node *ca.Node)
	walk = func(node *ca.Node) {
		if node.Certificate.Type.IsCA() {
			resp.Certificates = append(resp.Certificates, a.certResponse(node.Certificate))
		}
		for _, child := range node.Children {
			walk(child)
		}
	}
	for _, root := range forest {
		walk(root)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Downloads
// ---------------------------------------------------------------------------

// RequestDownload handles GET /certificates/{certID}/download/request. The
// response carries the PKCS#12 password exactly once; once a grant is
// consumed, or when the service never held the key, only PEM remains.
func (a *API) RequestDownload(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	cert, err := a.engine.Store().GetCertificate(chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	if !canAccessCertificate(user, cert.OwnerID) {
		mapError(w, fmt.Errorf("%w: not the certificate owner", errForbidden))
		return
	}

	if cert.KeyID == "" {
		writeJSON(w, http.StatusOK, DownloadRequestResponse{Available: false})
		return
	}
	available, err := a.vault.CheckAvailability(cert.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	if !available {
		writeJSON(w, http.StatusOK, DownloadRequestResponse{Available: false})
		return
	}

	grantID, password, err := a.vault.RequestDownload(cert.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCert(AuditDownloadRequested, r, cert.ID, slog.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, DownloadRequestResponse{
		Available: true,
		GrantID:   grantID,
		Password:  password,
	})
}

// DownloadPKCS12 handles GET /certificates/{certID}/download/{grantID}:
// consumes the grant and streams the password-protected key bundle.
func (a *API) DownloadPKCS12(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	certID := chi.URLParam(r, "certID")
	grantID := chi.URLParam(r, "grantID")

	cert, err := a.engine.Store().GetCertificate(certID)
	if err != nil {
		mapError(w, err)
		return
	}
	if !canAccessCertificate(user, cert.OwnerID) {
		mapError(w, fmt.Errorf("%w: not the certificate owner", errForbidden))
		return
	}

	// Everything that can fail is resolved before the grant is redeemed;
	// a mismatched grant, a missing chain, or a destroyed key must not
	// burn the certificate's only PKCS#12 export.
	grantCertID, err := a.vault.Peek(grantID)
	if err != nil {
		mapError(w, err)
		return
	}
	if grantCertID != certID {
		mapError(w, fmt.Errorf("grant %s does not belong to certificate %s: %w",
			grantID, certID, grant.ErrGrantNotFound))
		return
	}
	leaf, caCerts, err := a.certificateChain(cert)
	if err != nil {
		mapError(w, err)
		return
	}
	if _, err := a.keys.PublicKey(cert.KeyID); err != nil {
		mapError(w, err)
		return
	}

	_, password, err := a.vault.Consume(grantID)
	if err != nil {
		mapError(w, err)
		return
	}

	archive, err := a.keys.ExportPKCS12(cert.KeyID, password, leaf, caCerts)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logCert(AuditPKCS12Exported, r, certID, slog.String("user_id", user.ID))
	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", certID+".p12"))
	w.Write(archive)
}

// DownloadPEM handles GET /certificates/{certID}/download/pem: the public
// chain, always available to the owner or an administrator.
func (a *API) DownloadPEM(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	certID := chi.URLParam(r, "certID")

	cert, err := a.engine.Store().GetCertificate(certID)
	if err != nil {
		mapError(w, err)
		return
	}
	if !canAccessCertificate(user, cert.OwnerID) {
		mapError(w, fmt.Errorf("%w: not the certificate owner", errForbidden))
		return
	}

	chain, err := a.engine.Validator().Chain(certID)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logCert(AuditPEMExported, r, certID, slog.String("user_id", user.ID))
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", certID+".pem"))
	w.Write(codec.EncodeChainPEM(chain))
}

// DownloadCRL handles GET /cas/{certID}/crl.pem.
func (a *API) DownloadCRL(w http.ResponseWriter, r *http.Request) {
	certID := chi.URLParam(r, "certID")
	der, err := a.engine.GenerateCRL(r.Context(), certID)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logCert(AuditCRLGenerated, r, certID)
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(codec.EncodeCRLPEM(der))
}

// ---------------------------------------------------------------------------
// Activation codes
// ---------------------------------------------------------------------------

// IssueActivationCode handles POST /activation/{userID}.
func (a *API) IssueActivationCode(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := a.dir.Lookup(userID); err != nil {
		mapError(w, err)
		return
	}
	code, err := a.activation.Issue(userID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditActivationIssued, r, slog.String("user_id", userID))
	writeJSON(w, http.StatusCreated, ActivationCodeResponse{Code: code})
}

// ConsumeActivationCode handles POST /activation/consume/{code}.
func (a *API) ConsumeActivationCode(w http.ResponseWriter, r *http.Request) {
	userID, err := a.activation.Consume(chi.URLParam(r, "code"))
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditActivationUsed, r, slog.String("user_id", userID))
	writeJSON(w, http.StatusOK, ActivationConsumeResponse{UserID: userID})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (a *API) certResponse(cert *ca.Certificate) CertificateResponse {
	now := a.engine.Now()
	trusted, err := a.engine.Validator().IsTrusted(cert.ID, now)
	if err != nil {
		trusted = false
	}
	revoked, err := a.engine.Ledger().IsRevoked(cert.ID, now)
	if err != nil {
		revoked = false
	}
	return CertificateResponse{
		ID:          cert.ID,
		Serial:      cert.Serial,
		Subject:     subjectMap(cert.Subject),
		Issuer:      subjectMap(cert.Issuer),
		SubjectName: cert.Subject.String(),
		IssuerName:  cert.Issuer.String(),
		NotBefore:   cert.NotBefore.Format("2006-01-02T15:04:05Z07:00"),
		NotAfter:    cert.NotAfter.Format("2006-01-02T15:04:05Z07:00"),
		Type:        string(cert.Type),
		IssuerID:    cert.IssuerID,
		OwnerID:     cert.OwnerID,
		Trusted:     trusted,
		Revoked:     revoked,
	}
}

func (a *API) treeNode(node *ca.Node) TreeNode {
	out := TreeNode{Certificate: a.certResponse(node.Certificate)}
	for _, child := range node.Children {
		out.Children = append(out.Children, a.treeNode(child))
	}
	return out
}

// certificateChain resolves the leaf and its issuing CAs for a PKCS#12
// bundle.
func (a *API) certificateChain(cert *ca.Certificate) (*x509.Certificate, []*x509.Certificate, error) {
	leaf, err := cert.X509()
	if err != nil {
		return nil, nil, err
	}
	chainDER, err := a.engine.Validator().Chain(cert.ID)
	if err != nil {
		return nil, nil, err
	}
	var caCerts []*x509.Certificate
	for _, der := range chainDER[1:] {
		parsed, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, err
		}
		caCerts = append(caCerts, parsed)
	}
	return leaf, caCerts, nil
}

// enforceOrganization pins a regular user's subject organization to their
// registered one: absent it is filled in, divergent it is rejected.
func enforceOrganization(user directory.UserInfo, subject *dn.DistinguishedName) error {
	if user.Role != directory.RoleRegularUser || user.Organization == "" {
		return nil
	}
	org, ok := subject.Get(dn.Organization)
	if !ok {
		subject.Set(dn.Organization, user.Organization)
		return nil
	}
	if org != user.Organization {
		return &dn.FieldError{
			Field:   dn.Organization,
			Err:     dn.ErrFieldInvalid,
			Message: "Organization must match your registered organization",
		}
	}
	return nil
}

func parseAlgorithm(s string) (keystore.Algorithm, error) {
	if s == "" {
		return keystore.ECP256, nil
	}
	return keystore.ParseAlgorithm(s)
}

func policyFromRequest(req *PolicyRequest) (ca.Policy, error) {
	if req == nil {
		return ca.DefaultPolicy(), nil
	}
	pol := ca.DefaultPolicy()
	if req.MinValidityDays != 0 {
		pol.MinValidityDays = req.MinValidityDays
	}
	if req.DefaultValidityDays != 0 {
		pol.DefaultValidityDays = req.DefaultValidityDays
	}
	if req.MaxValidityDays != 0 {
		pol.MaxValidityDays = req.MaxValidityDays
	}
	if req.MaxPathLen != nil {
		pol.MaxPathLen = *req.MaxPathLen
	}
	if req.RequiredFields != nil || req.OptionalFields != nil {
		fields, err := dn.NewPolicy(req.RequiredFields, req.OptionalFields)
		if err != nil {
			return ca.Policy{}, err
		}
		pol.Fields = fields
	}
	return pol, pol.Validate()
}

var keyUsageNames = map[string]x509.KeyUsage{
	"digitalSignature":  x509.KeyUsageDigitalSignature,
	"contentCommitment": x509.KeyUsageContentCommitment,
	"keyEncipherment":   x509.KeyUsageKeyEncipherment,
	"dataEncipherment":  x509.KeyUsageDataEncipherment,
	"keyAgreement":      x509.KeyUsageKeyAgreement,
	"keyCertSign":       x509.KeyUsageCertSign,
	"cRLSign":           x509.KeyUsageCRLSign,
	"encipherOnly":      x509.KeyUsageEncipherOnly,
	"decipherOnly":      x509.KeyUsageDecipherOnly,
}

var extKeyUsageNames = map[string]x509.ExtKeyUsage{
	"serverAuth":      x509.ExtKeyUsageServerAuth,
	"clientAuth":      x509.ExtKeyUsageClientAuth,
	"codeSigning":     x509.ExtKeyUsageCodeSigning,
	"emailProtection": x509.ExtKeyUsageEmailProtection,
	"timeStamping":    x509.ExtKeyUsageTimeStamping,
	"OCSPSigning":     x509.ExtKeyUsageOCSPSigning,
}

func parseKeyUsage(names []string) (x509.KeyUsage, error) {
	var usage x509.KeyUsage
	for _, name := range names {
		bit, ok := keyUsageNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown key usage %q", name)
		}
		usage |= bit
	}
	return usage, nil
}

func parseExtKeyUsage(names []string) ([]x509.ExtKeyUsage, error) {
	var usages []x509.ExtKeyUsage
	for _, name := range names {
		usage, ok := extKeyUsageNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown extended key usage %q", name)
		}
		usages = append(usages, usage)
	}
	return usages, nil
}
