package api

import (
	"github.com/tmarkovic/chainsmith/ca"
	"github.com/tmarkovic/chainsmith/dn"
)

// ErrorResponse is the JSON body for all error statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PolicyRequest carries the issuance policy for a new CA certificate.
type PolicyRequest struct {
	MinValidityDays     int      `json:"min_validity_days"`
	DefaultValidityDays int      `json:"default_validity_days"`
	MaxValidityDays     int      `json:"max_validity_days"`
	MaxPathLen          *int     `json:"max_path_len,omitempty"`
	RequiredFields      []string `json:"required_fields,omitempty"`
	OptionalFields      []string `json:"optional_fields,omitempty"`
}

// SelfSignedRequest is the JSON body for POST /certificates/self-signed.
type SelfSignedRequest struct {
	Subject      map[string]string `json:"subject"`
	ValidityDays int               `json:"validity_days,omitempty"`
	Algorithm    string            `json:"algorithm,omitempty"`
	Policy       *PolicyRequest    `json:"policy,omitempty"`
}

// CAIssueRequest is the JSON body for POST /certificates/ca-issued.
type CAIssueRequest struct {
	Subject      map[string]string `json:"subject"`
	IssuerID     string            `json:"issuer_id"`
	Type         string            `json:"type"`
	ValidityDays int               `json:"validity_days,omitempty"`
	Algorithm    string            `json:"algorithm,omitempty"`
	KeyUsage     []string          `json:"key_usage,omitempty"`
	ExtKeyUsage  []string          `json:"ext_key_usage,omitempty"`
	Policy       *PolicyRequest    `json:"policy,omitempty"`
}

// RevokeRequest is the JSON body for PUT /certificates/revoke/{certID}.
type RevokeRequest struct {
	Reason int `json:"reason"`
}

// CertificateResponse is the JSON view of one certificate.
type CertificateResponse struct {
	ID          string            `json:"id"`
	Serial      uint64            `json:"serial"`
	Subject     map[string]string `json:"subject"`
	Issuer      map[string]string `json:"issuer"`
	SubjectName string            `json:"subject_name"`
	IssuerName  string            `json:"issuer_name"`
	NotBefore   string            `json:"not_before"`
	NotAfter    string            `json:"not_after"`
	Type        string            `json:"type"`
	IssuerID    string            `json:"issuer_id"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Trusted     bool              `json:"trusted"`
	Revoked     bool              `json:"revoked"`
}

// TreeNode is one node of the certificate hierarchy view.
type TreeNode struct {
	Certificate CertificateResponse `json:"certificate"`
	Children    []TreeNode          `json:"children,omitempty"`
}

// ForestResponse is returned from GET /certificates/tree.
type ForestResponse struct {
	Roots []TreeNode `json:"roots"`
}

// CertificateListResponse is returned from GET /certificates/user/{userID}.
type CertificateListResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
}

// DownloadRequestResponse is returned from GET
// /certificates/{certID}/download/request. The password appears exactly
// once, on the response that mints the grant.
type DownloadRequestResponse struct {
	Available bool   `json:"available"`
	GrantID   string `json:"grant_id,omitempty"`
	Password  string `json:"password,omitempty"`
}

// RevocationReasonsResponse is returned from GET /revocation/reasons.
type RevocationReasonsResponse struct {
	Reasons []ca.ReasonInfo `json:"reasons"`
}

// ActivationCodeResponse is returned from POST /activation/{userID}.
type ActivationCodeResponse struct {
	Code string `json:"code"`
}

// ActivationConsumeResponse is returned from POST /activation/consume/{code}.
type ActivationConsumeResponse struct {
	UserID string `json:"user_id"`
}

func subjectMap(d dn.DistinguishedName) map[string]string {
	out := make(map[string]string, len(d.Attributes()))
	for _, a := range d.Attributes() {
		out[a.Kind.String()] = a.Value
	}
	return out
}

func subjectFromMap(m map[string]string) (dn.DistinguishedName, error) {
	var d dn.DistinguishedName
	for _, k := range dn.Kinds() {
		if v, ok := m[k.String()]; ok && v != "" {
			d.Set(k, v)
		}
	}
	for name := range m {
		if _, err := dn.ParseKind(name); err != nil {
			return dn.DistinguishedName{}, err
		}
	}
	return d, nil
}
