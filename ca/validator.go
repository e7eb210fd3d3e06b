package ca

import (
	"errors"
	"fmt"
	"time"
)

// Validator answers trust queries and enforces structural constraints at
// issuance time. Trust is transitive: a chain is only as trustworthy as its
// weakest ancestor.
type Validator struct {
	store  *Store
	ledger *Ledger
}

// NewValidator wires the validator to the certificate store and the
// revocation ledger.
func NewValidator(store *Store, ledger *Ledger) *Validator {
	return &Validator{store: store, ledger: ledger}
}

// ValidateForIssuance decides whether the issuer may sign a new certificate
// of the requested type at the given time. Every ancestor is checked: an
// expired or revoked ancestor blocks issuance outright.
func (v *Validator) ValidateForIssuance(issuerID string, requested CertificateType, at time.Time) error {
	chain, err := v.chainFrom(issuerID)
	if err != nil {
		if errors.Is(err, ErrCertificateNotFound) {
			return fmt.Errorf("%w: %s", ErrIssuerNotFound, issuerID)
		}
		return err
	}

	issuer := chain[0]
	if !issuer.Type.IsCA() {
		return fmt.Errorf("%w: %s is %s", ErrIssuerNotCA, issuerID, issuer.Type)
	}

	for _, link := range chain {
		if at.Before(link.NotBefore) || at.After(link.NotAfter) {
			return fmt.Errorf("%w: %s not valid at %s", ErrIssuerExpired, link.ID, at.Format(time.RFC3339))
		}
		revoked, err := v.ledger.IsRevoked(link.ID, at)
		if err != nil {
			return err
		}
		if revoked {
			return fmt.Errorf("%w: %s", ErrIssuerRevoked, link.ID)
		}
	}

	// Path length: each ancestor CA with a non-negative budget bounds the
	// number of further CA certificates that may appear below it.
	newIntermediates := 0
	if requested.IsCA() {
		newIntermediates = 1
	}
	for depth, link := range chain {
		pol, err := v.store.GetPolicy(link.ID)
		if err != nil {
			return err
		}
		if pol.MaxPathLen < 0 {
			continue
		}
		if depth+newIntermediates > pol.MaxPathLen {
			return fmt.Errorf("%w: CA %s allows at most %d subordinate CA levels", ErrPathLengthExceeded, link.ID, pol.MaxPathLen)
		}
	}
	return nil
}

// IsTrusted walks the chain from the certificate to a self-signed root and
// reports whether every link is present, within its validity window, and
// free of an active revocation at the given time. A revoked ancestor
// untrusts all of its descendants.
func (v *Validator) IsTrusted(certID string, at time.Time) (bool, error) {
	cert, err := v.store.GetCertificate(certID)
	if err != nil {
		return false, err
	}

	visited := map[string]bool{}
	for {
		if visited[cert.ID] {
			return false, fmt.Errorf("%w: at %s", ErrCycleDetected, cert.ID)
		}
		visited[cert.ID] = true

		if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
			return false, nil
		}
		revoked, err := v.ledger.IsRevoked(cert.ID, at)
		if err != nil {
			return false, err
		}
		if revoked {
			return false, nil
		}

		if cert.SelfIssued() {
			return cert.Type == TypeRoot, nil
		}

		parent, err := v.store.GetCertificate(cert.IssuerID)
		if err != nil {
			if errors.Is(err, ErrCertificateNotFound) {
				return false, nil
			}
			return false, err
		}
		cert = parent
	}
}

// BuildTree reconstructs the hierarchy rooted at the given certificate,
// breadth-first over issuer edges. The visited set guards against a
// corrupted store; the graph is acyclic by construction.
func (v *Validator) BuildTree(rootID string) (*Node, error) {
	root, err := v.store.GetCertificate(rootID)
	if err != nil {
		return nil, err
	}

	rootNode := &Node{Certificate: root}
	visited := map[string]bool{rootID: true}
	queue := []*Node{rootNode}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		childIDs, err := v.store.Children(node.Certificate.ID)
		if err != nil {
			return nil, err
		}
		for _, childID := range childIDs {
			if visited[childID] {
				return nil, fmt.Errorf("%w: at %s", ErrCycleDetected, childID)
			}
			visited[childID] = true
			child, err := v.store.GetCertificate(childID)
			if err != nil {
				return nil, err
			}
			childNode := &Node{Certificate: child}
			node.Children = append(node.Children, childNode)
			queue = append(queue, childNode)
		}
	}
	return rootNode, nil
}

// BuildForest reconstructs the hierarchy under every root.
func (v *Validator) BuildForest() ([]*Node, error) {
	rootIDs, err := v.store.Roots()
	if err != nil {
		return nil, err
	}
	var forest []*Node
	for _, id := range rootIDs {
		tree, err := v.BuildTree(id)
		if err != nil {
			return nil, err
		}
		forest = append(forest, tree)
	}
	return forest, nil
}

// chainFrom loads the chain from the given certificate up to its root,
// starting certificate first.
func (v *Validator) chainFrom(startID string) ([]*Certificate, error) {
	cert, err := v.store.GetCertificate(startID)
	if err != nil {
		return nil, err
	}

	chain := []*Certificate{cert}
	visited := map[string]bool{cert.ID: true}
	for !cert.SelfIssued() {
		parent, err := v.store.GetCertificate(cert.IssuerID)
		if err != nil {
			if errors.Is(err, ErrCertificateNotFound) {
				return nil, fmt.Errorf("%w: broken chain above %s", ErrIssuerNotFound, cert.ID)
			}
			return nil, err
		}
		if visited[parent.ID] {
			return nil, fmt.Errorf("%w: at %s", ErrCycleDetected, parent.ID)
		}
		visited[parent.ID] = true
		chain = append(chain, parent)
		cert = parent
	}
	return chain, nil
}

// Chain returns the DER encodings from the certificate up to its root,
// leaf first.
func (v *Validator) Chain(certID string) ([][]byte, error) {
	chain, err := v.chainFrom(certID)
	if err != nil {
		return nil, err
	}
	ders := make([][]byte, 0, len(chain))
	for _, c := range chain {
		ders = append(ders, c.DER)
	}
	return ders, nil
}
