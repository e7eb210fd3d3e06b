package ca

import (
	"context"
	"crypto/x509"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarkovic/chainsmith/codec"
	"github.com/tmarkovic/chainsmith/dn"
	"github.com/tmarkovic/chainsmith/keystore"
	"github.com/tmarkovic/chainsmith/storage/memory"
)

// testClock is a mutable time source shared by an engine under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine *Engine
	store  *Store
	ledger *Ledger
	val    *Validator
	keys   *keystore.StoredKeyStore
	clock  *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := memory.NewRepository()
	master, err := keystore.NewMasterKey()
	require.NoError(t, err)
	keys, err := keystore.NewStoredKeyStore(repo, master)
	require.NoError(t, err)

	store := NewStore(repo)
	ledger := NewLedger(repo, store)
	val := NewValidator(store, ledger)
	clock := newTestClock()
	engine := NewEngine(store, keys, ledger, val, WithClock(clock.Now))
	return &testEnv{engine: engine, store: store, ledger: ledger, val: val, keys: keys, clock: clock}
}

func rootSubject() dn.DistinguishedName {
	var d dn.DistinguishedName
	d.Set(dn.CommonName, "Test Root CA")
	d.Set(dn.Organization, "Acme Corp")
	d.Set(dn.Country, "NL")
	return d
}

func leafSubject(cn string) dn.DistinguishedName {
	var d dn.DistinguishedName
	d.Set(dn.CommonName, cn)
	d.Set(dn.Organization, "Acme Corp")
	return d
}

func (env *testEnv) newRoot(t *testing.T, pol Policy) *Certificate {
	t.Helper()
	root, err := env.engine.IssueSelfSigned(t.Context(), SelfSignedRequest{
		OwnerID: "admin-1",
		Subject: rootSubject(),
		Policy:  pol,
	})
	require.NoError(t, err)
	return root
}

func (env *testEnv) issueUnder(t *testing.T, issuerID string, typ CertificateType, cn string) *Certificate {
	t.Helper()
	cert, err := env.engine.IssueFromCA(t.Context(), IssueRequest{
		OwnerID:   "user-1",
		Subject:   leafSubject(cn),
		IssuerID:  issuerID,
		Type:      typ,
		KeySource: AutogenerateKey(keystore.ECP256),
	})
	require.NoError(t, err)
	return cert
}

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

func TestIssueSelfSigned(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())

	assert.Equal(t, TypeRoot, root.Type)
	assert.Equal(t, root.ID, root.IssuerID)
	assert.Equal(t, uint64(1), root.Serial)
	assert.True(t, root.SelfIssued())
	assert.NotEmpty(t, root.KeyID)

	parsed, err := root.X509()
	require.NoError(t, err)
	assert.True(t, parsed.IsCA)
	assert.NoError(t, parsed.CheckSignatureFrom(parsed))

	roots, err := env.store.Roots()
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID}, roots)

	trusted, err := env.val.IsTrusted(root.ID, env.clock.Now())
	require.NoError(t, err)
	assert.True(t, trusted)
}

func TestIssueSelfSignedRequiresCommonName(t *testing.T) {
	env := newTestEnv(t)
	var subject dn.DistinguishedName
	subject.Set(dn.Organization, "Acme Corp")

	_, err := env.engine.IssueSelfSigned(t.Context(), SelfSignedRequest{Subject: subject})
	assert.ErrorIs(t, err, dn.ErrFieldMissing)
}

func TestIssueSelfSignedPartialPolicy(t *testing.T) {
	env := newTestEnv(t)

	// Caller-supplied validity bounds are enforced, not silently replaced
	// by the defaults when the field policy is left unset.
	pol := Policy{MinValidityDays: 30, DefaultValidityDays: 90, MaxValidityDays: 180}
	_, err := env.engine.IssueSelfSigned(t.Context(), SelfSignedRequest{
		OwnerID:      "admin-1",
		Subject:      rootSubject(),
		ValidityDays: 365,
		Policy:       pol,
	})
	assert.ErrorIs(t, err, ErrValidityOutOfRange)

	root, err := env.engine.IssueSelfSigned(t.Context(), SelfSignedRequest{
		OwnerID: "admin-1",
		Subject: rootSubject(),
		Policy:  pol,
	})
	require.NoError(t, err)
	assert.Equal(t, root.NotBefore.AddDate(0, 0, 90), root.NotAfter)
}

func TestIssueSelfSignedInconsistentPolicyRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.IssueSelfSigned(t.Context(), SelfSignedRequest{
		OwnerID: "admin-1",
		Subject: rootSubject(),
		Policy:  Policy{MinValidityDays: 100, DefaultValidityDays: 50, MaxValidityDays: 200},
	})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrValidityOutOfRange)
}

func TestIssueChain(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())
	inter := env.issueUnder(t, root.ID, TypeIntermediate, "Test Intermediate CA")
	leaf := env.issueUnder(t, inter.ID, TypeEndEntity, "server-1")

	assert.Equal(t, root.ID, inter.IssuerID)
	assert.Equal(t, inter.ID, leaf.IssuerID)
	assert.True(t, inter.Issuer.Equal(root.Subject))
	assert.True(t, leaf.Issuer.Equal(inter.Subject))

	rootX, err := root.X509()
	require.NoError(t, err)
	interX, err := inter.X509()
	require.NoError(t, err)
	leafX, err := leaf.X509()
	require.NoError(t, err)
	assert.NoError(t, interX.CheckSignatureFrom(rootX))
	assert.NoError(t, leafX.CheckSignatureFrom(interX))
	assert.False(t, leafX.IsCA)

	for _, id := range []string{root.ID, inter.ID, leaf.ID} {
		trusted, err := env.val.IsTrusted(id, env.clock.Now())
		require.NoError(t, err)
		assert.True(t, trusted, "certificate %s should be trusted", id)
	}
}

func TestIssueUnderEndEntity(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())
	leaf := env.issueUnder(t, root.ID, TypeEndEntity, "server-1")

	_, err := env.engine.IssueFromCA(t.Context(), IssueRequest{
		Subject:   leafSubject("nested"),
		IssuerID:  leaf.ID,
		Type:      TypeEndEntity,
		KeySource: AutogenerateKey(keystore.ECP256),
	})
	assert.ErrorIs(t, err, ErrIssuerNotCA)
}

func TestIssueIssuerNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.IssueFromCA(t.Context(), IssueRequest{
		Subject:   leafSubject("x"),
		IssuerID:  "missing",
		Type:      TypeEndEntity,
		KeySource: AutogenerateKey(keystore.ECP256),
	})
	assert.ErrorIs(t, err, ErrIssuerNotFound)
}

func TestValidityBounds(t *testing.T) {
	env := newTestEnv(t)
	pol := DefaultPolicy()
	pol.MinValidityDays = 30
	pol.DefaultValidityDays = 90
	pol.MaxValidityDays = 365
	root := env.newRoot(t, pol)

	issue := func(days int) error {
		_, err := env.engine.IssueFromCA(t.Context(), IssueRequest{
			Subject:      leafSubject("bounds"),
			IssuerID:     root.ID,
			Type:         TypeEndEntity,
			ValidityDays: days,
			KeySource:    AutogenerateKey(keystore.ECP256),
		})
		return err
	}

	assert.ErrorIs(t, issue(29), ErrValidityOutOfRange)
	assert.NoError(t, issue(30))
	assert.NoError(t, issue(365))
	assert.ErrorIs(t, issue(366), ErrValidityOutOfRange)
}

func TestValidityOutlivesIssuer(t *testing.T) {
	env := newTestEnv(t)
	pol := DefaultPolicy()
	root, err := env.engine.IssueSelfSigned(t.Context(), SelfSignedRequest{
		Subject:      rootSubject(),
		ValidityDays: 100,
		Policy:       pol,
	})
	require.NoError(t, err)

	_, err = env.engine.IssueFromCA(t.Context(), IssueRequest{
		Subject:      leafSubject("outlives"),
		IssuerID:     root.ID,
		Type:         TypeEndEntity,
		ValidityDays: 200,
		KeySource:    AutogenerateKey(keystore.ECP256),
	})
	assert.ErrorIs(t, err, ErrValidityOutlivesIssuer)
}

func TestFieldPolicyEnforced(t *testing.T) {
	env := newTestEnv(t)
	pol := DefaultPolicy()
	fields, err := dn.NewPolicy([]string{"o"}, []string{"c"})
	require.NoError(t, err)
	pol.Fields = fields
	root := env.newRoot(t, pol)

	t.Run("missing required organization", func(t *testing.T) {
		var subject dn.DistinguishedName
		subject.Set(dn.CommonName, "no-org")
		_, err := env.engine.IssueFromCA(t.Context(), IssueRequest{
			Subject:   subject,
			IssuerID:  root.ID,
			Type:      TypeEndEntity,
			KeySource: AutogenerateKey(keystore.ECP256),
		})
		assert.ErrorIs(t, err, dn.ErrFieldMissing)
	})

	t.Run("forbidden locality", func(t *testing.T) {
		subject := leafSubject("with-locality")
		subject.Set(dn.Locality, "Amsterdam")
		_, err := env.engine.IssueFromCA(t.Context(), IssueRequest{
			Subject:   subject,
			IssuerID:  root.ID,
			Type:      TypeEndEntity,
			KeySource: AutogenerateKey(keystore.ECP256),
		})
		assert.ErrorIs(t, err, dn.ErrFieldForbidden)
	})
}

func TestIssueUnderExpiredIssuer(t *testing.T) {
	env := newTestEnv(t)
	pol := DefaultPolicy()
	root, err := env.engine.IssueSelfSigned(t.Context(), SelfSignedRequest{
		Subject:      rootSubject(),
		ValidityDays: 10,
		Policy:       pol,
	})
	require.NoError(t, err)

	env.clock.Advance(11 * 24 * time.Hour)

	_, err = env.engine.IssueFromCA(t.Context(), IssueRequest{
		Subject:      leafSubject("late"),
		IssuerID:     root.ID,
		Type:         TypeEndEntity,
		ValidityDays: 1,
		KeySource:    AutogenerateKey(keystore.ECP256),
	})
	assert.ErrorIs(t, err, ErrIssuerExpired)
}

func TestPathLength(t *testing.T) {
	env := newTestEnv(t)
	pol := DefaultPolicy()
	pol.MaxPathLen = 1
	root := env.newRoot(t, pol)

	interPol := DefaultPolicy()
	inter, err := env.engine.IssueFromCA(t.Context(), IssueRequest{
		Subject:   leafSubject("Intermediate"),
		IssuerID:  root.ID,
		Type:      TypeIntermediate,
		KeySource: AutogenerateKey(keystore.ECP256),
		Policy:    &interPol,
	})
	require.NoError(t, err)

	// A second CA level would exceed the root's budget of one.
	_, err = env.engine.IssueFromCA(t.Context(), IssueRequest{
		Subject:   leafSubject("Sub Intermediate"),
		IssuerID:  inter.ID,
		Type:      TypeIntermediate,
		KeySource: AutogenerateKey(keystore.ECP256),
	})
	assert.ErrorIs(t, err, ErrPathLengthExceeded)

	// End entities do not consume the budget.
	env.issueUnder(t, inter.ID, TypeEndEntity, "server-1")
}

func TestSigningTimeout(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := env.engine.IssueFromCA(ctx, IssueRequest{
		Subject:   leafSubject("timeout"),
		IssuerID:  root.ID,
		Type:      TypeEndEntity,
		KeySource: AutogenerateKey(keystore.ECP256),
	})
	assert.ErrorIs(t, err, ErrSigningTimeout)
}

func TestConcurrentSerialUniqueness(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())

	const n = 16
	serials := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cert, err := env.engine.IssueFromCA(context.Background(), IssueRequest{
				Subject:   leafSubject("concurrent"),
				IssuerID:  root.ID,
				Type:      TypeEndEntity,
				KeySource: AutogenerateKey(keystore.ECP256),
			})
			if assert.NoError(t, err) {
				serials <- cert.Serial
			}
		}()
	}
	wg.Wait()
	close(serials)

	var seen []uint64
	for s := range serials {
		seen = append(seen, s)
	}
	require.Len(t, seen, n)
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i], "serials must be unique")
	}
}

// ---------------------------------------------------------------------------
// External CSR flow
// ---------------------------------------------------------------------------

func TestIssueFromExternalCSR(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())

	// The requester holds their own key; the service only sees the CSR.
	external, err := keystore.NewStoredKeyStore(memory.NewRepository(), mustKey(t))
	require.NoError(t, err)
	keyID, err := external.Generate(keystore.ECP256)
	require.NoError(t, err)
	signer, err := external.Signer(keyID)
	require.NoError(t, err)

	csrPEM, err := codec.CreateCSR(leafSubject("external-client"), signer)
	require.NoError(t, err)

	cert, err := env.engine.IssueFromExternalCSR(t.Context(), IssueRequest{
		OwnerID:   "user-2",
		IssuerID:  root.ID,
		Type:      TypeEndEntity,
		KeySource: ExternalCSR(csrPEM),
	})
	require.NoError(t, err)

	assert.Empty(t, cert.KeyID, "the service must not hold the subject key")
	cn, _ := cert.Subject.Get(dn.CommonName)
	assert.Equal(t, "external-client", cn)

	parsed, err := cert.X509()
	require.NoError(t, err)
	assert.Equal(t, signer.Public(), parsed.PublicKey)
}

func TestIssueFromExternalCSRRejectsIntermediate(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())

	_, err := env.engine.IssueFromExternalCSR(t.Context(), IssueRequest{
		IssuerID:  root.ID,
		Type:      TypeIntermediate,
		KeySource: ExternalCSR([]byte("irrelevant")),
	})
	assert.Error(t, err)
}

func TestIssueFromExternalCSRTampered(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())

	external, err := keystore.NewStoredKeyStore(memory.NewRepository(), mustKey(t))
	require.NoError(t, err)
	keyID, err := external.Generate(keystore.ECP256)
	require.NoError(t, err)
	signer, err := external.Signer(keyID)
	require.NoError(t, err)
	csrPEM, err := codec.CreateCSR(leafSubject("tampered"), signer)
	require.NoError(t, err)

	req, err := codec.ParseCSR(csrPEM)
	require.NoError(t, err)
	der := append([]byte(nil), req.Raw...)
	der[len(der)-1] ^= 0x01

	_, err = env.engine.IssueFromExternalCSR(t.Context(), IssueRequest{
		IssuerID:  root.ID,
		Type:      TypeEndEntity,
		KeySource: ExternalCSR(der),
	})
	assert.ErrorIs(t, err, codec.ErrSignatureInvalid)
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := keystore.NewMasterKey()
	require.NoError(t, err)
	return key
}

// ---------------------------------------------------------------------------
// Revocation
// ---------------------------------------------------------------------------

func TestRevocationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())
	leaf := env.issueUnder(t, root.ID, TypeEndEntity, "revocable")

	before := env.clock.Now()
	env.clock.Advance(time.Hour)

	entry, err := env.engine.Revoke(leaf.ID, ReasonKeyCompromise)
	require.NoError(t, err)
	assert.Equal(t, leaf.Serial, entry.Serial)

	revoked, err := env.ledger.IsRevoked(leaf.ID, env.clock.Now())
	require.NoError(t, err)
	assert.True(t, revoked)

	// Not revoked before the entry's timestamp.
	revoked, err = env.ledger.IsRevoked(leaf.ID, before)
	require.NoError(t, err)
	assert.False(t, revoked)

	// A second permanent revocation does not create a second entry.
	_, err = env.engine.Revoke(leaf.ID, ReasonSuperseded)
	assert.ErrorIs(t, err, ErrAlreadyRevoked)
	entries, err := env.ledger.Entries(leaf.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Permanent revocations cannot be lifted.
	_, err = env.engine.Revoke(leaf.ID, ReasonRemoveFromCRL)
	assert.ErrorIs(t, err, ErrPermanentlyRevoked)
}

func TestCertificateHold(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())
	leaf := env.issueUnder(t, root.ID, TypeEndEntity, "held")

	env.clock.Advance(time.Minute)
	_, err := env.engine.Revoke(leaf.ID, ReasonCertificateHold)
	require.NoError(t, err)

	revoked, err := env.ledger.IsRevoked(leaf.ID, env.clock.Now())
	require.NoError(t, err)
	assert.True(t, revoked)

	// A hold on a held certificate is rejected.
	_, err = env.engine.Revoke(leaf.ID, ReasonCertificateHold)
	assert.ErrorIs(t, err, ErrAlreadyRevoked)

	// Lifting the hold restores validity.
	env.clock.Advance(time.Minute)
	_, err = env.engine.Revoke(leaf.ID, ReasonRemoveFromCRL)
	require.NoError(t, err)
	revoked, err = env.ledger.IsRevoked(leaf.ID, env.clock.Now())
	require.NoError(t, err)
	assert.False(t, revoked)

	// Lifting again fails: nothing is revoked anymore.
	_, err = env.engine.Revoke(leaf.ID, ReasonRemoveFromCRL)
	assert.ErrorIs(t, err, ErrNotRevoked)

	// A held certificate can be escalated to a permanent revocation.
	env.clock.Advance(time.Minute)
	_, err = env.engine.Revoke(leaf.ID, ReasonCertificateHold)
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = env.engine.Revoke(leaf.ID, ReasonCACompromise)
	require.NoError(t, err)
	_, err = env.engine.Revoke(leaf.ID, ReasonRemoveFromCRL)
	assert.ErrorIs(t, err, ErrPermanentlyRevoked)
}

func TestRevokeUnknownCertificate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Revoke("missing", ReasonUnspecified)
	assert.ErrorIs(t, err, ErrCertificateNotFound)
}

func TestInvalidReason(t *testing.T) {
	_, err := ParseReason(7)
	assert.ErrorIs(t, err, ErrInvalidReason)
	_, err = ParseReason(11)
	assert.ErrorIs(t, err, ErrInvalidReason)
	_, err = ParseReason(-1)
	assert.ErrorIs(t, err, ErrInvalidReason)
}

func TestReasonsTable(t *testing.T) {
	reasons := Reasons()
	require.Len(t, reasons, 10)
	for _, r := range reasons {
		assert.NotEqual(t, ReasonCode(7), r.Code)
		assert.NotEmpty(t, r.Label)
		assert.NotEmpty(t, r.Description)
	}
}

func TestTransitiveUntrust(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())
	inter := env.issueUnder(t, root.ID, TypeIntermediate, "Compromised CA")
	leaf := env.issueUnder(t, inter.ID, TypeEndEntity, "victim")

	env.clock.Advance(time.Minute)
	_, err := env.engine.Revoke(inter.ID, ReasonCACompromise)
	require.NoError(t, err)

	now := env.clock.Now()
	for id, want := range map[string]bool{root.ID: true, inter.ID: false, leaf.ID: false} {
		trusted, err := env.val.IsTrusted(id, now)
		require.NoError(t, err)
		assert.Equal(t, want, trusted, "certificate %s", id)
	}

	// The leaf has no revocation entry of its own.
	entries, err := env.ledger.Entries(leaf.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// New issuance under the revoked CA is blocked outright.
	_, err = env.engine.IssueFromCA(t.Context(), IssueRequest{
		Subject:   leafSubject("too-late"),
		IssuerID:  inter.ID,
		Type:      TypeEndEntity,
		KeySource: AutogenerateKey(keystore.ECP256),
	})
	assert.ErrorIs(t, err, ErrIssuerRevoked)
}

// ---------------------------------------------------------------------------
// Tree and CRL
// ---------------------------------------------------------------------------

func TestBuildTree(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())
	inter := env.issueUnder(t, root.ID, TypeIntermediate, "Branch CA")
	leafA := env.issueUnder(t, inter.ID, TypeEndEntity, "leaf-a")
	leafB := env.issueUnder(t, inter.ID, TypeEndEntity, "leaf-b")
	direct := env.issueUnder(t, root.ID, TypeEndEntity, "direct")

	tree, err := env.val.BuildTree(root.ID)
	require.NoError(t, err)

	assert.Equal(t, root.ID, tree.Certificate.ID)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, inter.ID, tree.Children[0].Certificate.ID)
	assert.Equal(t, direct.ID, tree.Children[1].Certificate.ID)

	branch := tree.Children[0]
	require.Len(t, branch.Children, 2)
	assert.Equal(t, leafA.ID, branch.Children[0].Certificate.ID)
	assert.Equal(t, leafB.ID, branch.Children[1].Certificate.ID)

	forest, err := env.val.BuildForest()
	require.NoError(t, err)
	require.Len(t, forest, 1)
	assert.Equal(t, root.ID, forest[0].Certificate.ID)
}

func TestGenerateCRL(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())
	revokedLeaf := env.issueUnder(t, root.ID, TypeEndEntity, "bad")
	env.issueUnder(t, root.ID, TypeEndEntity, "good")

	env.clock.Advance(time.Minute)
	_, err := env.engine.Revoke(revokedLeaf.ID, ReasonKeyCompromise)
	require.NoError(t, err)

	der, err := env.engine.GenerateCRL(t.Context(), root.ID)
	require.NoError(t, err)

	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)

	rootX, err := root.X509()
	require.NoError(t, err)
	assert.NoError(t, crl.CheckSignatureFrom(rootX))

	require.Len(t, crl.RevokedCertificateEntries, 1)
	entry := crl.RevokedCertificateEntries[0]
	assert.Equal(t, uint64(revokedLeaf.Serial), entry.SerialNumber.Uint64())
	assert.Equal(t, int(ReasonKeyCompromise), entry.ReasonCode)

	// CRL numbers are monotonic.
	der2, err := env.engine.GenerateCRL(t.Context(), root.ID)
	require.NoError(t, err)
	crl2, err := x509.ParseRevocationList(der2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), crl.Number.Int64())
	assert.Equal(t, int64(2), crl2.Number.Int64())
}

func TestGenerateCRLRequiresCA(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())
	leaf := env.issueUnder(t, root.ID, TypeEndEntity, "leaf")

	_, err := env.engine.GenerateCRL(t.Context(), leaf.ID)
	assert.ErrorIs(t, err, ErrIssuerNotCA)
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func TestStoreIndexes(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t, DefaultPolicy())
	leaf := env.issueUnder(t, root.ID, TypeEndEntity, "indexed")

	byOwner, err := env.store.ByOwner("user-1")
	require.NoError(t, err)
	assert.Contains(t, byOwner, leaf.ID)

	certID, err := env.store.BySerial(root.ID, leaf.Serial)
	require.NoError(t, err)
	assert.Equal(t, leaf.ID, certID)

	_, err = env.store.BySerial(root.ID, 9999)
	assert.ErrorIs(t, err, ErrCertificateNotFound)

	children, err := env.store.Children(root.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{leaf.ID}, children)
}

func TestPolicyValidate(t *testing.T) {
	pol := DefaultPolicy()
	assert.NoError(t, pol.Validate())

	pol.MinValidityDays = 400
	assert.Error(t, pol.Validate())

	bad := Policy{MinValidityDays: 0}
	assert.Error(t, bad.Validate())
}
