// Package api exposes the certificate authority core over REST. Handlers
// are thin: they decode, authorize against the caller's directory role, call
// into the engine, and map domain errors to HTTP statuses.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/tmarkovic/chainsmith/ca"
	"github.com/tmarkovic/chainsmith/directory"
	"github.com/tmarkovic/chainsmith/grant"
	"github.com/tmarkovic/chainsmith/keystore"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine     *ca.Engine
	keys       keystore.KeyStore
	vault      *grant.Vault
	dir        directory.Directory
	activation *directory.ActivationCodes
	audit      *auditLogger
	alertFn    AlertFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlerts registers an anomaly callback fed by the audit stream.
func WithAlerts(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithActivationCodes enables the activation code endpoints.
func WithActivationCodes(codes *directory.ActivationCodes) Option {
	return func(a *API) {
		a.activation = codes
	}
}

// New creates a new API instance.
func New(engine *ca.Engine, keys keystore.KeyStore, vault *grant.Vault, dir directory.Directory, opts ...Option) *API {
	a := &API{
		engine: engine,
		keys:   keys,
		vault:  vault,
		dir:    dir,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/revocation/reasons", a.ListRevocationReasons)

	if a.activation != nil {
		r.Post("/activation/{userID}", a.IssueActivationCode)
		r.Post("/activation/consume/{code}", a.ConsumeActivationCode)
	}

	r.Route("/certificates", func(r chi.Router) {
		r.Use(a.IdentityMiddleware)
		r.Post("/self-signed", a.IssueSelfSigned)
		r.Post("/ca-issued", a.IssueFromCA)
		r.Post("/ca-external-issued", a.IssueFromExternalCSR)
		r.Put("/revoke/{certID}", a.RevokeCertificate)
		r.Get("/tree", a.CertificateForest)
		r.Get("/tree/ca/{userID}", a.UserCATrees)
		r.Get("/user/{userID}", a.UserCertificates)
		r.Get("/{certID}", a.GetCertificate)
		r.Get("/{certID}/download/request", a.RequestDownload)
		r.Get("/{certID}/download/pem", a.DownloadPEM)
		r.Get("/{certID}/download/{grantID}", a.DownloadPKCS12)
	})

	r.Route("/cas", func(r chi.Router) {
		r.Use(a.IdentityMiddleware)
		r.Get("/", a.ListCAs)
		r.Get("/{certID}/crl.pem", a.DownloadCRL)
	})

	return r
}
