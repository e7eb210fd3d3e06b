package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRootCreated       AuditEvent = "root_created"
	AuditCertIssued        AuditEvent = "cert_issued"
	AuditCSRSigned         AuditEvent = "csr_signed"
	AuditCertRevoked       AuditEvent = "cert_revoked"
	AuditCRLGenerated      AuditEvent = "crl_generated"
	AuditDownloadRequested AuditEvent = "download_requested"
	AuditPKCS12Exported    AuditEvent = "pkcs12_exported"
	AuditPEMExported       AuditEvent = "pem_exported"
	AuditIssuanceDenied    AuditEvent = "issuance_denied"
	AuditActivationIssued  AuditEvent = "activation_issued"
	AuditActivationUsed    AuditEvent = "activation_consumed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Private key material and grant passwords never pass through here; handlers
// log identifiers only.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logCert is a convenience for events about one certificate.
func (al *auditLogger) logCert(event AuditEvent, r *http.Request, certID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("certificate_id", certID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logDenied logs a rejected operation with its reason.
func (al *auditLogger) logDenied(r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(AuditIssuanceDenied, r, attrs...)
}
