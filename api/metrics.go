package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertBulkExport    AlertType = "bulk_export"
	AlertIssuanceSpike AlertType = "issuance_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Sliding window for private key exports.
	exports         []time.Time
	exportWindow    time.Duration
	exportThreshold int

	// Sliding window for issued certificates.
	issued            []time.Time
	issuanceWindow    time.Duration
	issuanceThreshold int

	alertFn AlertFunc
}

const (
	defaultExportWindow      = 5 * time.Minute
	defaultExportThreshold   = 10
	defaultIssuanceWindow    = 1 * time.Minute
	defaultIssuanceThreshold = 50
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		exportWindow:      defaultExportWindow,
		exportThreshold:   defaultExportThreshold,
		issuanceWindow:    defaultIssuanceWindow,
		issuanceThreshold: defaultIssuanceThreshold,
		alertFn:           alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditPKCS12Exported:
		m.recordExport()
	case AuditCertIssued, AuditCSRSigned, AuditRootCreated:
		m.recordIssuance()
	}
}

func (m *metricsCollector) recordExport() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.exports = append(m.exports, now)
	m.exports = trimWindow(m.exports, now, m.exportWindow)

	if len(m.exports) >= m.exportThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertBulkExport,
			Message:   "private key export rate exceeds threshold",
			Count:     len(m.exports),
			Threshold: m.exportThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.exports = m.exports[:0]
	}
}

func (m *metricsCollector) recordIssuance() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.issued = append(m.issued, now)
	m.issued = trimWindow(m.issued, now, m.issuanceWindow)

	if len(m.issued) >= m.issuanceThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertIssuanceSpike,
			Message:   "certificate issuance rate exceeds threshold",
			Count:     len(m.issued),
			Threshold: m.issuanceThreshold,
			Timestamp: now,
		})
		m.issued = m.issued[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
