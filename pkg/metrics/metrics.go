// Package metrics exposes the Prometheus registry used by the bundler.
// Metrics are defined in their respective packages (session, client, batch,
// archive) and registered there via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the bundler.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer serving Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Session Metrics (pkg/session):
//   - pms_logins_total{result} (Counter): Login attempts (success, no_cookies, error)
//   - pms_logins_coalesced_total (Counter): Session requests served by an in-flight login
//   - pms_session_invalidations_total (Counter): Session invalidations
//   - pms_session_store_errors_total{operation} (Counter): Session store failures
//
// Document Metrics (pkg/client):
//   - pms_document_requests_total{status} (Counter): Document requests by HTTP status
//   - pms_document_request_duration_seconds (Histogram): Document request duration
//   - pms_fetch_errors_total{class} (Counter): Failed attempts (auth, status, payload, network, cancelled)
//   - pms_session_recoveries_total (Counter): Login redirects answered by a fresh login
//   - pms_documents_total{result} (Counter): Documents fetched or failed
//
// Retry Metrics (pkg/client):
//   - pms_fetch_retries_total{error_class} (Counter): Retries by error class
//   - pms_fetch_retry_backoff_seconds (Histogram): Backoff before retries
//   - pms_fetch_retry_exhausted_total{error_class} (Counter): Fetches that used every attempt
//
// Batch Metrics (pkg/batch):
//   - pms_batch_outcomes_total{result} (Counter): Outcomes (succeeded, failed)
//   - pms_batch_group_duration_seconds (Histogram): Duration of one fetch group
//   - pms_batch_fetches_in_flight (Gauge): Running document fetches
//
// Archive Metrics (pkg/archive):
//   - pms_archive_size_bytes (Histogram): Size of built archives
//
// Example Prometheus Queries:
//
//   # Document failure ratio
//   sum(rate(pms_documents_total{result="failed"}[5m])) / sum(rate(pms_documents_total[5m]))
//
//   # Session expiries per hour
//   increase(pms_session_recoveries_total[1h])
//
//   # HTML error pages served as PDF
//   rate(pms_fetch_errors_total{class="payload"}[5m])
