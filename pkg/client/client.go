// Package client fetches reservation documents from the PMS with session
// reuse, retry with backoff, session-expiry recovery and PDF validation.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/pms-bundler/pkg/logging"
	"github.com/Sternrassler/pms-bundler/pkg/reservation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for document fetches.
var (
	pmsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pms_document_requests_total",
		Help: "Total PMS document requests by HTTP status",
	}, []string{"status"})

	pmsRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pms_document_request_duration_seconds",
		Help:    "PMS document request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	pmsErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pms_fetch_errors_total",
		Help: "Total failed document fetch attempts by class",
	}, []string{"class"})

	pmsSessionRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pms_session_recoveries_total",
		Help: "Total number of login redirects answered by a fresh login",
	})

	pmsDocumentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pms_documents_total",
		Help: "Total reservation documents by result",
	}, []string{"result"})
)

// ErrorClass represents a classification of fetch errors.
type ErrorClass string

const (
	// ErrorClassAuth represents a failure to obtain a session.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassStatus represents a non-2xx PMS response.
	ErrorClassStatus ErrorClass = "status"

	// ErrorClassPayload represents a body that is not a usable PDF.
	ErrorClassPayload ErrorClass = "payload"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCancelled represents a cancelled context.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// pdfMagic is the signature every PDF document starts with.
var pdfMagic = []byte("%PDF")

// loginRedirectMarker identifies a redirect back to the PMS login page.
const loginRedirectMarker = "forward="

// SessionProvider supplies and invalidates the PMS session cookie.
// *session.Manager implements it.
type SessionProvider interface {
	GetValidSession(ctx context.Context) (string, error)
	InvalidateCookie(ctx context.Context, cookie string)
}

// Client fetches reservation documents from the PMS.
type Client struct {
	httpClient  *http.Client
	sessions    SessionProvider
	config      Config
	documentURL string
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the PMS, e.g. "https://pms.example.com".
	BaseURL string

	// DocumentPath renders a reservation as a downloadable PDF.
	DocumentPath string

	// Retry policy per reservation.
	Retry RetryConfig

	// Timeout per HTTP request.
	Timeout time.Duration

	// MaxDocumentBytes bounds a single document body.
	MaxDocumentBytes int64

	// InsecureSkipVerify disables TLS certificate checks. The PMS is usually
	// served with a self-signed certificate, so this defaults to true.
	InsecureSkipVerify bool

	// UserAgent header sent with document requests (optional).
	UserAgent string
}

// DefaultConfig returns the default configuration for the given PMS.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:            baseURL,
		DocumentPath:       "/reservations/print",
		Retry:              DefaultRetryConfig(),
		Timeout:            30 * time.Second,
		MaxDocumentBytes:   64 << 20,
		InsecureSkipVerify: true,
	}
}

// New creates a new document client.
func New(cfg Config, sessions SessionProvider) (*Client, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session provider is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.DocumentPath == "" {
		return nil, fmt.Errorf("document path is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = 64 << 20
	}

	documentURL, err := url.JoinPath(cfg.BaseURL, cfg.DocumentPath)
	if err != nil {
		return nil, fmt.Errorf("build document url: %w", err)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // PMS uses a self-signed certificate
				MaxIdleConnsPerHost: 32,
			},
			// Redirects are inspected to detect an expired session.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		sessions:    sessions,
		config:      cfg,
		documentURL: documentURL,
		logger:      logging.NewLogger(logging.ComponentClient),
	}, nil
}

// FetchDocument retrieves the PDF for one reservation. It returns a *FetchError
// once every attempt has failed.
func (c *Client) FetchDocument(ctx context.Context, ref reservation.Ref) ([]byte, error) {
	start := time.Now()
	logger := logging.ForReservation(c.logger, ref)

	data, attempts, err := retryWithBackoff(ctx, c.config.Retry, logger, func(attempt int) attemptResult {
		result := c.attempt(ctx, ref)
		if result.state != attemptSucceeded {
			errClass := classify(result.err)
			pmsErrorsTotal.WithLabelValues(string(errClass)).Inc()
			logger.Warn().
				Err(result.err).
				Int("attempt", attempt).
				Str("error_class", string(errClass)).
				Str("state", result.state.String()).
				Msg("Document fetch attempt failed")
		}
		return result
	})
	if err != nil {
		pmsDocumentsTotal.WithLabelValues("failed").Inc()
		logger.Error().
			Err(err).
			Int("attempts", attempts).
			Dur("duration", time.Since(start)).
			Msg("Document fetch failed")
		return nil, &FetchError{Ref: ref, Attempts: attempts, Err: err}
	}

	pmsDocumentsTotal.WithLabelValues("fetched").Inc()
	logger.Debug().
		Int("attempts", attempts).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Document fetched")

	return data, nil
}

// attempt performs one fetch attempt. A login redirect is answered with one
// fresh login and one repeated request inside the same attempt.
func (c *Client) attempt(ctx context.Context, ref reservation.Ref) attemptResult {
	cookie, err := c.sessions.GetValidSession(ctx)
	if err != nil {
		return c.sessionFailure(ctx, err)
	}

	resp, err := c.get(ctx, ref, cookie)
	if err != nil {
		return c.networkFailure(ctx, err)
	}

	if isLoginRedirect(resp) {
		drain(resp)
		pmsSessionRecoveriesTotal.Inc()
		logger := logging.ForReservation(c.logger, ref)
		logger.Warn().Msg("PMS session expired, logging in again")

		c.sessions.InvalidateCookie(ctx, cookie)
		cookie, err = c.sessions.GetValidSession(ctx)
		if err != nil {
			return c.sessionFailure(ctx, err)
		}

		resp, err = c.get(ctx, ref, cookie)
		if err != nil {
			return c.networkFailure(ctx, err)
		}
	}

	return c.readDocument(resp)
}

// readDocument validates the response and reads the PDF. It closes the body.
func (c *Client) readDocument(resp *http.Response) attemptResult {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		msg := resp.Status
		if isLoginRedirect(resp) {
			msg += " (login redirect)"
		}
		return retryable(&TransientFetchError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassStatus,
			Message:    msg,
		})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxDocumentBytes+1))
	if err != nil {
		return retryable(&TransientFetchError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read body",
			Err:        err,
		})
	}

	if int64(len(body)) > c.config.MaxDocumentBytes {
		return fatal(fmt.Errorf("%w: exceeds %d bytes", ErrDocumentTooLarge, c.config.MaxDocumentBytes))
	}

	if !bytes.HasPrefix(body, pdfMagic) {
		return retryable(&TransientFetchError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassPayload,
			Message:    "content type " + strconv.Quote(resp.Header.Get("Content-Type")),
			Err:        ErrInvalidPDF,
		})
	}

	return succeeded(body)
}

// get issues the document request for ref with the given session cookie.
func (c *Client) get(ctx context.Context, ref reservation.Ref, cookie string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentRequestURL(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/pdf")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	pmsRequestDuration.Observe(time.Since(startTime).Seconds())
	if err != nil {
		pmsRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, err
	}
	pmsRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	return resp, nil
}

// documentRequestURL builds the PDF download URL for ref.
func (c *Client) documentRequestURL(ref reservation.Ref) string {
	query := url.Values{
		"htl_code": {ref.HotelCode},
		"res_id":   {ref.ReservationID},
		"download": {"1"},
	}
	return c.documentURL + "?" + query.Encode()
}

func (c *Client) sessionFailure(ctx context.Context, err error) attemptResult {
	if ctx.Err() != nil {
		return fatal(fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err()))
	}
	return retryable(&TransientFetchError{
		ErrorClass: ErrorClassAuth,
		Message:    "obtain session",
		Err:        err,
	})
}

func (c *Client) networkFailure(ctx context.Context, err error) attemptResult {
	if ctx.Err() != nil {
		return fatal(fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err()))
	}
	return retryable(&TransientFetchError{
		ErrorClass: ErrorClassNetwork,
		Message:    "request failed",
		Err:        err,
	})
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// isLoginRedirect reports whether resp sends the caller back to the login page.
func isLoginRedirect(resp *http.Response) bool {
	if resp.StatusCode < 300 || resp.StatusCode > 399 {
		return false
	}
	return strings.Contains(resp.Header.Get("Location"), loginRedirectMarker)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
