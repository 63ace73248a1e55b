// Package api exposes the reservation bundler over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/pms-bundler/pkg/archive"
	"github.com/Sternrassler/pms-bundler/pkg/logging"
	"github.com/Sternrassler/pms-bundler/pkg/reservation"
	"github.com/rs/zerolog"
)

// Response headers reporting the batch counts.
const (
	HeaderSuccessCount         = "X-Success-Count"
	HeaderFailedCount          = "X-Failed-Count"
	HeaderFailedReservations   = "X-Failed-Reservations"
	archiveFilename            = "reservations.zip"
	defaultMaxBodyBytes        = 1 << 20
	defaultMaxReservations     = 1000
	maxFailedReservationHeader = 4 << 10
)

// Runner fetches the documents for a list of reservations.
// *batch.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, refs []reservation.Ref) reservation.Result
}

// Config holds handler limits.
type Config struct {
	// MaxBodyBytes bounds the request body.
	MaxBodyBytes int64

	// MaxReservations bounds the number of reservations per request.
	MaxReservations int
}

// DefaultConfig returns the default handler limits.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    defaultMaxBodyBytes,
		MaxReservations: defaultMaxReservations,
	}
}

// BundleHandler validates a bundle request, fetches the documents and answers
// with a ZIP archive of every retrieved PDF.
type BundleHandler struct {
	runner Runner
	config Config
	logger zerolog.Logger
}

// NewBundleHandler creates the bundle endpoint handler.
func NewBundleHandler(runner Runner, config Config) *BundleHandler {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.MaxReservations <= 0 {
		config.MaxReservations = defaultMaxReservations
	}
	return &BundleHandler{
		runner: runner,
		config: config,
		logger: logging.NewLogger(logging.ComponentAPI),
	}
}

// ServeHTTP implements http.Handler.
func (h *BundleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	refs, err := parseBundleRequest(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		h.logger.Warn().Err(err).Msg("Rejected bundle request")
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(refs) > h.config.MaxReservations {
		err := invalid("too many reservations: %d (max %d)", len(refs), h.config.MaxReservations)
		h.logger.Warn().Err(err).Msg("Rejected bundle request")
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	h.logger.Info().Int("reservations", len(refs)).Msg("Bundling reservation documents")

	// A client disconnect must not abort fetches that are already running.
	result := h.runner.Run(context.WithoutCancel(r.Context()), refs)
	succeeded, failed := result.Counts()

	if succeeded == 0 {
		h.logger.Error().
			Int("failed", failed).
			Dur("duration", time.Since(start)).
			Msg("No reservation document could be retrieved")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:    "failed to retrieve any reservation documents",
			Failures: failureDetails(result.Failures()),
		})
		return
	}

	data, err := archive.Build(archive.EntriesFromResult(result))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to build archive")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to build archive: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+archiveFilename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(HeaderSuccessCount, strconv.Itoa(succeeded))
	w.Header().Set(HeaderFailedCount, strconv.Itoa(failed))
	if failed > 0 {
		w.Header().Set(HeaderFailedReservations, failedList(result.Failures()))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to write archive response")
	}

	h.logger.Info().
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Bundle delivered")
}

func failureDetails(failures []reservation.Outcome) []failureDetail {
	details := make([]failureDetail, 0, len(failures))
	for _, f := range failures {
		details = append(details, failureDetail{
			HotelCode:     f.Ref.HotelCode,
			ReservationID: f.Ref.ReservationID,
			Reason:        f.Reason(),
		})
	}
	return details
}

// failedList renders failed references as "H1-1,H1-2", truncated to keep the
// header within proxy limits.
func failedList(failures []reservation.Outcome) string {
	var b strings.Builder
	for i, f := range failures {
		item := f.Ref.String()
		if b.Len()+len(item)+1 > maxFailedReservationHeader {
			b.WriteString(",...")
			break
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(item)
	}
	return b.String()
}
