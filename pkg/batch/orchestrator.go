package batch

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/pms-bundler/pkg/logging"
	"github.com/Sternrassler/pms-bundler/pkg/reservation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	batchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pms_batch_outcomes_total",
		Help: "Total reservation outcomes produced by batch runs by result",
	}, []string{"result"})

	batchGroupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pms_batch_group_duration_seconds",
		Help:    "Duration of one concurrent fetch group",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	batchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pms_batch_fetches_in_flight",
		Help: "Number of document fetches currently running",
	})
)

// Config holds orchestrator configuration.
type Config struct {
	// BatchSize is the maximum number of concurrent fetches.
	BatchSize int

	// InterBatchDelay is the pause between two groups.
	InterBatchDelay time.Duration
}

// DefaultConfig returns the default configuration: groups of 20, 200ms apart.
func DefaultConfig() Config {
	return Config{
		BatchSize:       20,
		InterBatchDelay: 200 * time.Millisecond,
	}
}

// DocumentFetcher fetches the document for one reservation.
// *client.Client implements it.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, ref reservation.Ref) ([]byte, error)
}

// Orchestrator drives a DocumentFetcher over a list of reservations.
type Orchestrator struct {
	fetcher DocumentFetcher
	config  Config
	logger  zerolog.Logger
}

// NewOrchestrator creates a new orchestrator. Non-positive settings fall back
// to DefaultConfig values.
func NewOrchestrator(fetcher DocumentFetcher, config Config) *Orchestrator {
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.InterBatchDelay < 0 {
		config.InterBatchDelay = 200 * time.Millisecond
	}

	return &Orchestrator{
		fetcher: fetcher,
		config:  config,
		logger:  logging.NewLogger(logging.ComponentBatch),
	}
}

// Run fetches every reference and returns one outcome per reference, in input
// order. Item failures are recorded as failed outcomes; Run itself never fails.
func (o *Orchestrator) Run(ctx context.Context, refs []reservation.Ref) reservation.Result {
	start := time.Now()
	outcomes := make([]reservation.Outcome, len(refs))
	groups := partition(len(refs), o.config.BatchSize)

	o.logger.Info().
		Int("reservations", len(refs)).
		Int("groups", len(groups)).
		Int("batch_size", o.config.BatchSize).
		Msg("Starting batch run")

	for i, g := range groups {
		groupStart := time.Now()
		o.runGroup(ctx, refs[g.start:g.end], outcomes[g.start:g.end])
		batchGroupDuration.Observe(time.Since(groupStart).Seconds())

		o.logger.Info().
			Int("group", i+1).
			Int("groups", len(groups)).
			Int("size", g.end-g.start).
			Dur("duration", time.Since(groupStart)).
			Msg("Batch group complete")

		if i < len(groups)-1 && o.config.InterBatchDelay > 0 {
			// The pause is not cancellable: in-flight work is left to finish
			// and the remaining groups still run.
			time.Sleep(o.config.InterBatchDelay)
		}
	}

	result := reservation.Result{Outcomes: outcomes}
	succeeded, failed := result.Counts()
	batchOutcomesTotal.WithLabelValues("succeeded").Add(float64(succeeded))
	batchOutcomesTotal.WithLabelValues("failed").Add(float64(failed))

	o.logger.Info().
		Int("succeeded", succeeded).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Batch run complete")

	return result
}

// runGroup fetches refs concurrently and writes each outcome into the slot
// with the same index.
func (o *Orchestrator) runGroup(ctx context.Context, refs []reservation.Ref, outcomes []reservation.Outcome) {
	var wg sync.WaitGroup
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = o.fetch(ctx, refs[i])
		}(i)
	}
	wg.Wait()
}

// fetch converts one fetch into an outcome. A panicking fetcher is recorded as
// a failure rather than taking the batch down.
func (o *Orchestrator) fetch(ctx context.Context, ref reservation.Ref) (outcome reservation.Outcome) {
	batchInFlight.Inc()
	defer batchInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			logger := logging.ForReservation(o.logger, ref)
			logger.Error().
				Interface("panic", r).
				Msg("Document fetch panicked")
			outcome = reservation.Failure(ref, &PanicError{Value: r})
		}
	}()

	data, err := o.fetcher.FetchDocument(ctx, ref)
	if err != nil {
		logger := logging.ForReservation(o.logger, ref)
		logger.Warn().
			Err(err).
			Msg("Reservation failed")
		return reservation.Failure(ref, err)
	}
	return reservation.Success(ref, data)
}

// span is a half-open index range [start, end).
type span struct {
	start, end int
}

// partition splits n items into consecutive spans of at most size items.
func partition(n, size int) []span {
	if n <= 0 {
		return nil
	}
	spans := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, span{start: start, end: end})
	}
	return spans
}
