package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginsTotal counts login attempts by result (success, no_cookies, error).
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pms_logins_total",
			Help: "Total number of PMS login attempts by result",
		},
		[]string{"result"},
	)

	// LoginsCoalesced counts callers that shared another caller's login.
	LoginsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pms_logins_coalesced_total",
			Help: "Total number of session requests served by an in-flight login",
		},
	)

	// Invalidations counts explicit session invalidations.
	Invalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pms_session_invalidations_total",
			Help: "Total number of PMS session invalidations",
		},
	)

	// StoreErrors counts session store failures by operation.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pms_session_store_errors_total",
			Help: "Total number of session store errors",
		},
		[]string{"operation"}, // "load", "save", "clear"
	)
)
