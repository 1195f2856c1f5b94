// Invariants are conditions that must hold unless there's a bug in levelbag itself, e.g. a key index entry that
// points at a slot living in another level, or a mass counter that went negative. Violations are logged, counted in
// the `invariants_total` metric (which is what alerts are built on), and panic in test-mode builds.
//
// The caller still owns the recovery: raise the invariant, then return early or repair the state.
//
// Never raise invariants for conditions caused by callers or the outside world; a missing key or a bad config file
// is an ordinary error or a "not found" result.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module that detected the violation.
	"type",   // Short snake_case name of the violated condition.
})

// RaiseInvariant records a violated invariant of `module`.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// Ensure raises the invariant when `condition` is false and reports whether it held.
func Ensure(condition bool, module, invariantType, msg string, args ...any) bool {
	if !condition {
		RaiseInvariant(module, invariantType, msg, args...)
	}
	return condition
}

// GetMetricValue returns how many times the (module, invariantType) invariant was violated.
func GetMetricValue(module, invariantType string) int {
	metric := &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error("Failed to read invariant metric.", "module", module, "type", invariantType, "error", err)
		return 0
	}
	return int(metric.GetCounter().GetValue())
}
