package metrics

import (
	"context"
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	autofixerrors "github.com/tombee/autofix/pkg/errors"
)

var (
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofix_persistence_errors_total",
			Help: "Total history persistence errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordPersistenceError counts a failed history write. op names the
// backend call ("save_summary", "save_fix_attempts").
func RecordPersistenceError(op string, err error) {
	persistenceErrors.WithLabelValues(op, CategorizeError(err)).Inc()
}

// CategorizeError maps an error to a low-cardinality label value.
func CategorizeError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.Canceled) {
		return "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if os.IsNotExist(err) {
		return "not_found"
	}
	if os.IsPermission(err) {
		return "permission_denied"
	}
	if t := autofixerrors.Type(err); t != "" {
		return t
	}
	return "unknown"
}
