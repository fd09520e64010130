package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	autofixerrors "github.com/tombee/autofix/pkg/errors"
)

func TestRecordPersistenceError(t *testing.T) {
	counter := func(op, kind string) float64 {
		return testutil.ToFloat64(persistenceErrors.WithLabelValues(op, kind))
	}

	before := counter("save_summary", "timeout")
	RecordPersistenceError("save_summary", fmt.Errorf("insert: %w", context.DeadlineExceeded))
	RecordPersistenceError("save_summary", context.DeadlineExceeded)
	assert.Equal(t, before+2, counter("save_summary", "timeout"))

	before = counter("save_fix_attempts", "unknown")
	RecordPersistenceError("save_fix_attempts", errors.New("database is locked"))
	assert.Equal(t, before+1, counter("save_fix_attempts", "unknown"))
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "unknown"},
		{"canceled", fmt.Errorf("save: %w", context.Canceled), "context_canceled"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"not exist", &os.PathError{Op: "open", Path: "history.db", Err: os.ErrNotExist}, "not_found"},
		{"permission", &os.PathError{Op: "open", Path: "history.db", Err: os.ErrPermission}, "permission_denied"},
		{"classified", fmt.Errorf("wrap: %w", &autofixerrors.ValidationError{Message: "bad summary"}), "validation"},
		{"plain", errors.New("disk full"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategorizeError(tt.err))
		})
	}
}
