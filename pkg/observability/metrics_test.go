package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSessionOp(t *testing.T) {
	// A label value no repository method uses, so other tests' recordings
	// never leak into the assertion.
	RecordSessionOp("vacuum", nil)
	RecordSessionOp("vacuum", nil)
	RecordSessionOp("vacuum", errors.New("disk full"))

	if got := testutil.ToFloat64(sessionOps.WithLabelValues("vacuum", "ok")); got != 2 {
		t.Errorf("ok count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sessionOps.WithLabelValues("vacuum", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}
