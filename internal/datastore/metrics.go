// Package datastore provides type aliases and integration with the observability metrics package
package datastore

import (
	"time"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/observability/metrics"
)

// Recorder receives the outcome of every store operation
type Recorder = metrics.Recorder

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string)  {}
func (nopRecorder) RecordDuration(string, float64) {}
func (nopRecorder) RecordError(string, string)     {}

// observe reports one finished operation
func (s *Store) observe(operation string, start time.Time, err error) {
	s.metrics.RecordDuration(operation, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordOperation(operation, "error")
		s.metrics.RecordError(operation, string(errors.CategoryOf(err)))
		return
	}
	s.metrics.RecordOperation(operation, "success")
}
