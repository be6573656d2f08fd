package datastore

import (
	"fmt"
	"strings"

	"github.com/tphakala/wow-sync/internal/errors"
)

// ErrQuotaExceeded is wrapped by write failures caused by exhausted storage
var ErrQuotaExceeded = errors.NewStd("storage quota exceeded")

// ErrNoChange can be returned by an Update callback to skip the write-back
var ErrNoChange = errors.NewStd("no change")

// ErrDeleteRecord can be returned by an Update callback to remove the record
var ErrDeleteRecord = errors.NewStd("delete record")

// storageError creates a properly categorized storage error with context
func storageError(err error, operation, priority string, context ...any) error {
	if priority == "" && isCorruption(err) {
		priority = errors.PriorityCritical
	}

	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryStorage).
		Context("operation", operation)

	if priority != "" {
		builder = builder.Priority(priority)
	}

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}

// quotaError reports a write rejected because the engine is out of space
func quotaError(engine, operation string, detail string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrQuotaExceeded, detail)).
		Component("datastore").
		Category(errors.CategoryStorage).
		Priority(errors.PriorityHigh).
		Context("operation", operation).
		Context("engine", engine).
		Build()
}

// notFoundError is returned by Update when the key holds no record
func notFoundError(key string) error {
	return errors.Newf("record %s not found", key).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("key", key).
		Build()
}

// isCorruption checks if an error indicates a damaged database file
func isCorruption(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "corrupt") ||
		strings.Contains(errStr, "file is not a database")
}

// isDiskFull checks if a driver error was caused by the device running out of space
func isDiskFull(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "disk is full") ||
		strings.Contains(errStr, "no space") ||
		strings.Contains(errStr, "quota")
}
