package app

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// initSentry enables error telemetry. Every built EnhancedError is reported
// with messages scrubbed of URLs and credentials. The returned func flushes
// buffered events.
func initSentry(dsn, release string, log logger.Logger) (func() error, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		SampleRate:       1.0,
		Debug:            false,
		AttachStacktrace: false,
		ServerName:       "", // no hostname
		Release:          release,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			event.User = sentry.User{}
			event.Request = nil
			return event
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	log.Info("Error telemetry enabled")

	return func() error {
		errors.SetTelemetryReporter(nil)
		sentry.Flush(sentryFlushTimeout)
		return nil
	}, nil
}
