// Package telemetry provides opt-in error reporting to Sentry.
//
// Only errors built through internal/errors with high or critical priority
// reach Sentry, which in practice means the fatal error that ended a run.
// Events are stripped of host and user identifying data before sending.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/privacy"
)

const flushTimeout = 5 * time.Second

var sentryInitialized atomic.Bool

// InitSentry initializes the Sentry SDK when enabled in settings and installs
// the Sentry reporter for enhanced errors. It is a no-op otherwise.
func InitSentry(settings *conf.Settings, log logger.Logger) error {
	if !settings.Sentry.Enabled {
		log.Debug("sentry error reporting is disabled")
		return nil
	}
	return initWithOptions(clientOptions(settings), log)
}

func clientOptions(settings *conf.Settings) sentry.ClientOptions {
	env := settings.Sentry.Environment
	if env == "" {
		env = "production"
	}
	version := settings.Version
	if version == "" {
		version = "dev"
	}
	return sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      env,
		ServerName:       "", // keep the hostname out of events
		Release:          fmt.Sprintf("birdnet-sync@%s", version),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
}

func initWithOptions(opts sentry.ClientOptions, log logger.Logger) error {
	if err := sentry.Init(opts); err != nil {
		return errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	sentryInitialized.Store(true)
	log.Info("sentry error reporting enabled", logger.String("environment", opts.Environment))
	return nil
}

// Flush waits for queued events to be sent. Call it before the process exits.
func Flush() {
	if !sentryInitialized.Load() {
		return
	}
	sentry.Flush(flushTimeout)
}

// Shutdown flushes pending events and uninstalls the reporter.
func Shutdown() {
	if !sentryInitialized.Swap(false) {
		return
	}
	sentry.Flush(flushTimeout)
	errors.SetTelemetryReporter(nil)
}

// applyPrivacyFilters applies privacy filters to a Sentry event
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	event.Message = privacy.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = privacy.ScrubMessage(event.Exception[i].Value)
	}

	return event
}
