// Package errors - telemetry integration (optional)
package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// SentryReporter implements TelemetryReporter for Sentry
type SentryReporter struct {
	enabled bool
	// minPriority filters out low value reports; empty reports everything
	minPriority string
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled, minPriority: PriorityHigh}
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry with privacy protection
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() || !priorityAtLeast(ee.Priority, sr.minPriority) {
		return
	}

	message := scrubMessageForPrivacy(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))
	component := ee.GetComponent()

	sentry.WithScope(func(scope *sentry.Scope) {
		title := generateErrorTitle(ee)

		scope.SetTag("error_title", title)
		scope.SetTag("component", component)
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))
		if station, ok := ee.GetContext()["station"].(string); ok {
			scope.SetTag("station", station)
		}

		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = scrubMessageForPrivacy(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}

		level := getErrorLevel(ee.Category)
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

func priorityAtLeast(have, want string) bool {
	rank := map[string]int{"": 0, PriorityLow: 1, PriorityMedium: 2, PriorityHigh: 3, PriorityCritical: 4}
	return rank[have] >= rank[want]
}

// generateErrorTitle creates a meaningful error title for Sentry based on enhanced error context
func generateErrorTitle(ee *EnhancedError) string {
	var titleParts []string

	if c := ee.GetComponent(); c != "" && c != ComponentUnknown {
		titleParts = append(titleParts, titleCase(c))
	}
	if t := formatCategoryForTitle(ee.Category); t != "" {
		titleParts = append(titleParts, t)
	}
	if op, ok := ee.GetContext()["operation"].(string); ok && op != "" {
		titleParts = append(titleParts, formatOperationForTitle(op))
	}

	if len(titleParts) == 0 {
		return fmt.Sprintf("%T", ee.Err)
	}
	return strings.Join(titleParts, " ")
}

// formatCategoryForTitle converts error categories to human-readable titles
func formatCategoryForTitle(category ErrorCategory) string {
	switch category {
	case CategoryEdgeUnavailable:
		return "Edge Store Unavailable"
	case CategoryCentralUnavailable:
		return "Central Store Unavailable"
	case CategoryRetry:
		return "Retries Exhausted"
	case CategoryRunLock:
		return "Run Lock Busy"
	case CategoryAuthentication:
		return "Authentication Error"
	case CategoryDatabase:
		return "Database Error"
	case CategoryConfiguration:
		return "Configuration Error"
	case CategoryTimeout:
		return "Timeout"
	default:
		return string(category)
	}
}

func formatOperationForTitle(operation string) string {
	words := strings.Fields(strings.ReplaceAll(operation, "_", " "))
	for i, word := range words {
		words[i] = titleCase(word)
	}
	return strings.Join(words, " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// getErrorLevel returns appropriate Sentry level based on category
func getErrorLevel(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryStoreLocked, CategoryConnectionReset, CategoryTimeout, CategoryMQTTPublish, CategoryMQTTConnection:
		return sentry.LevelWarning
	case CategoryDataShape:
		return sentry.LevelInfo
	case CategoryRunLock:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

var (
	reporterMu              sync.RWMutex
	globalTelemetryReporter TelemetryReporter
)

// SetTelemetryReporter sets the global telemetry reporter
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	globalTelemetryReporter = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return globalTelemetryReporter
}

// Report sends an already built error to the configured reporter. Build
// reports automatically; Report is for errors whose priority is raised after
// construction, such as the final error of a failed run.
func Report(ee *EnhancedError) {
	reportToTelemetry(ee)
}

func reportToTelemetry(ee *EnhancedError) {
	if r := GetTelemetryReporter(); r != nil && r.IsEnabled() {
		r.ReportError(ee)
	}
}

var (
	urlQueryRegex = regexp.MustCompile(`(https?://[^?\s]+)\?\S*`)
	dsnPassRegex  = regexp.MustCompile(`([A-Za-z0-9_.-]+):[^@\s/]+@(tcp|unix)\(`)
	secretRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)password[=:]\S+`),
		regexp.MustCompile(`(?i)token[=:]\S+`),
		regexp.MustCompile(`(?i)api[_-]?key[=:]\S+`),
	}
)

// scrubMessageForPrivacy removes credentials and query strings from messages
func scrubMessageForPrivacy(message string) string {
	scrubbed := urlQueryRegex.ReplaceAllString(message, "$1?[REDACTED]")
	scrubbed = dsnPassRegex.ReplaceAllString(scrubbed, "$1:[REDACTED]@$2(")
	for _, re := range secretRegexes {
		scrubbed = re.ReplaceAllString(scrubbed, "[REDACTED]")
	}
	return scrubbed
}
