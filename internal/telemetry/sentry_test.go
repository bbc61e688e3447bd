package telemetry

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/testutil"
)

// These tests change the global Sentry hub and error reporter, so they do
// not run in parallel.

func initMock(t *testing.T) *MockTransport {
	t.Helper()
	transport := NewMockTransport()
	settings := &conf.Settings{Version: "1.2.3"}
	settings.Sentry = conf.SentrySettings{Enabled: true, DSN: "https://public@example.invalid/1"}
	opts := clientOptions(settings)
	opts.Transport = transport
	require.NoError(t, initWithOptions(opts, testutil.Quiet()))
	t.Cleanup(Shutdown)
	return transport
}

func TestDisabledSentryIsNoop(t *testing.T) {
	settings := &conf.Settings{}
	require.NoError(t, InitSentry(settings, testutil.Quiet()))
	assert.False(t, sentryInitialized.Load())
	Flush()
}

func TestCriticalErrorIsReported(t *testing.T) {
	transport := initMock(t)

	err := errors.Newf("central store unreachable").
		Component("syncer").
		Category(errors.CategoryCentralUnavailable).
		Priority(errors.PriorityCritical).
		Context("station", "zolder").
		Context("operation", "open_central").
		Build()
	require.Error(t, err)
	Flush()

	events := transport.GetEvents()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "zolder", ev.Tags["station"])
	assert.Equal(t, string(errors.CategoryCentralUnavailable), ev.Tags["category"])
	assert.Equal(t, "birdnet-sync@1.2.3", ev.Release)
	assert.Empty(t, ev.ServerName)
}

func TestLowPriorityErrorIsNotReported(t *testing.T) {
	transport := initMock(t)

	_ = errors.Newf("row rejected").
		Category(errors.CategoryDataShape).
		Priority(errors.PriorityLow).
		Build()
	Flush()

	assert.Empty(t, transport.GetEvents())
}

func TestPrivacyFilters(t *testing.T) {
	ev := &sentry.Event{
		ServerName: "pi-zolder",
		User:       sentry.User{Username: "pi"},
		Contexts:   map[string]sentry.Context{"os": {"name": "linux"}, "trace": {}},
		Extra:      map[string]any{"component": "edge", "path": "/home/pi/birdnet.db"},
		Tags:       map[string]string{"hostname": "pi-zolder", "station": "zolder"},
		Message:    "open central store: dial tcp 192.168.1.5:3306: connection refused",
		Exception:  []sentry.Exception{{Type: "*errors.EnhancedError", Value: "stat /home/pi/birdnet.db: no such file or directory"}},
	}

	out := applyPrivacyFilters(ev)
	assert.Empty(t, out.ServerName)
	assert.True(t, out.User.IsEmpty())
	assert.NotContains(t, out.Contexts, "os")
	assert.Contains(t, out.Contexts, "trace")
	assert.Equal(t, map[string]any{"component": "edge"}, out.Extra)
	assert.Equal(t, map[string]string{"station": "zolder"}, out.Tags)
	assert.Equal(t, "open central store: dial tcp private-ip:3306: connection refused", out.Message)
	assert.Equal(t, "stat /home/[USER]/birdnet.db: no such file or directory", out.Exception[0].Value)
}
