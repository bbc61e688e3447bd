// Package metrics defines the Prometheus collectors of birdnet-sync.
package metrics

// Row outcomes counted per run.
const (
	OutcomeInserted    = "inserted"
	OutcomeUpdated     = "updated"
	OutcomeRemoved     = "removed"
	OutcomeQuarantined = "quarantined"
	OutcomeDuplicate   = "duplicate"
	OutcomeUnchanged   = "unchanged"
)

// Publish results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped" // circuit open
)

// statusCodes maps a run status to the value of the last_run_status gauge.
var statusCodes = map[string]float64{
	"success": 0,
	"partial": 1,
	"error":   2,
}
