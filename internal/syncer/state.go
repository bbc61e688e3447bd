package syncer

// State is a step of the per-station run state machine:
//
//	Idle → Extracting → Classifying → Writing → AdvancingCursor → PublishingStatus → Idle
//
// Extracting through AdvancingCursor repeat once per incremental batch, and
// the re-validation pass runs Extracting → Classifying → Writing without an
// advance. Failed is terminal and still publishes status.
type State int

const (
	StateIdle State = iota
	StateExtracting
	StateClassifying
	StateWriting
	StateAdvancingCursor
	StatePublishingStatus
	StateFailed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateExtracting:       "extracting",
	StateClassifying:      "classifying",
	StateWriting:          "writing",
	StateAdvancingCursor:  "advancing_cursor",
	StatePublishingStatus: "publishing_status",
	StateFailed:           "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
