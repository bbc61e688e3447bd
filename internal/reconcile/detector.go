// Package reconcile compares edge detections with their central copies and
// decides what has to be written.
//
// Classification is pure: it never touches a store, and the same input always
// produces the same plan. Identity is the natural key (station, date, time);
// edge sequence numbers and labels are payload, never identity, because a
// human correction rewrites the label and a recreated edge store renumbers
// every row.
package reconcile

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/tphakala/birdnet-sync/internal/datastore"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"

	confidenceEpsilon = 1e-9
)

// Quarantine reasons.
const (
	ReasonBadDate         = "unparseable date"
	ReasonBadTime         = "unparseable time"
	ReasonNoSpecies       = "empty scientific name"
	ReasonBadConfidence   = "confidence outside [0,1]"
	ReasonDuplicateKey    = "duplicate natural key at edge, lower sequence superseded"
	ReasonCentralConflict = "multiple central rows for natural key, older copy left untouched"
)

// ScopeKind selects which central rows may be marked removed.
type ScopeKind int

const (
	// ScopeNone never removes; used for incremental batches that only see
	// new edge rows.
	ScopeNone ScopeKind = iota
	// ScopeSince removes rows dated on or after Since.
	ScopeSince
	// ScopeAll removes any row; used by full resync.
	ScopeAll
)

// Scope bounds removal detection to the part of the edge store that was read.
type Scope struct {
	Kind  ScopeKind
	Since string // YYYY-MM-DD, only for ScopeSince
}

// NoRemoval is the scope of an incremental batch.
func NoRemoval() Scope { return Scope{Kind: ScopeNone} }

// Since is the scope of a re-validation window starting at date.
func Since(date string) Scope { return Scope{Kind: ScopeSince, Since: date} }

// All is the scope of a full resync.
func All() Scope { return Scope{Kind: ScopeAll} }

// covers reports whether a central row dated date is inside the scope.
func (s Scope) covers(date string) bool {
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeSince:
		return date >= s.Since
	default:
		return false
	}
}

// String renders the scope for logs.
func (s Scope) String() string {
	switch s.Kind {
	case ScopeAll:
		return "all"
	case ScopeSince:
		return "since " + s.Since
	default:
		return "none"
	}
}

// Input is everything Classify looks at.
type Input struct {
	Station string
	Edge    []datastore.EdgeNote
	// Central holds the station's central rows for the keys and date range
	// covered by Edge and Scope, removed rows included.
	Central []datastore.Observation
	Scope   Scope
	Now     time.Time
}

// Skipped describes a row that was not written.
type Skipped struct {
	Seq    uint64
	Key    datastore.NaturalKey
	Reason string
}

// Result is the write plan for one batch or window.
type Result struct {
	ToInsert      []datastore.Observation
	ToUpdate      []datastore.Observation // corrected or restored rows, ID set
	ToMarkRemoved []datastore.Observation // ID set, Removed and RemovedAt filled in

	Quarantined []Skipped               // malformed edge rows
	Duplicates  []Skipped               // edge rows superseded by a higher sequence
	Conflicts   []datastore.Observation // central rows shadowed by a newer copy
	Unchanged   int
	Corrected   int
	Restored    int
}

// Empty reports whether the plan has nothing to write.
func (r *Result) Empty() bool {
	return len(r.ToInsert) == 0 && len(r.ToUpdate) == 0 && len(r.ToMarkRemoved) == 0
}

// Classify builds the write plan for in.
func Classify(in Input) Result {
	var res Result

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	edgeByKey, protected := indexEdge(in.Station, in.Edge, &res)
	centralByKey := indexCentral(in.Central, &res)

	// Walk edge rows in sequence order so the plan is deterministic
	keys := make([]datastore.NaturalKey, 0, len(edgeByKey))
	for k := range edgeByKey {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b datastore.NaturalKey) int {
		return cmp.Compare(edgeByKey[a].ID, edgeByKey[b].ID)
	})

	for _, key := range keys {
		note := edgeByKey[key]
		current, found := centralByKey[key]

		switch {
		case !found:
			res.ToInsert = append(res.ToInsert, newObservation(key, note, now))
		case current.Removed:
			restored := apply(current, note, now)
			restored.Removed = false
			restored.RemovedAt = nil
			res.ToUpdate = append(res.ToUpdate, restored)
			res.Restored++
		case differs(current, note):
			res.ToUpdate = append(res.ToUpdate, apply(current, note, now))
			res.Corrected++
		default:
			res.Unchanged++
		}
	}

	if in.Scope.Kind != ScopeNone {
		for key, current := range centralByKey {
			if current.Removed || !in.Scope.covers(current.Date) {
				continue
			}
			if _, ok := edgeByKey[key]; ok {
				continue
			}
			if protected[key] {
				continue
			}
			removed := current
			removedAt := now
			removed.Removed = true
			removed.RemovedAt = &removedAt
			res.ToMarkRemoved = append(res.ToMarkRemoved, removed)
		}
		slices.SortFunc(res.ToMarkRemoved, func(a, b datastore.Observation) int {
			return compareKeys(a.NaturalKey(), b.NaturalKey())
		})
	}

	return res
}

// indexEdge validates edge rows and maps the valid ones by natural key.
// Keys of malformed rows that can still be parsed are protected from
// removal: the detection exists at the edge even if it cannot be copied.
func indexEdge(station string, notes []datastore.EdgeNote, res *Result) (map[datastore.NaturalKey]datastore.EdgeNote, map[datastore.NaturalKey]bool) {
	byKey := make(map[datastore.NaturalKey]datastore.EdgeNote, len(notes))
	protected := make(map[datastore.NaturalKey]bool)

	for i := range notes {
		note := notes[i]
		key := datastore.NaturalKey{Station: station, Date: strings.TrimSpace(note.Date), Time: strings.TrimSpace(note.Time)}

		if reason, keyOK := validate(&note); reason != "" {
			res.Quarantined = append(res.Quarantined, Skipped{Seq: note.ID, Key: key, Reason: reason})
			if keyOK {
				protected[key] = true
			}
			continue
		}

		if existing, ok := byKey[key]; ok {
			loser := note
			if note.ID > existing.ID {
				byKey[key] = note
				loser = existing
			}
			res.Duplicates = append(res.Duplicates, Skipped{Seq: loser.ID, Key: key, Reason: ReasonDuplicateKey})
			continue
		}
		byKey[key] = note
	}

	return byKey, protected
}

// indexCentral maps central rows by natural key, keeping the most recently
// synced copy when a key occurs more than once.
func indexCentral(rows []datastore.Observation, res *Result) map[datastore.NaturalKey]datastore.Observation {
	byKey := make(map[datastore.NaturalKey]datastore.Observation, len(rows))
	for i := range rows {
		row := rows[i]
		key := row.NaturalKey()
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = row
			continue
		}
		if newer(row, existing) {
			byKey[key] = row
			res.Conflicts = append(res.Conflicts, existing)
		} else {
			res.Conflicts = append(res.Conflicts, row)
		}
	}
	return byKey
}

func newer(a, b datastore.Observation) bool {
	if !a.LastSyncedAt.Equal(b.LastSyncedAt) {
		return a.LastSyncedAt.After(b.LastSyncedAt)
	}
	return a.ID > b.ID
}

// validate returns the quarantine reason for a malformed note and whether
// its natural key is still usable.
func validate(note *datastore.EdgeNote) (reason string, keyOK bool) {
	_, dateErr := time.Parse(dateLayout, strings.TrimSpace(note.Date))
	_, timeErr := time.Parse(timeLayout, strings.TrimSpace(note.Time))
	keyOK = dateErr == nil && timeErr == nil

	switch {
	case dateErr != nil:
		return ReasonBadDate, false
	case timeErr != nil:
		return ReasonBadTime, false
	case strings.TrimSpace(note.ScientificName) == "":
		return ReasonNoSpecies, keyOK
	case !note.Confidence.Valid():
		return ReasonBadConfidence, keyOK
	}
	return "", keyOK
}

func differs(current datastore.Observation, note datastore.EdgeNote) bool {
	return current.ScientificName != note.ScientificName ||
		current.CommonName != note.CommonName ||
		current.Label != note.ClipName ||
		math.Abs(current.Confidence-float64(note.Confidence)) > confidenceEpsilon
}

func newObservation(key datastore.NaturalKey, note datastore.EdgeNote, now time.Time) datastore.Observation {
	return datastore.Observation{
		Station:        key.Station,
		Date:           key.Date,
		Time:           key.Time,
		ScientificName: note.ScientificName,
		CommonName:     note.CommonName,
		Confidence:     float64(note.Confidence),
		Label:          note.ClipName,
		Latitude:       note.Latitude,
		Longitude:      note.Longitude,
		EdgeSeq:        note.ID,
		CreatedAt:      now,
		LastSyncedAt:   now,
	}
}

// apply copies the edge payload onto the central row, keeping its identity
// and creation time.
func apply(current datastore.Observation, note datastore.EdgeNote, now time.Time) datastore.Observation {
	updated := current
	updated.ScientificName = note.ScientificName
	updated.CommonName = note.CommonName
	updated.Confidence = float64(note.Confidence)
	updated.Label = note.ClipName
	updated.Latitude = note.Latitude
	updated.Longitude = note.Longitude
	updated.EdgeSeq = note.ID
	updated.LastSyncedAt = now
	return updated
}

func compareKeys(a, b datastore.NaturalKey) int {
	if c := cmp.Compare(a.Station, b.Station); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Date, b.Date); c != 0 {
		return c
	}
	return cmp.Compare(a.Time, b.Time)
}
