// model.go: gorm models for the edge and central stores
package datastore

import "time"

// DefaultEdgeTable is the table BirdNET-Go writes detections to.
const DefaultEdgeTable = "notes"

// EdgeNote is one detection row as written by the capture process on a
// station. Only the columns needed for synchronization are mapped; the
// table name is chosen per station with db.Table().
type EdgeNote struct {
	ID             uint64  `gorm:"column:id;primaryKey"`
	SourceNode     string  `gorm:"column:source_node"`
	Date           string  `gorm:"column:date"`
	Time           string  `gorm:"column:time"`
	ScientificName string  `gorm:"column:scientific_name"`
	CommonName     string  `gorm:"column:common_name"`
	Confidence     Score   `gorm:"column:confidence"`
	Latitude       float64 `gorm:"column:latitude"`
	Longitude      float64 `gorm:"column:longitude"`
	ClipName       string  `gorm:"column:clip_name"` // label, rewritten on human correction
}

// Observation is the central copy of a detection. Identity is the natural
// key (station, date, time); a removed row keeps its key and is revived in
// place when the key reappears on the station.
type Observation struct {
	ID             uint    `gorm:"primaryKey"`
	Station        string  `gorm:"size:64;not null;uniqueIndex:idx_observations_natural_key,priority:1;index:idx_observations_station_removed,priority:1"`
	Date           string  `gorm:"size:10;not null;uniqueIndex:idx_observations_natural_key,priority:2"`
	Time           string  `gorm:"size:8;not null;uniqueIndex:idx_observations_natural_key,priority:3"`
	ScientificName string  `gorm:"size:128;not null"`
	CommonName     string  `gorm:"size:128"`
	Confidence     float64 `gorm:"not null"`
	Label          string  `gorm:"size:255"`
	Latitude       float64
	Longitude      float64
	EdgeSeq        uint64 `gorm:"not null"`
	Removed        bool   `gorm:"not null;default:false;index:idx_observations_station_removed,priority:2"`
	RemovedAt      *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	LastSyncedAt   time.Time `gorm:"not null"`
}

// NaturalKey returns the identity of the observation.
func (o *Observation) NaturalKey() NaturalKey {
	return NaturalKey{Station: o.Station, Date: o.Date, Time: o.Time}
}

// SyncCursor records how far a station's edge store has been synchronized.
type SyncCursor struct {
	Station   string     `gorm:"primaryKey;size:64"`
	LastSeq   uint64     `gorm:"not null;default:0"`
	LastRunAt *time.Time // last run that finished, advanced or not
	UpdatedAt time.Time
}

// NaturalKey identifies a detection across stores.
type NaturalKey struct {
	Station string
	Date    string
	Time    string
}

// String renders the key as station/date time for logs.
func (k NaturalKey) String() string {
	return k.Station + "/" + k.Date + " " + k.Time
}

// CentralModels lists the tables owned by the sync engine.
func CentralModels() []any {
	return []any{&Observation{}, &SyncCursor{}}
}
