package datastore

import (
	"database/sql/driver"
	"math"
	"strconv"
	"strings"
)

// Score is a detection confidence read from an edge store. SQLite does not
// enforce column types, so a value that cannot be read as a number scans as
// NaN instead of failing the whole query; validation then quarantines the row.
type Score float64

// Scan implements sql.Scanner.
func (s *Score) Scan(value any) error {
	switch v := value.(type) {
	case float64:
		*s = Score(v)
	case float32:
		*s = Score(v)
	case int64:
		*s = Score(v)
	case []byte:
		*s = parseScore(string(v))
	case string:
		*s = parseScore(v)
	default:
		*s = Score(math.NaN())
	}
	return nil
}

// Value implements driver.Valuer.
func (s Score) Value() (driver.Value, error) {
	return float64(s), nil
}

// Valid reports whether s is a confidence in [0, 1].
func (s Score) Valid() bool {
	f := float64(s)
	return !math.IsNaN(f) && f >= 0 && f <= 1
}

func parseScore(raw string) Score {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return Score(math.NaN())
	}
	return Score(f)
}
