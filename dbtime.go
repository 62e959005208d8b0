package craftdb

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// DBTime scans the datetime representations the supported drivers return
// (time.Time, text and raw bytes) and writes values in TimeFormat.
type DBTime struct {
	time.Time
}

// NewDBTime wraps t, normalised to UTC.
func NewDBTime(t time.Time) DBTime {
	return DBTime{Time: t.UTC()}
}

func (t *DBTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case []byte:
		value = string(v)
	}
	parsed, err := cast.ToTimeInDefaultLocationE(value, time.UTC)
	if err != nil {
		return fmt.Errorf("scan time: %w", err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t DBTime) Value() (driver.Value, error) {
	if t.Time.IsZero() {
		return nil, nil
	}
	return FormatTime(t.Time), nil
}

func (t DBTime) String() string { return FormatTime(t.Time) }
