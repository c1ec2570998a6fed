package models

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Timestamp is a last-modified version stamp, stored as milliseconds
// since the epoch. On the wire it is rendered as seconds with exactly
// two decimal places, which is the precision the sync protocol
// guarantees. Now() truncates to that precision so a stamp always
// round-trips through its wire form unchanged.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	ms := time.Now().UnixMilli()
	return Timestamp(ms - ms%10)
}

// TimestampFromTime converts a time.Time to wire precision.
func TimestampFromTime(t time.Time) Timestamp {
	ms := t.UnixMilli()
	return Timestamp(ms - ms%10)
}

// maxTimestampSeconds bounds parsed stamps to a sane epoch range so the
// millisecond conversion below cannot overflow int64. 1e11 seconds is
// roughly the year 5138.
const maxTimestampSeconds = 1e11

// ParseTimestamp parses a decimal-seconds string such as "1693276800.12".
func ParseTimestamp(s string) (Timestamp, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f > maxTimestampSeconds {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	ms := int64(f*100+0.5) * 10
	return Timestamp(ms), nil
}

// String renders the timestamp in its wire form.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%02d", int64(t)/1000, (int64(t)%1000)/10)
}

// Time converts the timestamp back to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// MarshalJSON renders the timestamp as a bare decimal number.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalJSON accepts either a decimal number or a string.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	ts, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}
