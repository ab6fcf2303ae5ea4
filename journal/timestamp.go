package journal

import "time"

// ToTimestampNS converts t to the nanosecond epoch timestamp every record
// in a journal carries.
func ToTimestampNS(t time.Time) uint64 {
	return uint64(t.UnixNano())
}

// ToTime converts a record's nanosecond epoch timestamp back to a
// time.Time.
func ToTime(ts uint64) time.Time {
	return time.Unix(0, int64(ts))
}

// Time returns m's timestamp as a time.Time.
func (m Meta) Time() time.Time {
	return ToTime(m.TimestampNS)
}
