// Package jsontime provides time types with stable wire encodings.
package jsontime

import (
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Milli is a time.Time that serializes to/from Unix milliseconds in JSON
// and msgpack. Values built with NowMilli or FromTime carry no sub-millisecond
// part, so they survive a round trip unchanged.
type Milli time.Time

// NowMilli returns the current time truncated to milliseconds.
func NowMilli() Milli {
	return FromTime(time.Now())
}

// FromTime truncates t to milliseconds.
func FromTime(t time.Time) Milli {
	return Milli(time.UnixMilli(t.UnixMilli()))
}

// Time returns the underlying time.Time value.
func (ep Milli) Time() time.Time {
	return time.Time(ep)
}

// UnixMilli returns ep as Unix milliseconds.
func (ep Milli) UnixMilli() int64 {
	return time.Time(ep).UnixMilli()
}

// Before reports whether ep is before t.
func (ep Milli) Before(t Milli) bool {
	return time.Time(ep).Before(time.Time(t))
}

// After reports whether ep is after t.
func (ep Milli) After(t Milli) bool {
	return time.Time(ep).After(time.Time(t))
}

// Equal reports whether ep and t represent the same time instant.
func (ep Milli) Equal(t Milli) bool {
	return time.Time(ep).Equal(time.Time(t))
}

// Sub returns the duration ep-t.
func (ep Milli) Sub(t Milli) time.Duration {
	return time.Time(ep).Sub(time.Time(t))
}

// Add returns the time ep+d.
func (ep Milli) Add(d time.Duration) Milli {
	return Milli(time.Time(ep).Add(d))
}

// IsZero reports whether ep represents the zero time instant.
func (ep Milli) IsZero() bool {
	return time.Time(ep).IsZero()
}

func (ep Milli) String() string {
	return time.Time(ep).Format(time.RFC3339Nano)
}

// MarshalJSON implements json.Marshaler.
func (ep Milli) MarshalJSON() ([]byte, error) {
	return json.Marshal(ep.UnixMilli())
}

// UnmarshalJSON implements json.Unmarshaler.
func (ep *Milli) UnmarshalJSON(b []byte) error {
	var t int64
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*ep = Milli(time.UnixMilli(t))
	return nil
}

// MarshalMsgpack implements msgpack.Marshaler.
func (ep Milli) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(ep.UnixMilli())
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (ep *Milli) UnmarshalMsgpack(b []byte) error {
	var t int64
	if err := msgpack.Unmarshal(b, &t); err != nil {
		return err
	}
	*ep = Milli(time.UnixMilli(t))
	return nil
}
