package signing

import (
	"encoding/json"
	"math"
	"time"
)

// Claims is a set of named license facts. Numbers decoded from a token are
// kept as json.Number so that re-encoding reproduces the signed bytes.
type Claims map[string]any

// String returns the string value stored under key.
func (c Claims) String(key string) (string, bool) {
	v, ok := c[key].(string)
	return v, ok
}

// Bool returns the boolean value stored under key.
func (c Claims) Bool(key string) (bool, bool) {
	v, ok := c[key].(bool)
	return v, ok
}

// Int64 returns the integral value stored under key.
func (c Claims) Int64(key string) (int64, bool) {
	switch v := c[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

// Time interprets the value under key as a unix timestamp in seconds.
// Zero and absent values report false.
func (c Claims) Time(key string) (time.Time, bool) {
	n, ok := c.Int64(key)
	if !ok || n == 0 {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}
