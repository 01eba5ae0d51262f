package jsonrpc

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter parses a Retry-After header value. It supports both
// delta-seconds and HTTP-date formats and returns 0 when the value is absent
// or unparseable.
func ParseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}

	if secs, err := strconv.ParseFloat(val, 64); err == nil && secs >= 0 {
		return time.Duration(math.Ceil(secs)) * time.Second
	}

	for _, layout := range []string{time.RFC1123, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, val); err == nil {
			d := time.Until(t)
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return 0
}
