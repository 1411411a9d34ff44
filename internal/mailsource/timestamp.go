package mailsource

import (
	"net/mail"
	"strings"
	"time"
)

// messageTime prefers the Date header and falls back to the source's own
// receive time (milliseconds since epoch). Zero means neither was usable.
func messageTime(dateHeader string, internalMillis int64) time.Time {
	if dateHeader = strings.TrimSpace(dateHeader); dateHeader != "" {
		if t, err := mail.ParseDate(dateHeader); err == nil {
			return t.UTC()
		}
	}
	if internalMillis > 0 {
		return time.UnixMilli(internalMillis).UTC()
	}
	return time.Time{}
}
