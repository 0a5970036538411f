package oracle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// resetTimePattern matches "resets 8pm", "reset at 8:30 am", "resets at 11pm", etc.
var resetTimePattern = regexp.MustCompile(`(?i)resets?\s*(?:at\s*)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)

// ParseResetTime finds a "resets (at) <h>(:mm) (am|pm)" phrase in text and
// returns the next local wall-clock occurrence of that time relative to
// now, rolling to tomorrow if the time has already passed today.
func ParseResetTime(text string, now time.Time) (time.Time, bool, error) {
	m := resetTimePattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false, nil
	}
	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return time.Time{}, false, fmt.Errorf("oracle: invalid reset hour in %q", text)
	}
	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil || minute < 0 || minute > 59 {
			return time.Time{}, false, fmt.Errorf("oracle: invalid reset minute in %q", text)
		}
	}
	if strings.EqualFold(m[3], "pm") && hour != 12 {
		hour += 12
	}
	if strings.EqualFold(m[3], "am") && hour == 12 {
		hour = 0
	}

	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, true, nil
}
