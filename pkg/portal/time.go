package portal

import "time"

// ParseTime parses the timestamp formats the portal is known to serve:
// RFC3339 datetimes with or without a zone and bare dates. Naive values
// are treated as UTC. Returns nil when the value is empty or unparseable.
func ParseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
