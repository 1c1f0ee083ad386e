package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errActivityFields = errors.New("activity requires type and name")

// Activity is a user action inside the host app (opened a module, finished a
// microgame) reported alongside the chat.
type Activity struct {
	Type      string
	Name      string
	Context   string
	Timestamp time.Time
	Extra     map[string]string
}

// ParseActivity decodes the activityData JSON object of a user_activity action.
// Unknown fields are kept as Extra, stringified.
func ParseActivity(raw string) (Activity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Activity{}, errActivityFields
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Activity{}, fmt.Errorf("decode activity data: %w", err)
	}

	activity := Activity{Extra: map[string]string{}}
	for key, value := range fields {
		text := stringify(value)
		switch key {
		case "type":
			activity.Type = strings.TrimSpace(text)
		case "name":
			activity.Name = strings.TrimSpace(text)
		case "context":
			activity.Context = text
		case "timestamp":
			activity.Timestamp = parseTimestamp(value)
		default:
			activity.Extra[key] = text
		}
	}

	if err := activity.Validate(); err != nil {
		return Activity{}, err
	}

	return activity, nil
}

// Validate reports whether the required type and name are present.
func (a Activity) Validate() error {
	if strings.TrimSpace(a.Type) == "" || strings.TrimSpace(a.Name) == "" {
		return errActivityFields
	}

	return nil
}

// Metadata flattens the activity into the string map attached to the next user message.
func (a Activity) Metadata() map[string]string {
	out := make(map[string]string, len(a.Extra)+4)
	for key, value := range a.Extra {
		out[key] = value
	}
	out["type"] = a.Type
	out["name"] = a.Name
	if a.Context != "" {
		out["context"] = a.Context
	}
	if !a.Timestamp.IsZero() {
		out["timestamp"] = strconv.FormatInt(a.Timestamp.UnixMilli(), 10)
	}

	return out
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

// parseTimestamp accepts unix milliseconds or an RFC 3339 string.
func parseTimestamp(value any) time.Time {
	switch v := value.(type) {
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	case string:
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts.UTC()
		}
	}

	return time.Time{}
}
