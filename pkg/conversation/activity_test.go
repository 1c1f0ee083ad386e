package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseActivity(t *testing.T) {
	activity, err := ParseActivity(`{"type":"module","name":"fractions-1","context":"opened","timestamp":1700000000000,"score":7,"hint":"used"}`)
	require.NoError(t, err)
	require.Equal(t, "module", activity.Type)
	require.Equal(t, "fractions-1", activity.Name)
	require.Equal(t, "opened", activity.Context)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), activity.Timestamp)
	require.Equal(t, map[string]string{"score": "7", "hint": "used"}, activity.Extra)

	meta := activity.Metadata()
	require.Equal(t, "module", meta["type"])
	require.Equal(t, "fractions-1", meta["name"])
	require.Equal(t, "1700000000000", meta["timestamp"])
	require.Equal(t, "7", meta["score"])
}

func TestParseActivityRejectsInvalidInput(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":        "",
		"not json":     "{oops",
		"missing name": `{"type":"module"}`,
		"blank type":   `{"type":"  ","name":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseActivity(raw)
			require.Error(t, err)
		})
	}
}

func TestParseActivityTimestampFormats(t *testing.T) {
	activity, err := ParseActivity(`{"type":"game","name":"runner","timestamp":"2026-01-02T03:04:05Z"}`)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), activity.Timestamp)

	activity, err = ParseActivity(`{"type":"game","name":"runner","timestamp":"bogus"}`)
	require.NoError(t, err)
	require.True(t, activity.Timestamp.IsZero())
}
