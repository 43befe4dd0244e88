package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTimestamp(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("explicit timestamp without sent_at", func(t *testing.T) {
		ts, err := ResolveTimestamp(map[string]interface{}{
			"timestamp": "2024-03-01T11:55:00Z",
		}, now, nil)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 1, 11, 55, 0, 0, time.UTC), ts)
	})

	t.Run("sent_at cancels clock skew", func(t *testing.T) {
		// Client clock runs an hour fast: it stamped the event at 12:50
		// and sent it at 13:00, ten minutes later. The effective time is
		// server now minus that gap.
		sentAt := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
		ts, err := ResolveTimestamp(map[string]interface{}{
			"timestamp": "2024-03-01T12:50:00Z",
		}, now, &sentAt)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-10*time.Minute), ts)
	})

	t.Run("offset is milliseconds before now", func(t *testing.T) {
		ts, err := ResolveTimestamp(map[string]interface{}{
			"offset": float64(1500),
		}, now, nil)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-1500*time.Millisecond), ts)
	})

	t.Run("no hints means now", func(t *testing.T) {
		ts, err := ResolveTimestamp(map[string]interface{}{}, now, nil)
		require.NoError(t, err)
		assert.Equal(t, now, ts)
	})

	t.Run("unparseable timestamp falls back to now with error", func(t *testing.T) {
		ts, err := ResolveTimestamp(map[string]interface{}{
			"timestamp": "yesterday-ish",
		}, now, nil)
		require.Error(t, err)
		assert.Equal(t, now, ts)
	})

	t.Run("non-string timestamp falls back to now with error", func(t *testing.T) {
		ts, err := ResolveTimestamp(map[string]interface{}{
			"timestamp": 1709290800,
		}, now, nil)
		require.Error(t, err)
		assert.Equal(t, now, ts)
	})

	t.Run("space-separated layout accepted", func(t *testing.T) {
		ts, err := ResolveTimestamp(map[string]interface{}{
			"timestamp": "2024-03-01 11:30:00",
		}, now, nil)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC), ts)
	})

	t.Run("non-numeric offset falls back to now with error", func(t *testing.T) {
		ts, err := ResolveTimestamp(map[string]interface{}{
			"offset": "soon",
		}, now, nil)
		require.Error(t, err)
		assert.Equal(t, now, ts)
	})
}
