package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteTransitionMetric records a locker status transition.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - kioskID: Site identifier (e.g., "gym-1")
//   - lockerID: Locker number within the kiosk
//   - from: Status before the transition
//   - to: Status after the transition
//
// Example:
//
//	client.WriteTransitionMetric("gym-1", 17, "opening", "owned")
func (c *Client) WriteTransitionMetric(kioskID string, lockerID int, from, to string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"locker_transitions",
		map[string]string{
			"kiosk_id":  kioskID,
			"locker_id": strconv.Itoa(lockerID),
			"from":      from,
			"to":        to,
		},
		map[string]any{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePulseMetric records a relay pulse attempt against a locker.
//
// Used for tracking hardware reliability per locker and per board.
//
// Parameters:
//   - kioskID: Site identifier
//   - lockerID: Locker number
//   - durationMs: Pulse hold duration in milliseconds
//   - success: Whether the pulse completed without a bus error
func (c *Client) WritePulseMetric(kioskID string, lockerID int, durationMs int, success bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"relay_pulses",
		map[string]string{
			"kiosk_id":  kioskID,
			"locker_id": strconv.Itoa(lockerID),
			"success":   strconv.FormatBool(success),
		},
		map[string]any{
			"duration_ms": durationMs,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandMetric records the outcome of a queued command execution.
//
// Parameters:
//   - kioskID: Site identifier
//   - commandType: The command type (e.g., "open_locker")
//   - status: Terminal status ("completed", "failed", "cancelled")
//   - retries: Number of retries the command consumed
func (c *Client) WriteCommandMetric(kioskID, commandType, status string, retries int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"commands",
		map[string]string{
			"kiosk_id": kioskID,
			"type":     commandType,
			"status":   status,
		},
		map[string]any{
			"retries": retries,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("bus_stats",
//	    map[string]string{"kiosk_id": "gym-1"},
//	    map[string]any{"crc_errors": 3, "timeouts": 1})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., replayed events).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
