// Package influxdb provides InfluxDB connectivity for Locker Core.
//
// It wraps the official influxdb-client-go v2 library with Locker Core-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Locker status transitions (usage patterns, dwell times)
//   - Relay pulse outcomes (hardware reliability per locker/board)
//   - Command queue outcomes (retry counts, failure rates)
//
// InfluxDB is optional - the controller runs standalone when
// influxdb.enabled is false.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "kioskworks",
//	    Bucket: "lockers",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteTransitionMetric("gym-1", 17, "opening", "owned")
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This keeps the relay bus hot path free of network I/O.
package influxdb
